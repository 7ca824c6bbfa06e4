package datachannel

import (
	"testing"

	piondatachannel "github.com/pion/datachannel"
	"github.com/stretchr/testify/require"
)

func TestReliabilityConfigRoundTrip(t *testing.T) {
	maxRetransmits := uint16(3)
	maxLifetime := uint16(500)

	cases := []Reliability{
		{Ordered: true},
		{Ordered: false},
		{Ordered: true, MaxRetransmits: &maxRetransmits},
		{Ordered: false, MaxRetransmits: &maxRetransmits},
		{Ordered: true, MaxPacketLifeTime: &maxLifetime},
		{Ordered: false, MaxPacketLifeTime: &maxLifetime},
	}

	for _, want := range cases {
		cfg := want.toConfig("label")
		got := reliabilityFromConfig(cfg)
		require.Equal(t, want.Ordered, got.Ordered)
		if want.MaxRetransmits != nil {
			require.NotNil(t, got.MaxRetransmits)
			require.Equal(t, *want.MaxRetransmits, *got.MaxRetransmits)
		}
		if want.MaxPacketLifeTime != nil {
			require.NotNil(t, got.MaxPacketLifeTime)
			require.Equal(t, *want.MaxPacketLifeTime, *got.MaxPacketLifeTime)
		}
	}
}

func TestStreamIDParityMatchesDTLSRole(t *testing.T) {
	require.Equal(t, uint16(0), streamIDParity(true))
	require.Equal(t, uint16(1), streamIDParity(false))
}

// TestNextStreamIDStepsByTwo replays OpenChannel's nextStreamID += 2 step by
// hand, since OpenChannel itself needs a live SCTP association.
func TestNextStreamIDStepsByTwo(t *testing.T) {
	tr := &Transport{nextStreamID: streamIDParity(true)}

	first := tr.nextStreamID
	tr.mu.Lock()
	tr.nextStreamID += 2
	tr.mu.Unlock()
	second := tr.nextStreamID

	require.Equal(t, uint16(0), first)
	require.Equal(t, uint16(2), second)
}

func TestReliableConfigDefaultsToChannelTypeReliable(t *testing.T) {
	cfg := Reliability{Ordered: true}.toConfig("chat")
	require.Equal(t, piondatachannel.ChannelTypeReliable, cfg.ChannelType)
	require.Equal(t, "chat", cfg.Label)
}

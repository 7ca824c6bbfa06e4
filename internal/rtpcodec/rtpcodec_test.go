package rtpcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPacketizerUnsupportedKind(t *testing.T) {
	_, err := NewPacketizer(Kind(99), 1200, 96, 1, 90000)
	require.Error(t, err)
}

func TestNewDepacketizerUnsupportedKind(t *testing.T) {
	_, err := NewDepacketizer(Kind(99))
	require.Error(t, err)
}

func TestG711PassThroughRoundTrip(t *testing.T) {
	p, err := NewPacketizer(KindG711Mu, 1200, 0, 1, 8000)
	require.NoError(t, err)

	frame := []byte{1, 2, 3, 4, 5}
	pkts := p.Packetize(frame, 160)
	require.Len(t, pkts, 1)
	require.Equal(t, frame, []byte(pkts[0].Payload))

	d, err := NewDepacketizer(KindG711Mu)
	require.NoError(t, err)
	require.True(t, d.IsPartitionHead(pkts[0].Payload))
	require.True(t, d.IsPartitionTail(pkts[0].Marker, pkts[0].Payload))

	out, err := d.Unmarshal(pkts[0].Payload)
	require.NoError(t, err)
	require.Equal(t, frame, out)
}

func TestOpusPacketizerOnePacketPerFrame(t *testing.T) {
	p, err := NewPacketizer(KindOpus, 1200, 111, 2, 48000)
	require.NoError(t, err)

	frame := make([]byte, 120)
	pkts := p.Packetize(frame, 960)
	require.Len(t, pkts, 1)
	require.True(t, pkts[0].Marker, "opus RTP packets always set the marker bit")
}

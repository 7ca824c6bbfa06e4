package srtp

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func TestRollingBufferInvalidSize(t *testing.T) {
	_, err := NewRollingBuffer(3)
	require.Error(t, err)
}

func TestRollingBufferAddGet(t *testing.T) {
	b, err := NewRollingBuffer(16)
	require.NoError(t, err)

	for seq := uint16(0); seq < 10; seq++ {
		b.Add(rtp.Header{SequenceNumber: seq, PayloadType: 96}, []byte{byte(seq)})
	}

	hdr, payload, ok := b.Get(5)
	require.True(t, ok)
	require.Equal(t, uint16(5), hdr.SequenceNumber)
	require.Equal(t, []byte{5}, payload)

	_, _, ok = b.Get(20)
	require.False(t, ok)
}

func TestRollingBufferWraparoundEvictsStale(t *testing.T) {
	b, err := NewRollingBuffer(4)
	require.NoError(t, err)

	for seq := uint16(0); seq < 4; seq++ {
		b.Add(rtp.Header{SequenceNumber: seq}, []byte{byte(seq)})
	}
	// Overwrite the whole ring; seq 0 should no longer be retrievable.
	for seq := uint16(4); seq < 8; seq++ {
		b.Add(rtp.Header{SequenceNumber: seq}, []byte{byte(seq)})
	}

	_, _, ok := b.Get(0)
	require.False(t, ok)

	hdr, payload, ok := b.Get(7)
	require.True(t, ok)
	require.Equal(t, uint16(7), hdr.SequenceNumber)
	require.Equal(t, []byte{7}, payload)
}

func TestRollingBufferSkipGapClearsIntermediateSlots(t *testing.T) {
	b, err := NewRollingBuffer(8)
	require.NoError(t, err)

	b.Add(rtp.Header{SequenceNumber: 0}, []byte{0})
	b.Add(rtp.Header{SequenceNumber: 1}, []byte{1})
	// Skip straight to seq 9, which reuses slot 1 (9 % 8 == 1); the old
	// packet in that slot must not be confused for seq 1 anymore.
	b.Add(rtp.Header{SequenceNumber: 9}, []byte{9})

	_, _, ok := b.Get(1)
	require.False(t, ok)

	hdr, payload, ok := b.Get(9)
	require.True(t, ok)
	require.Equal(t, uint16(9), hdr.SequenceNumber)
	require.Equal(t, []byte{9}, payload)
}

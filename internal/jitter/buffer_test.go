package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fuaDepacketizer mimics H.264 FU-A framing for tests: a payload's first
// byte's low bit marks start-of-fragment, and the marker bit (passed
// through IsPartitionTail) marks end-of-frame, matching spec section 4.6.
type fuaDepacketizer struct{}

func (fuaDepacketizer) IsPartitionHead(payload []byte) bool {
	return len(payload) > 0 && payload[0]&0x01 == 1
}

func (fuaDepacketizer) IsPartitionTail(marker bool, _ []byte) bool { return marker }

func (fuaDepacketizer) Unmarshal(payload []byte) ([]byte, error) {
	return payload[1:], nil
}

func TestBufferFUAFiveFragmentRun(t *testing.T) {
	var readyStart, readyEnd uint16
	fired := 0

	b := New(1234, 90000, 2*time.Second, fuaDepacketizer{})
	b.OnFrameReady(func(start, end uint16) {
		fired++
		readyStart, readyEnd = start, end
	})

	// Sequence numbers 100..104, marker set on 104 (spec section 8 test 6).
	b.Push(100, 1000, []byte{0x01, 0xAA}, false)
	b.Push(101, 1000, []byte{0x00, 0xBB}, false)
	b.Push(102, 1000, []byte{0x00, 0xCC}, false)
	b.Push(103, 1000, []byte{0x00, 0xDD}, false)
	b.Push(104, 1000, []byte{0x00, 0xEE}, true)

	require.Equal(t, 1, fired)
	require.Equal(t, uint16(100), readyStart)
	require.Equal(t, uint16(104), readyEnd)

	data, ts, err := b.FillFrame(readyStart, readyEnd)
	require.NoError(t, err)
	require.Equal(t, uint32(1000), ts)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, data)

	b.Free(readyStart, readyEnd)
}

func TestBufferOutOfOrderArrivalStillAssembles(t *testing.T) {
	fired := false
	var start, end uint16

	b := New(1, 90000, 2*time.Second, fuaDepacketizer{})
	b.OnFrameReady(func(s, e uint16) {
		fired = true
		start, end = s, e
	})

	b.Push(10, 500, []byte{0x01, 1}, false)
	b.Push(12, 500, []byte{0x00, 3}, true)
	require.False(t, fired, "must not be ready with a gap at seq 11")

	b.Push(11, 500, []byte{0x00, 2}, false)
	require.True(t, fired)
	require.Equal(t, uint16(10), start)
	require.Equal(t, uint16(12), end)
}

func TestBufferOnePacketPerFrameCodec(t *testing.T) {
	fired := 0
	b := New(1, 48000, 2*time.Second, fuaDepacketizer{})
	b.OnFrameReady(func(s, e uint16) {
		fired++
		require.Equal(t, s, e)
		b.Free(s, e)
	})

	for seq := uint16(0); seq < 5; seq++ {
		// Opus/G.711-style: every packet both starts and ends a frame.
		b.Push(seq, uint32(seq)*960, []byte{0x01, byte(seq)}, true)
	}
	require.Equal(t, 5, fired)
}

func TestBufferStaleLatePacketDiscarded(t *testing.T) {
	b := New(1, 90000, 2*time.Second, fuaDepacketizer{})
	fired := 0
	b.OnFrameReady(func(s, e uint16) {
		fired++
		b.Free(s, e)
	})

	b.Push(5, 100, []byte{0x01, 0xAA}, true)
	require.Equal(t, 1, fired)

	// A late, already-delivered sequence number must be dropped, not
	// reprocessed.
	b.Push(5, 100, []byte{0x01, 0xAA}, true)
	require.Equal(t, 1, fired)
}

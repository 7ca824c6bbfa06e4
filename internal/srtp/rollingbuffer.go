// Package srtp wraps github.com/pion/srtp/v3 sessions over the endpoints
// internal/mux demultiplexes from the DTLS-secured transport, and layers the
// retransmission (NACK) and bandwidth estimation (TWCC) behavior spec
// section 4.4 describes on top.
package srtp

import (
	"errors"
	"math/bits"

	"github.com/pion/rtp"
)

const uint16SizeHalf = 1 << 15

var errRollingBufferSize = errors.New("rolling buffer size must be a power of two in [1, 32768]")

// bufferedPacket is what the rolling buffer keeps per outbound sequence
// number: the header as sent plus the unencrypted payload, so a NACK'd
// packet can be re-protected and resent verbatim, or re-wrapped with an
// RFC 4588 OSN prefix when the RTX payload type differs from the primary
// one, per spec section 4.4's retransmit step.
type bufferedPacket struct {
	header  rtp.Header
	payload []byte
}

// RollingBuffer is a fixed-size, power-of-two-sized ring buffer of recently
// sent RTP packets, keyed by sequence number modulo the buffer size. Once a
// slot is overwritten the original packet is no longer retransmittable,
// which bounds retransmission history to roughly one buffer's worth of
// recent sends.
type RollingBuffer struct {
	packets   []*bufferedPacket
	size      uint16
	lastAdded uint16
	started   bool
}

// NewRollingBuffer constructs a buffer of the given size, which must be a
// power of two in [1, 32768] so the modulo-index below reduces to a mask.
func NewRollingBuffer(size uint16) (*RollingBuffer, error) {
	if size == 0 || bits.OnesCount16(size) != 1 {
		return nil, errRollingBufferSize
	}
	return &RollingBuffer{packets: make([]*bufferedPacket, size), size: size}, nil
}

// Add records a packet just written to the wire.
func (b *RollingBuffer) Add(header rtp.Header, payload []byte) {
	entry := &bufferedPacket{header: header, payload: append([]byte(nil), payload...)}
	seq := header.SequenceNumber

	if !b.started {
		b.packets[seq%b.size] = entry
		b.lastAdded = seq
		b.started = true
		return
	}

	diff := seq - b.lastAdded
	if diff == 0 {
		return
	} else if diff < uint16SizeHalf {
		for i := b.lastAdded + 1; i != seq; i++ {
			b.packets[i%b.size] = nil
		}
	}

	b.packets[seq%b.size] = entry
	b.lastAdded = seq
}

// Get returns the buffered header and payload for seq, or ok=false if it has
// aged out of the window or was never sent.
func (b *RollingBuffer) Get(seq uint16) (header rtp.Header, payload []byte, ok bool) {
	diff := b.lastAdded - seq
	if diff >= uint16SizeHalf || diff >= b.size {
		return rtp.Header{}, nil, false
	}

	entry := b.packets[seq%b.size]
	if entry == nil || entry.header.SequenceNumber != seq {
		return rtp.Header{}, nil, false
	}

	return entry.header, entry.payload, true
}

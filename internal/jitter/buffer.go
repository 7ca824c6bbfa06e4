// Package jitter implements the per-SSRC jitter buffer from spec section
// 4.5: a sparse, sequence-ordered store of recently received RTP payloads
// that detects complete access units (frame-ready) and evicts packets that
// have aged past the configured buffer duration (frame-drop), in the manner
// of pion/webrtc's pkg/media/samplebuilder but driven by push rather than
// pull, since the session orchestrator wants a callback the instant a frame
// completes rather than polling.
package jitter

import (
	"time"
)

// seqWrapThreshold is the distance under which two sequence numbers are
// considered a forward wrap rather than the old value simply being larger
// (spec section 4.5, "distances under a threshold (1024) as forward wraps").
const seqWrapThreshold = 1024

// capacity bounds how many in-flight packets a single SSRC's buffer can hold
// before the oldest are forced out regardless of buffer duration; sized
// generously above any plausible single-frame fragment count (spec section
// 4.6 caps H.264/H.265 access units at 64 NALUs).
const capacity = 4096

// Depacketizer supplies the per-codec framing decisions the buffer needs:
// which packets start and end an access unit, and how to turn a payload
// into assembled access-unit bytes. internal/rtpcodec's packetizers
// implement this.
type Depacketizer interface {
	IsPartitionHead(payload []byte) bool
	IsPartitionTail(marker bool, payload []byte) bool
	Unmarshal(payload []byte) ([]byte, error)
}

type slot struct {
	present   bool
	start     bool
	end       bool
	seq       uint16
	timestamp uint32
	payload   []byte
}

// Buffer is a single-SSRC jitter buffer. It has no internal lock: spec
// section 4.5 requires push and pop to run on the peer session's own task.
type Buffer struct {
	ssrc           uint32
	clockRate      uint32
	bufferDuration time.Duration
	depacketizer   Depacketizer

	entries    []slot
	head, tail uint16 // circular index range [tail, head), head==tail means empty

	hasNewest      bool
	newestSeq      uint16
	newestTS       uint32
	hasLastDelivered bool
	lastDeliveredSeq uint16

	awaitingFree bool

	onFrameReady func(startSeq, endSeq uint16)
	onFrameDrop  func(startSeq, endSeq uint16)
}

// New constructs a jitter buffer for one SSRC. bufferDuration defaults to
// 2s (spec section 4.5) if zero.
func New(ssrc uint32, clockRate uint32, bufferDuration time.Duration, depacketizer Depacketizer) *Buffer {
	if bufferDuration <= 0 {
		bufferDuration = 2 * time.Second
	}
	return &Buffer{
		ssrc:           ssrc,
		clockRate:      clockRate,
		bufferDuration: bufferDuration,
		depacketizer:   depacketizer,
		entries:        make([]slot, capacity),
	}
}

// OnFrameReady registers the callback invoked when a contiguous run from a
// start-flagged to an end-flagged packet completes. The callback should
// call FillFrame then Free before returning, or before the next Push.
func (b *Buffer) OnFrameReady(f func(startSeq, endSeq uint16)) { b.onFrameReady = f }

// OnFrameDrop registers the callback invoked when eviction breaks an
// incomplete run.
func (b *Buffer) OnFrameDrop(f func(startSeq, endSeq uint16)) { b.onFrameDrop = f }

func (b *Buffer) len() int {
	if b.tail <= b.head {
		return int(b.head - b.tail)
	}
	return int(b.head) + len(b.entries) - int(b.tail)
}

func (b *Buffer) inc(i uint16) uint16 {
	if int(i) < len(b.entries)-1 {
		return i + 1
	}
	return 0
}

func (b *Buffer) dec(i uint16) uint16 {
	if i > 0 {
		return i - 1
	}
	return uint16(len(b.entries) - 1)
}

func forwardDistance(from, to uint16) uint16 { return to - from }

func isForward(d uint16) bool { return d != 0 && d < seqWrapThreshold }

// Push inserts one packet's payload at its sequence position, evaluates the
// frame-drop policy (age-based eviction), then the frame-ready policy
// (contiguous start..end run), invoking the registered callbacks as needed.
func (b *Buffer) Push(seq uint16, timestamp uint32, payload []byte, marker bool) {
	if b.hasLastDelivered && !isForward(forwardDistance(b.lastDeliveredSeq, seq)) {
		return // stale duplicate or late arrival behind the last delivered frame
	}

	start := b.depacketizer.IsPartitionHead(payload)
	end := b.depacketizer.IsPartitionTail(marker, payload)

	if b.head == b.tail {
		b.entries[0] = slot{present: true, start: start, end: end, seq: seq, timestamp: timestamp, payload: payload}
		b.tail, b.head = 0, 1
	} else {
		b.insert(seq, timestamp, payload, start, end)
	}

	if !b.hasNewest || isForward(forwardDistance(b.newestSeq, seq)) {
		b.hasNewest = true
		b.newestSeq = seq
		b.newestTS = timestamp
	}

	b.evictStale()

	if !b.awaitingFree {
		b.detectReady()
	}
}

func (b *Buffer) insert(seq uint16, timestamp uint32, payload []byte, start, end bool) {
	lastIdx := b.dec(b.head)
	lastSeq := b.entries[lastIdx].seq

	switch {
	case seq == lastSeq+1:
		// Sequential append; make room if the ring is full.
		if b.tail == b.inc(b.head) {
			b.evictOne()
		}
		b.entries[b.head] = slot{present: true, start: start, end: end, seq: seq, timestamp: timestamp, payload: payload}
		b.head = b.inc(b.head)

	case isForward(forwardDistance(lastSeq, seq)):
		// Future packet: skip ahead, leaving gaps behind it.
		gap := seq - lastSeq - 1
		if int(gap) >= len(b.entries)-1 {
			b.reset()
			b.entries[0] = slot{present: true, start: start, end: end, seq: seq, timestamp: timestamp, payload: payload}
			b.tail, b.head = 0, 1
			return
		}
		for uint16(b.len())+gap+1 >= uint16(len(b.entries)-1) {
			if !b.evictOne() {
				break
			}
		}
		idx := (b.head + gap) % uint16(len(b.entries))
		b.entries[idx] = slot{present: true, start: start, end: end, seq: seq, timestamp: timestamp, payload: payload}
		b.head = b.inc(idx)

	default:
		// Packet in the past relative to head, but still within the window
		// the forwardDistance/isForward check at the top of Push let through.
		back := lastSeq - seq + 1
		if int(back) >= len(b.entries)-1 {
			return // too old to place
		}
		var idx uint16
		if b.head >= back {
			idx = b.head - back
		} else {
			idx = b.head + uint16(len(b.entries)) - back
		}
		if b.entries[idx].present {
			return // duplicate
		}
		// Extend tail backward if this slot lies outside the current window.
		if b.tail <= b.head {
			if idx < b.tail || idx > b.head {
				b.tail = idx
			}
		} else if idx < b.tail && idx > b.head {
			b.tail = idx
		}
		b.entries[idx] = slot{present: true, start: start, end: end, seq: seq, timestamp: timestamp, payload: payload}
	}
}

// evictOne drops the oldest (tail) entry, reporting a frame-drop if doing
// so breaks an incomplete run. Returns false if the buffer was empty.
func (b *Buffer) evictOne() bool {
	if b.head == b.tail {
		return false
	}

	runStart := b.entries[b.tail].seq
	runComplete := b.entries[b.tail].start && b.entries[b.tail].end

	if !runComplete {
		// Walk forward to see whether the run this entry starts (or
		// continues) ever reaches an end flag among present entries.
		i := b.tail
		reachedEnd := false
		for i != b.head {
			if !b.entries[i].present {
				break
			}
			if b.entries[i].end {
				reachedEnd = true
				break
			}
			i = b.inc(i)
		}
		if !reachedEnd && b.onFrameDrop != nil {
			lastPresent := b.dec(i)
			b.onFrameDrop(runStart, b.entries[lastPresent].seq)
		}
	}

	b.hasLastDelivered = true
	b.lastDeliveredSeq = b.entries[b.tail].seq
	b.entries[b.tail] = slot{}
	b.tail = b.inc(b.tail)
	for b.tail != b.head && !b.entries[b.tail].present {
		b.tail = b.inc(b.tail)
	}
	if b.tail == b.head {
		b.tail, b.head = 0, 0
	}
	return true
}

// evictStale drops entries older than bufferDuration relative to the
// newest-seen timestamp (spec section 4.5 frame-drop policy).
func (b *Buffer) evictStale() {
	if !b.hasNewest || b.clockRate == 0 {
		return
	}
	maxAgeTicks := uint32(b.bufferDuration.Seconds() * float64(b.clockRate))
	for b.tail != b.head {
		if !b.entries[b.tail].present {
			b.tail = b.inc(b.tail)
			continue
		}
		age := b.newestTS - b.entries[b.tail].timestamp // wraps correctly for forward age
		if age <= maxAgeTicks {
			break
		}
		b.evictOne()
	}
}

func (b *Buffer) reset() {
	for i := range b.entries {
		b.entries[i] = slot{}
	}
	b.tail, b.head = 0, 0
}

// detectReady scans forward from tail for a complete start..end run with no
// gaps, firing onFrameReady exactly once per completed run.
func (b *Buffer) detectReady() {
	if b.tail == b.head || !b.entries[b.tail].present || !b.entries[b.tail].start {
		return
	}

	i := b.tail
	for i != b.head {
		if !b.entries[i].present {
			return // gap before reaching an end flag
		}
		if b.entries[i].end {
			b.awaitingFree = true
			if b.onFrameReady != nil {
				b.onFrameReady(b.entries[b.tail].seq, b.entries[i].seq)
			}
			return
		}
		i = b.inc(i)
	}
}

// FillFrame concatenates the depacketized payloads from startSeq through
// endSeq (inclusive) and returns the assembled access unit plus its RTP
// timestamp.
func (b *Buffer) FillFrame(startSeq, endSeq uint16) (data []byte, timestamp uint32, err error) {
	count := forwardDistance(startSeq, endSeq) + 1
	i := b.tail
	for n := uint16(0); n < count; n++ {
		if i == b.head || !b.entries[i].present {
			break
		}
		chunk, uerr := b.depacketizer.Unmarshal(b.entries[i].payload)
		if uerr != nil {
			return nil, 0, uerr
		}
		data = append(data, chunk...)
		timestamp = b.entries[i].timestamp
		i = b.inc(i)
	}
	return data, timestamp, nil
}

// Free releases the entries from startSeq through endSeq (inclusive),
// advancing tail past them, and re-arms frame-ready detection for the next
// Push. The run between startSeq and endSeq is known gap-free because it
// was only reported via OnFrameReady after detectReady confirmed exactly
// that, so releasing a fixed count of slots is sufficient.
func (b *Buffer) Free(startSeq, endSeq uint16) {
	count := forwardDistance(startSeq, endSeq) + 1
	for n := uint16(0); n < count; n++ {
		if b.tail == b.head || !b.entries[b.tail].present {
			break
		}
		b.hasLastDelivered = true
		b.lastDeliveredSeq = b.entries[b.tail].seq
		b.entries[b.tail] = slot{}
		b.tail = b.inc(b.tail)
	}
	for b.tail != b.head && !b.entries[b.tail].present {
		b.tail = b.inc(b.tail)
	}
	if b.tail == b.head {
		b.tail, b.head = 0, 0
	}
	b.awaitingFree = false
	b.detectReady()
}

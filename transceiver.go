package kvswebrtc

import (
	"fmt"
	"sync"

	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/jitter"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/rtpcodec"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/srtp"
)

// MediaKind distinguishes the audio transceiver from the video one. Spec
// section 3 caps a session at N_TX transceivers, typically 2: one per kind.
type MediaKind int

const (
	MediaKindAudio MediaKind = iota
	MediaKindVideo
)

func (k MediaKind) String() string {
	if k == MediaKindAudio {
		return "audio"
	}
	return "video"
}

// Direction mirrors the negotiated a=sendrecv/sendonly/recvonly/inactive
// attribute for one media section.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) canSend() bool { return d == DirectionSendRecv || d == DirectionSendOnly }
func (d Direction) canRecv() bool { return d == DirectionSendRecv || d == DirectionRecvOnly }

// String returns the a=sendrecv/sendonly/recvonly/inactive property
// attribute value, as written into offer/answer media sections.
func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// Transceiver owns one kind's codec, stream/track ids, send/RTX SSRCs,
// jitter buffer, and the SRTP session whose per-SSRC rolling buffer serves
// its retransmits, per spec section 3's per-session transceiver set.
type Transceiver struct {
	mu sync.Mutex

	kind      MediaKind
	direction Direction
	codec     rtpcodec.Kind
	clockRate uint32

	mid      string
	streamID string
	trackID  string

	payloadType    uint8
	rtxPayloadType *uint8

	sendSSRC uint32
	rtxSSRC  uint32
	recvSSRC uint32

	packetizer rtp.Packetizer
	jitterBuf  *jitter.Buffer

	srtpSession *srtp.Session

	onFrameReady func(data []byte, timestamp uint32)
	onFrameDrop  func(startSeq, endSeq uint16)
	onPLI        func()
	onPeerClosed func()

	// bitrateMu guards currentBitrate/onBitrateChanged separately from mu
	// (spec section 4.4 step 6's "bitrate-modified flag guarded by a
	// separate mutex") so the TWCC tick never blocks on RTP/NACK handling.
	bitrateMu        sync.Mutex
	currentBitrate   uint64
	onBitrateChanged func(bitrate uint64)
}

// NewTransceiver builds a transceiver for kind/codec, randomizing its send
// and RTX SSRCs (spec section 3: "per-kind send SSRC and RTX SSRC, both
// randomized at creation").
func NewTransceiver(kind MediaKind, codec rtpcodec.Kind, clockRate uint32, direction Direction, mid string) (*Transceiver, error) {
	gen := randutil.NewMathRandomGenerator()
	sendSSRC := gen.Uint32()
	rtxSSRC := gen.Uint32()

	depacketizer, err := rtpcodec.NewDepacketizer(codec)
	if err != nil {
		return nil, err
	}

	t := &Transceiver{
		kind:      kind,
		direction: direction,
		codec:     codec,
		clockRate: clockRate,
		mid:       mid,
		sendSSRC:  sendSSRC,
		rtxSSRC:   rtxSSRC,
	}
	t.jitterBuf = jitter.New(sendSSRC, clockRate, defaultJitterBufferDuration, depacketizer)
	t.jitterBuf.OnFrameReady(func(start, end uint16) {
		data, ts, err := t.jitterBuf.FillFrame(start, end)
		t.jitterBuf.Free(start, end)
		if err != nil {
			return
		}
		if t.onFrameReady != nil {
			t.onFrameReady(data, ts)
		}
	})
	t.jitterBuf.OnFrameDrop(func(start, end uint16) {
		if t.onFrameDrop != nil {
			t.onFrameDrop(start, end)
		}
	})

	return t, nil
}

// Bind attaches the negotiated payload type(s) and the session's SRTP
// session, wiring this transceiver's outbound packetizer.
func (t *Transceiver) Bind(payloadType uint8, rtxPayloadType *uint8, session *srtp.Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.payloadType = payloadType
	t.rtxPayloadType = rtxPayloadType
	t.srtpSession = session

	packetizer, err := rtpcodec.NewPacketizer(t.codec, rtpOutboundMTU, payloadType, t.sendSSRC, t.clockRate)
	if err != nil {
		return err
	}
	t.packetizer = packetizer
	return nil
}

// SetRemoteSSRC records the remote media SSRC extracted from SDP, so
// inbound RTP routed by SSRC (spec section 4.4, "route by SSRC") lands on
// this transceiver's jitter buffer.
func (t *Transceiver) SetRemoteSSRC(ssrc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvSSRC = ssrc
}

// RemoteSSRC returns the bound remote SSRC, or 0 if unset.
func (t *Transceiver) RemoteSSRC() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recvSSRC
}

// SendSSRC returns this transceiver's own outbound SSRC — the identifier an
// inbound RTPFB-NACK's MediaSSRC field names (RFC 4585 section 6.1: MediaSSRC
// identifies the sender's own stream, not the NACK sender's).
func (t *Transceiver) SendSSRC() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendSSRC
}

// OnFrameReady registers the callback invoked with a fully reassembled
// frame (spec section 4.5's frame-ready -> sink dispatch).
func (t *Transceiver) OnFrameReady(f func(data []byte, timestamp uint32)) { t.onFrameReady = f }

// OnFrameDrop registers the callback invoked when the jitter buffer evicts
// an incomplete run without ever delivering it.
func (t *Transceiver) OnFrameDrop(f func(startSeq, endSeq uint16)) { t.onFrameDrop = f }

// OnPictureLossIndication registers the callback driving the media source
// to emit a fresh keyframe, carried from the original's peer_connection_srtp.c
// PLI/FIR handling (SPEC_FULL section 11).
func (t *Transceiver) OnPictureLossIndication(f func()) { t.onPLI = f }

func (t *Transceiver) handlePictureLoss() {
	if t.onPLI != nil {
		t.onPLI()
	}
}

// OnPeerClosed registers the callback invoked once, when the owning session
// tears down, so the media source stops expecting further frames or
// write_frame calls (spec section 7: "session destruction always emits
// peer-closed for every active transceiver"; section 6's init_transceiver).
func (t *Transceiver) OnPeerClosed(f func()) { t.onPeerClosed = f }

func (t *Transceiver) firePeerClosed() {
	if t.onPeerClosed != nil {
		t.onPeerClosed()
	}
}

// OnBitrateChanged registers the callback driven whenever the TWCC bitrate
// controller adjusts this transceiver's target send rate, per spec section
// 6's init_transceiver "optional bitrate-modifier callback".
func (t *Transceiver) OnBitrateChanged(f func(bitrate uint64)) {
	t.bitrateMu.Lock()
	t.onBitrateChanged = f
	t.bitrateMu.Unlock()
}

// publishBitrate records the new TWCC target and fires the registered
// callback (spec section 4.4 step 6's bitrate-modified flag).
func (t *Transceiver) publishBitrate(bitrate uint64) {
	t.bitrateMu.Lock()
	t.currentBitrate = bitrate
	cb := t.onBitrateChanged
	t.bitrateMu.Unlock()
	if cb != nil {
		cb(bitrate)
	}
}

// CurrentBitrate returns the transceiver's present TWCC-adjusted target, in
// bits per second, or 0 if TWCC is disabled or no tick has run yet.
func (t *Transceiver) CurrentBitrate() uint64 {
	t.bitrateMu.Lock()
	defer t.bitrateMu.Unlock()
	return t.currentBitrate
}

// WriteFrame packetizes and sends one media frame (spec section 4.7's
// write_frame), per-frame duration given as samples at the codec clock
// rate.
func (t *Transceiver) WriteFrame(frame []byte, sampleDuration uint32) error {
	t.mu.Lock()
	packetizer := t.packetizer
	session := t.srtpSession
	t.mu.Unlock()

	if packetizer == nil || session == nil {
		return ErrNotReady
	}

	for _, pkt := range packetizer.Packetize(frame, sampleDuration) {
		if _, err := session.WriteRTP(&pkt.Header, pkt.Payload); err != nil {
			return fmt.Errorf("kvswebrtc: write rtp: %w", err)
		}
	}
	return nil
}

// PushRTP feeds one inbound, already-depacketized-framing-aware RTP packet
// (payload still codec-framed) into the jitter buffer, per spec section 4.5.
func (t *Transceiver) PushRTP(pkt *rtp.Packet) {
	t.jitterBuf.Push(pkt.SequenceNumber, pkt.Timestamp, pkt.Payload, pkt.Marker)
}

// HandleNACK forwards an RTPFB-NACK already matched to this transceiver's
// SendSSRC to the SRTP session, which resends every named sequence number
// from its rolling buffer (keyed by the same send SSRC used in WriteRTP, and
// equal to pkt.MediaSSRC per RFC 4585 section 6.1), using this transceiver's
// RTX SSRC/payload-type mapping.
func (t *Transceiver) HandleNACK(pkt *rtcp.TransportLayerNack) error {
	t.mu.Lock()
	session := t.srtpSession
	rtxSSRC := t.rtxSSRC
	rtxPT := t.rtxPayloadType
	t.mu.Unlock()

	if session == nil {
		return ErrNotReady
	}
	session.HandleNACK(pkt, rtxSSRC, rtxPT)
	return nil
}

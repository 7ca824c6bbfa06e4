// Package rtpcodec selects the per-codec RTP framing spec section 4.6
// names. H.264/H.265/Opus packetization and depacketization are delegated
// to github.com/pion/rtp's codecs subpackage, which already implements
// single-NAL/STAP-A/FU-A (H.264, RFC 6184) and AP/FU (H.265, RFC 7798)
// framing plus one-packet-per-Opus-packet payloading; G.711 has no
// fragmentation to speak of (RFC 3550 section 5.1 payload is the codec
// frame itself), so it's a thin pass-through written directly against
// rtp.Payloader/Depacketizer rather than pulled from a library.
package rtpcodec

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// Kind identifies which packetizer/depacketizer pair to build.
type Kind int

const (
	KindH264 Kind = iota
	KindH265
	KindOpus
	KindG711Mu
	KindG711A
)

// SDPName returns the codec name as it appears in an a=rtpmap line, for
// matching against sdpcodec.MediaInfo.Codecs/CodecPayloadTypes and for
// building this session's own offer/answer media sections.
func (k Kind) SDPName() string {
	switch k {
	case KindH264:
		return "H264"
	case KindH265:
		return "H265"
	case KindOpus:
		return "opus"
	case KindG711Mu:
		return "PCMU"
	case KindG711A:
		return "PCMA"
	default:
		return ""
	}
}

// NewPacketizer builds an outbound packetizer for kind. ssrc and
// payloadType are the transceiver's send SSRC and negotiated payload type;
// clockRate is the codec's RTP clock rate (90000 for video, 48000 for Opus,
// 8000 for G.711).
func NewPacketizer(kind Kind, mtu uint16, payloadType uint8, ssrc uint32, clockRate uint32) (rtp.Packetizer, error) {
	payloader, err := payloaderFor(kind)
	if err != nil {
		return nil, err
	}
	return rtp.NewPacketizer(mtu, payloadType, ssrc, payloader, rtp.NewRandomSequencer(), clockRate), nil
}

func payloaderFor(kind Kind) (rtp.Payloader, error) {
	switch kind {
	case KindH264:
		return &codecs.H264Payloader{}, nil
	case KindH265:
		return &codecs.H265Payloader{}, nil
	case KindOpus:
		return &codecs.OpusPayloader{}, nil
	case KindG711Mu, KindG711A:
		return g711Payloader{}, nil
	default:
		return nil, fmt.Errorf("rtpcodec: unsupported kind %d", kind)
	}
}

// Depacketizer is satisfied by every codecs.*Packet type and by
// internal/jitter.Depacketizer; kept local so callers outside this package
// don't need to import pion/rtp just to name the type.
type Depacketizer = rtp.Depacketizer

// NewDepacketizer builds an inbound depacketizer for kind, for use by both
// the jitter buffer (frame assembly) and internal/srtp's demux path.
func NewDepacketizer(kind Kind) (Depacketizer, error) {
	switch kind {
	case KindH264:
		return &codecs.H264Packet{}, nil
	case KindH265:
		return &codecs.H265Packet{}, nil
	case KindOpus:
		return &codecs.OpusPacket{}, nil
	case KindG711Mu, KindG711A:
		return g711Depacketizer{}, nil
	default:
		return nil, fmt.Errorf("rtpcodec: unsupported kind %d", kind)
	}
}

// DeserializeVP8 parses a VP8 payload descriptor and frame, per spec
// section 4.6's "deserialize boundary only" non-goal: there is no
// corresponding VP8 payloader here, deliberately.
func DeserializeVP8(payload []byte) (*codecs.VP8Packet, []byte, error) {
	pkt := &codecs.VP8Packet{}
	frame, err := pkt.Unmarshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return pkt, frame, nil
}

// g711Payloader emits one RTP payload per call, matching spec section 4.6's
// "one packet per ptime" framing: the caller already segments audio into
// ptime-sized frames before handing them to the packetizer.
type g711Payloader struct{}

func (g711Payloader) Payload(mtu uint16, payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	return [][]byte{payload}
}

// g711Depacketizer mirrors g711Payloader: the payload is the frame, with no
// start/end bookkeeping needed since every packet is a complete frame.
type g711Depacketizer struct{}

func (g711Depacketizer) Unmarshal(packet []byte) ([]byte, error) { return packet, nil }
func (g711Depacketizer) IsPartitionHead([]byte) bool              { return true }
func (g711Depacketizer) IsPartitionTail(bool, []byte) bool         { return true }

package kvswebrtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/dtls"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/rtpcodec"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/sdpcodec"
)

// orderedMediaKinds fixes audio-before-video ordering so the m= line order
// (and therefore the BUNDLE group) is deterministic across calls.
var orderedMediaKinds = []MediaKind{MediaKindAudio, MediaKindVideo}

// CreateOffer builds a local SDP offer carrying this session's ICE
// credentials, DTLS fingerprint, and one media section per configured
// transceiver, per spec section 4.7's create_offer. Candidates are trickled
// separately over signaling rather than embedded, per spec section 6.
func (s *PeerSession) CreateOffer() (string, error) {
	return s.createLocalDescription(false)
}

// CreateAnswer mirrors CreateOffer, echoing back the payload type the
// remote side offered for each transceiver's codec. It requires a prior
// SetRemoteDescription, per spec section 4.7's create_answer.
func (s *PeerSession) CreateAnswer() (string, error) {
	if !s.hasRemoteDescription() {
		return "", &ProtocolFailureError{Err: ErrMissingRemoteDescription}
	}
	return s.createLocalDescription(true)
}

func (s *PeerSession) createLocalDescription(isAnswer bool) (string, error) {
	s.mu.Lock()
	ufrag, pwd := s.localUfrag, s.localPwd
	s.mu.Unlock()
	if ufrag == "" || pwd == "" {
		return "", &ProtocolFailureError{Err: ErrMissingICECredentials}
	}

	fp := s.cert.Fingerprint()
	setup := dtlsSetupRole(s.role.dtlsRole())

	d := sdp.NewJSEPSessionDescription(false)
	d.WithFingerprint(fp.Algorithm, strings.ToUpper(fp.Value)).
		WithPropertyAttribute("ice-options:trickle")

	bundleMids := make([]string, 0, len(s.transceivers))
	for _, kind := range orderedMediaKinds {
		tr := s.transceivers[kind]
		if tr == nil {
			continue
		}
		pt := s.offeredPayloadType(tr, isAnswer)
		s.addMediaSection(d, tr, setup, ufrag, pwd, fp, pt)
		bundleMids = append(bundleMids, tr.mid)
	}
	if len(bundleMids) == 0 {
		return "", &InvalidInputError{Err: ErrNoTransceiver}
	}

	d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(bundleMids, " "))

	raw, err := sdpcodec.Marshal(d)
	if err != nil {
		return "", &ProtocolFailureError{Err: fmt.Errorf("%w: %v", ErrSDPParse, err)}
	}
	return raw, nil
}

// addMediaSection appends one m= section for tr, carrying its mid, the
// negotiated ICE credentials, its single offered codec, its send SSRC, and
// the session's DTLS fingerprint (spec section 4.6: one codec per kind, no
// codec negotiation beyond payload-type echoing).
func (s *PeerSession) addMediaSection(d *sdp.SessionDescription, tr *Transceiver, setup sdp.ConnectionRole, ufrag, pwd string, fp DTLSFingerprint, pt uint8) {
	media := sdp.NewJSEPMediaDescription(tr.kind.String(), []string{}).
		WithValueAttribute(sdp.AttrKeyConnectionSetup, setup.String()).
		WithValueAttribute(sdp.AttrKeyMID, tr.mid).
		WithICECredentials(ufrag, pwd).
		WithPropertyAttribute(sdp.AttrKeyRTCPMux).
		WithPropertyAttribute(sdp.AttrKeyRTCPRsize)

	var channels uint16
	if tr.codec == rtpcodec.KindOpus {
		channels = 2
	}
	media.WithCodec(pt, tr.codec.SDPName(), tr.clockRate, channels, "")

	media = media.WithMediaSource(tr.sendSSRC, s.clientID, s.clientID, tr.mid).
		WithPropertyAttribute(fmt.Sprintf("msid:%s %s", s.clientID, tr.mid)).
		WithPropertyAttribute(tr.direction.String()).
		WithFingerprint(fp.Algorithm, strings.ToUpper(fp.Value))

	d.WithMedia(media)
}

// offeredPayloadType picks the payload type number advertised for tr's
// codec: the remote-negotiated number when answering, otherwise a fixed
// default (static RFC 3551 numbers for the two G.711 variants, conventional
// dynamic numbers for H.264/H.265/Opus).
func (s *PeerSession) offeredPayloadType(tr *Transceiver, isAnswer bool) uint8 {
	if isAnswer {
		s.mu.Lock()
		pt, ok := s.negotiatedPayload[tr.kind]
		s.mu.Unlock()
		if ok {
			return pt
		}
	}
	return defaultPayloadType(tr.codec)
}

func defaultPayloadType(k rtpcodec.Kind) uint8 {
	switch k {
	case rtpcodec.KindH264:
		return 126
	case rtpcodec.KindH265:
		return 127
	case rtpcodec.KindOpus:
		return 111
	case rtpcodec.KindG711Mu:
		return 0
	case rtpcodec.KindG711A:
		return 8
	default:
		return 96
	}
}

// dtlsSetupRole maps this session's fixed DTLS role to the a=setup value:
// the DTLS client is "active" (it sends ClientHello first), the DTLS server
// is "passive". Roles are pinned by session Role rather than negotiated via
// actpass, per the DTLS-setup-role decision in DESIGN.md.
func dtlsSetupRole(r dtls.Role) sdp.ConnectionRole {
	if r == dtls.RoleClient {
		return sdp.ConnectionRoleActive
	}
	return sdp.ConnectionRolePassive
}

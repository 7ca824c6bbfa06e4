package kvswebrtc

import (
	"strings"
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/rtpcodec"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/sdpcodec"
)

func TestCreateOfferCarriesCredentialsFingerprintAndMediaSections(t *testing.T) {
	s := newTestSession(t)
	defer s.Close()

	raw, err := s.CreateOffer()
	require.NoError(t, err)

	desc, err := sdpcodec.Parse(raw)
	require.NoError(t, err)
	require.Len(t, desc.MediaDescriptions, 1)

	ufrag, pwd, ok := sdpcodec.SessionICECredentials(desc)
	require.True(t, ok)
	require.Equal(t, s.localUfrag, ufrag)
	require.Equal(t, s.localPwd, pwd)

	algo, hex, ok := sdpcodec.SessionFingerprint(desc)
	require.True(t, ok)
	require.Equal(t, s.cert.Fingerprint().Algorithm, algo)
	require.Equal(t, s.cert.Fingerprint().Value, strings.ToUpper(hex))

	infos := sdpcodec.MediaSections(desc)
	require.Equal(t, "video", infos[0].Kind)
	require.Equal(t, "0", infos[0].Mid)
	require.Contains(t, infos[0].Codecs, "H264")
}

func TestCreateOfferRejectsWithNoTransceivers(t *testing.T) {
	cert, err := GenerateCertificate()
	require.NoError(t, err)
	s, err := NewPeerSession("viewer-1", RoleMaster, cert, NATTraversalAll, nil, nil, logging.NewDefaultLoggerFactory())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateOffer()
	require.ErrorIs(t, err, ErrNoTransceiver)
}

func TestCreateAnswerRequiresRemoteDescription(t *testing.T) {
	s := newTestSession(t)
	defer s.Close()

	_, err := s.CreateAnswer()
	require.ErrorIs(t, err, ErrMissingRemoteDescription)
}

func TestCreateAnswerEchoesNegotiatedPayloadType(t *testing.T) {
	s := newTestSession(t)
	defer s.Close()

	s.mu.Lock()
	s.haveRemoteDescription = true
	s.negotiatedPayload[MediaKindVideo] = 104
	s.mu.Unlock()

	raw, err := s.CreateAnswer()
	require.NoError(t, err)

	desc, err := sdpcodec.Parse(raw)
	require.NoError(t, err)
	infos := sdpcodec.MediaSections(desc)
	require.Equal(t, uint8(104), infos[0].CodecPayloadTypes["H264"])
}

func TestOfferedPayloadTypeDefaultsWhenNotAnswering(t *testing.T) {
	tr, err := NewTransceiver(MediaKindAudio, rtpcodec.KindOpus, ClockRateOpus, DirectionSendRecv, "1")
	require.NoError(t, err)
	s := &PeerSession{negotiatedPayload: map[MediaKind]uint8{}}

	require.Equal(t, uint8(111), s.offeredPayloadType(tr, false))
}

func TestDtlsSetupRoleMapsByDTLSRole(t *testing.T) {
	require.Equal(t, "passive", dtlsSetupRole(RoleMaster.dtlsRole()).String())
	require.Equal(t, "active", dtlsSetupRole(RoleViewer.dtlsRole()).String())
}

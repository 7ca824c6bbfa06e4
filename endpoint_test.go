package kvswebrtc

import (
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/rtpcodec"
)

func testEndpoint(cfg Configuration, role Role) *Endpoint {
	cert, _ := GenerateCertificate()
	return &Endpoint{
		cfg:           cfg,
		role:          role,
		cert:          cert,
		sessions:      make(map[string]*PeerSession),
		loggerFactory: logging.NewDefaultLoggerFactory(),
		log:           logging.NewDefaultLoggerFactory().NewLogger("endpoint"),
	}
}

func TestNewTransceiverSetDefaultsToH264AndOpus(t *testing.T) {
	e := testEndpoint(Configuration{}, RoleMaster)
	set, err := e.newTransceiverSet()
	require.NoError(t, err)
	require.Equal(t, rtpcodec.KindH264, set[MediaKindVideo].codec)
	require.Equal(t, rtpcodec.KindOpus, set[MediaKindAudio].codec)
}

func TestNewTransceiverSetHonorsConfiguredCodecs(t *testing.T) {
	e := testEndpoint(Configuration{VideoCodec: VideoCodecH265, AudioCodec: AudioCodecG711A}, RoleMaster)
	set, err := e.newTransceiverSet()
	require.NoError(t, err)
	require.Equal(t, rtpcodec.KindH265, set[MediaKindVideo].codec)
	require.Equal(t, rtpcodec.KindG711A, set[MediaKindAudio].codec)
	require.Equal(t, uint32(ClockRateG711), set[MediaKindAudio].clockRate)
}

func TestDialRejectsMasterRole(t *testing.T) {
	e := testEndpoint(Configuration{}, RoleMaster)
	_, err := e.Dial(nil, "master-1") //nolint:staticcheck // no blocking call reached before the role check
	require.ErrorIs(t, err, ErrWrongRole)
}

func TestSessionLookupMissing(t *testing.T) {
	e := testEndpoint(Configuration{}, RoleMaster)
	require.Nil(t, e.Session("nobody"))
}

func TestCandidatePayloadRoundTrips(t *testing.T) {
	payload := candidatePayload(ICECandidateInit{Candidate: "candidate:foo", SDPMid: "0", SDPMLineIndex: 1})
	require.JSONEq(t, `{"candidate":"candidate:foo","sdpMid":"0","sdpMLineIndex":1}`, string(payload))
}

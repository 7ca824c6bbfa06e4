package sdpcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleOfferCRLF = "v=0\r\n" +
	"o=- 123456 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=ice-ufrag:fooF\r\n" +
	"a=ice-pwd:barbarbarbarbarbarbarbar\r\n" +
	"a=fingerprint:sha-256 AA:BB:CC:DD\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01\r\n" +
	"a=ssrc:1234 cname:stream0\r\n" +
	"a=candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host\r\n"

func escapeCRLF(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' && i+1 < len(s) && s[i+1] == '\n' {
			out = append(out, '\\', 'r', '\\', 'n')
			i++
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func TestNewlineRoundTrip(t *testing.T) {
	escaped := escapeCRLF(sampleOfferCRLF)
	require.NotContains(t, escaped, "\r\n")

	restored := DeserializeNewlines(escaped)
	require.Equal(t, sampleOfferCRLF, restored)

	reEscaped := SerializeNewlines(restored)
	require.Equal(t, escaped, reEscaped)
}

func TestParseExtractsICEAndFingerprint(t *testing.T) {
	desc, err := Parse(escapeCRLF(sampleOfferCRLF))
	require.NoError(t, err)

	ufrag, pwd, ok := SessionICECredentials(desc)
	require.True(t, ok)
	require.Equal(t, "fooF", ufrag)
	require.Equal(t, "barbarbarbarbarbarbarbar", pwd)

	alg, hex, ok := SessionFingerprint(desc)
	require.True(t, ok)
	require.Equal(t, "sha-256", alg)
	require.Equal(t, "AA:BB:CC:DD", hex)
}

func TestMediaSectionsExtractsAllFields(t *testing.T) {
	desc, err := Parse(escapeCRLF(sampleOfferCRLF))
	require.NoError(t, err)

	sections := MediaSections(desc)
	require.Len(t, sections, 1)

	m := sections[0]
	require.Equal(t, "video", m.Kind)
	require.Equal(t, "0", m.Mid)
	require.Equal(t, "fooF", m.Ufrag)
	require.Equal(t, "barbarbarbarbarbarbarbar", m.Pwd)
	require.Equal(t, "sha-256", m.FingerprintAlg)
	require.True(t, m.HasSSRC)
	require.Equal(t, uint32(1234), m.SSRC)
	require.Equal(t, 3, m.TWCCExtID)
	require.Equal(t, []string{"H264"}, m.Codecs)
	require.Len(t, m.Candidates, 1)
}

func TestMarshalRoundTrip(t *testing.T) {
	desc, err := Parse(escapeCRLF(sampleOfferCRLF))
	require.NoError(t, err)

	wire, err := Marshal(desc)
	require.NoError(t, err)
	require.NotContains(t, wire, "\r\n")

	reparsed, err := Parse(wire)
	require.NoError(t, err)

	ufrag, pwd, ok := SessionICECredentials(reparsed)
	require.True(t, ok)
	require.Equal(t, "fooF", ufrag)
	require.Equal(t, "barbarbarbarbarbarbarbar", pwd)
}

// Package sdpcodec wraps github.com/pion/sdp/v3 with the structural
// extraction spec section 6 requires (ufrag/pwd/fingerprint/SSRC/TWCC
// extension id/codec list/candidate lines) and the signaling channel's
// escaped-newline wire transform. The SDP grammar itself (RFC 8866) is left
// entirely to pion/sdp; this package never hand-parses a line.
package sdpcodec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// MediaInfo is the subset of one m= section's attributes the core cares
// about.
type MediaInfo struct {
	Kind           string // "audio" or "video"
	Mid            string
	Ufrag          string
	Pwd            string
	FingerprintAlg string
	FingerprintHex string
	SSRC           uint32
	HasSSRC        bool
	TWCCExtID      int // 0 if absent
	Codecs         []string
	// CodecPayloadTypes maps a codec name (as returned in Codecs, e.g.
	// "H264", "opus") to the payload type number the remote side offered
	// it under, so the orchestrator can bind a transceiver's packetizer
	// to the negotiated number rather than a locally-assumed default.
	CodecPayloadTypes map[string]uint8
	Candidates        []string // raw a=candidate values, signaling-trickle or embedded
}

// Parse unmarshals raw into a *sdp.SessionDescription, translating the
// signaling channel's escaped-newline wire form into canonical CRLF first.
func Parse(raw string) (*sdp.SessionDescription, error) {
	canonical := DeserializeNewlines(raw)
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(canonical)); err != nil {
		return nil, fmt.Errorf("sdpcodec: unmarshal: %w", err)
	}
	return desc, nil
}

// Marshal serializes desc to its escaped-newline wire form for transmission
// over the signaling channel.
func Marshal(desc *sdp.SessionDescription) (string, error) {
	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("sdpcodec: marshal: %w", err)
	}
	return SerializeNewlines(string(raw)), nil
}

// DeserializeNewlines turns literal backslash-escaped "\r\n"/"\n" sequences
// as they arrive over the signaling channel into real CRLF line endings,
// per spec section 6's round-trip testable property.
func DeserializeNewlines(s string) string {
	s = strings.ReplaceAll(s, `\r\n`, "\r\n")
	s = strings.ReplaceAll(s, `\n`, "\r\n")
	return s
}

// SerializeNewlines is the inverse of DeserializeNewlines: canonical CRLF
// becomes the escaped literal form the signaling channel transports.
func SerializeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", `\r\n`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// SessionFingerprint extracts the a=fingerprint attribute, checked at the
// session level first (most SDPs carry it there) and falling back to each
// media section.
func SessionFingerprint(desc *sdp.SessionDescription) (algorithm, hex string, ok bool) {
	if v, found := desc.Attribute("fingerprint"); found {
		return splitFingerprint(v)
	}
	for _, m := range desc.MediaDescriptions {
		if v, found := m.Attribute("fingerprint"); found {
			return splitFingerprint(v)
		}
	}
	return "", "", false
}

func splitFingerprint(v string) (algorithm, hex string, ok bool) {
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// SessionICECredentials extracts ufrag/pwd, checked at the session level
// and falling back to the first media section that carries them.
func SessionICECredentials(desc *sdp.SessionDescription) (ufrag, pwd string, ok bool) {
	ufrag, ufragOK := desc.Attribute("ice-ufrag")
	pwd, pwdOK := desc.Attribute("ice-pwd")
	if ufragOK && pwdOK {
		return ufrag, pwd, true
	}
	for _, m := range desc.MediaDescriptions {
		u, uOK := m.Attribute("ice-ufrag")
		p, pOK := m.Attribute("ice-pwd")
		if uOK && pOK {
			return u, p, true
		}
	}
	return "", "", false
}

// MediaSections extracts one MediaInfo per m= line, in order.
func MediaSections(desc *sdp.SessionDescription) []MediaInfo {
	sessionUfrag, sessionPwd, _ := SessionICECredentials(desc)
	sessionAlg, sessionHex, _ := SessionFingerprint(desc)

	infos := make([]MediaInfo, 0, len(desc.MediaDescriptions))
	for _, m := range desc.MediaDescriptions {
		info := MediaInfo{
			Kind:           m.MediaName.Media,
			Ufrag:          sessionUfrag,
			Pwd:            sessionPwd,
			FingerprintAlg: sessionAlg,
			FingerprintHex: sessionHex,
		}

		if v, ok := m.Attribute("mid"); ok {
			info.Mid = v
		}
		if v, ok := m.Attribute("ice-ufrag"); ok {
			info.Ufrag = v
		}
		if v, ok := m.Attribute("ice-pwd"); ok {
			info.Pwd = v
		}
		if v, ok := m.Attribute("fingerprint"); ok {
			if alg, hex, ok := splitFingerprint(v); ok {
				info.FingerprintAlg, info.FingerprintHex = alg, hex
			}
		}

		for _, attr := range m.Attributes {
			switch attr.Key {
			case "ssrc":
				if ssrc, ok := parseSSRCAttribute(attr.Value); ok {
					info.SSRC, info.HasSSRC = ssrc, true
				}
			case "candidate":
				info.Candidates = append(info.Candidates, attr.Value)
			case "extmap":
				if id, ok := parseTWCCExtmap(attr.Value); ok {
					info.TWCCExtID = id
				}
			case "rtpmap":
				if codec, pt, ok := parseRtpmapCodec(attr.Value); ok {
					info.Codecs = append(info.Codecs, codec)
					if info.CodecPayloadTypes == nil {
						info.CodecPayloadTypes = make(map[string]uint8)
					}
					info.CodecPayloadTypes[codec] = pt
				}
			}
		}

		infos = append(infos, info)
	}
	return infos
}

// parseSSRCAttribute handles "a=ssrc:<id> <attribute>:<value>" lines,
// returning the numeric SSRC.
func parseSSRCAttribute(value string) (uint32, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// transportWideCCURI is the standard TWCC header extension URI
// (draft-holmer-rmcat-transport-wide-cc-extensions).
const transportWideCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"

// parseTWCCExtmap handles "a=extmap:<id> <uri>" lines, returning the
// extension id only when the URI matches the TWCC extension.
func parseTWCCExtmap(value string) (int, bool) {
	em := &sdp.ExtMap{}
	if err := em.Unmarshal("extmap:" + value); err != nil {
		return 0, false
	}
	if em.URI == nil || em.URI.String() != transportWideCCURI {
		return 0, false
	}
	return em.Value, true
}

// parseRtpmapCodec handles "a=rtpmap:<pt> <name>/<clock>[/<params>]" lines,
// returning the codec name ("H264", "opus", "PCMU", ...) and its payload
// type number.
func parseRtpmapCodec(value string) (name string, pt uint8, ok bool) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return "", 0, false
	}
	name = strings.SplitN(fields[1], "/", 2)[0]
	return name, uint8(n), true
}

package kvswebrtc

import "github.com/pion/ice/v4"

// NATTraversalPolicy is a bitmap over the candidate types an endpoint is
// allowed to gather (spec section 3, "NAT traversal policy bitmap").
type NATTraversalPolicy uint8

const (
	NATTraversalHost NATTraversalPolicy = 1 << iota
	NATTraversalSrflx
	NATTraversalRelay

	NATTraversalAll = NATTraversalHost | NATTraversalSrflx | NATTraversalRelay
)

func (p NATTraversalPolicy) allows(other NATTraversalPolicy) bool { return p&other != 0 }

// VideoCodec enumerates the negotiable video codecs (spec section 6 config).
type VideoCodec int

const (
	VideoCodecH264 VideoCodec = iota
	VideoCodecH265
)

// AudioCodec enumerates the negotiable audio codecs.
type AudioCodec int

const (
	AudioCodecOpus AudioCodec = iota
	AudioCodecG711Mu
	AudioCodecG711A
)

// CredentialSource selects how the endpoint authenticates to the signaling
// control plane: a static access/secret key pair, or an IoT role-alias
// exchange that rotates temporary credentials (spec section 6).
type CredentialSource struct {
	// AccessKeyID/SecretAccessKey/SessionToken configure a static credential.
	// Leave all three empty to use RoleAlias instead.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// RoleAlias, IoTEndpoint, DeviceCertPath and DevicePrivateKeyPath
	// configure role-alias credential exchange for IoT-provisioned devices.
	RoleAlias            string
	IoTEndpoint          string
	ThingName            string
	DeviceCertPath       string
	DevicePrivateKeyPath string
	RootCAPath           string
}

func (c CredentialSource) isRoleAlias() bool {
	return c.AccessKeyID == "" && c.RoleAlias != ""
}

// Configuration collects the process-wide, immutable parameters an Endpoint
// is constructed from (spec section 3, "Endpoint configuration").
type Configuration struct {
	Region      string
	ChannelName string

	Credentials CredentialSource

	// RootCA is a PEM-encoded certificate bundle used to validate the TLS
	// certificate of the IoT credentials endpoint when Credentials uses a
	// role alias. When empty the system root pool is used. The signaling
	// control-plane and WebSocket connections do not use it.
	RootCA []byte

	NATTraversal NATTraversalPolicy
	MaxViewers   int

	EnableTWCC         bool
	EnableDataChannel  bool
	StorageSession     bool

	VideoCodec VideoCodec
	AudioCodec AudioCodec

	// ICEServers overrides the servers returned by the signaling control
	// plane's GetIceServerConfig call; nil means "use what signaling gives us".
	ICEServers []ICEServer
}

// ICEServer mirrors the STUN/TURN server description carried over signaling
// and, when set explicitly, in Configuration.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

func (c Configuration) iceServerURLs() ([]*ice.URL, error) {
	var urls []*ice.URL
	for _, s := range c.ICEServers {
		for _, raw := range s.URLs {
			u, err := ice.ParseURL(raw)
			if err != nil {
				return nil, err
			}
			urls = append(urls, u)
		}
	}
	return urls, nil
}

func (c Configuration) clockRateForAudio() int {
	if c.AudioCodec == AudioCodecOpus {
		return ClockRateOpus
	}
	return ClockRateG711
}

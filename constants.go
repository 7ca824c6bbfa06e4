package kvswebrtc

import "time"

// Clock rates per spec section 4.4 step 1.
const (
	ClockRateVideo  = 90000
	ClockRateOpus   = 48000
	ClockRateG711   = 8000
	rtpOutboundMTU  = 1200
	rtxOSNHeaderLen = 2
)

// Timer defaults from spec sections 4.1 and 5.
const (
	defaultConnectivityCheckInterval = 5 * time.Second
	defaultKeepaliveInterval         = 15 * time.Second
	defaultSocketPollTimeout         = 50 * time.Millisecond
	defaultSTUNBindTimeout           = time.Second
	defaultICEDeadline               = 30 * time.Second
	defaultReconnectTimeout          = 15 * time.Second
	defaultJitterBufferDuration      = 2 * time.Second
	defaultBackoffBase               = 50 * time.Millisecond
	defaultBackoffCap                = time.Second
	defaultTWCCTick                  = time.Second
	twccLossEMAAlpha                 = 0.05
	externalServiceMaxRetries        = 5
)

// TWCC bitrate bounds per spec section 4.4 step 6, "clamp to per-kind
// min/max", in bits per second.
const (
	defaultInitialBitrateAudio = 64_000
	defaultMinBitrateAudio     = 16_000
	defaultMaxBitrateAudio     = 128_000

	defaultInitialBitrateVideo = 1_000_000
	defaultMinBitrateVideo     = 150_000
	defaultMaxBitrateVideo     = 4_000_000

	requestQueueCapacity = 10

	localUfragLen = 4
	localPwdLen   = 24

	certificateValidity = 10 * 365 * 24 * time.Hour
	certificateSerialLen = 20

	fingerprintAlgorithm = "sha-256"

	generatedCertificateOrigin = "KVSWebRTC"
)

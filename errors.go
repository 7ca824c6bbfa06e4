package kvswebrtc

import (
	"errors"
	"fmt"
)

// InvalidInputError indicates a caller contract violation: a nil handle, an
// oversized identifier, or an otherwise malformed argument rejected at the
// API boundary before any state is touched.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("kvswebrtc: InvalidInputError: %v", e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

// Types of InvalidInputErrors.
var (
	ErrNilEndpoint      = errors.New("endpoint is nil")
	ErrClientIDTooLarge = errors.New("remote client id exceeds 256 bytes")
	ErrNoTransceiver    = errors.New("no transceiver configured for media kind")
	ErrInvalidDirection = errors.New("invalid transceiver direction")
	ErrWrongRole        = errors.New("operation not valid for this endpoint's role")
	ErrNoSession        = errors.New("no session registered for that remote client id")
)

// ProtocolFailureError indicates a peer-facing protocol violation: unparseable
// SDP, STUN integrity mismatch, DTLS fingerprint mismatch, SRTP
// authentication failure, or codec depacketization failure. Per-packet
// instances are logged and dropped; per-handshake instances tear the session
// down (spec section 7 propagation policy).
type ProtocolFailureError struct {
	Err error
}

func (e *ProtocolFailureError) Error() string {
	return fmt.Sprintf("kvswebrtc: ProtocolFailureError: %v", e.Err)
}

func (e *ProtocolFailureError) Unwrap() error { return e.Err }

// Types of ProtocolFailureErrors.
var (
	ErrSDPParse                 = errors.New("failed to parse SDP")
	ErrMissingICECredentials    = errors.New("remote SDP missing ice-ufrag/ice-pwd")
	ErrMissingFingerprint       = errors.New("remote SDP missing DTLS fingerprint")
	ErrFingerprintMismatch      = errors.New("remote certificate fingerprint does not match SDP")
	ErrSTUNIntegrity            = errors.New("STUN message-integrity check failed")
	ErrSRTPAuthFailure          = errors.New("SRTP authentication failed")
	ErrDepacketization          = errors.New("codec depacketization failed")
	ErrMissingRemoteDescription = errors.New("create_answer called before set_remote_description")
	ErrMultipleMediaKind        = errors.New("remote description lists more than one media section of the same kind")
)

// ResourceExhaustedError indicates the endpoint or session has no capacity
// left: no free session slot, a full request queue, or an out-of-space
// rolling retransmit buffer.
type ResourceExhaustedError struct {
	Err error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("kvswebrtc: ResourceExhaustedError: %v", e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// Types of ResourceExhaustedErrors.
var (
	ErrNoFreeSessionSlot = errors.New("endpoint has reached max_viewers")
	ErrQueueFull         = errors.New("session request queue is full")
	ErrRollingBufferFull = errors.New("rolling retransmit buffer has no space")
)

// TransientIOError indicates a send-would-block or connection-reset
// condition. No code path in this module returns this type, and no send
// path retries or backs off on it.
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("kvswebrtc: TransientIOError: %v", e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Types of TransientIOErrors.
var (
	ErrWouldBlock      = errors.New("send would block")
	ErrConnectionReset = errors.New("connection reset")
)

// ExternalServiceError indicates the signaling HTTP control plane returned a
// non-2xx status or a TURN server denied an allocation. No code path in this
// module returns this type, and the module adds no retry loop of its own
// around control-plane or TURN failures.
type ExternalServiceError struct {
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("kvswebrtc: ExternalServiceError: %v", e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Types of ExternalServiceErrors.
var (
	ErrSignalingHTTP      = errors.New("signaling control plane returned a non-2xx status")
	ErrTURNAllocateDenied = errors.New("TURN allocation denied")
)

// Orchestrator-lifecycle errors that don't fit the five I/O categories above.
var (
	ErrSessionClosed    = errors.New("kvswebrtc: session is closed")
	ErrNotReady         = errors.New("kvswebrtc: write_frame called before ConnectionReady")
	ErrHandshakeTimeout = errors.New("kvswebrtc: no nominated pair within the ICE deadline")
)

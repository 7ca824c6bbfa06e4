package kvswebrtc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pion/logging"

	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/datachannel"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/ice"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/rtpcodec"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/signaling"
)

// Endpoint is the process-wide object spec section 3 describes: one
// Configuration, one generated Certificate, a capped set of peer sessions,
// and the signaling control-plane/event-plane wiring that routes offers,
// answers, and trickled candidates to the right PeerSession.
type Endpoint struct {
	mu sync.Mutex

	cfg      Configuration
	role     Role
	clientID string
	cert     *Certificate

	controlPlane *signaling.ControlPlane
	client       *signaling.Client

	sessions map[string]*PeerSession // keyed by the remote peer's clientID

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	onFrame          func(remoteClientID string, kind MediaKind, data []byte, timestamp uint32)
	onPeerClosed     func(remoteClientID string)
	onBitrateChanged func(remoteClientID string, kind MediaKind, bitrate uint64)
	onDataChannel    func(remoteClientID string, ch *datachannel.Channel)
}

// NewEndpoint resolves the signaling channel's control plane, generates this
// endpoint's DTLS certificate, and connects the event-plane WebSocket, per
// spec section 3's endpoint construction and section 6's channel resolution.
// role/clientID follow spec section 1: a master has no clientID of its own
// (it's addressed by channel), a viewer's clientID identifies it to the
// master it dials.
func NewEndpoint(ctx context.Context, cfg Configuration, role Role, clientID string, loggerFactory logging.LoggerFactory) (*Endpoint, error) {
	if len(clientID) > 256 {
		return nil, &InvalidInputError{Err: ErrClientIDTooLarge}
	}

	creds, err := resolveCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("kvswebrtc: resolve credentials: %w", err)
	}

	cp, err := signaling.NewControlPlane(ctx, cfg.Region, cfg.ChannelName, creds)
	if err != nil {
		return nil, err
	}

	cert, err := GenerateCertificate()
	if err != nil {
		return nil, err
	}

	sigRole := signaling.RoleViewer
	if role == RoleMaster {
		sigRole = signaling.RoleMaster
	}

	client, err := signaling.New(ctx, cp, sigRole, clientID, loggerFactory)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		cfg:           cfg,
		role:          role,
		clientID:      clientID,
		cert:          cert,
		controlPlane:  cp,
		client:        client,
		sessions:      make(map[string]*PeerSession),
		loggerFactory: loggerFactory,
		log:           loggerFactory.NewLogger("endpoint"),
	}

	client.OnMessage(e.handleSignalingMessage)

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

// resolveCredentials builds the aws.CredentialsProvider spec section 6's
// "credential source (static keys vs role-alias)" configures.
func resolveCredentials(cfg Configuration) (aws.CredentialsProvider, error) {
	cs := cfg.Credentials
	if !cs.isRoleAlias() {
		return signaling.StaticCredentials(cs.AccessKeyID, cs.SecretAccessKey, cs.SessionToken), nil
	}

	tlsConfig := &tls.Config{}
	if len(cfg.RootCA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.RootCA) {
			return nil, fmt.Errorf("kvswebrtc: parse configured root CA bundle")
		}
		tlsConfig.RootCAs = pool
	}

	return signaling.NewRoleAliasCredentials(signaling.RoleAliasConfig{
		CredentialEndpoint: cs.IoTEndpoint,
		RoleAlias:          cs.RoleAlias,
		ThingName:          cs.ThingName,
		CertFile:           cs.DeviceCertPath,
		KeyFile:            cs.DevicePrivateKeyPath,
		RootCAFile:         cs.RootCAPath,
	}, tlsConfig)
}

// OnMediaFrame registers the callback invoked with every reassembled inbound
// frame across every session this endpoint owns (spec section 4.5's
// frame-ready -> sink dispatch, fanned out to the caller by remote clientID).
func (e *Endpoint) OnMediaFrame(f func(remoteClientID string, kind MediaKind, data []byte, timestamp uint32)) {
	e.onFrame = f
}

// OnPeerClosed registers the callback invoked once per transceiver when a
// session tears down (handshake failure, remote disconnect, or explicit
// Close), per spec section 7's teardown guarantee and section 6's
// init_transceiver media-source interface.
func (e *Endpoint) OnPeerClosed(f func(remoteClientID string)) {
	e.onPeerClosed = f
}

// OnBitrateChanged registers the callback driven whenever the TWCC bitrate
// controller adjusts a transceiver's target send rate (spec section 4.4
// step 6), fanned out by remote clientID and media kind. Only fires when
// Configuration.EnableTWCC is set.
func (e *Endpoint) OnBitrateChanged(f func(remoteClientID string, kind MediaKind, bitrate uint64)) {
	e.onBitrateChanged = f
}

// OnDataChannel registers the callback invoked for every data channel opened
// by a remote peer, fanned out by remote clientID (spec section 6, section
// 11's supplemented data-channel feature). Only fires when
// Configuration.EnableDataChannel is set.
func (e *Endpoint) OnDataChannel(f func(remoteClientID string, ch *datachannel.Channel)) {
	e.onDataChannel = f
}

// newTransceiverSet builds one transceiver per codec the Configuration
// enables, per spec section 3's "at most one audio and one video
// transceiver per session".
func (e *Endpoint) newTransceiverSet() (map[MediaKind]*Transceiver, error) {
	set := make(map[MediaKind]*Transceiver, 2)

	videoCodec := rtpcodec.KindH264
	if e.cfg.VideoCodec == VideoCodecH265 {
		videoCodec = rtpcodec.KindH265
	}
	video, err := NewTransceiver(MediaKindVideo, videoCodec, ClockRateVideo, DirectionSendRecv, "0")
	if err != nil {
		return nil, err
	}
	set[MediaKindVideo] = video

	var audioCodec rtpcodec.Kind
	switch e.cfg.AudioCodec {
	case AudioCodecG711Mu:
		audioCodec = rtpcodec.KindG711Mu
	case AudioCodecG711A:
		audioCodec = rtpcodec.KindG711A
	default:
		audioCodec = rtpcodec.KindOpus
	}
	audio, err := NewTransceiver(MediaKindAudio, audioCodec, uint32(e.cfg.clockRateForAudio()), DirectionSendRecv, "1")
	if err != nil {
		return nil, err
	}
	set[MediaKindAudio] = audio

	return set, nil
}

// iceServers resolves the STUN/TURN server list: Configuration.ICEServers
// when set, otherwise whatever the signaling control plane's
// GetIceServerConfig call returns (spec section 6).
func (e *Endpoint) iceServers(ctx context.Context) ([]ice.Server, error) {
	if len(e.cfg.ICEServers) > 0 {
		servers := make([]ice.Server, 0, len(e.cfg.ICEServers))
		for _, s := range e.cfg.ICEServers {
			servers = append(servers, ice.Server{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
		}
		return servers, nil
	}

	fetched, err := e.client.IceServers(ctx)
	if err != nil {
		return nil, err
	}
	servers := make([]ice.Server, 0, len(fetched))
	for _, s := range fetched {
		servers = append(servers, ice.Server{URLs: s.URIs, Username: s.Username, Credential: s.Password})
	}
	return servers, nil
}

// newSession constructs and registers a PeerSession for remoteClientID,
// wiring its local-candidate callback to trickle over signaling, and
// rejecting the request once Configuration.MaxViewers sessions are active
// (spec section 3's per-endpoint session cap).
func (e *Endpoint) newSession(ctx context.Context, remoteClientID string) (*PeerSession, error) {
	e.mu.Lock()
	if e.cfg.MaxViewers > 0 && len(e.sessions) >= e.cfg.MaxViewers {
		e.mu.Unlock()
		return nil, &ResourceExhaustedError{Err: ErrNoFreeSessionSlot}
	}
	e.mu.Unlock()

	servers, err := e.iceServers(ctx)
	if err != nil {
		return nil, err
	}

	transceivers, err := e.newTransceiverSet()
	if err != nil {
		return nil, err
	}

	session, err := NewPeerSession(remoteClientID, e.role, e.cert, e.cfg.NATTraversal, servers, transceivers, e.loggerFactory)
	if err != nil {
		return nil, err
	}
	session.SetTWCCEnabled(e.cfg.EnableTWCC)
	session.SetDataChannelEnabled(e.cfg.EnableDataChannel)
	session.OnDataChannel(func(ch *datachannel.Channel) {
		if e.onDataChannel != nil {
			e.onDataChannel(remoteClientID, ch)
		}
	})

	session.OnLocalCandidate(func(c ICECandidateInit) {
		e.sendMessage(signaling.Message{
			Type:              signaling.MessageTypeICECandidate,
			RecipientClientID: remoteClientID,
			Payload:           candidatePayload(c),
		})
	})

	for kind, tr := range transceivers {
		kind := kind
		tr.OnFrameReady(func(data []byte, timestamp uint32) {
			if e.onFrame != nil {
				e.onFrame(remoteClientID, kind, data, timestamp)
			}
		})
		tr.OnPeerClosed(func() {
			if e.onPeerClosed != nil {
				e.onPeerClosed(remoteClientID)
			}
		})
		tr.OnBitrateChanged(func(bitrate uint64) {
			if e.onBitrateChanged != nil {
				e.onBitrateChanged(remoteClientID, kind, bitrate)
			}
		})
	}

	e.mu.Lock()
	e.sessions[remoteClientID] = session
	e.mu.Unlock()

	return session, nil
}

// OpenDataChannel dials a new data channel on the named peer's session.
func (e *Endpoint) OpenDataChannel(remoteClientID, label, protocol string, reliability datachannel.Reliability) (*datachannel.Channel, error) {
	session := e.Session(remoteClientID)
	if session == nil {
		return nil, &InvalidInputError{Err: ErrNoSession}
	}
	return session.OpenDataChannel(label, protocol, reliability)
}

// Session returns the registered session for remoteClientID, or nil.
func (e *Endpoint) Session(remoteClientID string) *PeerSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[remoteClientID]
}

// Dial is the viewer-side entry point (spec section 1): it opens a session
// toward the master, sends an SDP offer, and returns once the offer has
// been sent. The answer and any trickled candidates arrive asynchronously
// through handleSignalingMessage.
func (e *Endpoint) Dial(ctx context.Context, masterClientID string) (*PeerSession, error) {
	if e.role != RoleViewer {
		return nil, &InvalidInputError{Err: ErrWrongRole}
	}

	session, err := e.newSession(ctx, masterClientID)
	if err != nil {
		return nil, err
	}

	offer, err := session.CreateOffer()
	if err != nil {
		return nil, err
	}

	e.sendMessage(signaling.Message{
		Type:              signaling.MessageTypeSDPOffer,
		RecipientClientID: masterClientID,
		Payload:           []byte(offer),
	})

	return session, nil
}

func (e *Endpoint) handleSignalingMessage(msg signaling.Message) {
	ctx := context.Background()

	switch msg.Type {
	case signaling.MessageTypeSDPOffer:
		e.handleOffer(ctx, msg)
	case signaling.MessageTypeSDPAnswer:
		e.handleAnswer(msg)
	case signaling.MessageTypeICECandidate:
		e.handleCandidate(msg)
	case signaling.MessageTypeReconnectICE:
		// Signals that the channel's TURN credentials were rotated. Only
		// logged: sessions created after this point fetch servers afresh
		// through iceServers in newSession, existing sessions keep the
		// servers they were built with, and no session state changes here.
		e.log.Infof("endpoint: received RECONNECT_ICE_SERVER")
	default:
		e.log.Warnf("endpoint: unhandled signaling message type %q", msg.Type)
	}
}

func (e *Endpoint) handleOffer(ctx context.Context, msg signaling.Message) {
	if e.role != RoleMaster {
		return
	}

	session := e.Session(msg.SenderClientID)
	if session == nil {
		var err error
		session, err = e.newSession(ctx, msg.SenderClientID)
		if err != nil {
			e.log.Errorf("endpoint: create session for %q: %v", msg.SenderClientID, err)
			return
		}
	}

	if err := session.SetRemoteDescription(string(msg.Payload)); err != nil {
		e.log.Errorf("endpoint: set remote description for %q: %v", msg.SenderClientID, err)
		return
	}

	answer, err := session.CreateAnswer()
	if err != nil {
		e.log.Errorf("endpoint: create answer for %q: %v", msg.SenderClientID, err)
		return
	}

	e.sendMessage(signaling.Message{
		Type:              signaling.MessageTypeSDPAnswer,
		RecipientClientID: msg.SenderClientID,
		Payload:           []byte(answer),
	})
}

func (e *Endpoint) handleAnswer(msg signaling.Message) {
	session := e.Session(msg.SenderClientID)
	if session == nil {
		e.log.Warnf("endpoint: SDP_ANSWER from unknown client %q", msg.SenderClientID)
		return
	}
	if err := session.SetRemoteDescription(string(msg.Payload)); err != nil {
		e.log.Errorf("endpoint: set remote description for %q: %v", msg.SenderClientID, err)
	}
}

func (e *Endpoint) handleCandidate(msg signaling.Message) {
	session := e.Session(msg.SenderClientID)
	if session == nil {
		e.log.Warnf("endpoint: ICE_CANDIDATE from unknown client %q", msg.SenderClientID)
		return
	}

	var init signaling.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &init); err != nil {
		e.log.Warnf("endpoint: malformed ICE_CANDIDATE payload: %v", err)
		return
	}

	if err := session.AddRemoteCandidate(ICECandidateInit{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}); err != nil {
		e.log.Warnf("endpoint: add remote candidate for %q: %v", msg.SenderClientID, err)
	}
}

func (e *Endpoint) sendMessage(msg signaling.Message) {
	if err := e.client.SendMessage(msg); err != nil {
		e.log.Errorf("endpoint: send %s to %q: %v", msg.Type, msg.RecipientClientID, err)
	}
}

func candidatePayload(c ICECandidateInit) []byte {
	payload, _ := json.Marshal(signaling.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
	return payload
}

// Close tears down every active session and the signaling event-plane
// connection.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	sessions := make([]*PeerSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = nil
	e.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

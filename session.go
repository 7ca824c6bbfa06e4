package kvswebrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	pionice "github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/datachannel"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/dtls"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/ice"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/mux"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/sdpcodec"
	"github.com/aws-samples/amazon-kinesis-video-streams-webrtc-sdk-go/internal/srtp"
)

// Role distinguishes the master (offer-accepting publisher, ICE-controlled,
// DTLS server) from the viewer (offer-initiating subscriber, ICE-controlling,
// DTLS client), per spec section 1; the DTLS side follows the DTLS-setup-role
// Open Question decision recorded in DESIGN.md.
type Role int

const (
	RoleMaster Role = iota
	RoleViewer
)

func (r Role) iceRole() ice.Role {
	if r == RoleViewer {
		return ice.RoleViewer
	}
	return ice.RoleMaster
}

func (r Role) dtlsRole() dtls.Role {
	if r == RoleViewer {
		return dtls.RoleClient
	}
	return dtls.RoleServer
}

// SessionState is PeerSession's monotonic lifecycle state, per spec section
// 4.7: Inited -> Start -> P2PConnectionFound -> ConnectionReady -> Closed,
// with ICE restart the sole transition that moves backwards (Ready -> Start).
type SessionState int

const (
	SessionInited SessionState = iota
	SessionStart
	SessionP2PConnectionFound
	SessionConnectionReady
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionInited:
		return "Inited"
	case SessionStart:
		return "Start"
	case SessionP2PConnectionFound:
		return "P2PConnectionFound"
	case SessionConnectionReady:
		return "ConnectionReady"
	case SessionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type requestKind int

const (
	requestAddRemoteCandidate requestKind = iota
	requestConnectivityCheck
	requestPeriodConnectionCheck
)

type sessionRequest struct {
	kind      requestKind
	candidate ICECandidateInit
}

// ICECandidateInit mirrors the trickled candidate JSON shape spec section 6
// describes: {"candidate":"...","sdpMid":"0","sdpMLineIndex":0}.
type ICECandidateInit struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}

// PeerSession drives one remote peer's full handshake and media-plane
// lifecycle: ICE connectivity, DTLS handshake, SRTP keying, and per-kind
// media dispatch, consuming a bounded request queue from its own
// orchestrator thread per spec section 4.7/5.
type PeerSession struct {
	mu    sync.Mutex
	state SessionState

	role     Role
	clientID string
	cert     *Certificate

	natPolicy  NATTraversalPolicy
	iceServers []ice.Server

	iceAgent    *ice.Agent
	dtlsBridge  *dtls.Bridge
	mux         *mux.Mux
	srtpSession *srtp.Session

	transceivers      map[MediaKind]*Transceiver
	negotiatedPayload map[MediaKind]uint8

	enableTWCC         bool
	bitrateControllers map[MediaKind]*srtp.BitrateController

	enableDataChannel bool
	dcTransport       *datachannel.Transport
	onDataChannel     func(*datachannel.Channel)

	localUfrag, localPwd   string
	remoteUfrag, remotePwd string
	remoteFingerprint      DTLSFingerprint
	haveRemoteDescription  bool

	requests  chan sessionRequest
	closeCh   chan struct{}
	closeOnce sync.Once

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	onLocalCandidate func(ICECandidateInit)
	onStateChange    func(SessionState)
}

// NewPeerSession constructs a session in state Inited. The caller supplies
// one Transceiver per negotiated media kind (spec section 3: at most one
// audio and one video transceiver per session).
func NewPeerSession(clientID string, role Role, cert *Certificate, natPolicy NATTraversalPolicy, iceServers []ice.Server, transceivers map[MediaKind]*Transceiver, loggerFactory logging.LoggerFactory) (*PeerSession, error) {
	if len(clientID) > 256 {
		return nil, &InvalidInputError{Err: ErrClientIDTooLarge}
	}

	s := &PeerSession{
		state:             SessionInited,
		role:              role,
		clientID:          clientID,
		cert:              cert,
		natPolicy:         natPolicy,
		iceServers:        iceServers,
		transceivers:      transceivers,
		negotiatedPayload: make(map[MediaKind]uint8),
		requests:          make(chan sessionRequest, requestQueueCapacity),
		closeCh:           make(chan struct{}),
		loggerFactory:     loggerFactory,
		log:               loggerFactory.NewLogger("session"),
	}

	if err := s.newICEAgent(); err != nil {
		return nil, err
	}

	go s.run()

	return s, nil
}

func (s *PeerSession) newICEAgent() error {
	agent, err := ice.New(ice.Config{
		Role: s.role.iceRole(),
		NATPolicy: ice.NATPolicy{
			Host:  s.natPolicy.allows(NATTraversalHost),
			Srflx: s.natPolicy.allows(NATTraversalSrflx),
			Relay: s.natPolicy.allows(NATTraversalRelay),
		},
		Servers:                   s.iceServers,
		ConnectivityCheckInterval: defaultConnectivityCheckInterval,
		KeepaliveInterval:         defaultKeepaliveInterval,
		LoggerFactory:             s.loggerFactory,
	})
	if err != nil {
		return fmt.Errorf("kvswebrtc: create ice agent: %w", err)
	}

	agent.OnLocalCandidate(func(c pionice.Candidate) {
		if s.onLocalCandidate == nil {
			return
		}
		s.onLocalCandidate(ICECandidateInit{Candidate: "candidate:" + c.Marshal()})
	})
	agent.OnSelectedCandidatePairChange(func(_, _ pionice.Candidate) {
		s.setState(SessionP2PConnectionFound)
	})

	ufrag, pwd := agent.LocalCredentials()
	s.localUfrag, s.localPwd = ufrag, pwd
	s.iceAgent = agent

	return nil
}

// setState applies a forward transition only; the sole backwards transition
// spec section 4.7 allows (ConnectionReady -> Start on ICE restart) is
// applied directly by RestartICE, not through this monotonic guard.
func (s *PeerSession) setState(next SessionState) {
	s.mu.Lock()
	if s.state == SessionClosed || next <= s.state {
		s.mu.Unlock()
		return
	}
	s.state = next
	cb := s.onStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// State returns the current lifecycle state.
func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnLocalCandidate registers the callback forwarded to signaling as a
// trickled local candidate.
func (s *PeerSession) OnLocalCandidate(f func(ICECandidateInit)) { s.onLocalCandidate = f }

// OnStateChange registers the callback driven by every state transition.
func (s *PeerSession) OnStateChange(f func(SessionState)) { s.onStateChange = f }

// SetTWCCEnabled gates the per-transceiver BitrateController construction in
// onHandshakeComplete (spec section 4.4 step 6). Must be called before
// SetRemoteDescription; Configuration.EnableTWCC is the usual source.
func (s *PeerSession) SetTWCCEnabled(enabled bool) {
	s.mu.Lock()
	s.enableTWCC = enabled
	s.mu.Unlock()
}

// SetDataChannelEnabled gates the SCTP/DCEP data-channel transport
// construction in onHandshakeComplete (spec section 6, section 11's
// supplemented data-channel feature). Must be called before
// SetRemoteDescription; Configuration.EnableDataChannel is the usual source.
func (s *PeerSession) SetDataChannelEnabled(enabled bool) {
	s.mu.Lock()
	s.enableDataChannel = enabled
	s.mu.Unlock()
}

// OnDataChannel registers the callback invoked for every data channel the
// remote peer opens (DCEP DATA_CHANNEL_OPEN). No-op unless
// Configuration.EnableDataChannel is set.
func (s *PeerSession) OnDataChannel(f func(*datachannel.Channel)) {
	s.mu.Lock()
	s.onDataChannel = f
	s.mu.Unlock()
}

// OpenDataChannel dials a new data channel on this session's SCTP
// association, failing with ErrNotReady if the data channel transport is
// disabled or not yet established.
func (s *PeerSession) OpenDataChannel(label, protocol string, reliability datachannel.Reliability) (*datachannel.Channel, error) {
	s.mu.Lock()
	transport := s.dcTransport
	s.mu.Unlock()
	if transport == nil {
		return nil, ErrNotReady
	}
	return transport.OpenChannel(label, protocol, reliability)
}

// LocalCredentials returns this session's local ICE ufrag/pwd for SDP.
func (s *PeerSession) LocalCredentials() (ufrag, pwd string) { return s.localUfrag, s.localPwd }

// LocalFingerprint returns this session's DTLS fingerprint for SDP.
func (s *PeerSession) LocalFingerprint() DTLSFingerprint { return s.cert.Fingerprint() }

// Transceiver returns the transceiver bound to kind, or nil.
func (s *PeerSession) Transceiver(kind MediaKind) *Transceiver { return s.transceivers[kind] }

func (s *PeerSession) hasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveRemoteDescription
}

// SetRemoteDescription deserializes raw (wire-escaped RFC 8866 text),
// extracts ICE credentials, DTLS fingerprint, and per-media SSRC/codec
// information, binds it to this session's transceivers, and starts ICE
// connectivity checks, per spec section 4.7's set_remote_description.
func (s *PeerSession) SetRemoteDescription(raw string) error {
	canonical := sdpcodec.DeserializeNewlines(raw)
	desc, err := sdpcodec.Parse(canonical)
	if err != nil {
		return &ProtocolFailureError{Err: fmt.Errorf("%w: %v", ErrSDPParse, err)}
	}

	ufrag, pwd, ok := sdpcodec.SessionICECredentials(desc)
	if !ok {
		return &ProtocolFailureError{Err: ErrMissingICECredentials}
	}

	algo, digest, ok := sdpcodec.SessionFingerprint(desc)
	if !ok {
		return &ProtocolFailureError{Err: ErrMissingFingerprint}
	}

	seenKinds := map[MediaKind]bool{}
	for _, m := range sdpcodec.MediaSections(desc) {
		kind, ok := mediaKindFromString(m.Kind)
		if !ok {
			continue
		}
		if seenKinds[kind] {
			return &ProtocolFailureError{Err: ErrMultipleMediaKind}
		}
		seenKinds[kind] = true

		tr := s.transceivers[kind]
		if tr == nil {
			continue
		}
		if m.HasSSRC {
			tr.SetRemoteSSRC(m.SSRC)
		}
		if pt, ok := m.CodecPayloadTypes[tr.codec.SDPName()]; ok {
			s.negotiatedPayload[kind] = pt
		}
	}

	s.mu.Lock()
	s.remoteUfrag, s.remotePwd = ufrag, pwd
	s.remoteFingerprint = ParseFingerprint(algo, digest)
	s.haveRemoteDescription = true
	s.mu.Unlock()

	bridge := dtls.New(s.role.dtlsRole(), s.cert.PrivateKey, s.cert.X509Cert, algo, digest, s.loggerFactory)
	bridge.OnHandshakeComplete(func() { s.onHandshakeComplete() })
	s.dtlsBridge = bridge

	if err := s.iceAgent.GatherCandidates(); err != nil {
		return &ProtocolFailureError{Err: fmt.Errorf("gather candidates: %w", err)}
	}

	go s.startICE()

	s.setState(SessionStart)
	return nil
}

func (s *PeerSession) startICE() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultICEDeadline)
	defer cancel()

	s.mu.Lock()
	ufrag, pwd := s.remoteUfrag, s.remotePwd
	s.mu.Unlock()

	if err := s.iceAgent.Start(ctx, ufrag, pwd); err != nil {
		s.log.Errorf("ice connectivity checks failed: %v", err)
		return
	}

	conn := s.iceAgent.Conn()
	s.mux = mux.NewMux(mux.Config{Conn: conn, BufferSize: rtpOutboundMTU * 8, LoggerFactory: s.loggerFactory})

	dtlsEndpoint := s.mux.NewEndpoint(mux.MatchDTLS)
	if err := s.dtlsBridge.ExecuteHandshake(ctx, dtlsEndpoint); err != nil {
		s.log.Errorf("dtls handshake failed: %v", err)
		// Per-handshake failures (including a fingerprint mismatch raised
		// from verifyPeerCertificate) tear the session down and report
		// peer-closed to every transceiver's media source (spec section 7).
		if closeErr := s.Close(); closeErr != nil {
			s.log.Errorf("close after handshake failure: %v", closeErr)
		}
	}
}

func (s *PeerSession) onHandshakeComplete() {
	srtpEndpoint := s.mux.NewEndpoint(mux.MatchSRTP)
	rtcpEndpoint := s.mux.NewEndpoint(mux.MatchSRTCP)

	session, err := srtp.NewSession(srtp.Config{
		DTLSConn:      s.dtlsBridge.Conn(),
		IsDTLSClient:  s.role == RoleViewer,
		RTPConn:       srtpEndpoint,
		RTCPConn:      rtcpEndpoint,
		LoggerFactory: s.loggerFactory,
	})
	if err != nil {
		s.log.Errorf("start srtp session: %v", err)
		return
	}
	s.srtpSession = session

	session.OnRTP(func(pkt *rtp.Packet) {
		for _, tr := range s.transceivers {
			if tr.RemoteSSRC() == pkt.SSRC {
				tr.PushRTP(pkt)
				return
			}
		}
	})
	session.OnPictureLossIndication(func(mediaSSRC uint32) {
		for _, tr := range s.transceivers {
			if tr.SendSSRC() == mediaSSRC {
				tr.handlePictureLoss()
				return
			}
		}
	})
	session.OnNACK(func(pkt *rtcp.TransportLayerNack) {
		for _, tr := range s.transceivers {
			if tr.SendSSRC() != pkt.MediaSSRC {
				continue
			}
			if err := tr.HandleNACK(pkt); err != nil {
				s.log.Warnf("kvswebrtc: nack handling for ssrc %d failed: %v", pkt.MediaSSRC, err)
			}
			return
		}
	})

	for kind, tr := range s.transceivers {
		pt := s.negotiatedPayload[kind]
		if err := tr.Bind(pt, nil, session); err != nil {
			s.log.Errorf("bind transceiver %s: %v", kind, err)
		}
	}

	s.mu.Lock()
	enableTWCC := s.enableTWCC
	enableDataChannel := s.enableDataChannel
	s.mu.Unlock()
	if enableTWCC {
		s.startBitrateControl(session)
	}
	if enableDataChannel {
		s.startDataChannel()
	}

	s.setState(SessionConnectionReady)
}

// WriteFrame rejects writes before ConnectionReady, otherwise dispatches to
// the matching transceiver (spec section 4.7's write_frame, section 4.4).
func (s *PeerSession) WriteFrame(kind MediaKind, frame []byte, sampleDuration uint32) error {
	if s.State() < SessionConnectionReady {
		return ErrNotReady
	}
	tr := s.transceivers[kind]
	if tr == nil {
		return &InvalidInputError{Err: ErrNoTransceiver}
	}
	return tr.WriteFrame(frame, sampleDuration)
}

// AddRemoteCandidate enqueues a trickled remote ICE candidate for the
// orchestrator thread to apply, per spec section 4.7's bounded request
// queue.
func (s *PeerSession) AddRemoteCandidate(c ICECandidateInit) error {
	select {
	case s.requests <- sessionRequest{kind: requestAddRemoteCandidate, candidate: c}:
		return nil
	default:
		return &ResourceExhaustedError{Err: ErrQueueFull}
	}
}

// RequestConnectivityCheck enqueues a connectivity-check request. The
// orchestrator dequeues it without further action (see handleRequest).
func (s *PeerSession) RequestConnectivityCheck() error {
	select {
	case s.requests <- sessionRequest{kind: requestConnectivityCheck}:
		return nil
	default:
		return &ResourceExhaustedError{Err: ErrQueueFull}
	}
}

// RequestPeriodConnectionCheck enqueues a periodic keepalive/liveness check
// request; like RequestConnectivityCheck, it is dequeued without further
// action.
func (s *PeerSession) RequestPeriodConnectionCheck() error {
	select {
	case s.requests <- sessionRequest{kind: requestPeriodConnectionCheck}:
		return nil
	default:
		return &ResourceExhaustedError{Err: ErrQueueFull}
	}
}

// run is the single orchestrator thread consuming the request queue, per
// spec section 5: "one session orchestrator thread per peer session
// consumes the request queue and calls into ICE, DTLS, and SRTP."
func (s *PeerSession) run() {
	for {
		select {
		case req := <-s.requests:
			s.handleRequest(req)
		case <-s.closeCh:
			return
		}
	}
}

func (s *PeerSession) handleRequest(req sessionRequest) {
	switch req.kind {
	case requestAddRemoteCandidate:
		if s.iceAgent == nil {
			return
		}
		value := strings.TrimPrefix(req.candidate.Candidate, "candidate:")
		c, err := pionice.UnmarshalCandidate(value)
		if err != nil {
			s.log.Warnf("kvswebrtc: dropping unparseable remote candidate: %v", err)
			return
		}
		if err := s.iceAgent.AddRemoteCandidate(c); err != nil {
			s.log.Warnf("kvswebrtc: add remote candidate failed: %v", err)
		}
	case requestConnectivityCheck, requestPeriodConnectionCheck:
		// Dequeued without further action: liveness is driven by pion/ice's
		// own check and keepalive timers, and internal/ice exposes no call
		// that forces an immediate check.
	}
}

// RestartICE regenerates local ICE credentials and returns the session from
// ConnectionReady to Start, the sole backwards transition spec section 4.7
// allows.
func (s *PeerSession) RestartICE() (ufrag, pwd string, err error) {
	ufrag, pwd, err = s.iceAgent.Restart()
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	s.localUfrag, s.localPwd = ufrag, pwd
	s.state = SessionStart
	s.mu.Unlock()
	return ufrag, pwd, nil
}

// Close transitions the session to Closed, tearing down ICE, DTLS, the mux,
// and SRTP, and emits peer-closed to every active transceiver exactly once,
// per spec section 5's cancellation model and section 7's teardown
// guarantee.
func (s *PeerSession) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionClosed
		s.mu.Unlock()
		close(s.closeCh)

		record := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}

		for _, ctrl := range s.bitrateControllers {
			ctrl.Stop()
		}
		if s.dcTransport != nil {
			record(s.dcTransport.Close())
		}
		if s.srtpSession != nil {
			record(s.srtpSession.Close())
		}
		if s.dtlsBridge != nil {
			record(s.dtlsBridge.Close())
		}
		if s.mux != nil {
			record(s.mux.Close())
		}
		if s.iceAgent != nil {
			record(s.iceAgent.Close())
		}
		for _, tr := range s.transceivers {
			tr.firePeerClosed()
		}
	})
	return firstErr
}

// startBitrateControl builds one BitrateController per transceiver and
// subscribes it to the shared SRTP session's TWCC/REMB feedback, per spec
// section 4.4 step 6: loss-driven EMA adjustment on a 1s tick, REMB as an
// immediate cap, clamped to per-kind [min, max] and published to the media
// source through each transceiver's bitrate-modified flag.
func (s *PeerSession) startBitrateControl(session *srtp.Session) {
	controllers := make(map[MediaKind]*srtp.BitrateController, len(s.transceivers))
	for kind, tr := range s.transceivers {
		tr := tr
		initial, min, max := bitrateBoundsFor(kind)
		ctrl := srtp.NewBitrateController(initial, min, max, tr.publishBitrate)
		ctrl.Start()
		controllers[kind] = ctrl
	}

	s.mu.Lock()
	s.bitrateControllers = controllers
	s.mu.Unlock()

	session.OnTransportWideCC(func(pkt *rtcp.TransportLayerCC) {
		loss := srtp.LossFraction(pkt)
		for _, ctrl := range controllers {
			ctrl.RecordLossSample(loss)
		}
	})
	session.OnREMB(func(pkt *rtcp.ReceiverEstimatedMaximumBitrate) {
		matched := false
		for kind, tr := range s.transceivers {
			for _, ssrc := range pkt.SSRCs {
				if ssrc == tr.SendSSRC() {
					controllers[kind].ReportREMB(pkt.Bitrate)
					matched = true
				}
			}
		}
		if !matched {
			for _, ctrl := range controllers {
				ctrl.ReportREMB(pkt.Bitrate)
			}
		}
	})
}

// startDataChannel layers the SCTP/DCEP transport over the already-keyed
// DTLS connection, matching the association's client/server pairing to the
// session's DTLS role (spec section 6, section 11's supplemented
// data-channel feature, DESIGN.md's `internal/datachannel` entry).
func (s *PeerSession) startDataChannel() {
	transport, err := datachannel.NewTransport(s.dtlsBridge.Conn(), s.role == RoleViewer, s.loggerFactory)
	if err != nil {
		s.log.Errorf("start data channel transport: %v", err)
		return
	}

	s.mu.Lock()
	onDataChannel := s.onDataChannel
	s.dcTransport = transport
	s.mu.Unlock()

	transport.OnChannel(func(ch *datachannel.Channel) {
		if onDataChannel != nil {
			onDataChannel(ch)
		}
	})
}

// bitrateBoundsFor returns the per-kind (initial, min, max) bitrate bounds
// spec section 4.4 step 6 clamps the TWCC controller to.
func bitrateBoundsFor(kind MediaKind) (initial, min, max uint64) {
	if kind == MediaKindAudio {
		return defaultInitialBitrateAudio, defaultMinBitrateAudio, defaultMaxBitrateAudio
	}
	return defaultInitialBitrateVideo, defaultMinBitrateVideo, defaultMaxBitrateVideo
}

func mediaKindFromString(kind string) (MediaKind, bool) {
	switch kind {
	case "audio":
		return MediaKindAudio, true
	case "video":
		return MediaKindVideo, true
	default:
		return 0, false
	}
}

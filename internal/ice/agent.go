// Package ice wires the endpoint's NAT-traversal policy and role (master or
// viewer) onto a github.com/pion/ice/v4 Agent, and exposes a narrower
// session-facing surface around start, add_remote_candidate and close. Close
// tears down every candidate pair and candidate at once; there is no
// per-pair or per-candidate close. Candidate gathering, STUN
// binding, TURN allocation, pairing, priority, and nomination are all
// implemented by the pion/ice/v4 Agent itself; this package is the
// session-facing adapter plus the NAT-policy bitmap filter spec 4.1 asks for.
package ice

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
)

// Role mirrors the two endpoint personas from spec section 1: a master
// (offer-accepting publisher) answers and is ICE-controlled; a viewer
// (offer-initiating subscriber) offers and is ICE-controlling, following the
// usual "offerer is controlling" convention.
type Role int

const (
	RoleMaster Role = iota
	RoleViewer
)

// NATPolicy is the subset of candidate types the agent is permitted to
// gather, mirroring kvswebrtc.NATTraversalPolicy without importing the root
// package (avoids an import cycle).
type NATPolicy struct {
	Host  bool
	Srflx bool
	Relay bool
}

// Server describes one STUN or TURN server, with optional long-term
// credentials for TURN.
type Server struct {
	URLs       []string
	Username   string
	Credential string
}

// Config collects the arguments needed to start an Agent for one peer
// session.
type Config struct {
	Role              Role
	NATPolicy         NATPolicy
	Servers           []Server
	ConnectivityCheckInterval time.Duration
	KeepaliveInterval time.Duration
	LoggerFactory     logging.LoggerFactory
}

// Agent adapts a pion/ice/v4 Agent to the lifecycle spec section 4.1
// describes: construct, start with local+remote ufrag/pwd, trickle remote
// candidates in, observe local candidates and the nominated pair out.
type Agent struct {
	inner *ice.Agent
	role  Role
	log   logging.LeveledLogger

	localUfrag string
	localPwd   string

	onLocalCandidate func(ice.Candidate)
	onStateChange    func(ice.ConnectionState)
	onSelectedPair   func(local, remote ice.Candidate)

	conn *ice.Conn
}

// New constructs the underlying pion ICE agent with candidate types and
// servers filtered by the configured NAT traversal policy (spec section 4.1,
// "gathering... for each eligible local interface"; "for each configured
// STUN/TURN server").
func New(cfg Config) (*Agent, error) {
	var candidateTypes []ice.CandidateType
	if cfg.NATPolicy.Host {
		candidateTypes = append(candidateTypes, ice.CandidateTypeHost)
	}
	if cfg.NATPolicy.Srflx {
		candidateTypes = append(candidateTypes, ice.CandidateTypeServerReflexive)
	}
	if cfg.NATPolicy.Relay {
		candidateTypes = append(candidateTypes, ice.CandidateTypeRelay)
	}

	var urls []*ice.URL
	for _, s := range cfg.Servers {
		for _, raw := range s.URLs {
			u, err := ice.ParseURL(raw)
			if err != nil {
				return nil, fmt.Errorf("parse ice server url %q: %w", raw, err)
			}
			u.Username = s.Username
			u.Password = s.Credential
			urls = append(urls, u)
		}
	}

	keepalive := cfg.KeepaliveInterval
	if keepalive == 0 {
		keepalive = 15 * time.Second
	}
	checkInterval := cfg.ConnectivityCheckInterval
	if checkInterval == 0 {
		checkInterval = 200 * time.Millisecond
	}

	iceAgent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:                  urls,
		NetworkTypes:          []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes:        candidateTypes,
		KeepaliveInterval:     &keepalive,
		CheckInterval:         &checkInterval,
		LoggerFactory:         cfg.LoggerFactory,
		InsecureSkipVerify:    false,
	})
	if err != nil {
		return nil, fmt.Errorf("create ice agent: %w", err)
	}

	a := &Agent{
		inner: iceAgent,
		role:  cfg.Role,
		log:   cfg.LoggerFactory.NewLogger("ice"),
	}

	if err := iceAgent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			return
		}
		if a.onLocalCandidate != nil {
			a.onLocalCandidate(c)
		}
	}); err != nil {
		return nil, err
	}

	if err := iceAgent.OnConnectionStateChange(func(s ice.ConnectionState) {
		a.log.Infof("ice connection state: %s", s)
		if a.onStateChange != nil {
			a.onStateChange(s)
		}
	}); err != nil {
		return nil, err
	}

	if err := iceAgent.OnSelectedCandidatePairChange(func(local, remote ice.Candidate) {
		if a.onSelectedPair != nil {
			a.onSelectedPair(local, remote)
		}
	}); err != nil {
		return nil, err
	}

	ufrag, pwd, err := iceAgent.GetLocalUserCredentials()
	if err != nil {
		return nil, err
	}
	a.localUfrag, a.localPwd = ufrag, pwd

	return a, nil
}

// LocalCredentials returns the local ufrag/pwd the endpoint must advertise
// in SDP.
func (a *Agent) LocalCredentials() (ufrag, pwd string) { return a.localUfrag, a.localPwd }

// OnLocalCandidate registers the callback forwarded over signaling as a
// trickled candidate (spec 4.1, "local_candidate_ready callback").
func (a *Agent) OnLocalCandidate(f func(ice.Candidate)) { a.onLocalCandidate = f }

// OnConnectionStateChange registers the callback driving the orchestrator's
// P2PConnectionFound transition.
func (a *Agent) OnConnectionStateChange(f func(ice.ConnectionState)) { a.onStateChange = f }

// OnSelectedCandidatePairChange registers the nomination callback.
func (a *Agent) OnSelectedCandidatePairChange(f func(local, remote ice.Candidate)) {
	a.onSelectedPair = f
}

// GatherCandidates starts asynchronous candidate gathering; local candidates
// arrive via the OnLocalCandidate callback as they become usable.
func (a *Agent) GatherCandidates() error { return a.inner.GatherCandidates() }

// Start begins connectivity checks against the remote ufrag/pwd. The
// viewer dials (ICE-controlling, sends USE-CANDIDATE); the master accepts
// (ICE-controlled). Both block until a pair is nominated or ctx is done, so
// callers run Start in its own goroutine (spec 5, "one ICE socket listener
// thread per peer session").
func (a *Agent) Start(ctx context.Context, remoteUfrag, remotePwd string) error {
	var conn *ice.Conn
	var err error
	switch a.role {
	case RoleViewer:
		conn, err = a.inner.Dial(ctx, remoteUfrag, remotePwd)
	default:
		conn, err = a.inner.Accept(ctx, remoteUfrag, remotePwd)
	}
	if err != nil {
		return fmt.Errorf("ice connectivity checks: %w", err)
	}
	a.conn = conn
	return nil
}

// AddRemoteCandidate feeds a trickled or SDP-embedded remote candidate into
// the agent (spec 4.1, add_remote_candidate).
func (a *Agent) AddRemoteCandidate(c ice.Candidate) error {
	return a.inner.AddRemoteCandidate(c)
}

// Conn returns the net.Conn-shaped nominated-pair connection used to carry
// DTLS/SRTP once Start has returned, matching spec section 4.2's socket
// abstraction (one selected socket per session after nomination).
func (a *Agent) Conn() *ice.Conn { return a.conn }

// Restart regenerates local credentials and re-gathers, for the ICE-restart
// path (spec section 9's Open Question, decided in DESIGN.md: always
// generate fresh ufrag/pwd on restart per RFC 8445 section 9).
func (a *Agent) Restart() (ufrag, pwd string, err error) {
	ufrag, pwd, err = a.inner.Restart("", "")
	if err != nil {
		return "", "", err
	}
	a.localUfrag, a.localPwd = ufrag, pwd
	return ufrag, pwd, nil
}

// GetCandidatePairsStats exposes basic visibility for diagnostics/tests.
func (a *Agent) GetCandidatePairsStats() []ice.CandidatePairStats {
	return a.inner.GetCandidatePairsStats()
}

// Close tears the agent down; per spec 4.1 close_other_candidate_pairs /
// close_candidate are subsumed by pion/ice's own Close, which releases every
// socket it owns.
func (a *Agent) Close() error {
	if a.conn != nil {
		_ = a.conn.Close()
	}
	return a.inner.Close()
}

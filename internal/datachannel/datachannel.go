// Package datachannel layers an optional SCTP association and DCEP
// data-channel surface above an established DTLS connection, gated by the
// endpoint's enable_data_channel configuration option (spec section 6).
// Grounded on sctptransport.go/datachannel.go's association-over-DTLS
// pattern, rewritten against the current github.com/pion/sctp and
// github.com/pion/datachannel APIs (the teacher's copy predates the
// pions→pion rename and no longer matches either module's real surface).
package datachannel

import (
	"fmt"
	"net"
	"sync"

	piondatachannel "github.com/pion/datachannel"
	"github.com/pion/logging"
	"github.com/pion/sctp"
)

// Reliability describes a data channel's delivery guarantees, mirroring
// RTCDataChannelInit's ordered/maxRetransmits/maxPacketLifeTime trio.
type Reliability struct {
	Ordered           bool
	MaxRetransmits    *uint16
	MaxPacketLifeTime *uint16
}

func (r Reliability) toConfig(label string) *piondatachannel.Config {
	cfg := &piondatachannel.Config{Label: label, ChannelType: piondatachannel.ChannelTypeReliable}
	switch {
	case r.MaxRetransmits != nil && r.Ordered:
		cfg.ChannelType = piondatachannel.ChannelTypePartialReliableRexmit
		cfg.ReliabilityParameter = uint32(*r.MaxRetransmits)
	case r.MaxRetransmits != nil && !r.Ordered:
		cfg.ChannelType = piondatachannel.ChannelTypePartialReliableRexmitUnordered
		cfg.ReliabilityParameter = uint32(*r.MaxRetransmits)
	case r.MaxPacketLifeTime != nil && r.Ordered:
		cfg.ChannelType = piondatachannel.ChannelTypePartialReliableTimed
		cfg.ReliabilityParameter = uint32(*r.MaxPacketLifeTime)
	case r.MaxPacketLifeTime != nil && !r.Ordered:
		cfg.ChannelType = piondatachannel.ChannelTypePartialReliableTimedUnordered
		cfg.ReliabilityParameter = uint32(*r.MaxPacketLifeTime)
	case !r.Ordered:
		cfg.ChannelType = piondatachannel.ChannelTypeReliableUnordered
	}
	return cfg
}

func reliabilityFromConfig(cfg *piondatachannel.Config) Reliability {
	val := uint16(cfg.ReliabilityParameter)
	switch cfg.ChannelType {
	case piondatachannel.ChannelTypeReliable:
		return Reliability{Ordered: true}
	case piondatachannel.ChannelTypeReliableUnordered:
		return Reliability{Ordered: false}
	case piondatachannel.ChannelTypePartialReliableRexmit:
		return Reliability{Ordered: true, MaxRetransmits: &val}
	case piondatachannel.ChannelTypePartialReliableRexmitUnordered:
		return Reliability{Ordered: false, MaxRetransmits: &val}
	case piondatachannel.ChannelTypePartialReliableTimed:
		return Reliability{Ordered: true, MaxPacketLifeTime: &val}
	case piondatachannel.ChannelTypePartialReliableTimedUnordered:
		return Reliability{Ordered: false, MaxPacketLifeTime: &val}
	default:
		return Reliability{Ordered: true}
	}
}

// Channel is one open data channel, reading/writing DCEP-framed application
// messages over the shared SCTP association.
type Channel struct {
	inner       *piondatachannel.DataChannel
	label       string
	protocol    string
	streamID    uint16
	reliability Reliability
}

func (c *Channel) Label() string            { return c.label }
func (c *Channel) Protocol() string         { return c.protocol }
func (c *Channel) StreamIdentifier() uint16 { return c.streamID }
func (c *Channel) Reliability() Reliability { return c.reliability }

// Read returns the next message and whether it was sent as a string
// (DCEP's text vs. binary message distinction).
func (c *Channel) Read(p []byte) (n int, isString bool, err error) { return c.inner.ReadDataChannel(p) }

// Write sends p as a binary message.
func (c *Channel) Write(p []byte) (int, error) { return c.inner.WriteDataChannel(p, false) }

// WriteText sends p as a text message.
func (c *Channel) WriteText(p []byte) (int, error) { return c.inner.WriteDataChannel(p, true) }

func (c *Channel) Close() error { return c.inner.Close() }

// Transport owns the SCTP association layered over the session's DTLS
// connection and the DCEP channels opened or accepted on it.
type Transport struct {
	assoc         *sctp.Association
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory

	mu           sync.Mutex
	nextStreamID uint16

	onChannel func(*Channel)
}

// NewTransport starts the SCTP association. isDTLSClient mirrors the DTLS
// role: the DTLS client opens the SCTP association as a client (sctp.Client
// performs the SCTP INIT handshake), the DTLS server accepts it
// (sctp.Server), matching the original's peer_connection_sctp.c pairing of
// the two handshakes.
func NewTransport(conn net.Conn, isDTLSClient bool, loggerFactory logging.LoggerFactory) (*Transport, error) {
	cfg := sctp.Config{
		NetConn:       conn,
		LoggerFactory: loggerFactory,
	}

	var assoc *sctp.Association
	var err error
	if isDTLSClient {
		assoc, err = sctp.Client(cfg)
	} else {
		assoc, err = sctp.Server(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("datachannel: start sctp association: %w", err)
	}

	t := &Transport{
		assoc:         assoc,
		log:           loggerFactory.NewLogger("datachannel"),
		loggerFactory: loggerFactory,
		// Per RFC 8832, DCEP stream ids are even for one endpoint and odd
		// for the other to avoid collisions; tie parity to the DTLS role
		// the same way the stream id itself is derived from it.
		nextStreamID: streamIDParity(isDTLSClient),
	}

	go t.acceptLoop()
	return t, nil
}

func streamIDParity(isDTLSClient bool) uint16 {
	if isDTLSClient {
		return 0
	}
	return 1
}

// OnChannel registers the callback invoked for every data channel opened by
// the remote peer (DCEP DATA_CHANNEL_OPEN received).
func (t *Transport) OnChannel(f func(*Channel)) { t.onChannel = f }

func (t *Transport) acceptLoop() {
	for {
		dc, err := piondatachannel.Accept(t.assoc, &piondatachannel.Config{LoggerFactory: t.loggerFactory})
		if err != nil {
			t.log.Infof("datachannel: accept loop exiting: %v", err)
			return
		}

		ch := &Channel{
			inner:       dc,
			label:       dc.Config.Label,
			protocol:    dc.Config.Protocol,
			streamID:    dc.StreamIdentifier(),
			reliability: reliabilityFromConfig(dc.Config),
		}
		if t.onChannel != nil {
			t.onChannel(ch)
		}
	}
}

// OpenChannel dials a new data channel on the next available stream id for
// this endpoint's parity.
func (t *Transport) OpenChannel(label, protocol string, reliability Reliability) (*Channel, error) {
	t.mu.Lock()
	streamID := t.nextStreamID
	t.nextStreamID += 2
	t.mu.Unlock()

	cfg := reliability.toConfig(label)
	cfg.Protocol = protocol

	dc, err := piondatachannel.Dial(t.assoc, streamID, cfg)
	if err != nil {
		return nil, fmt.Errorf("datachannel: open channel %q: %w", label, err)
	}

	return &Channel{
		inner:       dc,
		label:       label,
		protocol:    protocol,
		streamID:    streamID,
		reliability: reliability,
	}, nil
}

// Close tears down the SCTP association and every channel on it.
func (t *Transport) Close() error { return t.assoc.Close() }

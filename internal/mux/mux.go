// Package mux demultiplexes the single ICE-nominated socket per peer session
// (spec section 4.2) into per-protocol endpoints, following RFC 7983: DTLS
// handshake bytes on one endpoint, SRTP/SRTCP media on others. pion/dtls and
// pion/srtp each get a net.Conn-shaped Endpoint and are none the wiser that
// they share the underlying ICE connection.
package mux

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/packetio"
)

// The maximum amount of data that can be buffered before returning errors.
const maxBufferSize = 1000 * 1000 // 1MB

// maxPendingPackets bounds the backlog of packets that arrive before any
// registered endpoint claims them (e.g. the very first SRTP packet racing
// NewEndpoint during ConnectionReady setup).
const maxPendingPackets = 256

// Config collects the arguments to mux.Mux construction into a single
// structure.
type Config struct {
	Conn          net.Conn
	BufferSize    int
	LoggerFactory logging.LoggerFactory
}

// Mux demultiplexes a single net.Conn into MatchFunc-selected Endpoints.
type Mux struct {
	lock           sync.Mutex
	nextConn       net.Conn
	endpoints      map[*Endpoint]MatchFunc
	pendingPackets [][]byte
	bufferSize     int
	closedCh       chan struct{}

	log logging.LeveledLogger
}

// NewMux creates a new Mux and starts its read loop.
func NewMux(config Config) *Mux {
	m := &Mux{
		nextConn:   config.Conn,
		endpoints:  make(map[*Endpoint]MatchFunc),
		bufferSize: config.BufferSize,
		closedCh:   make(chan struct{}),
		log:        config.LoggerFactory.NewLogger("mux"),
	}

	go m.readLoop()

	return m
}

// NewEndpoint creates a new Endpoint matched by f, immediately draining any
// packets that arrived before this endpoint existed and match it.
func (m *Mux) NewEndpoint(f MatchFunc) *Endpoint {
	e := &Endpoint{
		mux:    m,
		buffer: packetio.NewBuffer(),
	}

	// Set a maximum size of the buffer in bytes.
	// NOTE: We actually won't get anywhere close to this limit.
	// SRTP will constantly read from the endpoint and drop packets if it's full.
	e.buffer.SetLimitSize(maxBufferSize)

	m.lock.Lock()
	defer m.lock.Unlock()
	m.endpoints[e] = f

	remaining := m.pendingPackets[:0]
	for _, p := range m.pendingPackets {
		if f(p) {
			if _, err := e.buffer.Write(p); err != nil {
				m.log.Warnf("mux: delivering queued packet to new endpoint: %v", err)
			}
			continue
		}
		remaining = append(remaining, p)
	}
	m.pendingPackets = remaining

	return e
}

// RemoveEndpoint removes an endpoint from the Mux.
func (m *Mux) RemoveEndpoint(e *Endpoint) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.endpoints, e)
}

// Close closes the Mux and all associated Endpoints.
func (m *Mux) Close() error {
	m.lock.Lock()
	for e := range m.endpoints {
		if err := e.close(); err != nil {
			m.lock.Unlock()
			return err
		}
		delete(m.endpoints, e)
	}
	m.lock.Unlock()

	if err := m.nextConn.Close(); err != nil {
		return err
	}

	// Wait for readLoop to end.
	<-m.closedCh

	return nil
}

func (m *Mux) readLoop() {
	defer close(m.closedCh)

	buf := make([]byte, m.bufferSize)
	for {
		n, err := m.nextConn.Read(buf)
		switch {
		case errors.Is(err, packetio.ErrTimeout), errors.Is(err, io.ErrShortBuffer):
			// Non-fatal: the read was truncated or timed out, keep going.
			continue
		case err != nil:
			return
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		if err := m.dispatch(cp); err != nil {
			return
		}
	}
}

func (m *Mux) dispatch(buf []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for e, f := range m.endpoints {
		if !f(buf) {
			continue
		}
		_, err := e.buffer.Write(buf)
		if err != nil && !errors.Is(err, packetio.ErrFull) {
			return err
		}
		return nil
	}

	if len(buf) == 0 {
		return nil
	}

	m.log.Warnf("mux: no endpoint for packet starting with %d, queuing", buf[0])
	if len(m.pendingPackets) >= maxPendingPackets {
		m.pendingPackets = m.pendingPackets[1:]
	}
	m.pendingPackets = append(m.pendingPackets, buf)

	return nil
}

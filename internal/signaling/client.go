// Package signaling implements the HTTPS control plane and WebSocket event
// plane for an AWS Kinesis Video Signaling Channel (spec section 6), ported
// from signaling_controller.c: DescribeSignalingChannel/
// GetSignalingChannelEndpoint/GetIceServerConfig over HTTPS, and an
// Connect/SendMessage/OnMessage event plane over a gorilla/websocket
// connection with capped-exponential-backoff-with-jitter reconnection.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

const (
	backoffBase = 50 * time.Millisecond
	backoffCap  = 15 * time.Second

	// writeTimeout bounds a single WebSocket frame write, matching the
	// transient-I/O retry budget from spec section 7 (bounded backoff,
	// 50ms/1s cap, at the sender) by failing fast rather than blocking
	// the event-plane goroutine indefinitely.
	writeTimeout = time.Second
)

// Client owns the control-plane resolution and the WebSocket event-plane
// connection for one endpoint's signaling channel.
type Client struct {
	controlPlane *ControlPlane
	role         Role
	clientID     string
	log          logging.LeveledLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	wss     string
	https   string
	closed  bool
	closeCh chan struct{}

	onMessage        func(Message)
	onStatusResponse func(StatusResponse)

	backoff *backoff
}

// New resolves the channel's endpoints via the control plane and builds a
// Client ready to Connect.
func New(ctx context.Context, cp *ControlPlane, role Role, clientID string, loggerFactory logging.LoggerFactory) (*Client, error) {
	endpoints, err := cp.GetSignalingChannelEndpoint(ctx, role)
	if err != nil {
		return nil, err
	}

	return &Client{
		controlPlane: cp,
		role:         role,
		clientID:     clientID,
		log:          loggerFactory.NewLogger("signaling"),
		wss:          endpoints.WSS,
		https:        endpoints.HTTPS,
		closeCh:      make(chan struct{}),
		backoff:      newBackoff(backoffBase, backoffCap),
	}, nil
}

// IceServers fetches the current TURN/STUN server list via the control
// plane's HTTPS endpoint.
func (c *Client) IceServers(ctx context.Context) ([]IceServer, error) {
	return c.controlPlane.GetIceServerConfig(ctx, c.https, c.clientID)
}

// OnMessage registers the callback invoked for every decoded inbound
// message (SDP_OFFER, SDP_ANSWER, ICE_CANDIDATE, RECONNECT_ICE_SERVER).
func (c *Client) OnMessage(f func(Message)) { c.onMessage = f }

// OnStatusResponse registers the callback invoked when the channel reports
// STATUS_RESPONSE for a previously sent message, per
// signaling_controller.c's handleStatusResponse — surfaced rather than
// silently dropped.
func (c *Client) OnStatusResponse(f func(StatusResponse)) { c.onStatusResponse = f }

// wsURL builds the channel's WebSocket URL, appending the viewer's
// X-Amz-ClientId query parameter the KVS signaling protocol requires for
// viewer (not master) connections.
func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.wss)
	if err != nil {
		return "", fmt.Errorf("signaling: parse wss endpoint: %w", err)
	}
	q := u.Query()
	q.Set("X-Amz-ChannelARN", c.controlPlane.channelARN)
	if c.role == RoleViewer {
		q.Set("X-Amz-ClientId", c.clientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the event-plane WebSocket and starts the read loop. It
// blocks until the first successful connection, then returns; subsequent
// disconnects are handled by an internal reconnect loop using full-jitter
// backoff (spec section 5, "15s per reconnection attempt" timeout budget).
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.wsURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	if err != nil {
		status := "no response"
		if resp != nil {
			status = resp.Status
		}
		return fmt.Errorf("signaling: dial websocket (%s): %w", status, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.backoff.reset()
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Infof("signaling: websocket read error: %v", err)
			_ = conn.Close()
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				select {
				case c.closeCh <- struct{}{}:
				default:
				}
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	msg, err := decodeWireMessage(data)
	if err != nil {
		c.log.Warnf("signaling: dropping malformed message: %v", err)
		return
	}

	if msg.Type == MessageTypeStatusResponse && msg.Status != nil {
		if c.onStatusResponse != nil {
			c.onStatusResponse(*msg.Status)
		}
		return
	}

	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// reconnectLoop redials on disconnect with full-jitter capped-exponential
// backoff until ctx is canceled or Close is called.
func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		delay := c.backoff.next()
		c.log.Infof("signaling: reconnecting in %s", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Errorf("signaling: reconnect failed: %v", err)
			select {
			case c.closeCh <- struct{}{}:
			default:
			}
		}
	}
}

// SendMessage marshals msg to the wire envelope and writes it as a single
// WebSocket text frame, generating a correlation id via google/uuid when
// the caller hasn't set one.
func (c *Client) SendMessage(msg Message) error {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg.encode())
}

// Close tears down the event-plane connection and stops reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func decodeWireMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, err
	}
	return wire.decode()
}

// Package client provides a reusable WebSocket load test client for the
// Whisper video chat server. It connects using gobwas/ws (the same library
// the server uses), records the connection id from the ice-servers greeting
// and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeSetPreferences = "set-preferences"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice-candidate"
	TypeNextUser       = "next-user"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeICEServers      = "ice-servers"
	TypeWaitingForMatch = "waiting-for-match"
	TypeMatchFound      = "match-found"
	TypePartnerLeft     = "partner-left"
	TypeRateLimited     = "rate-limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the ice-servers greeting
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection.
type Client struct {
	conn     net.Conn
	connID   atomic.Value // string, set by the greeting
	greeted  chan struct{}
	greetOne sync.Once
	started  time.Time
	writeMu  sync.Mutex
	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading in the background. Handlers must be
// registered with On before the messages they care about can arrive, so
// callers typically register right after New returns and before sending.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		greeted:  make(chan struct{}),
		started:  start,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	// Frames that arrived with the handshake response sit in br.
	var r net.Conn = conn
	if br != nil {
		r = &bufferedConn{Conn: conn, r: br}
	}
	go c.readLoop(r)
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SetPreferences enters matchmaking.
func (c *Client) SetPreferences(gender, preference string) error {
	return c.Send(map[string]string{
		"type":       TypeSetPreferences,
		"gender":     gender,
		"preference": preference,
	})
}

// Signal sends an offer, answer or ICE candidate with payload to roomID.
func (c *Client) Signal(kind, roomID string, payload interface{}) error {
	field := map[string]string{
		TypeOffer:        "offer",
		TypeAnswer:       "answer",
		TypeICECandidate: "candidate",
	}[kind]
	return c.Send(map[string]interface{}{
		"type":   kind,
		"roomId": roomID,
		field:    payload,
	})
}

// On registers a handler for a server message type, replacing any previous
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForGreeting blocks until the ice-servers greeting arrived.
func (c *Client) WaitForGreeting(ctx context.Context) error {
	select {
	case <-c.greeted:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before greeting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionID is the id assigned by the server, or "" before the greeting.
func (c *Client) ConnectionID() string {
	id, _ := c.connID.Load().(string)
	return id
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop(r net.Conn) {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(r)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeICEServers {
			c.greetOne.Do(func() {
				c.connID.Store(envelope.ConnectionID)
				c.metrics.ConnectLatency = time.Since(c.started)
				close(c.greeted)
			})
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// bufferedConn reads through the handshake reader so no frame is lost.
type bufferedConn struct {
	net.Conn
	r interface{ Read([]byte) (int, error) }
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

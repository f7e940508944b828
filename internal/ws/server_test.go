package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg ServerConfig, hooks Hooks) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Heartbeat.Interval = 0
	s := NewServer(cfg, hooks)
	require.NoError(t, s.Start())
	ts := httptest.NewServer(http.HandlerFunc(s.HandleUpgrade))
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown()
	})
	return s, ts
}

// dial connects a client. Bytes the server sent right after the handshake
// may already sit in the handshake reader, so reads go through it.
func dial(t *testing.T, ts *httptest.Server) (net.Conn, io.ReadWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	if br == nil {
		return conn, conn
	}
	return conn, struct {
		io.Reader
		io.Writer
	}{br, conn}
}

func TestServer_GreetingMessageAndDisconnect(t *testing.T) {
	msgs := make(chan string, 4)
	gone := make(chan string, 1)
	var s *Server

	s, ts := startTestServer(t, DefaultServerConfig(), Hooks{
		Admit: func(r *http.Request) (ClientInfo, error) {
			return ClientInfo{IP: "127.0.0.1", Fingerprint: "fp"}, nil
		},
		OnConnect: func(c *Connection) error {
			assert.Equal(t, "fp", c.Client.Fingerprint)
			return s.Send(c.ID, []byte(`{"type":"hello"}`))
		},
		OnMessage: func(c *Connection, data []byte) {
			msgs <- string(data)
		},
		OnDisconnect: func(c *Connection) {
			gone <- c.ID
		},
	})

	conn, rw := dial(t, ts)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	greeting, err := wsutil.ReadServerText(rw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello"}`, string(greeting))

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	select {
	case m := <-msgs:
		assert.Equal(t, `{"type":"ping"}`, m)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, 1, s.Connections().Count())

	conn.Close()
	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServer_AdmitRejects(t *testing.T) {
	_, ts := startTestServer(t, DefaultServerConfig(), Hooks{
		Admit: func(r *http.Request) (ClientInfo, error) {
			return ClientInfo{}, &RejectError{Status: http.StatusTooManyRequests, Message: "slow down"}
		},
	})

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_ConnectionCap(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 0
	_, ts := startTestServer(t, cfg, Hooks{})

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_SendUnknown(t *testing.T) {
	s := NewServer(DefaultServerConfig(), Hooks{})
	assert.ErrorIs(t, s.Send("nope", []byte("x")), ErrConnectionNotFound)
	assert.False(t, s.CloseWith("nope", nil))
}

func TestServer_CloseWithSendsFinalMessage(t *testing.T) {
	connected := make(chan *Connection, 1)
	gone := make(chan struct{}, 1)
	s, ts := startTestServer(t, DefaultServerConfig(), Hooks{
		OnConnect:    func(c *Connection) error { connected <- c; return nil },
		OnDisconnect: func(*Connection) { gone <- struct{}{} },
	})

	conn, rw := dial(t, ts)

	c := <-connected
	require.True(t, s.CloseWith(c.ID, []byte(`{"type":"banned"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := wsutil.ReadServerText(rw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"banned"}`, string(msg))
	<-gone
}

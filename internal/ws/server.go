// Package ws handles WebSocket connection management: upgrading HTTP
// requests with gobwas/ws, watching sockets for readability with epoll,
// reading frames on a bounded worker pool and writing through per-connection
// send queues.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/video-app/internal/logging"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // deadline for reading one frame once readable
	WriteTimeout   time.Duration // deadline for writing one frame
	SendQueueSize  int           // per-connection outbound buffer, in messages
	MaxMessageSize int64         // largest accepted data frame, in bytes
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxMessageSize: 64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// RejectError is returned by an Admit hook to refuse an upgrade with the
// given HTTP status.
type RejectError struct {
	Status  int
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("ws: rejected (%d): %s", e.Status, e.Message)
}

// Hooks connect the server to the application. All are optional.
type Hooks struct {
	// Admit runs before the handshake. A *RejectError picks the status.
	Admit func(r *http.Request) (ClientInfo, error)
	// OnConnect runs after the handshake and before the first frame is
	// read. Returning an error closes the connection.
	OnConnect func(c *Connection) error
	// OnMessage is called from a worker goroutine for every data frame.
	OnMessage func(c *Connection, data []byte)
	// OnDisconnect runs exactly once per connection that passed OnConnect.
	OnDisconnect func(c *Connection)
}

// Server upgrades HTTP requests to WebSocket, registers the sockets with the
// poller and dispatches readable connections to a bounded worker pool.
type Server struct {
	config     ServerConfig
	hooks      Hooks
	poller     *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
	log        zerolog.Logger
}

// NewServer creates a Server. Call Start before serving upgrades.
func NewServer(config ServerConfig, hooks Hooks) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 1
	}
	return &Server{
		config:     config,
		hooks:      hooks,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		log:        logging.Module("ws"),
	}
}

// Start creates the poller and launches the event loop and heartbeat. It
// does not block; the HTTP listener is owned by the caller.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Int("send_queue", s.config.SendQueueSize).
		Msg("server started")
	return nil
}

// HandleUpgrade is the http.HandlerFunc for the WebSocket endpoint.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	var info ClientInfo
	if s.hooks.Admit != nil {
		var err error
		info, err = s.hooks.Admit(r)
		if err != nil {
			status := http.StatusForbidden
			var rej *RejectError
			if errors.As(err, &rej) {
				status = rej.Status
			}
			s.log.Debug().Err(err).Str("ip", info.IP).Msg("upgrade refused")
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, info, s.config.SendQueueSize)
	s.conns.Add(c)

	// Messages queued by OnConnect are flushed once the writer starts.
	if s.hooks.OnConnect != nil {
		if err := s.hooks.OnConnect(c); err != nil {
			s.log.Warn().Err(err).Str("conn", c.ID).Msg("connect hook failed")
			s.conns.Remove(c.ID)
			return
		}
	}
	go c.writeLoop(s.config.WriteTimeout, s.onWriteError)

	if err := s.poller.Add(c); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("poller add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Debug().Str("conn", c.ID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

// startEventLoop waits on the poller and hands each ready connection to a
// worker, blocking when the pool is exhausted.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			s.log.Error().Err(err).Msg("poller wait failed")
			continue
		}

		for _, c := range conns {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
				s.poller.Resume(c)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection. Control frames are
// handled inline; a failed read removes the connection.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID) != c {
		return
	}
	// Level-triggered epoll can report the same socket to two workers.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout here is a stale readiness report; the heartbeat handles
		// connections that are really dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		// Drain the ping/pong payload so the next frame starts clean.
		if header.Length > 0 {
			if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if s.config.MaxMessageSize > 0 && header.Length > s.config.MaxMessageSize {
		s.log.Warn().Str("conn", c.ID).Int64("size", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// Send queues data for connID without blocking. A connection whose queue is
// full is removed in the background, since the caller may hold locks the
// disconnect path needs.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	err := c.Enqueue(data)
	if errors.Is(err, ErrSendQueueFull) {
		s.log.Warn().Str("conn", connID).Msg("send queue full, dropping connection")
		go s.RemoveConnection(c)
	}
	return err
}

// CloseWith writes a final message directly and then removes the
// connection.
func (s *Server) CloseWith(connID string, data []byte) bool {
	c := s.conns.Get(connID)
	if c == nil {
		return false
	}
	if data != nil {
		if err := c.WriteMessage(data, s.config.WriteTimeout); err != nil {
			s.log.Debug().Err(err).Str("conn", connID).Msg("final message failed")
		}
	}
	s.RemoveConnection(c)
	return true
}

func (s *Server) onWriteError(c *Connection, err error) {
	s.log.Debug().Err(err).Str("conn", c.ID).Msg("write failed")
	s.RemoveConnection(c)
}

// RemoveConnection unregisters, closes and reports a connection. Concurrent
// callers for the same connection are safe; only the first runs the
// disconnect hook.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}

	s.log.Debug().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections exposes the connection registry to the heartbeat and tests.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime is the time since Start.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop and closes every connection, running the
// disconnect hook for each.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down server")
		close(s.done)

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
		s.log.Info().Msg("server stopped, all connections closed")
	})
	return nil
}

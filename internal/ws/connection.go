package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/video-app/internal/geo"
)

var (
	// ErrSendQueueFull means the client is not reading fast enough. The
	// connection is dropped.
	ErrSendQueueFull = errors.New("ws: send queue full")

	// ErrConnectionClosed is returned when queueing to a closed connection.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrConnectionNotFound is returned by Server.Send for unknown ids.
	ErrConnectionNotFound = errors.New("ws: connection not found")
)

// ClientInfo is what the server learned about a client at upgrade time.
type ClientInfo struct {
	IP          string
	Fingerprint string
	Region      geo.Region
}

// Connection represents a single WebSocket client. Application messages go
// through a buffered send queue drained by one writer goroutine, so Enqueue
// never blocks and frames leave in the order they were queued.
type Connection struct {
	ID        string    // connection id (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	Client    ClientInfo
	CreatedAt time.Time

	reader       io.Reader // frame source; set by the poller
	lastActivity atomic.Int64
	processing   atomic.Bool
	writeMu      sync.Mutex // serializes frames from the writer and heartbeat
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
}

func newConnection(id string, conn net.Conn, client ClientInfo, queueSize int) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		Client:    client,
		CreatedAt: time.Now(),
		reader:    conn,
		send:      make(chan []byte, queueSize),
		closed:    make(chan struct{}),
	}
	c.touch()
	return c
}

// Enqueue queues a text frame for the writer goroutine without blocking.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// WriteMessage writes a text frame directly, bypassing the queue. It is used
// for the last words to a client that is about to be closed.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// LastActivity is when the client last sent any frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// writeLoop drains the send queue until the connection closes. A failed
// write hands the connection to onError.
func (c *Connection) writeLoop(timeout time.Duration, onError func(*Connection, error)) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data, timeout); err != nil {
				onError(c, err)
				return
			}
		}
	}
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their Connection objects.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps. Connections without a
// real descriptor (fd < 0) are indexed by id only.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove deletes the connection from both maps and closes it. It returns
// false if the connection was already gone, which lets racing removers
// agree on who runs the cleanup.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

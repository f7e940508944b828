//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll so idle connections cost a map entry rather than a
// blocked reader goroutine. Readiness is level-triggered: a connection whose
// frame was not fully consumed is reported again by the next Wait.
type Epoll struct {
	fd     int
	conns  map[int]*Connection
	mu     sync.RWMutex
	events []unix.EpollEvent
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read and hang-up readiness. Frames are read straight
// from the socket so no bytes hide in a user-space buffer.
func (e *Epoll) Add(c *Connection) error {
	c.reader = c.Conn
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters c. The descriptor may already be closed, in which case
// the kernel dropped it from the interest list on its own.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.conns[c.Fd] == c {
		delete(e.conns, c.Fd)
	}
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks until one or more registered connections are readable.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.conns[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Resume is a no-op: level-triggered epoll re-reports unread data by itself.
func (e *Epoll) Resume(*Connection) {}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD extracts the descriptor through SyscallConn, which unlike File()
// does not dup it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

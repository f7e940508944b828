//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the portable stand-in for the Linux poller: one goroutine per
// connection peeks for the next byte, reports the connection ready, then
// waits until the server has read the frame before peeking again.
type Epoll struct {
	mu        sync.Mutex
	resume    map[*Connection]chan struct{}
	readyCh   chan *Connection
	done      chan struct{}
	closeOnce sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c. Frames are read through a buffered reader so the
// peeked byte is not lost.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.resume[c] = resume
	e.mu.Unlock()

	go e.monitor(c, br, resume)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			// The read path sees the same error and removes the connection.
			return
		}

		select {
		case <-resume:
		case <-c.Done():
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of c look for the next frame.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	ch := e.resume[c]
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove stops tracking c. Its monitor exits once the socket is closed.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	delete(e.resume, c)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// that are ready as well.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close shuts the poller down.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// socketFD has no meaning for the fallback poller.
func socketFD(net.Conn) int {
	return -1
}

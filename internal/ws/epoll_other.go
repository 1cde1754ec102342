//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
)

// Epoll is the portable stand-in for the Linux event loop: one goroutine per
// connection peeks for the next byte and reports the connection ready. After
// reporting, the goroutine waits for Rearm so it never reads concurrently
// with the worker consuming the frame.
type Epoll struct {
	mu      sync.Mutex
	rearm   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

var nextFd int64

// peekConn buffers reads so readiness can be detected without consuming
// frame bytes.
type peekConn struct {
	net.Conn
	br *bufio.Reader
	fd int
}

func (c *peekConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// NewEpoll returns the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a connection the fallback poller can peek on. The server must
// use the wrapped value for all further I/O.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{
		Conn: conn,
		br:   bufio.NewReader(conn),
		fd:   int(atomic.AddInt64(&nextFd, 1)),
	}
}

// Add starts watching conn, which must come from Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.rearm[conn] = ch
	e.mu.Unlock()

	go e.watch(conn, ch)
	return nil
}

func (e *Epoll) watch(conn net.Conn, rearm <-chan struct{}) {
	pc, ok := conn.(*peekConn)
	for {
		var err error
		if ok {
			_, err = pc.br.Peek(1)
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		// On error the worker sees the failed read and removes the conn.
		if err != nil || !ok {
			return
		}

		select {
		case <-rearm:
		case <-e.done:
			return
		}
	}
}

// Rearm lets the watcher of conn look for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	ch := e.rearm[conn]
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove stops tracking conn. Its watcher exits once the socket is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	ch := e.rearm[conn]
	delete(e.rearm, conn)
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks for one ready connection and returns it together with any
// others already queued.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops all watchers.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.rearm = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

func socketFD(conn net.Conn) int {
	if pc, ok := conn.(*peekConn); ok {
		return pc.fd
	}
	return -1
}

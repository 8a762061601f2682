//go:build linux

// Package reactor implements the single-threaded, nonblocking I/O core
// described in spec.md §4.2: one dispatcher owns a set of registered
// connections, multiplexes their file descriptors with epoll, and
// delivers Connect/Read/Close/Timeout/Shutdown events to each
// connection's Handler in issue order. No two handlers ever run
// concurrently, and nothing in this package spawns a goroutine per
// connection — that would reintroduce the shared-memory concurrency the
// spec explicitly rules out (§5).
package reactor

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arbora/mailstored/internal/buffer"
	"github.com/arbora/mailstored/internal/logging"
)

// Reactor owns the epoll instance and the registered connection set.
type Reactor struct {
	epfd int
	log  *logging.Logger

	mu          sync.Mutex // guards conns and shuttingDown only; Run itself is single-threaded
	conns       map[int]*Connection
	shuttingDown bool
}

// New creates a Reactor backed by a fresh epoll instance.
func New(log *logging.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Reactor{epfd: epfd, log: log, conns: make(map[int]*Connection)}, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// Register adopts conn under handler, making it nonblocking and adding
// its fd to the epoll set. It does NOT dispatch EventConnect: a Handler
// is typically wired up (its own Attach, setting fields Register knows
// nothing about) only after Register returns the *Connection, and
// EventConnect handlers routinely need that wiring (to enqueue a
// greeting, send a startup message). Callers must call the returned
// Connection's Connect method once their own wiring is complete.
func (r *Reactor) Register(conn net.Conn, handler Handler) (*Connection, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.New("reactor: connection does not expose a raw fd")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	var ctlErr error
	err = rc.Control(func(f uintptr) {
		fd = int(f)
		ctlErr = unix.SetNonblock(fd, true)
	})
	if err != nil {
		return nil, err
	}
	if ctlErr != nil {
		return nil, ctlErr
	}

	c := &Connection{
		fd:      fd,
		conn:    conn,
		state:   Connected,
		In:      buffer.New(),
		Out:     buffer.New(),
		handler: handler,
		r:       r,
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT,
		Fd:     int32(fd),
	}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conns[fd] = c
	r.mu.Unlock()

	return c, nil
}

// Shutdown requests that Run dispatch EventShutdown to every registered
// connection and then return once they have all drained to Invalid.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
}

// nextDeadline computes the minimum deadline across registered
// connections, used as the epoll_wait timeout (§4.2).
func (r *Reactor) nextDeadline(now time.Time) time.Duration {
	var min time.Duration = -1
	for _, c := range r.conns {
		if c.deadline.IsZero() {
			continue
		}
		d := c.deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if min < 0 || d < min {
			min = d
		}
	}
	if min < 0 {
		return time.Second // no deadlines pending; still wake periodically for Shutdown
	}
	return min
}

// Run drives the event loop until Shutdown has been called and every
// connection has closed, or ctx-like cancellation isn't needed since the
// loop exits purely on the shutdown+drain condition.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 256)
	for {
		r.mu.Lock()
		shuttingDown := r.shuttingDown
		remaining := len(r.conns)
		r.mu.Unlock()

		if shuttingDown {
			if remaining == 0 {
				return nil
			}
			r.dispatchShutdown()
		}

		timeout := r.nextDeadline(time.Now())
		n, err := unix.EpollWait(r.epfd, events, int(timeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			r.mu.Lock()
			c, ok := r.conns[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}
			r.service(c, events[i].Events)
		}

		r.dispatchTimeouts()
		r.reap()
	}
}

func (r *Reactor) service(c *Connection, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		c.SetState(Closing)
		c.handler.React(EventClose)
		return
	}
	if events&unix.EPOLLIN != 0 {
		n, err := c.In.ReadFrom(c.conn, wouldBlock)
		if err != nil {
			r.log.Error("connection read failed", "fd", c.fd, "err", err)
			c.SetState(Closing)
			c.handler.React(EventClose)
			return
		}
		if c.In.EOF() {
			c.SetState(Closing)
			c.handler.React(EventClose)
			return
		}
		if n > 0 {
			c.handler.React(EventRead)
		}
	}
	if events&unix.EPOLLOUT != 0 && c.Out.Size() > 0 {
		if _, err := c.Out.WriteTo(c.conn, wouldBlock); err != nil {
			r.log.Error("connection write failed", "fd", c.fd, "err", err)
			c.SetState(Closing)
			c.handler.React(EventClose)
		}
	}
}

func (r *Reactor) dispatchTimeouts() {
	now := time.Now()
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		if c.state == Invalid {
			continue
		}
		if !c.deadline.IsZero() && !now.Before(c.deadline) {
			c.deadline = time.Time{}
			c.handler.React(EventTimeout)
		}
	}
}

func (r *Reactor) dispatchShutdown() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		if c.state != Invalid {
			c.handler.React(EventShutdown)
		}
	}
}

// reap drains and removes every connection whose state became Closing
// or Invalid during this iteration.
func (r *Reactor) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fd, c := range r.conns {
		if c.state == Closing {
			if c.Out.Size() > 0 {
				c.Out.WriteTo(c.conn, wouldBlock)
			}
			c.Close()
		}
		if c.state == Invalid {
			unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(r.conns, fd)
		}
	}
}

package reactor

import (
	"net"
	"time"

	"github.com/arbora/mailstored/internal/buffer"
)

// State mirrors the lifecycle every session type (IMAP, POP3, SMTP
// client, database backend) shares: a socket moving from Connecting to
// Connected, then Closing once either side wants to tear down, or
// Invalid once it has actually been closed.
type State int

const (
	Connecting State = iota
	Connected
	Closing
	Invalid
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "invalid"
	}
}

// Event is what the Reactor dispatches to a Handler.
type Event int

const (
	EventConnect Event = iota
	EventRead
	EventClose
	EventTimeout
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventRead:
		return "read"
	case EventClose:
		return "close"
	case EventTimeout:
		return "timeout"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Handler is the trait-style interface every session or backend
// implements; it carries only the methods the Reactor and command queue
// need (spec.md §9, "polymorphic hierarchies -> sum types").
type Handler interface {
	// React is called for every event the Reactor delivers for this
	// connection. A Handler must never block.
	React(ev Event)
}

// Connection is the common base for every socket the Reactor manages: a
// file descriptor plus inbound/outbound byte FIFOs and a State. Session
// types hold a *Connection and implement Handler by driving In/Out
// themselves.
type Connection struct {
	fd      int
	conn    net.Conn // the syscall.RawConn-capable net.Conn wrapping fd
	raw     rawConn
	state   State
	In      *buffer.Buffer
	Out     *buffer.Buffer
	deadline time.Time

	handler Handler
	r       *Reactor
}

type rawConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// SetState transitions the connection. Transitioning to Closing marks it
// for drain-and-remove on the next reactor iteration (§4.2).
func (c *Connection) SetState(s State) { c.state = s }

// SetDeadline installs (or clears, with the zero time.Time) this
// connection's timeout.
func (c *Connection) SetDeadline(t time.Time) { c.deadline = t }

// Deadline returns the connection's current timeout, or the zero value
// if none is set.
func (c *Connection) Deadline() time.Time { return c.deadline }

// Enqueue appends bytes to the outbound buffer; the Reactor drains it
// the next time the fd is writable.
func (c *Connection) Enqueue(b []byte) { c.Out.Append(b) }

// Connect dispatches EventConnect to this connection's Handler. Register
// does not do this itself: a Handler's fields are often wired up (e.g.
// Session.Attach, Backend.Attach) only after Register returns the
// *Connection, and EventConnect handlers routinely need those fields
// (to enqueue a greeting, send a startup message). The attacher is
// responsible for calling Connect once its own wiring is complete.
func (c *Connection) Connect() { c.handler.React(EventConnect) }

// Peer returns the remote address of the underlying socket, or nil for
// connections that are not yet connected.
func (c *Connection) Peer() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Close releases the socket. Safe to call more than once.
func (c *Connection) Close() error {
	c.state = Invalid
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

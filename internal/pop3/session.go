package pop3

import (
	"fmt"
	"strings"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/logging"
	"github.com/arbora/mailstored/internal/reactor"
)

// Services bundles the process-wide handles a Session needs.
type Services struct {
	Pool       *db.Pool
	Hostname   string
	TLSUpgrade func(*reactor.Connection) error // nil disables STLS
}

// state is the POP3 session's authentication/transaction phase.
type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
)

// Session is one POP3 connection: strictly one command executes at a
// time (spec.md §4.9 "a small state machine using the same command-
// queue pattern"), but since POP3 never interleaves commands the queue
// degenerates to a single current Command.
type Session struct {
	conn     *reactor.Connection
	log      *logging.Logger
	services Services

	state   state
	user    string
	userID  int64
	current Command

	// reservedParser, if non-nil, receives all newly arrived lines
	// instead of command parsing: AUTH's continuation-response exchange
	// (spec.md §4.9 "authentication defers to the configured SASL
	// mechanism"), mirroring the IMAP session's reserved parser.
	reservedParser func(line []byte)

	lineBuf []byte
}

// NewSession builds a Session, to be registered with a Reactor.
func NewSession(svc Services, log *logging.Logger) *Session {
	return &Session{services: svc, log: log}
}

// Attach wires conn into the session and dispatches EventConnect, which
// Register itself defers precisely so this wiring can happen first.
func (s *Session) Attach(conn *reactor.Connection) {
	s.conn = conn
	conn.Connect()
}

func (s *Session) React(ev reactor.Event) {
	switch ev {
	case reactor.EventConnect:
		s.conn.Enqueue([]byte(fmt.Sprintf("+OK %s POP3 ready\r\n", s.services.Hostname)))
	case reactor.EventRead:
		s.drain()
	case reactor.EventClose, reactor.EventShutdown:
		s.state = stateUpdate
	case reactor.EventTimeout:
	}
}

func (s *Session) drain() {
	for s.reservedParser != nil || s.current == nil {
		line, ok := s.nextLine()
		if !ok {
			break
		}
		if s.reservedParser != nil {
			s.reservedParser(line)
			continue
		}
		s.handleLine(line)
		if s.current == nil {
			break
		}
		s.pump()
	}
	s.pump()
}

func (s *Session) nextLine() ([]byte, bool) {
	const maxLine = 8 * 1024
	line, ok := s.conn.In.ExtractLine(maxLine)
	if !ok {
		if s.conn.In.Size() > maxLine {
			s.conn.Enqueue([]byte("-ERR line too long\r\n"))
			s.conn.SetState(reactor.Closing)
		}
		return nil, false
	}
	return line, true
}

func (s *Session) handleLine(line []byte) {
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		s.conn.Enqueue([]byte("-ERR empty command\r\n"))
		return
	}
	name := strings.ToUpper(fields[0])
	args := fields[1:]
	cmd, err := s.build(name, args)
	if err != nil {
		s.conn.Enqueue([]byte("-ERR " + err.Error() + "\r\n"))
		return
	}
	s.current = cmd
}

// pump advances the current command (if any) and flushes its response
// once it completes.
func (s *Session) pump() {
	if s.current == nil {
		return
	}
	if !s.current.Execute() {
		return
	}
	resp := s.current.Response()
	s.conn.Enqueue([]byte(resp.render()))
	s.current = nil
}

// Poke re-enters the current command after an async completion (e.g.
// USER/PASS's database lookup finishing) and, once it has finished, goes
// on with any pipelined lines already buffered.
func (s *Session) Poke() {
	s.pump()
	if s.current == nil {
		s.drain()
	}
}

package imap

import (
	"fmt"
	"strings"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/fetcher"
	"github.com/arbora/mailstored/internal/logging"
	"github.com/arbora/mailstored/internal/mailbox"
	"github.com/arbora/mailstored/internal/reactor"
)

// Services bundles the process-wide handles a Session needs (spec.md
// §9: "give global caches explicit lifetimes owned by a top-level
// server object ... pass a 'services' handle down").
type Services struct {
	Pool       *db.Pool
	Tree       *mailbox.Tree
	FlagNames  *mailbox.NameCache
	EntryNames *mailbox.NameCache
	Registry   *Registry
	Hostname   string
}

// Session is one IMAP4rev1 connection: Reactor handler, line/literal
// parser, and command queue (spec.md §4.6).
type Session struct {
	conn     *reactor.Connection
	log      *logging.Logger
	services Services

	queue *Queue

	state        connState
	user         string
	selected     *mailbox.Mailbox
	store        *mailbox.Store
	fetch        *fetcher.Coordinator
	nextUIDWatch uint32

	// reservedParser, if non-nil, receives each complete line (or
	// completed literal) instead of command dispatch (IDLE,
	// AUTHENTICATE; spec.md §4.6 "Reserved parser"). Literal bytes are
	// absorbed through pendingLiteral, not through this hook.
	reservedParser func(line []byte, isLiteral bool)
	pendingLiteral *pendingLiteral

	subscription Subscription

	lineBuf []byte
}

type connState int

const (
	stateNotAuthenticated connState = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

type pendingLiteral struct {
	remaining int
	sync      bool
	onComplete func(data []byte)
	accum     []byte
}

// NewSession builds a Session with no connection yet; Attach supplies
// the Connection once the Session is registered with a Reactor.
func NewSession(svc Services, log *logging.Logger) *Session {
	return &Session{
		services: svc,
		log:      log,
		queue:    NewQueue(),
		store:    mailbox.NewStore(),
	}
}

// Attach finishes wiring the Session once its Connection is known (the
// fetcher Coordinator needs the session's own message Store), then
// dispatches EventConnect, which Register itself defers precisely so
// this wiring can happen first.
func (s *Session) Attach(conn *reactor.Connection) {
	s.conn = conn
	s.fetch = fetcher.NewCoordinator(s.services.Pool, s.store, s.services.FlagNames, s.services.EntryNames)
	conn.Connect()
}

// Write implements the Command-facing Session interface: append raw
// bytes to the outbound buffer immediately (continuation requests).
func (s *Session) Write(b []byte) { s.conn.Enqueue(b) }

// React implements reactor.Handler.
func (s *Session) React(ev reactor.Event) {
	switch ev {
	case reactor.EventConnect:
		s.conn.Enqueue([]byte(fmt.Sprintf("* OK %s IMAP4rev1 ready\r\n", s.services.Hostname)))
	case reactor.EventRead:
		s.drain()
	case reactor.EventClose, reactor.EventShutdown:
		if s.services.Registry != nil {
			s.services.Registry.Deselect(s)
		}
		s.state = stateLogout
	case reactor.EventTimeout:
		// no per-connection idle timeout beyond what the listener enforces
	}
}

// drain consumes as much of the inbound buffer as forms complete lines
// or satisfied literals, dispatching each parsed command to the queue,
// then pokes the queue to run anything newly runnable.
func (s *Session) drain() {
	for {
		line, isLiteral, ok := s.nextUnit()
		if !ok {
			break
		}
		if s.reservedParser != nil {
			s.reservedParser(line, isLiteral)
			continue
		}
		s.dispatch(line)
	}
	s.Poke()
}

// nextUnit extracts the next line or reserved-parser unit from the
// inbound buffer. It returns ok=false when no complete unit is yet
// buffered.
func (s *Session) nextUnit() (line []byte, isLiteral bool, ok bool) {
	if s.pendingLiteral != nil {
		line, ok = s.drainLiteral()
		return line, true, ok
	}

	// guard against unbounded line growth (spec.md §5 "literal size
	// cap enforced by the parser")
	const maxLine = 64 * 1024
	line, ok = s.conn.In.ExtractLine(maxLine)
	if !ok {
		if s.conn.In.Size() > maxLine {
			s.protocolAbort("line too long")
		}
		return nil, false, false
	}
	return line, false, true
}

const maxLiteralSize = 32 * 1024 * 1024

func (s *Session) drainLiteral() ([]byte, bool) {
	pl := s.pendingLiteral
	in := s.conn.In
	avail := in.Size()
	need := pl.remaining
	if avail < need {
		if avail == 0 {
			return nil, false
		}
		chunk := in.CopyPrefix(avail)
		pl.accum = append(pl.accum, chunk...)
		in.Discard(avail)
		pl.remaining -= avail
		return nil, false
	}
	chunk := in.CopyPrefix(need)
	pl.accum = append(pl.accum, chunk...)
	in.Discard(need)
	s.pendingLiteral = nil

	// consume the CRLF that follows the literal's bytes, if buffered
	rest := in.CopyPrefix(min(2, in.Size()))
	if len(rest) >= 2 && rest[0] == '\r' && rest[1] == '\n' {
		in.Discard(2)
	}
	return pl.accum, true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Session) protocolAbort(msg string) {
	s.conn.Enqueue([]byte("* BAD " + msg + "\r\n"))
	s.conn.SetState(reactor.Closing)
}

// dispatch parses one line (which may declare a trailing literal) and,
// once fully assembled, hands the command text to the parser.
func (s *Session) dispatch(line []byte) {
	if lit, sync, ok := literalSuffix(line); ok {
		if lit > maxLiteralSize {
			s.protocolAbort("literal too large")
			return
		}
		prefix := line[:len(line)-literalSuffixLen(line)]
		s.pendingLiteral = &pendingLiteral{remaining: lit, sync: sync, accum: append([]byte(nil), prefix...)}
		if sync {
			s.conn.Enqueue([]byte("+ go ahead\r\n"))
		}
		return
	}
	s.handleLine(line)
}

// handleLine parses a fully assembled command line (literals already
// substituted inline) and admits the resulting Command to the queue.
func (s *Session) handleLine(line []byte) {
	tag, rest, ok := splitTag(string(line))
	if !ok {
		s.conn.Enqueue([]byte("* BAD invalid tag\r\n"))
		return
	}
	name, args := splitWord(rest)
	name = strings.ToUpper(name)
	if name == "UID" {
		var sub string
		sub, args = splitWord(args)
		name = "UID " + strings.ToUpper(sub)
	}
	cmd, err := s.build(tag, name, args)
	if err != nil {
		s.conn.Enqueue([]byte(tag + " BAD " + err.Error() + "\r\n"))
		return
	}
	s.queue.Add(cmd)
}

// Poke re-runs the command queue and flushes any responses now ready.
// Called after parsing new input and from every async Command's
// completion callback (spec.md §5: "re-entered on each relevant
// completion").
func (s *Session) Poke() {
	responses, _ := s.queue.Run()
	for _, line := range responses {
		s.conn.Enqueue([]byte(line))
	}
}

package imap

import (
	"fmt"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/mailbox"
)

// build parses name/args into a concrete Command, or returns a
// *ParseError for an unrecognised or malformed command (spec.md §4.6:
// "unknown commands produce * BAD responses").
func (s *Session) build(tag, name, args string) (Command, error) {
	switch name {
	case "CAPABILITY":
		return &capabilityCommand{tag: tag}, nil
	case "NOOP":
		return &noopCommand{tag: tag}, nil
	case "LOGOUT":
		return &logoutCommand{tag: tag, sess: s}, nil
	case "LOGIN":
		return newLoginCommand(tag, args, s)
	case "AUTHENTICATE":
		return newAuthenticateCommand(tag, args, s)
	case "SELECT":
		return newSelectCommand(tag, args, s)
	case "FETCH", "UID FETCH":
		return newFetchCommand(tag, name == "UID FETCH", args, s)
	case "SEARCH", "UID SEARCH":
		return newSearchCommand(tag, args, s)
	case "IDLE":
		return newIdleCommand(tag, s), nil
	case "NOTIFY":
		return newNotifyCommand(tag, args, s)
	case "":
		return nil, &ParseError{Tag: tag, Msg: "missing command"}
	default:
		return nil, &ParseError{Tag: tag, Msg: fmt.Sprintf("unknown command %q", name)}
	}
}

// --- CAPABILITY -------------------------------------------------------

type capabilityCommand struct {
	tag  string
	done bool
}

func (c *capabilityCommand) Tag() string   { return c.tag }
func (c *capabilityCommand) Name() string  { return "CAPABILITY" }
func (c *capabilityCommand) Group() Group  { return GroupExclusive }
func (c *capabilityCommand) Execute() bool { c.done = true; return true }
func (c *capabilityCommand) Responses() []string {
	return []string{
		"* CAPABILITY IMAP4rev1 LITERAL+ IDLE CONDSTORE BINARY ANNOTATE-EXPERIMENT-1 NOTIFY AUTH=PLAIN\r\n",
		c.tag + " OK CAPABILITY completed\r\n",
	}
}

// --- NOOP --------------------------------------------------------------

type noopCommand struct {
	tag  string
	done bool
}

func (c *noopCommand) Tag() string   { return c.tag }
func (c *noopCommand) Name() string  { return "NOOP" }
func (c *noopCommand) Group() Group  { return GroupExclusive }
func (c *noopCommand) Execute() bool { c.done = true; return true }
func (c *noopCommand) Responses() []string {
	return []string{c.tag + " OK NOOP completed\r\n"}
}

// --- LOGOUT --------------------------------------------------------------

type logoutCommand struct {
	tag  string
	sess *Session
	done bool
}

func (c *logoutCommand) Tag() string  { return c.tag }
func (c *logoutCommand) Name() string { return "LOGOUT" }
func (c *logoutCommand) Group() Group { return GroupExclusive }
func (c *logoutCommand) Execute() bool {
	if c.sess.services.Registry != nil {
		c.sess.services.Registry.Deselect(c.sess)
	}
	c.sess.state = stateLogout
	c.done = true
	return true
}
func (c *logoutCommand) Responses() []string {
	return []string{"* BYE logging out\r\n", c.tag + " OK LOGOUT completed\r\n"}
}

// --- LOGIN -----------------------------------------------------------

type loginCommand struct {
	tag      string
	sess     *Session
	user     string
	password string

	query *db.Query
	done  bool
	ok    bool
}

func newLoginCommand(tag, args string, s *Session) (Command, error) {
	parts := splitParenList(args)
	if len(parts) < 2 {
		return nil, &ParseError{Tag: tag, Msg: "LOGIN requires a user and password"}
	}
	return &loginCommand{tag: tag, sess: s, user: unquote(parts[0]), password: unquote(parts[1])}, nil
}

func (c *loginCommand) Tag() string  { return c.tag }
func (c *loginCommand) Name() string { return "LOGIN" }
func (c *loginCommand) Group() Group { return GroupExclusive }

func (c *loginCommand) Execute() bool {
	if c.query == nil {
		c.query = db.NewQuery(
			"SELECT id FROM users WHERE login = $1 AND password = crypt($2, password)",
			db.Text(c.user), db.Text(c.password))
		c.query.CanFail = true
		c.query.OnCompletion(func(*db.Query) { c.sess.Poke() })
		c.sess.services.Pool.SubmitFree(c.query)
		return false
	}
	switch c.query.State() {
	case db.Completed, db.Failed:
		c.ok = c.query.State() == db.Completed && len(c.query.Rows()) == 1
		if c.ok {
			c.sess.state = stateAuthenticated
			c.sess.user = c.user
		}
		c.done = true
		return true
	default:
		return false
	}
}

func (c *loginCommand) Responses() []string {
	if c.ok {
		return []string{c.tag + " OK LOGIN completed\r\n"}
	}
	return []string{c.tag + " NO LOGIN failed\r\n"}
}

// --- SELECT ------------------------------------------------------------

type selectCommand struct {
	tag     string
	sess    *Session
	name    string
	query   *db.Query
	done    bool
	ok      bool
	mb      *mailbox.Mailbox
}

func newSelectCommand(tag, args string, s *Session) (Command, error) {
	if args == "" {
		return nil, &ParseError{Tag: tag, Msg: "SELECT requires a mailbox name"}
	}
	return &selectCommand{tag: tag, sess: s, name: unquote(args)}, nil
}

func (c *selectCommand) Tag() string  { return c.tag }
func (c *selectCommand) Name() string { return "SELECT" }
func (c *selectCommand) Group() Group { return GroupExclusive }

func (c *selectCommand) Execute() bool {
	if mb, ok := c.sess.services.Tree.ByName(c.name); ok {
		c.mb = mb
		c.ok = true
		if c.sess.services.Registry != nil {
			c.sess.services.Registry.Select(c.sess, mb.ID)
		}
		c.sess.state = stateSelected
		c.sess.selected = mb
		c.done = true
		return true
	}
	if c.query == nil {
		c.query = db.NewQuery(
			"SELECT id, uidvalidity, uidnext, nextmodseq FROM mailboxes WHERE name = $1",
			db.Text(c.name))
		c.query.CanFail = true
		c.query.OnCompletion(func(*db.Query) { c.sess.Poke() })
		c.sess.services.Pool.SubmitFree(c.query)
		return false
	}
	switch c.query.State() {
	case db.Completed:
		rows := c.query.Rows()
		if len(rows) != 1 {
			c.done = true
			return true
		}
		row := rows[0]
		mb := &mailbox.Mailbox{
			ID:            row[0].Int64(),
			Name:          c.name,
			UIDValidity:   uint32(row[1].Int64()),
			UIDNext:       uint32(row[2].Int64()),
			HighestModSeq: row[3].Int64(),
		}
		c.sess.services.Tree.Insert(mb)
		c.mb = mb
		c.ok = true
		if c.sess.services.Registry != nil {
			c.sess.services.Registry.Select(c.sess, mb.ID)
		}
		c.sess.state = stateSelected
		c.sess.selected = mb
		c.done = true
		return true
	case db.Failed:
		c.done = true
		return true
	default:
		return false
	}
}

func (c *selectCommand) Responses() []string {
	if !c.ok || c.mb == nil {
		return []string{c.tag + " NO mailbox not found\r\n"}
	}
	return []string{
		fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid\r\n", c.mb.UIDValidity),
		fmt.Sprintf("* OK [UIDNEXT %d] predicted next UID\r\n", c.mb.UIDNext),
		fmt.Sprintf("* OK [HIGHESTMODSEQ %d] highest modseq\r\n", c.mb.HighestModSeq),
		c.tag + " OK [READ-WRITE] SELECT completed\r\n",
	}
}

// --- IDLE ----------------------------------------------------------------

// idleCommand reserves the parser for the duration of the IDLE (spec.md
// §4.6 Reserved parser): every line received while idling goes to the
// IDLE rather than becoming a new command; an exact "DONE" line ends
// the IDLE and any other line is ignored.
type idleCommand struct {
	tag  string
	sess *Session
	done bool
}

func newIdleCommand(tag string, s *Session) *idleCommand {
	return &idleCommand{tag: tag, sess: s}
}

func (c *idleCommand) Tag() string  { return c.tag }
func (c *idleCommand) Name() string { return "IDLE" }
func (c *idleCommand) Group() Group { return GroupExclusive }

func (c *idleCommand) Execute() bool {
	if c.sess.reservedParser == nil && !c.done {
		c.sess.Write([]byte("+ idling\r\n"))
		c.sess.reservedParser = func(line []byte, isLiteral bool) {
			if !isLiteral && string(line) == "DONE" {
				c.sess.reservedParser = nil
				c.done = true
				c.sess.Poke()
			}
		}
	}
	return c.done
}

func (c *idleCommand) Responses() []string {
	return []string{c.tag + " OK IDLE terminated\r\n"}
}

package pop3

import (
	"fmt"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/reactor"
)

func (s *Session) build(name string, args []string) (Command, error) {
	switch name {
	case "CAPA":
		return &capaCommand{sess: s}, nil
	case "STLS":
		return &stlsCommand{sess: s}, nil
	case "USER":
		if len(args) != 1 {
			return nil, &ParseError{Msg: "USER requires exactly one argument"}
		}
		return &userCommand{sess: s, user: args[0]}, nil
	case "PASS":
		if len(args) != 1 {
			return nil, &ParseError{Msg: "PASS requires exactly one argument"}
		}
		return newPassCommand(s, args[0]), nil
	case "AUTH":
		return newAuthCommand(s, args)
	case "NOOP":
		return &noopCommand{}, nil
	case "QUIT":
		return &quitCommand{sess: s}, nil
	default:
		return nil, &ParseError{Msg: fmt.Sprintf("unknown command %q", name)}
	}
}

// --- CAPA ----------------------------------------------------------------

type capaCommand struct {
	sess *Session
	done bool
}

func (c *capaCommand) Name() string  { return "CAPA" }
func (c *capaCommand) Execute() bool { c.done = true; return true }
func (c *capaCommand) Response() Response {
	lines := []string{"USER", "PIPELINING", "RESP-CODES", "SASL PLAIN"}
	if c.sess.services.TLSUpgrade != nil {
		lines = append(lines, "STLS")
	}
	return Response{OK: true, Message: "Capability list follows", Lines: lines}
}

// --- STLS ------------------------------------------------------------------

type stlsCommand struct {
	sess *Session
	done bool
	ok   bool
	err  error
}

func (c *stlsCommand) Name() string { return "STLS" }
func (c *stlsCommand) Execute() bool {
	if c.sess.services.TLSUpgrade == nil {
		c.done = true
		return true
	}
	c.err = c.sess.services.TLSUpgrade(c.sess.conn)
	c.ok = c.err == nil
	c.done = true
	return true
}
func (c *stlsCommand) Response() Response {
	if c.sess.services.TLSUpgrade == nil {
		return Response{OK: false, Message: "STLS not available"}
	}
	if !c.ok {
		return Response{OK: false, Message: "TLS negotiation failed"}
	}
	return Response{OK: true, Message: "begin TLS negotiation"}
}

// --- USER ------------------------------------------------------------------

type userCommand struct {
	sess *Session
	user string
}

func (c *userCommand) Name() string { return "USER" }
func (c *userCommand) Execute() bool {
	c.sess.user = c.user
	return true
}
func (c *userCommand) Response() Response {
	return Response{OK: true, Message: "send PASS"}
}

// --- PASS ------------------------------------------------------------------

type passCommand struct {
	sess     *Session
	password string
	query    *db.Query
	ok       bool
	done     bool
}

func newPassCommand(s *Session, password string) *passCommand {
	return &passCommand{sess: s, password: password}
}

func (c *passCommand) Name() string { return "PASS" }
func (c *passCommand) Execute() bool {
	if c.sess.user == "" {
		c.done = true
		return true
	}
	if c.query == nil {
		c.query = db.NewQuery(
			"SELECT id FROM users WHERE login = $1 AND password = crypt($2, password)",
			db.Text(c.sess.user), db.Text(c.password))
		c.query.CanFail = true
		c.query.OnCompletion(func(*db.Query) { c.sess.Poke() })
		c.sess.services.Pool.SubmitFree(c.query)
		return false
	}
	switch c.query.State() {
	case db.Completed, db.Failed:
		rows := c.query.Rows()
		c.ok = c.query.State() == db.Completed && len(rows) == 1
		if c.ok {
			c.sess.userID = rows[0][0].Int64()
			c.sess.state = stateTransaction
		}
		c.done = true
		return true
	default:
		return false
	}
}
func (c *passCommand) Response() Response {
	if c.sess.user == "" {
		return Response{OK: false, Message: "USER required first"}
	}
	if !c.ok {
		return Response{OK: false, Message: "authentication failed"}
	}
	return Response{OK: true, Message: "mailbox ready"}
}

// --- NOOP ------------------------------------------------------------------

type noopCommand struct{}

func (c *noopCommand) Name() string       { return "NOOP" }
func (c *noopCommand) Execute() bool      { return true }
func (c *noopCommand) Response() Response { return Response{OK: true} }

// --- QUIT ------------------------------------------------------------------

type quitCommand struct {
	sess *Session
}

func (c *quitCommand) Name() string { return "QUIT" }
func (c *quitCommand) Execute() bool {
	c.sess.state = stateUpdate
	c.sess.conn.SetState(reactor.Closing)
	return true
}
func (c *quitCommand) Response() Response {
	return Response{OK: true, Message: fmt.Sprintf("%s signing off", c.sess.services.Hostname)}
}

package pop3

import (
	"encoding/base64"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/arbora/mailstored/internal/db"
)

// authCommand implements AUTH (RFC 1734/5034): a SASL PLAIN exchange
// in place of USER/PASS. go-sasl's PlainAuthenticator runs
// synchronously inside Server.Next, so it only decodes the identity/
// username/password triple here; the actual credential check runs
// afterward as the same async query PASS issues, keeping this command
// resumable across Reactor turns like every other database-backed one.
type authCommand struct {
	sess   *Session
	server sasl.Server

	initial     []byte
	haveInitial bool
	requested   bool
	decoded     bool

	user, pass string

	query   *db.Query
	done    bool
	ok      bool
	failMsg string
}

func newAuthCommand(s *Session, args []string) (Command, error) {
	if len(args) == 0 {
		return nil, &ParseError{Msg: "AUTH requires a mechanism"}
	}
	if !strings.EqualFold(args[0], "PLAIN") {
		return nil, &ParseError{Msg: "unsupported SASL mechanism " + args[0]}
	}
	c := &authCommand{sess: s}
	c.server = sasl.NewPlainServer(func(_, username, password string) error {
		c.user, c.pass = username, password
		return nil
	})
	if len(args) > 1 {
		ir, err := base64.StdEncoding.DecodeString(args[1])
		if err != nil {
			return nil, &ParseError{Msg: "AUTH PLAIN: malformed initial response"}
		}
		c.initial = ir
		c.haveInitial = true
	}
	return c, nil
}

func (c *authCommand) Name() string { return "AUTH" }

func (c *authCommand) Execute() bool {
	if c.done {
		return true
	}
	if !c.decoded {
		if c.haveInitial {
			c.decode(c.initial)
			return c.done
		}
		if !c.requested {
			c.requested = true
			c.sess.conn.Enqueue([]byte("+ \r\n"))
			c.sess.reservedParser = func(line []byte) {
				c.sess.reservedParser = nil
				raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(line)))
				if err != nil {
					c.fail("invalid base64 response")
					return
				}
				c.decode(raw)
			}
		}
		return false
	}
	if c.query == nil {
		c.query = db.NewQuery(
			"SELECT id FROM users WHERE login = $1 AND password = crypt($2, password)",
			db.Text(c.user), db.Text(c.pass))
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
			c.sess.user = c.user
			c.sess.state = stateTransaction
		}
		c.done = true
		return true
	default:
		return false
	}
}

func (c *authCommand) decode(raw []byte) {
	_, done, err := c.server.Next(raw)
	if err != nil {
		c.fail("authentication failed")
		return
	}
	if !done {
		c.fail("unexpected SASL continuation")
		return
	}
	c.decoded = true
}

func (c *authCommand) fail(msg string) {
	c.failMsg = msg
	c.done = true
}

func (c *authCommand) Response() Response {
	if c.failMsg != "" {
		return Response{OK: false, Message: c.failMsg}
	}
	if !c.ok {
		return Response{OK: false, Message: "authentication failed"}
	}
	return Response{OK: true, Message: "mailbox ready"}
}

package imap

import (
	"encoding/base64"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/arbora/mailstored/internal/db"
)

// authenticateCommand implements AUTHENTICATE (RFC 4959 SASL-IR
// included): a SASL PLAIN exchange, reserving the parser for its
// continuation line exactly like idleCommand reserves it for DONE.
// go-sasl's PlainAuthenticator callback runs synchronously inside
// Server.Next, so it only decodes the identity/username/password
// triple; the credential check itself runs afterward as the same
// async query loginCommand issues, keeping this command resumable.
type authenticateCommand struct {
	tag  string
	sess *Session

	server sasl.Server

	initial     []byte
	haveInitial bool
	requested   bool
	decoded     bool

	user, password string

	query *db.Query
	done  bool
	ok    bool
}

func newAuthenticateCommand(tag, args string, s *Session) (Command, error) {
	mech, rest := splitWord(args)
	if mech == "" {
		return nil, &ParseError{Tag: tag, Msg: "AUTHENTICATE requires a mechanism"}
	}
	if !strings.EqualFold(mech, "PLAIN") {
		return nil, &ParseError{Tag: tag, Msg: "unsupported SASL mechanism " + mech}
	}
	c := &authenticateCommand{tag: tag, sess: s}
	c.server = sasl.NewPlainServer(func(_, username, password string) error {
		c.user, c.password = username, password
		return nil
	})
	if rest != "" {
		ir, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, &ParseError{Tag: tag, Msg: "AUTHENTICATE PLAIN: malformed initial response"}
		}
		c.initial = ir
		c.haveInitial = true
	}
	return c, nil
}

func (c *authenticateCommand) Tag() string  { return c.tag }
func (c *authenticateCommand) Name() string { return "AUTHENTICATE" }
func (c *authenticateCommand) Group() Group { return GroupExclusive }

func (c *authenticateCommand) Execute() bool {
	if c.done {
		return true
	}
	if !c.decoded {
		if c.haveInitial {
			c.decode(c.initial)
			if c.decoded {
				return c.Execute() // go straight on to the credential check
			}
			return c.done
		}
		if c.sess.reservedParser == nil && !c.requested {
			c.requested = true
			c.sess.Write([]byte("+ \r\n"))
			c.sess.reservedParser = func(line []byte, isLiteral bool) {
				c.sess.reservedParser = nil
				raw, err := base64.StdEncoding.DecodeString(string(line))
				if err != nil {
					c.done = true
					c.sess.Poke()
					return
				}
				c.decode(raw)
				c.sess.Poke()
			}
		}
		return false
	}
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

func (c *authenticateCommand) decode(raw []byte) {
	_, done, err := c.server.Next(raw)
	if err != nil || !done {
		c.done = true
		return
	}
	c.decoded = true
}

func (c *authenticateCommand) Responses() []string {
	if !c.decoded {
		return []string{c.tag + " NO AUTHENTICATE cancelled\r\n"}
	}
	if c.ok {
		return []string{c.tag + " OK AUTHENTICATE completed\r\n"}
	}
	return []string{c.tag + " NO AUTHENTICATE failed\r\n"}
}

// Package smtpclient implements the outbound SMTP/LMTP submission
// client (spec.md §4.9): greet, HELO/LHLO, MAIL FROM, RCPT TO, DATA,
// a dot-escaped body, QUIT. Grounded on original_source/message/
// smtpclient.cpp's state machine, rebuilt as a reactor.Handler with an
// explicit step enum in place of the original's "first letter of the
// last command sent" dispatch.
package smtpclient

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/arbora/mailstored/internal/logging"
	"github.com/arbora/mailstored/internal/reactor"
)

type step int

const (
	stepGreet step = iota
	stepHelo
	stepAuth
	stepMailFrom
	stepRcptTo
	stepData
	stepBody
	stepQuit
	stepDone
)

// Result is delivered to OnDone once the submission completes or fails.
type Result struct {
	OK      bool
	Err     error
	RcptErr map[string]string // recipient -> server error, for partial failures
}

// Client submits one RFC 5322 message to one LMTP or SMTP peer
// (spec.md §4.9: "Server endpoint is configurable; local LMTP on TCP
// 2026 by default").
type Client struct {
	conn     *reactor.Connection
	log      *logging.Logger
	hostname string
	lmtp     bool

	from       string
	rcpts      []string
	rcptIdx    int
	body       []byte
	rcptErrors map[string]string

	authUser string // empty disables AUTH PLAIN
	authPass string
	sasl     sasl.Client

	step   step
	onDone func(Result)
}

// New builds a Client to submit body (full RFC 5322 bytes, CRLF-
// terminated lines) from from to rcpts. lmtp selects LHLO over HELO
// (spec.md: LMTP is the default local transport).
func New(hostname string, lmtp bool, from string, rcpts []string, body []byte, log *logging.Logger) *Client {
	return &Client{
		hostname:   hostname,
		lmtp:       lmtp,
		from:       from,
		rcpts:      rcpts,
		body:       body,
		log:        log,
		rcptErrors: make(map[string]string),
	}
}

// WithAuth enables an AUTH PLAIN exchange (RFC 4954) right after HELO/
// LHLO, for upstream relays that require it. Skipped entirely when user
// is empty.
func (c *Client) WithAuth(user, pass string) *Client {
	c.authUser = user
	c.authPass = pass
	return c
}

// OnDone registers the completion callback, fired exactly once.
func (c *Client) OnDone(fn func(Result)) { c.onDone = fn }

// Attach wires conn into the client and dispatches EventConnect, which
// Register itself defers precisely so this wiring can happen first.
func (c *Client) Attach(conn *reactor.Connection) {
	c.conn = conn
	conn.Connect()
}

// React implements reactor.Handler.
func (c *Client) React(ev reactor.Event) {
	switch ev {
	case reactor.EventConnect:
		// wait for the greeting banner
	case reactor.EventRead:
		c.drain()
	case reactor.EventTimeout:
		c.fail(fmt.Errorf("smtpclient: server timed out"))
	case reactor.EventClose:
		if c.step != stepDone {
			c.fail(fmt.Errorf("smtpclient: connection closed unexpectedly"))
		}
	case reactor.EventShutdown:
		c.conn.SetState(reactor.Closing)
	}
}

func (c *Client) drain() {
	for {
		line, ok := c.conn.In.ExtractLine(0)
		if !ok {
			return
		}
		c.handleLine(string(line))
	}
}

// handleLine reacts to one server reply line, per
// original_source/message/smtpclient.cpp's parse(): a '-' in the 4th
// column marks a multi-line continuation to keep reading.
func (c *Client) handleLine(line string) {
	if len(line) < 4 {
		c.fail(fmt.Errorf("smtpclient: malformed reply %q", line))
		return
	}
	if line[3] == '-' {
		return // continuation line, wait for the final one
	}
	code := line[0]

	if c.step == stepAuth {
		if code != '2' {
			c.fail(fmt.Errorf("smtpclient: AUTH PLAIN rejected: %s", line))
			return
		}
	} else if c.step == stepRcptTo && c.rcptIdx > 0 {
		// reply to the RCPT we just sent for rcpts[rcptIdx-1]
		if code != '2' {
			c.rcptErrors[c.rcpts[c.rcptIdx-1]] = line
		}
	} else if c.step == stepBody {
		if code != '2' {
			c.fail(fmt.Errorf("smtpclient: DATA rejected: %s", line))
			return
		}
		c.send("QUIT")
		c.step = stepDone
		c.succeed()
		return
	} else if code != '2' && code != '3' {
		c.fail(fmt.Errorf("smtpclient: command rejected: %s", line))
		return
	}

	c.advance()
}

func (c *Client) advance() {
	switch c.step {
	case stepGreet:
		c.step = stepHelo
		verb := "HELO"
		if c.lmtp {
			verb = "LHLO"
		}
		c.send(verb + " " + c.hostname)
	case stepHelo:
		if c.authUser != "" {
			c.step = stepAuth
			c.sasl = sasl.NewPlainClient("", c.authUser, c.authPass)
			_, ir, err := c.sasl.Start()
			if err != nil {
				c.fail(fmt.Errorf("smtpclient: starting AUTH PLAIN: %w", err))
				return
			}
			c.send("AUTH PLAIN " + base64.StdEncoding.EncodeToString(ir))
			return
		}
		c.step = stepMailFrom
		c.send("MAIL FROM:<" + c.from + ">")
	case stepAuth:
		c.step = stepMailFrom
		c.send("MAIL FROM:<" + c.from + ">")
	case stepMailFrom:
		c.step = stepRcptTo
		c.sendNextRcpt()
	case stepRcptTo:
		if c.rcptIdx < len(c.rcpts) {
			c.sendNextRcpt()
			return
		}
		c.step = stepData
		c.send("DATA")
	case stepData:
		c.step = stepBody
		c.conn.Enqueue(dotted(c.body))
	}
}

func (c *Client) sendNextRcpt() {
	rcpt := c.rcpts[c.rcptIdx]
	c.rcptIdx++
	c.send("RCPT TO:<" + rcpt + ">")
}

func (c *Client) send(line string) {
	c.log.Info("smtpclient sending command", "line", line)
	c.conn.Enqueue([]byte(line + "\r\n"))
}

func (c *Client) fail(err error) {
	c.step = stepDone
	c.conn.SetState(reactor.Closing)
	if c.onDone != nil {
		c.onDone(Result{OK: false, Err: err, RcptErr: c.rcptErrors})
	}
}

func (c *Client) succeed() {
	c.conn.SetState(reactor.Closing)
	if c.onDone != nil {
		c.onDone(Result{OK: true, RcptErr: c.rcptErrors})
	}
}

// dotted renders body with leading-dot byte-stuffing and the
// terminating "."  CRLF per RFC 5321 §4.5.2, mirroring
// original_source/message/smtpclient.cpp's dotted().
func dotted(body []byte) []byte {
	var b strings.Builder
	atLineStart := true
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '.' && atLineStart {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		atLineStart = c == '\n'
	}
	out := b.String()
	if !strings.HasSuffix(out, "\r\n") {
		out += "\r\n"
	}
	out += ".\r\n"
	return []byte(out)
}

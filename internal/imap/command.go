// Package imap implements the per-connection IMAP4rev1 command
// pipeline (spec.md §4.6-§4.8): parsing, command grouping, a reserved-
// parser for IDLE/AUTHENTICATE/literals, and the FETCH/SEARCH/NOTIFY
// handlers that drive the Message Fetcher.
//
// The Command interface is grounded on the pack's registry-style POP3
// Command (infodancer-pop3d/internal/pop3/command.go), generalised from
// a one-shot synchronous Execute into a resumable one: IMAP commands
// suspend on database round-trips, so Execute is called repeatedly —
// once per relevant event — until it reports completion (spec.md §5
// "any command whose prerequisites ... are pending: it returns from
// execute, will be re-entered on each relevant completion").
package imap

import "fmt"

// Group is a command's concurrency class. Group 0 must run alone;
// nonzero groups may interleave with commands sharing the same group
// (spec.md §4.6 Command grouping).
type Group int

const (
	GroupExclusive Group = 0
)

// Command is one parsed IMAP command, tracked by the Queue from receipt
// through response emission.
type Command interface {
	// Tag returns the client-supplied tag this command will respond
	// under.
	Tag() string

	// Name returns the command keyword, upper-cased.
	Name() string

	// Group returns this command's concurrency class.
	Group() Group

	// Execute advances the command's state machine. It returns true once
	// the command has reached a terminal state (its tagged response is
	// ready). Implementations must never block; if they need more data
	// they register callbacks (e.g. Query.OnCompletion) and return false,
	// to be re-entered by the Queue when that callback fires.
	Execute() bool

	// Responses returns the untagged lines followed by the tagged
	// completion line, emitted once Execute has returned true.
	Responses() []string
}

// ParseError reports a malformed command line; the Queue converts it to
// a tagged BAD response.
type ParseError struct {
	Tag string
	Msg string
}

func (e *ParseError) Error() string { return fmt.Sprintf("imap: %s: %s", e.Tag, e.Msg) }

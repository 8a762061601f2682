package db

import "strings"

// ProtocolError marks a malformed message from the peer; fatal to the
// connection (spec.md §7).
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "db: protocol error: " + e.Msg }

// ServerError is a decoded ErrorResponse: a SQLSTATE code plus severity,
// primary message, and optional detail (spec.md §4.3 step 5).
type ServerError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return e.Severity + " " + e.Code + ": " + e.Message + " (" + e.Detail + ")"
	}
	return e.Severity + " " + e.Code + ": " + e.Message
}

// decodeErrorResponse parses an ErrorResponse payload: a sequence of
// (1-byte field code, NUL-terminated string) pairs terminated by a NUL
// byte.
func decodeErrorResponse(payload []byte) *ServerError {
	e := &ServerError{}
	i := 0
	for i < len(payload) && payload[i] != 0 {
		code := payload[i]
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		val := string(payload[i:end])
		i = end + 1
		switch code {
		case 'S':
			e.Severity = val
		case 'C':
			e.Code = val
		case 'M':
			e.Message = val
		case 'D':
			e.Detail = val
		}
	}
	return e
}

// action is what the Pool should do in response to a ServerError,
// decided by the failure matrix in spec.md §4.3.
type action int

const (
	actionNone action = iota
	actionReconnectSoon        // 57P03: close, sleep briefly, reconnect
	actionRemoveFromPool       // 57P01/57P02: admin shutdown/crash
	actionIdentFallback        // 28000 containing "ident"; no fallback is configured, so the pool logs a disaster
	actionLogDisaster          // 28000 (other)
	actionHalvePoolCeiling     // 53xxx
	actionFatalConnection      // 08xxx
	actionLogDebug             // class 00
	actionFailQuery            // other, with a live query
)

func classify(e *ServerError) action {
	code := e.Code
	switch {
	case code == "57P03":
		return actionReconnectSoon
	case code == "57P01" || code == "57P02":
		return actionRemoveFromPool
	case code == "28000" && strings.Contains(strings.ToLower(e.Message), "ident"):
		return actionIdentFallback
	case code == "28000":
		return actionLogDisaster
	case strings.HasPrefix(code, "53"):
		return actionHalvePoolCeiling
	case strings.HasPrefix(code, "08"):
		return actionFatalConnection
	case strings.HasPrefix(code, "00"):
		return actionLogDebug
	default:
		return actionFailQuery
	}
}

// constraintMessages maps a known constraint identifier substring to a
// human-readable replacement message. Externalised as data per spec.md
// §9's design note; a real deployment would load this from
// configuration rather than compiling it in.
var constraintMessages = map[string]string{
	"mailboxes_name_key":       "a mailbox with that name already exists",
	"flag_names_name_key":      "that flag name is already registered",
	"annotation_names_name_key": "that annotation name is already registered",
	"mailbox_messages_pkey":    "that uid is already assigned in this mailbox",
	"addresses_name_key":       "that address is already registered",
}

// friendlyMessage replaces e.Message with a human-readable sentence if
// the raw message contains a known constraint identifier.
func friendlyMessage(e *ServerError) string {
	for constraint, friendly := range constraintMessages {
		if strings.Contains(e.Message, constraint) {
			return friendly
		}
	}
	return e.Message
}

// QueryCancelled is the SQLSTATE a cancelled query fails with (spec.md
// §8 scenario S5).
const QueryCancelled = "57014"

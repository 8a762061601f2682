package imap

import "strings"

// notifySpec is one event-group's selector and the event kinds it
// reports (spec.md §4.8 NOTIFY).
type notifySpec struct {
	selector string // SELECTED, SELECTED-DELAYED, INBOXES, PERSONAL, SUBSCRIBED, SUBTREE, MAILBOXES
	mailboxes []string
	events    []string
}

// Subscription is a session's active NOTIFY registration, consulted by
// the selected-state unsolicited-response layer (spec.md §4.6 Selected-
// state responses) to decide which events to push.
type Subscription struct {
	None  bool
	Specs []notifySpec
}

type notifyCommand struct {
	tag  string
	sess *Session
	sub  Subscription
	done bool
}

func newNotifyCommand(tag, args string, s *Session) (Command, error) {
	args = strings.TrimSpace(args)
	upper := strings.ToUpper(args)
	if upper == "NONE" {
		return &notifyCommand{tag: tag, sess: s, sub: Subscription{None: true}}, nil
	}
	if !strings.HasPrefix(upper, "SET") {
		return nil, &ParseError{Tag: tag, Msg: "NOTIFY requires SET or NONE"}
	}
	rest := strings.TrimSpace(args[len("SET"):])
	if strings.HasPrefix(strings.ToUpper(rest), "STATUS") {
		rest = strings.TrimSpace(rest[len("STATUS"):])
	}
	groups := splitTopLevelGroups(rest)

	var specs []notifySpec
	for _, g := range groups {
		specs = append(specs, parseNotifyGroup(g))
	}
	return &notifyCommand{tag: tag, sess: s, sub: Subscription{Specs: specs}}, nil
}

// splitTopLevelGroups splits a run of "(...)(...)" groups into their
// un-parenthesised contents.
func splitTopLevelGroups(s string) []string {
	var out []string
	depth := 0
	start := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		}
	}
	return out
}

func parseNotifyGroup(g string) notifySpec {
	words := splitParenList(g)
	var spec notifySpec
	if len(words) > 0 {
		spec.selector = strings.ToUpper(words[0])
	}
	for _, w := range words[1:] {
		spec.events = append(spec.events, strings.ToUpper(unquote(w)))
	}
	return spec
}

func (c *notifyCommand) Tag() string  { return c.tag }
func (c *notifyCommand) Name() string { return "NOTIFY" }
func (c *notifyCommand) Group() Group { return GroupExclusive }

func (c *notifyCommand) Execute() bool {
	c.sess.subscription = c.sub
	c.done = true
	return true
}

func (c *notifyCommand) Responses() []string {
	return []string{c.tag + " OK NOTIFY completed\r\n"}
}

package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/fetcher"
	"github.com/arbora/mailstored/internal/mailbox"
	"github.com/arbora/mailstored/internal/uidset"
)

// fetchCommand implements FETCH and UID FETCH (spec.md §4.7): it
// resolves the requested sequence set against the selected mailbox,
// works out which Message Fetcher kinds its attribute list needs, and
// suspends (Execute returning false) until every kind has reported back
// for every requested uid.
type fetchCommand struct {
	tag      string
	sess     *Session
	useUID   bool
	attrs    []string
	specs    []sectionSpec
	uids     []uidset.UID
	markSeen bool

	// changedSince holds the RFC 4551 CHANGEDSINCE modseq bound, or -1
	// when the command carries no CHANGEDSINCE modifier. When set, a
	// modseq filter phase runs before any kind is requested, dropping
	// every uid whose modseq does not exceed it.
	changedSince  int64
	filterStarted bool
	filterPending int
	filterDone    bool

	pending    map[fetcher.Kind]int // outstanding uid count per kind still owed
	started    bool
	flagUpdate *db.Query

	done  bool
	lines []string
}

func newFetchCommand(tag string, useUID bool, args string, s *Session) (Command, error) {
	if s.selected == nil {
		return nil, &ParseError{Tag: tag, Msg: "FETCH requires a selected mailbox"}
	}
	words := splitParenList(args)
	if len(words) < 2 {
		return nil, &ParseError{Tag: tag, Msg: "FETCH requires a sequence set and attribute list"}
	}
	seqSet := words[0]
	attrWords := words[1:]

	changedSince := int64(-1)
	if n := len(attrWords); n > 0 {
		if v, ok, err := parseChangedSince(attrWords[n-1]); err != nil {
			return nil, &ParseError{Tag: tag, Msg: err.Error()}
		} else if ok {
			changedSince = v
			attrWords = attrWords[:n-1]
		}
	}
	if len(attrWords) == 0 {
		return nil, &ParseError{Tag: tag, Msg: "FETCH requires an attribute list"}
	}
	attrText := strings.Join(attrWords, " ")
	attrText = strings.TrimPrefix(strings.TrimSuffix(attrText, ")"), "(")

	max := s.selected.UIDNext
	ranges, err := parseSequenceSet(seqSet, max)
	if err != nil {
		return nil, &ParseError{Tag: tag, Msg: err.Error()}
	}
	uids := &uidset.Set{}
	for _, r := range ranges {
		uids.InsertRange(uidset.UID(r[0]), uidset.UID(r[1]))
	}

	attrs := splitFetchAttrs(attrText)
	cmd := &fetchCommand{
		tag: tag, sess: s, useUID: useUID, attrs: attrs,
		pending:      make(map[fetcher.Kind]int),
		changedSince: changedSince,
	}
	uids.Each(func(u uidset.UID) { cmd.uids = append(cmd.uids, u) })

	for _, a := range attrs {
		if spec, ok := parseSectionAttr(a); ok {
			cmd.specs = append(cmd.specs, spec)
			if !spec.peek {
				cmd.markSeen = true
			}
		}
	}
	return cmd, nil
}

// parseChangedSince recognizes a trailing "(CHANGEDSINCE N)" modifier
// group. splitParenList hands back a parenthesized run as a single
// token, so this only ever needs to inspect the last word of the
// attribute-list words, never re-tokenize the whole argument string.
func parseChangedSince(word string) (modseq int64, ok bool, err error) {
	if !strings.HasPrefix(word, "(") || !strings.HasSuffix(word, ")") {
		return 0, false, nil
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(word, "("), ")")
	fields := strings.Fields(inner)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "CHANGEDSINCE") {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("FETCH: invalid CHANGEDSINCE modseq %q", fields[1])
	}
	return v, true, nil
}

// splitFetchAttrs expands shorthand macros and splits the remaining
// space-separated attribute tokens, keeping bracketed sections intact.
func splitFetchAttrs(s string) []string {
	upper := strings.ToUpper(strings.TrimSpace(s))
	switch upper {
	case "ALL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	case "FAST":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	case "FULL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"}
	}
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ' ':
			if depth == 0 {
				if i > start {
					out = append(out, s[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// neededKinds returns which Message Fetcher kinds this command's
// attribute list requires.
func (c *fetchCommand) neededKinds() []fetcher.Kind {
	set := map[fetcher.Kind]bool{flags: true}
	for _, a := range c.attrs {
		upper := strings.ToUpper(a)
		switch {
		case upper == "FLAGS" || upper == "UID":
			// already requested unconditionally
		case upper == "INTERNALDATE" || upper == "RFC822.SIZE" || upper == "MODSEQ":
			set[trivia] = true
		case upper == "ENVELOPE" || strings.HasPrefix(upper, "BODY") || strings.HasPrefix(upper, "BINARY") || upper == "RFC822" || upper == "RFC822.HEADER" || upper == "RFC822.TEXT":
			set[headersKind] = true
			set[bodies] = true
		}
	}
	var out []fetcher.Kind
	for k := range set {
		out = append(out, k)
	}
	return out
}

// aliases to avoid repeating the fetcher package prefix throughout this file.
const (
	flags       = fetcher.Flags
	trivia      = fetcher.Trivia
	headersKind = fetcher.Headers
	bodies      = fetcher.Bodies
)

func (c *fetchCommand) Tag() string  { return c.tag }
func (c *fetchCommand) Name() string { return "FETCH" }
func (c *fetchCommand) Group() Group { return GroupExclusive }

func (c *fetchCommand) Execute() bool {
	if c.done {
		return true
	}
	if c.changedSince >= 0 && !c.filterDone {
		if !c.filterStarted {
			c.startFilter()
			return false
		}
		if c.filterPending > 0 {
			return false
		}
		c.applyFilter()
		c.filterDone = true
		if len(c.uids) == 0 {
			c.finish()
			return true
		}
	}
	if !c.started {
		c.start()
		return false
	}
	if c.flagUpdate != nil {
		switch c.flagUpdate.State() {
		case db.Completed:
			c.pushFlagChange()
			c.finish()
			return true
		case db.Failed:
			c.finish()
			return true
		default:
			return false
		}
	}
	if c.allSatisfied() {
		if c.markSeen {
			c.issueMarkSeen()
			return false
		}
		c.finish()
		return true
	}
	return false
}

func (c *fetchCommand) start() {
	c.started = true
	uids := &uidset.Set{}
	for _, u := range c.uids {
		uids.Insert(u)
	}
	for _, k := range c.neededKinds() {
		c.pending[k] = len(c.uids)
		c.sess.fetch.Request(c.sess.selected.ID, k, uids, &kindRequester{cmd: c, kind: k})
	}
	if len(c.pending) == 0 {
		c.finish()
	}
}

// startFilter issues the modseq lookup that backs CHANGEDSINCE
// (spec.md §4.7: "FETCH first runs a modseq filter query to remove
// uids whose modseq ≤ the given value"), reusing the Trivia kind since
// it already carries mailbox_messages.modseq.
func (c *fetchCommand) startFilter() {
	c.filterStarted = true
	if len(c.uids) == 0 {
		return
	}
	uids := &uidset.Set{}
	for _, u := range c.uids {
		uids.Insert(u)
	}
	c.filterPending = len(c.uids)
	c.sess.fetch.Request(c.sess.selected.ID, trivia, uids, &filterRequester{cmd: c})
}

// filterRequester adapts the CHANGEDSINCE lookup to fetcher.Requester.
type filterRequester struct{ cmd *fetchCommand }

func (r *filterRequester) Satisfied(uids []uidset.UID) {
	r.cmd.filterPending -= len(uids)
	r.cmd.sess.Poke()
}

// applyFilter drops every uid whose modseq does not exceed
// changedSince, in place, so uids suppressed here never reach
// neededKinds and never produce a FETCH response (Testable Property 9).
func (c *fetchCommand) applyFilter() {
	kept := c.uids[:0]
	for _, u := range c.uids {
		if c.sess.store.Get(u).ModSeq > c.changedSince {
			kept = append(kept, u)
		}
	}
	c.uids = kept
}

func (c *fetchCommand) allSatisfied() bool {
	for _, n := range c.pending {
		if n > 0 {
			return false
		}
	}
	return true
}

// kindRequester adapts one (command, kind) pair to fetcher.Requester,
// since a single fetchCommand fans its interest out across several
// concurrently-running Fetchers.
type kindRequester struct {
	cmd  *fetchCommand
	kind fetcher.Kind
}

func (r *kindRequester) Satisfied(uids []uidset.UID) {
	r.cmd.pending[r.kind] -= len(uids)
	r.cmd.sess.Poke()
}

func (c *fetchCommand) issueMarkSeen() {
	uids := &uidset.Set{}
	for _, u := range c.uids {
		uids.Insert(u)
	}
	q := db.NewQuery(
		`INSERT INTO flags (mailbox, uid, flag)
SELECT mailbox_messages.mailbox, mailbox_messages.uid, $2
FROM mailbox_messages
WHERE mailbox_messages.mailbox = $1 AND (`+uids.Where("mailbox_messages.uid")+`)
AND NOT EXISTS (
  SELECT 1 FROM flags f WHERE f.mailbox = mailbox_messages.mailbox
    AND f.uid = mailbox_messages.uid AND f.flag = $2
)`,
		db.Int(c.sess.selected.ID), db.Text(`\Seen`))
	q.CanFail = true
	q.OnCompletion(func(*db.Query) { c.sess.Poke() })
	c.flagUpdate = q
	c.sess.services.Pool.SubmitFree(q)
	c.markSeen = false // issued once
}

// pushFlagChange fans the \Seen flag change this command just
// committed out to every other session with the same mailbox selected
// (spec.md §4.6 Selected-state responses), bumping the mailbox's
// modseq counter in lockstep since nothing else currently advances it.
func (c *fetchCommand) pushFlagChange() {
	mb := c.sess.selected
	reg := c.sess.services.Registry
	if mb == nil || reg == nil {
		return
	}
	for _, u := range c.uids {
		msg := c.sess.store.Get(u)
		mb.HighestModSeq++
		msg.ModSeq = mb.HighestModSeq
		flags := msg.Flags
		if !hasFlag(flags, `\Seen`) {
			flags = append(append([]string(nil), flags...), `\Seen`)
		}
		reg.PushFlagChange(mb.ID, c.sess, uint32(u), flags, msg.ModSeq)
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func (c *fetchCommand) finish() {
	c.done = true
	for _, u := range c.uids {
		msg := c.sess.store.Get(u)
		c.lines = append(c.lines, c.renderMessage(u, msg))
	}
}

func (c *fetchCommand) renderMessage(u uidset.UID, msg *mailbox.Message) string {
	var parts []string
	if c.useUID {
		parts = append(parts, fmt.Sprintf("UID %d", u))
	}
	for _, a := range c.attrs {
		upper := strings.ToUpper(a)
		switch {
		case upper == "FLAGS":
			parts = append(parts, "FLAGS ("+strings.Join(msg.Flags, " ")+")")
		case upper == "UID" && !c.useUID:
			parts = append(parts, fmt.Sprintf("UID %d", u))
		case upper == "INTERNALDATE":
			parts = append(parts, "INTERNALDATE "+nstring(msg.InternalDate.Format(time.RFC1123Z)))
		case upper == "RFC822.SIZE":
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", msg.RFC822Size))
		case upper == "MODSEQ":
			parts = append(parts, fmt.Sprintf("MODSEQ (%d)", msg.ModSeq))
		case upper == "ENVELOPE":
			parts = append(parts, "ENVELOPE "+buildEnvelope(msg.Headers))
		case upper == "BODYSTRUCTURE":
			parts = append(parts, "BODYSTRUCTURE "+buildBodyStructure(msg.Headers, msg.Parts))
		case upper == "BODY":
			parts = append(parts, "BODY "+buildBodyStructure(msg.Headers, msg.Parts))
		default:
			if spec, ok := parseSectionAttr(a); ok {
				parts = append(parts, c.renderSection(spec, msg))
			}
		}
	}
	return fmt.Sprintf("* %d FETCH (%s)\r\n", u, strings.Join(parts, " "))
}

func (c *fetchCommand) renderSection(spec sectionSpec, msg *mailbox.Message) string {
	label := "BODY[" + sectionLabel(spec) + "]"
	if spec.hasPartial {
		label += fmt.Sprintf("<%d>", spec.start)
	}
	if spec.binary {
		label = strings.Replace(label, "BODY[", "BINARY[", 1)
	}
	if spec.sizeOnly {
		return fmt.Sprintf("BINARY.SIZE[%s] %d", spec.part, partByteCount(msg, spec.part))
	}

	var data []byte
	switch spec.kind {
	case "HEADER", "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		data = []byte(renderHeaders(msg.Headers, spec))
	case "TEXT":
		data = []byte(findPartText(msg.Parts, spec.part))
	case "MIME":
		data = []byte(renderPartMIMEHeaders(msg.Headers, spec.part))
	default:
		if spec.part == "" {
			data = []byte(renderHeaders(msg.Headers, sectionSpec{kind: "HEADER"}) + "\r\n" + findPartText(msg.Parts, ""))
		} else {
			data = []byte(findPartText(msg.Parts, spec.part))
		}
	}
	data = applyPartial(data, spec)
	return fmt.Sprintf("%s {%d}\r\n%s", label, len(data), data)
}

func sectionLabel(spec sectionSpec) string {
	var b strings.Builder
	if spec.part != "" {
		b.WriteString(spec.part)
	}
	if spec.kind != "" {
		if spec.part != "" {
			b.WriteByte('.')
		}
		b.WriteString(spec.kind)
		if len(spec.fields) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(spec.fields, " "))
			b.WriteByte(')')
		}
	}
	return b.String()
}

func renderHeaders(headers []mailbox.HeaderField, spec sectionSpec) string {
	var b strings.Builder
	for _, h := range headers {
		if h.Part != spec.part {
			continue
		}
		if len(spec.fields) > 0 && !fieldsMatch(spec, h.Name) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	return b.String()
}

func renderPartMIMEHeaders(headers []mailbox.HeaderField, part string) string {
	var b strings.Builder
	for _, h := range headers {
		if h.Part != part {
			continue
		}
		if !strings.HasPrefix(strings.ToUpper(h.Name), "CONTENT-") {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	return b.String()
}

func findPartText(parts []mailbox.BodyPart, part string) string {
	if p := findPart(parts, part); p != nil {
		return p.Text
	}
	return ""
}

func partByteCount(msg *mailbox.Message, part string) int {
	if p := findPart(msg.Parts, part); p != nil {
		return p.ByteCount
	}
	return 0
}

func (c *fetchCommand) Responses() []string {
	out := append([]string(nil), c.lines...)
	out = append(out, c.tag+" OK FETCH completed\r\n")
	return out
}

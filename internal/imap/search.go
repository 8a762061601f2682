package imap

import (
	"fmt"
	"strings"
	"time"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/uidset"
)

// searchCommand implements SEARCH and UID SEARCH: it compiles the
// criteria list into a single SQL predicate against mailbox_messages,
// messages, flags, and header_fields, then issues one async query for
// the matching uids, following the same async-query pattern as LOGIN
// and SELECT. Like the rest of this session's sequence-set handling
// (see newFetchCommand), message sequence numbers and uids share one
// space, so SEARCH and UID SEARCH answer with the same numbers.
type searchCommand struct {
	tag  string
	sess *Session

	where  string
	params []db.Value

	query *db.Query
	uids  []uint32
	done  bool
}

func newSearchCommand(tag, args string, s *Session) (Command, error) {
	if s.selected == nil {
		return nil, &ParseError{Tag: tag, Msg: "SEARCH requires a selected mailbox"}
	}
	if strings.TrimSpace(args) == "" {
		return nil, &ParseError{Tag: tag, Msg: "SEARCH requires at least one criterion"}
	}
	where, params, err := compileSearch(args, s.selected.UIDNext)
	if err != nil {
		return nil, &ParseError{Tag: tag, Msg: err.Error()}
	}
	return &searchCommand{tag: tag, sess: s, where: where, params: params}, nil
}

func (c *searchCommand) Tag() string  { return c.tag }
func (c *searchCommand) Name() string { return "SEARCH" }
func (c *searchCommand) Group() Group { return GroupExclusive }

func (c *searchCommand) Execute() bool {
	if c.query == nil {
		params := append([]db.Value{db.Int(c.sess.selected.ID)}, c.params...)
		c.query = db.NewQuery(
			`SELECT DISTINCT mailbox_messages.uid
FROM mailbox_messages JOIN messages ON messages.id = mailbox_messages.message
WHERE mailbox_messages.mailbox = $1 AND (`+c.where+`)
ORDER BY mailbox_messages.uid`,
			params...)
		c.query.CanFail = true
		c.query.OnCompletion(func(*db.Query) { c.sess.Poke() })
		c.sess.services.Pool.SubmitFree(c.query)
		return false
	}
	switch c.query.State() {
	case db.Completed:
		for _, row := range c.query.Rows() {
			c.uids = append(c.uids, uint32(row[0].Int64()))
		}
		c.done = true
		return true
	case db.Failed:
		c.done = true
		return true
	default:
		return false
	}
}

func (c *searchCommand) Responses() []string {
	if c.query != nil && c.query.State() == db.Failed {
		return []string{c.tag + " NO SEARCH failed\r\n"}
	}
	var b strings.Builder
	b.WriteString("* SEARCH")
	for _, u := range c.uids {
		fmt.Fprintf(&b, " %d", u)
	}
	b.WriteString("\r\n")
	return []string{b.String(), c.tag + " OK SEARCH completed\r\n"}
}

// searchParser walks SEARCH's criteria tokens left to right, emitting
// one AND-joined SQL predicate. Placeholders start at $2 since $1 is
// always the enclosing mailbox id.
type searchParser struct {
	tokens []string
	pos    int
	next   int
	params []db.Value
	max    uint32
}

// compileSearch parses a SEARCH/UID SEARCH criteria string into a SQL
// predicate evaluated against mailbox_messages/messages. It supports
// ALL, UID and bare sequence sets, the standard flag keywords, header
// substring matches (HEADER/FROM/TO/CC/BCC/SUBJECT), and date bounds
// (SINCE/BEFORE/ON). Anything else — OR, NOT, nested criteria groups,
// SENTSINCE/SENTBEFORE/SENTON, BODY/TEXT full-text search — is rejected
// with an error rather than silently matching everything or nothing.
func compileSearch(args string, max uint32) (string, []db.Value, error) {
	p := &searchParser{tokens: splitParenList(args), next: 2, max: max}
	var clauses []string
	for p.pos < len(p.tokens) {
		clause, err := p.parseKey()
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "", nil, fmt.Errorf("SEARCH requires at least one criterion")
	}
	return strings.Join(clauses, " AND "), p.params, nil
}

func (p *searchParser) parseKey() (string, error) {
	tok := p.tokens[p.pos]
	p.pos++
	upper := strings.ToUpper(tok)
	switch upper {
	case "ALL":
		return "true", nil
	case "ANSWERED":
		return p.flagClause(`\Answered`, true), nil
	case "UNANSWERED":
		return p.flagClause(`\Answered`, false), nil
	case "DELETED":
		return p.flagClause(`\Deleted`, true), nil
	case "UNDELETED":
		return p.flagClause(`\Deleted`, false), nil
	case "DRAFT":
		return p.flagClause(`\Draft`, true), nil
	case "UNDRAFT":
		return p.flagClause(`\Draft`, false), nil
	case "FLAGGED":
		return p.flagClause(`\Flagged`, true), nil
	case "UNFLAGGED":
		return p.flagClause(`\Flagged`, false), nil
	case "SEEN":
		return p.flagClause(`\Seen`, true), nil
	case "UNSEEN":
		return p.flagClause(`\Seen`, false), nil
	case "UID":
		if p.pos >= len(p.tokens) {
			return "", fmt.Errorf("SEARCH UID requires a sequence set")
		}
		seq := p.tokens[p.pos]
		p.pos++
		return p.seqSetClause(seq)
	case "HEADER":
		if p.pos+1 >= len(p.tokens) {
			return "", fmt.Errorf("SEARCH HEADER requires a field name and value")
		}
		field := unquote(p.tokens[p.pos])
		value := unquote(p.tokens[p.pos+1])
		p.pos += 2
		return p.headerClause(field, value), nil
	case "FROM", "TO", "CC", "BCC", "SUBJECT":
		if p.pos >= len(p.tokens) {
			return "", fmt.Errorf("SEARCH %s requires a value", upper)
		}
		value := unquote(p.tokens[p.pos])
		p.pos++
		return p.headerClause(upper, value), nil
	case "SINCE", "BEFORE", "ON":
		if p.pos >= len(p.tokens) {
			return "", fmt.Errorf("SEARCH %s requires a date", upper)
		}
		date := unquote(p.tokens[p.pos])
		p.pos++
		return p.dateClause(upper, date)
	default:
		if looksLikeSeqSet(tok) {
			return p.seqSetClause(tok)
		}
		return "", fmt.Errorf("SEARCH: unsupported criterion %q", tok)
	}
}

func (p *searchParser) flagClause(flag string, present bool) string {
	n := p.next
	p.next++
	p.params = append(p.params, db.Text(flag))
	sub := fmt.Sprintf(`EXISTS (SELECT 1 FROM flags WHERE flags.mailbox = mailbox_messages.mailbox AND flags.uid = mailbox_messages.uid AND flags.flag = $%d)`, n)
	if present {
		return sub
	}
	return "NOT " + sub
}

func (p *searchParser) headerClause(field, value string) string {
	n1 := p.next
	p.next++
	n2 := p.next
	p.next++
	p.params = append(p.params, db.Text(field), db.Text("%"+value+"%"))
	return fmt.Sprintf(`EXISTS (
  SELECT 1 FROM header_fields JOIN field_names ON field_names.id = header_fields.field
  WHERE header_fields.mailbox = mailbox_messages.mailbox AND header_fields.uid = mailbox_messages.uid
    AND UPPER(field_names.name) = UPPER($%d) AND header_fields.value ILIKE $%d
)`, n1, n2)
}

func (p *searchParser) dateClause(op, date string) (string, error) {
	t, err := time.Parse("02-Jan-2006", date)
	if err != nil {
		return "", fmt.Errorf("SEARCH %s: invalid date %q", op, date)
	}
	n := p.next
	p.next++
	p.params = append(p.params, db.Text(t.Format("2006-01-02")))
	switch op {
	case "SINCE":
		return fmt.Sprintf("messages.internal_date >= $%d", n), nil
	case "BEFORE":
		return fmt.Sprintf("messages.internal_date < $%d", n), nil
	default: // ON
		return fmt.Sprintf("messages.internal_date::date = $%d", n), nil
	}
}

func (p *searchParser) seqSetClause(s string) (string, error) {
	ranges, err := parseSequenceSet(s, p.max)
	if err != nil {
		return "", err
	}
	set := &uidset.Set{}
	for _, r := range ranges {
		set.InsertRange(uidset.UID(r[0]), uidset.UID(r[1]))
	}
	return "(" + set.Where("mailbox_messages.uid") + ")", nil
}

func looksLikeSeqSet(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && c != ':' && c != ',' && c != '*' {
			return false
		}
	}
	return true
}

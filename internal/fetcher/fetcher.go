// Package fetcher implements the Message Fetcher (spec.md §4.5): for
// each (mailbox, kind) pair it coalesces many small per-message data
// requests into bounded range queries, decodes the results into the
// shared mailbox.Message store, and notifies requesters as their
// requests are satisfied.
package fetcher

import (
	"fmt"
	"time"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/mailbox"
	"github.com/arbora/mailstored/internal/metrics"
	"github.com/arbora/mailstored/internal/uidset"
)

// Kind is one of the five fixed query templates.
type Kind int

const (
	Headers Kind = iota
	Bodies
	Flags
	Trivia
	Annotations
)

func (k Kind) String() string {
	switch k {
	case Headers:
		return "headers"
	case Bodies:
		return "bodies"
	case Flags:
		return "flags"
	case Trivia:
		return "trivia"
	case Annotations:
		return "annotations"
	default:
		return "unknown"
	}
}

// maxOverflow bounds how many extra uids beyond the first contiguous
// run a batch absorbs, amortising per-query overhead against wasted
// decode work (spec.md §4.5).
const maxOverflow = 4

// request is one requester's outstanding interest in a uid set.
type request struct {
	uids      *uidset.Set
	requester Requester
}

// Requester is notified as its outstanding uid set is (partially or
// wholly) satisfied. Implemented by IMAP FETCH/SEARCH command objects.
type Requester interface {
	Satisfied(uids []uidset.UID)
}

// Fetcher coalesces requests for one (mailbox, kind) pair (spec.md §3
// "Message Fetcher (per mailbox, per kind)").
type Fetcher struct {
	mailboxID int64
	kind      Kind
	pool      *db.Pool
	store     *mailbox.Store
	flagNames *mailbox.NameCache
	entryNames *mailbox.NameCache

	requests []*request
	inflight *db.Query
	current  uidset.Range
	running  bool
}

// New builds a Fetcher for one mailbox/kind pair, sharing store (the
// session's decode target) and the process-wide flag/annotation name
// caches.
func New(mailboxID int64, kind Kind, pool *db.Pool, store *mailbox.Store, flagNames, entryNames *mailbox.NameCache) *Fetcher {
	return &Fetcher{
		mailboxID:  mailboxID,
		kind:       kind,
		pool:       pool,
		store:      store,
		flagNames:  flagNames,
		entryNames: entryNames,
	}
}

// Insert registers uids as wanted by requester and, if no query is
// currently in flight for this Fetcher, starts one.
func (f *Fetcher) Insert(uids *uidset.Set, requester Requester) {
	if uids.IsEmpty() {
		return
	}
	f.requests = append(f.requests, &request{uids: uids.Clone(), requester: requester})
	if !f.running {
		f.runNext()
	}
}

// outstanding merges every requester's remaining uid set.
func (f *Fetcher) outstanding() *uidset.Set {
	merged := &uidset.Set{}
	for _, r := range f.requests {
		for _, rng := range r.uids.Ranges() {
			merged.InsertRange(rng.Low, rng.High)
		}
	}
	return merged
}

// runNext computes the next batch range per spec.md §4.5's algorithm
// and issues the query.
func (f *Fetcher) runNext() {
	merged := f.outstanding()
	if merged.IsEmpty() {
		f.running = false
		return
	}
	min, _ := merged.Smallest()
	ranges := merged.Ranges()

	var max uidset.UID
	if len(ranges) == 1 {
		max = ranges[0].High
	} else {
		max = ranges[0].High + maxOverflow
	}

	f.running = true
	f.current = uidset.Range{Low: min, High: max}
	metrics.FetcherBatchSize.WithLabelValues(f.kind.String()).Observe(float64(max-min) + 1)
	started := time.Now()

	name, sql := queryTemplate(f.kind)
	q := db.NewNamedQuery(name, sql,
		db.Int(int64(min)), db.Int(int64(max)), db.Int(f.mailboxID))
	q.OnCompletion(func(q *db.Query) { f.onBatchComplete(q, started) })
	f.inflight = q
	f.pool.SubmitFree(q)
}

func (f *Fetcher) onBatchComplete(q *db.Query, started time.Time) {
	metrics.FetcherBatchLatency.WithLabelValues(f.kind.String()).Observe(time.Since(started).Seconds())
	if q.State() == db.Completed {
		satisfied := f.decode(q.Rows())
		f.notify(satisfied)
	}
	f.inflight = nil
	f.running = false
	f.runNext()
}

// notify removes every requester whose set has shrunk to empty and
// tells it which uids (within this batch) it can now act on.
func (f *Fetcher) notify(satisfiedThisBatch []uidset.UID) {
	remaining := f.requests[:0]
	for _, r := range f.requests {
		var theirs []uidset.UID
		for _, u := range satisfiedThisBatch {
			if r.uids.Contains(u) {
				theirs = append(theirs, u)
				r.uids.Remove(u)
			}
		}
		if len(theirs) > 0 {
			r.requester.Satisfied(theirs)
		}
		if !r.uids.IsEmpty() {
			remaining = append(remaining, r)
		}
	}
	f.requests = remaining
}

// decode dispatches to the kind-specific row decoder and returns which
// uids this batch actually delivered data for.
func (f *Fetcher) decode(rows []db.Row) []uidset.UID {
	switch f.kind {
	case Headers:
		return f.decodeHeaders(rows)
	case Bodies:
		return f.decodeBodies(rows)
	case Flags:
		return f.decodeFlags(rows)
	case Trivia:
		return f.decodeTrivia(rows)
	case Annotations:
		return f.decodeAnnotations(rows)
	default:
		return nil
	}
}

func queryTemplate(k Kind) (name, sql string) {
	switch k {
	case Headers:
		return "fetch_headers", `
SELECT header_fields.uid, header_fields.part, field_names.name, header_fields.position, header_fields.value
FROM header_fields JOIN field_names ON field_names.id = header_fields.field
WHERE header_fields.mailbox = $3 AND header_fields.uid BETWEEN $1 AND $2
ORDER BY header_fields.uid, header_fields.part, header_fields.position`
	case Bodies:
		return "fetch_bodies", `
SELECT part_numbers.uid, part_numbers.partno, bodyparts.text, bodyparts.data, part_numbers.bytes, part_numbers.lines
FROM part_numbers JOIN bodyparts ON bodyparts.id = part_numbers.bodypart
WHERE part_numbers.mailbox = $3 AND part_numbers.uid BETWEEN $1 AND $2
ORDER BY part_numbers.uid, part_numbers.partno`
	case Flags:
		return "fetch_flags", `
SELECT uid, flag FROM flags
WHERE mailbox = $3 AND uid BETWEEN $1 AND $2
ORDER BY uid`
	case Trivia:
		return "fetch_trivia", `
SELECT mailbox_messages.uid, messages.internal_date, messages.rfc822_size, mailbox_messages.modseq
FROM mailbox_messages JOIN messages ON messages.id = mailbox_messages.message
WHERE mailbox_messages.mailbox = $3 AND mailbox_messages.uid BETWEEN $1 AND $2
ORDER BY mailbox_messages.uid`
	case Annotations:
		return "fetch_annotations", `
SELECT annotations.uid, annotation_names.name, annotations.owner, annotations.value
FROM annotations JOIN annotation_names ON annotation_names.id = annotations.name
WHERE annotations.mailbox = $3 AND annotations.uid BETWEEN $1 AND $2
ORDER BY annotations.uid`
	default:
		panic(fmt.Sprintf("fetcher: unknown kind %d", k))
	}
}

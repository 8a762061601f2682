package fetcher

import (
	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/mailbox"
	"github.com/arbora/mailstored/internal/uidset"
)

type fetcherKey struct {
	mailboxID int64
	kind      Kind
}

// Coordinator owns every Fetcher for one selected mailbox's session,
// lazily creating one per kind on first request (spec.md §3: "Message
// Fetcher (per mailbox, per kind)").
type Coordinator struct {
	pool       *db.Pool
	store      *mailbox.Store
	flagNames  *mailbox.NameCache
	entryNames *mailbox.NameCache

	fetchers map[fetcherKey]*Fetcher
}

// NewCoordinator builds a Coordinator sharing the process-wide pool and
// name caches with every other session.
func NewCoordinator(pool *db.Pool, store *mailbox.Store, flagNames, entryNames *mailbox.NameCache) *Coordinator {
	return &Coordinator{
		pool:       pool,
		store:      store,
		flagNames:  flagNames,
		entryNames: entryNames,
		fetchers:   make(map[fetcherKey]*Fetcher),
	}
}

// Request queues uids for kind against mailboxID, starting a batch
// immediately if that (mailbox, kind) Fetcher is currently idle.
func (c *Coordinator) Request(mailboxID int64, kind Kind, uids *uidset.Set, requester Requester) {
	key := fetcherKey{mailboxID, kind}
	f, ok := c.fetchers[key]
	if !ok {
		f = New(mailboxID, kind, c.pool, c.store, c.flagNames, c.entryNames)
		c.fetchers[key] = f
	}
	f.Insert(uids, requester)
}

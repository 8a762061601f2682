package mailbox

import "sync"

// Mailbox is one node in the server's mailbox tree: a name, a database
// id, and the uidnext/uidvalidity/modseq counters IMAP clients rely on
// (spec.md §3, §9 "give global caches explicit lifetimes owned by a top-
// level server object").
type Mailbox struct {
	ID            int64
	Name          string
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq int64
	Subscribed    bool
	Deleted       bool
}

// NameCache maps database ids to names and back for a small, rarely-
// changing dimension table (flags, annotation entry names). It is
// process-wide and owned by a single top-level server object rather
// than a package-level singleton, per spec.md §9.
type NameCache struct {
	mu       sync.RWMutex
	byID     map[int64]string
	byName   map[string]int64
}

// NewNameCache returns an empty cache.
func NewNameCache() *NameCache {
	return &NameCache{byID: make(map[int64]string), byName: make(map[string]int64)}
}

// Name returns the cached name for id, or "" if unknown.
func (c *NameCache) Name(id int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// ID returns the cached id for name, and whether it was found.
func (c *NameCache) ID(name string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	return id, ok
}

// Insert records the id/name pair, overwriting any prior mapping.
func (c *NameCache) Insert(id int64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = name
	c.byName[name] = id
}

// Tree is the in-process mailbox hierarchy, keyed by id and by name,
// shared across every IMAP session (spec.md §9: "the mailbox tree ...
// single-threaded-owned; no locks" — the Reactor guarantees only one
// goroutine ever touches it, so Tree itself carries no mutex).
type Tree struct {
	byID   map[int64]*Mailbox
	byName map[string]*Mailbox
}

// NewTree returns an empty Tree.
func NewTree() *Tree {
	return &Tree{byID: make(map[int64]*Mailbox), byName: make(map[string]*Mailbox)}
}

// Insert adds or replaces mb in the tree.
func (t *Tree) Insert(mb *Mailbox) {
	t.byID[mb.ID] = mb
	t.byName[mb.Name] = mb
}

// ByID looks up a Mailbox by its database id.
func (t *Tree) ByID(id int64) (*Mailbox, bool) {
	mb, ok := t.byID[id]
	return mb, ok
}

// ByName looks up a Mailbox by its fully qualified name.
func (t *Tree) ByName(name string) (*Mailbox, bool) {
	mb, ok := t.byName[name]
	return mb, ok
}

// Remove deletes a Mailbox from the tree (after it is dropped at the
// database level).
func (t *Tree) Remove(mb *Mailbox) {
	delete(t.byID, mb.ID)
	delete(t.byName, mb.Name)
}

// All returns every Mailbox currently known, in no particular order.
func (t *Tree) All() []*Mailbox {
	out := make([]*Mailbox, 0, len(t.byID))
	for _, mb := range t.byID {
		out = append(out, mb)
	}
	return out
}

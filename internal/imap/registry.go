package imap

import (
	"fmt"
	"strings"
)

// Registry tracks which sessions currently have a given mailbox
// selected, so a state change to that mailbox (spec.md §4.6 Selected-
// state responses: unsolicited EXISTS, EXPUNGE, FETCH (flags,
// modseq) pushed when uidnext or modseq advances) can reach every
// session watching it, not just the one that caused the change. It is
// process-wide and owned by the top-level server object, per spec.md
// §9, same as mailbox.Tree.
type Registry struct {
	byMailbox map[int64][]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byMailbox: make(map[int64][]*Session)}
}

// Select records that sess now has mailboxID selected, deregistering
// any previous selection it held.
func (r *Registry) Select(sess *Session, mailboxID int64) {
	r.Deselect(sess)
	r.byMailbox[mailboxID] = append(r.byMailbox[mailboxID], sess)
}

// Deselect removes sess from whatever mailbox it was registered
// against (SELECT of a different mailbox, or LOGOUT).
func (r *Registry) Deselect(sess *Session) {
	if sess.selected == nil {
		return
	}
	id := sess.selected.ID
	list := r.byMailbox[id]
	for i, s := range list {
		if s == sess {
			r.byMailbox[id] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// PushFlagChange sends an unsolicited FETCH (FLAGS ... MODSEQ ...)
// response for uid to every session other than exclude that has
// mailboxID selected, unless that session issued "NOTIFY NONE".
func (r *Registry) PushFlagChange(mailboxID int64, exclude *Session, uid uint32, flags []string, modseq int64) {
	line := fmt.Sprintf("* %d FETCH (FLAGS (%s) MODSEQ (%d))\r\n", uid, strings.Join(flags, " "), modseq)
	for _, sess := range r.byMailbox[mailboxID] {
		if sess == exclude || sess.subscription.None {
			continue
		}
		sess.Write([]byte(line))
	}
}

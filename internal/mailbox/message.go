// Package mailbox holds the domain types shared by the IMAP, POP3, and
// SMTP-submission layers: messages, mailboxes, addresses, and the
// in-process caches that map database ids to names (spec.md §3, §4.5
// decoding targets).
package mailbox

import (
	"time"

	"github.com/arbora/mailstored/internal/uidset"
)

// HeaderField is one decoded header line, attached to either the
// top-level message, an inner RFC822 message, or a MIME body part.
type HeaderField struct {
	Part     string // empty for the top-level header
	Name     string
	Value    string
	Position int
}

// BodyPart is one decoded MIME part's text and byte representations.
type BodyPart struct {
	Part         string
	Text         string
	RawBytes     []byte
	EncodedBytes []byte
	Lines        int
	ByteCount    int
}

// Annotation is a shared or owner-scoped metadata key/value pair
// attached to a message (IMAP METADATA / ANNOTATEMORE).
type Annotation struct {
	EntryName string
	Owner     string // empty means shared
	Value     string
}

// Message is the decode target for every Message Fetcher kind: the
// fetcher fills in whichever fields its kind covers, leaving the rest
// at their zero value until a different kind is fetched for the same
// uid.
type Message struct {
	UID uidset.UID

	Headers     []HeaderField
	Parts       []BodyPart
	Flags       []string
	InternalDate time.Time
	RFC822Size   int64
	Annotations  []Annotation
	ModSeq       int64

	headersLoaded, bodiesLoaded, flagsLoaded, triviaLoaded, annotationsLoaded bool
}

// HeadersLoaded reports whether a Headers-kind batch has populated this
// message.
func (m *Message) HeadersLoaded() bool { return m.headersLoaded }

// BodiesLoaded reports whether a Bodies-kind batch has populated this
// message.
func (m *Message) BodiesLoaded() bool { return m.bodiesLoaded }

// FlagsLoaded reports whether a Flags-kind batch has populated this
// message.
func (m *Message) FlagsLoaded() bool { return m.flagsLoaded }

// TriviaLoaded reports whether a Trivia-kind batch has populated this
// message.
func (m *Message) TriviaLoaded() bool { return m.triviaLoaded }

// AnnotationsLoaded reports whether an Annotations-kind batch has
// populated this message.
func (m *Message) AnnotationsLoaded() bool { return m.annotationsLoaded }

// MarkHeadersLoaded records that a Headers-kind batch has run for this
// message, even if it attached zero header fields.
func (m *Message) MarkHeadersLoaded() { m.headersLoaded = true }

// MarkBodiesLoaded records that a Bodies-kind batch has run.
func (m *Message) MarkBodiesLoaded() { m.bodiesLoaded = true }

// MarkFlagsLoaded records that a Flags-kind batch has run.
func (m *Message) MarkFlagsLoaded() { m.flagsLoaded = true }

// MarkTriviaLoaded records that a Trivia-kind batch has run.
func (m *Message) MarkTriviaLoaded() { m.triviaLoaded = true }

// MarkAnnotationsLoaded records that an Annotations-kind batch has run.
func (m *Message) MarkAnnotationsLoaded() { m.annotationsLoaded = true }

// Store holds every Message known to the current session, keyed by
// uid, for one selected Mailbox.
type Store struct {
	messages map[uidset.UID]*Message
}

// NewStore returns an empty Store.
func NewStore() *Store { return &Store{messages: make(map[uidset.UID]*Message)} }

// Get returns (creating if necessary) the Message for uid.
func (s *Store) Get(uid uidset.UID) *Message {
	m, ok := s.messages[uid]
	if !ok {
		m = &Message{UID: uid}
		s.messages[uid] = m
	}
	return m
}

// Forget removes uid's Message, e.g. after an EXPUNGE.
func (s *Store) Forget(uid uidset.UID) { delete(s.messages, uid) }

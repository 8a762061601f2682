package fetcher

import (
	"time"

	"github.com/arbora/mailstored/internal/db"
	"github.com/arbora/mailstored/internal/mailbox"
	"github.com/arbora/mailstored/internal/uidset"
)

// postgresTimestamp is the layout produced by a server whose DateStyle
// includes ISO (spec.md §4.3 ParameterStatus validation), e.g.
// "2024-01-15 10:30:00+00".
const postgresTimestamp = "2006-01-02 15:04:05-07"

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(postgresTimestamp, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// decodeHeaders attaches (uid, part, name, value) rows to the
// top-level header if part is empty, an inner-message header if part
// ends in ".rfc822", or a MIME part header otherwise (spec.md §4.5).
func (f *Fetcher) decodeHeaders(rows []db.Row) []uidset.UID {
	touched := map[uidset.UID]bool{}
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		uid := uidset.UID(row[0].Int64())
		part := row[1].TextValue()
		name := row[2].TextValue()
		position := int(row[3].Int64())
		var value string
		if len(row) > 4 {
			value = row[4].TextValue()
		}

		msg := f.store.Get(uid)
		msg.Headers = append(msg.Headers, mailbox.HeaderField{
			Part: part, Name: name, Value: value, Position: position,
		})
		touched[uid] = true
	}
	f.markLoaded(touched, (*mailbox.Message).MarkHeadersLoaded)
	return uidsOf(touched)
}

// decodeBodies attaches (uid, part, text, raw_bytes, encoded_bytes,
// lines) rows as body parts.
func (f *Fetcher) decodeBodies(rows []db.Row) []uidset.UID {
	touched := map[uidset.UID]bool{}
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		uid := uidset.UID(row[0].Int64())
		part := row[1].TextValue()
		text := row[2].TextValue()
		encoded := row[3].BytesValue()
		byteCount := int(row[4].Int64())
		lines := 0
		if len(row) > 5 {
			lines = int(row[5].Int64())
		}

		msg := f.store.Get(uid)
		msg.Parts = append(msg.Parts, mailbox.BodyPart{
			Part: part, Text: text, EncodedBytes: encoded,
			ByteCount: byteCount, Lines: lines,
		})
		touched[uid] = true
	}
	f.markLoaded(touched, (*mailbox.Message).MarkBodiesLoaded)
	return uidsOf(touched)
}

// decodeFlags attaches one flag name per (uid, flag-id) row, resolving
// the id through the process-wide flag name cache.
func (f *Fetcher) decodeFlags(rows []db.Row) []uidset.UID {
	touched := map[uidset.UID]bool{}
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		uid := uidset.UID(row[0].Int64())
		flagID := row[1].Int64()
		name := f.flagNames.Name(flagID)
		if name == "" {
			continue
		}
		msg := f.store.Get(uid)
		msg.Flags = append(msg.Flags, name)
		touched[uid] = true
	}
	f.markLoaded(touched, (*mailbox.Message).MarkFlagsLoaded)
	return uidsOf(touched)
}

// decodeTrivia attaches internal-date, RFC822 size, and the mailbox-
// relative modseq (spec.md §4.7 CONDSTORE: MODSEQ attribute and the
// CHANGEDSINCE filter both read this field).
func (f *Fetcher) decodeTrivia(rows []db.Row) []uidset.UID {
	touched := map[uidset.UID]bool{}
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		uid := uidset.UID(row[0].Int64())
		msg := f.store.Get(uid)
		msg.InternalDate = parseTimestamp(row[1].TextValue())
		msg.RFC822Size = row[2].Int64()
		msg.ModSeq = row[3].Int64()
		msg.MarkTriviaLoaded()
		touched[uid] = true
	}
	return uidsOf(touched)
}

// decodeAnnotations attaches shared or owner-scoped key/value pairs.
func (f *Fetcher) decodeAnnotations(rows []db.Row) []uidset.UID {
	touched := map[uidset.UID]bool{}
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		uid := uidset.UID(row[0].Int64())
		entry := row[1].TextValue()
		owner := row[2].TextValue()
		value := row[3].TextValue()

		msg := f.store.Get(uid)
		msg.Annotations = append(msg.Annotations, mailbox.Annotation{
			EntryName: entry, Owner: owner, Value: value,
		})
		touched[uid] = true
	}
	f.markLoaded(touched, (*mailbox.Message).MarkAnnotationsLoaded)
	return uidsOf(touched)
}

func (f *Fetcher) markLoaded(touched map[uidset.UID]bool, mark func(*mailbox.Message)) {
	for uid := range touched {
		mark(f.store.Get(uid))
	}
}

func uidsOf(touched map[uidset.UID]bool) []uidset.UID {
	out := make([]uidset.UID, 0, len(touched))
	for u := range touched {
		out = append(out, u)
	}
	return out
}

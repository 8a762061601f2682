package imap

import (
	"fmt"
	"strings"

	"github.com/arbora/mailstored/internal/mailbox"
)

// envelopeAddress is one of ENVELOPE's four-tuple address-list entries:
// (name, source-route (always NIL here), mailbox, host).
type envelopeAddress struct {
	name, mailbox, host string
}

func (a envelopeAddress) render() string {
	return fmt.Sprintf("(%s NIL %s %s)", nstring(a.name), nstring(a.mailbox), nstring(a.host))
}

// parseAddressList splits an RFC 5322 address-list header value into
// ENVELOPE address tuples. This is a pragmatic splitter, not a full
// RFC 5322 parser: it handles "Display Name <user@host>", bare
// "user@host", and comma-separated lists, which covers the header
// values the stored corpus actually produces.
func parseAddressList(value string) []envelopeAddress {
	if value == "" {
		return nil
	}
	var out []envelopeAddress
	for _, part := range splitAddresses(value) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, parseOneAddress(part))
	}
	return out
}

// splitAddresses splits on top-level commas, ignoring commas inside
// angle brackets or quotes.
func splitAddresses(s string) []string {
	var out []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '<':
			if !inQuote {
				depth++
			}
		case '>':
			if !inQuote && depth > 0 {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func parseOneAddress(s string) envelopeAddress {
	name := ""
	addr := s
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j >= 0 {
			name = strings.TrimSpace(unquote(strings.TrimSpace(s[:i])))
			addr = s[i+1 : i+j]
		}
	}
	mbox, host := addr, ""
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		mbox, host = addr[:at], addr[at+1:]
	}
	return envelopeAddress{name: name, mailbox: mbox, host: host}
}

// nstring renders s as an IMAP quoted string, or NIL if empty.
func nstring(s string) string {
	if s == "" {
		return "NIL"
	}
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}

func headerValue(headers []mailbox.HeaderField, name string) string {
	for _, h := range headers {
		if h.Part == "" && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// buildEnvelope renders an IMAP ENVELOPE structure from a message's
// top-level headers (spec.md §4.7 ENVELOPE).
func buildEnvelope(headers []mailbox.HeaderField) string {
	date := headerValue(headers, "Date")
	subject := headerValue(headers, "Subject")
	from := parseAddressList(headerValue(headers, "From"))
	sender := parseAddressList(headerValue(headers, "Sender"))
	if len(sender) == 0 {
		sender = from
	}
	replyTo := parseAddressList(headerValue(headers, "Reply-To"))
	if len(replyTo) == 0 {
		replyTo = from
	}
	to := parseAddressList(headerValue(headers, "To"))
	cc := parseAddressList(headerValue(headers, "Cc"))
	bcc := parseAddressList(headerValue(headers, "Bcc"))
	inReplyTo := headerValue(headers, "In-Reply-To")
	messageID := headerValue(headers, "Message-ID")

	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		nstring(date), nstring(subject),
		addrList(from), addrList(sender), addrList(replyTo),
		addrList(to), addrList(cc), addrList(bcc),
		nstring(inReplyTo), nstring(messageID))
}

func addrList(addrs []envelopeAddress) string {
	if len(addrs) == 0 {
		return "NIL"
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.render()
	}
	return "(" + strings.Join(parts, "") + ")"
}

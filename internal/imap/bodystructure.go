package imap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/arbora/mailstored/internal/mailbox"
)

// contentType splits a "type/subtype; charset=...; name=..." header
// value into its parts.
type contentType struct {
	typ, subtype string
	params       map[string]string
}

func parseContentType(value string) contentType {
	ct := contentType{typ: "text", subtype: "plain", params: map[string]string{}}
	if value == "" {
		return ct
	}
	segs := strings.Split(value, ";")
	if slash := strings.IndexByte(segs[0], '/'); slash >= 0 {
		ct.typ = strings.TrimSpace(strings.ToLower(segs[0][:slash]))
		ct.subtype = strings.TrimSpace(strings.ToLower(segs[0][slash+1:]))
	}
	for _, seg := range segs[1:] {
		seg = strings.TrimSpace(seg)
		if eq := strings.IndexByte(seg, '='); eq >= 0 {
			key := strings.ToLower(strings.TrimSpace(seg[:eq]))
			ct.params[key] = unquote(strings.TrimSpace(seg[eq+1:]))
		}
	}
	return ct
}

func partHeaderValue(headers []mailbox.HeaderField, part, name string) string {
	for _, h := range headers {
		if h.Part == part && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// buildBodyStructure renders a message's IMAP BODYSTRUCTURE. Parts with
// an empty Part string ("" = the top-level body) produce a single-part
// structure directly; any additional distinct top-level children
// (Part values with no further '.') are wrapped as a multipart.
func buildBodyStructure(headers []mailbox.HeaderField, parts []mailbox.BodyPart) string {
	children := topLevelChildren(parts)
	if len(children) <= 1 {
		p := findPart(parts, "")
		if p == nil && len(children) == 1 {
			p = &children[0]
		}
		if p == nil {
			p = &mailbox.BodyPart{}
		}
		return renderLeaf(headers, p.Part, *p)
	}

	ct := parseContentType(headerValue(headers, "Content-Type"))
	var sb strings.Builder
	sb.WriteByte('(')
	for _, child := range children {
		sb.WriteString(renderLeaf(headers, child.Part, child))
	}
	fmt.Fprintf(&sb, " %s)", nstring(ct.subtype))
	return sb.String()
}

func topLevelChildren(parts []mailbox.BodyPart) []mailbox.BodyPart {
	var out []mailbox.BodyPart
	for _, p := range parts {
		if p.Part == "" || strings.Contains(p.Part, ".") {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Part < out[j].Part })
	return out
}

func findPart(parts []mailbox.BodyPart, part string) *mailbox.BodyPart {
	for i := range parts {
		if parts[i].Part == part {
			return &parts[i]
		}
	}
	return nil
}

func renderLeaf(headers []mailbox.HeaderField, part string, bp mailbox.BodyPart) string {
	ct := parseContentType(partHeaderValue(headers, part, "Content-Type"))
	cte := partHeaderValue(headers, part, "Content-Transfer-Encoding")
	if cte == "" {
		cte = "7bit"
	}
	desc := partHeaderValue(headers, part, "Content-Description")
	id := partHeaderValue(headers, part, "Content-ID")

	params := "NIL"
	if len(ct.params) > 0 {
		var kv []string
		for k, v := range ct.params {
			kv = append(kv, nstring(strings.ToUpper(k)), nstring(v))
		}
		params = "(" + strings.Join(kv, " ") + ")"
	}

	base := fmt.Sprintf("%s %s %s %s %s %s %d",
		nstring(ct.typ), nstring(ct.subtype), params, nstring(id), nstring(desc),
		nstring(cte), bp.ByteCount)

	if ct.typ == "text" {
		return fmt.Sprintf("(%s %d)", base, bp.Lines)
	}
	return fmt.Sprintf("(%s)", base)
}

// parsePartial parses a trailing "<start.len>" partial fetch modifier.
func parsePartial(s string) (start, length int, ok bool) {
	if len(s) < 3 || s[0] != '<' || s[len(s)-1] != '>' {
		return 0, 0, false
	}
	body := s[1 : len(s)-1]
	dot := strings.IndexByte(body, '.')
	if dot < 0 {
		n, err := strconv.Atoi(body)
		if err != nil {
			return 0, 0, false
		}
		return n, -1, true
	}
	start, err1 := strconv.Atoi(body[:dot])
	length, err2 := strconv.Atoi(body[dot+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return start, length, true
}

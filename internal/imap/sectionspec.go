package imap

import "strings"

// sectionSpec is a parsed BODY[...]/BODY.PEEK[...]/BINARY[...] fetch
// attribute (spec.md §4.7 section-spec grammar).
type sectionSpec struct {
	raw     string // original attribute text, for echoing in the response
	peek    bool
	binary  bool
	sizeOnly bool

	part   string // dotted part path, "" for the top-level message
	kind   string // "", HEADER, HEADER.FIELDS, HEADER.FIELDS.NOT, TEXT, MIME
	fields []string

	hasPartial  bool
	start, length int
}

// parseSectionAttr parses one fetch-attribute token naming BODY,
// BODY.PEEK, BINARY, or BINARY.PEEK, with its bracketed section and
// optional partial-range suffix. ok is false if token does not name a
// section-bearing attribute.
func parseSectionAttr(token string) (sectionSpec, bool) {
	upper := strings.ToUpper(token)
	var spec sectionSpec
	spec.raw = token

	switch {
	case strings.HasPrefix(upper, "BODY.PEEK["):
		spec.peek = true
		token = token[len("BODY.PEEK["):]
	case strings.HasPrefix(upper, "BODY["):
		token = token[len("BODY["):]
	case strings.HasPrefix(upper, "BINARY.PEEK["):
		spec.peek, spec.binary = true, true
		token = token[len("BINARY.PEEK["):]
	case strings.HasPrefix(upper, "BINARY["):
		spec.binary = true
		token = token[len("BINARY["):]
	case strings.HasPrefix(upper, "BINARY.SIZE["):
		spec.binary, spec.sizeOnly = true, true
		token = token[len("BINARY.SIZE["):]
	default:
		return spec, false
	}

	end := strings.IndexByte(token, ']')
	if end < 0 {
		return spec, false
	}
	section := token[:end]
	rest := token[end+1:]

	if start, length, ok := parsePartial(rest); ok {
		spec.hasPartial = true
		spec.start, spec.length = start, length
	}

	parseSection(&spec, section)
	return spec, true
}

func parseSection(spec *sectionSpec, section string) {
	section = strings.TrimSpace(section)
	if section == "" {
		return
	}

	// Split off a dotted numeric part-path prefix, e.g. "2.1.HEADER" or
	// "3.TEXT" or a bare "2": consume leading dot-separated segments
	// for as long as they are pure digits.
	segs := strings.Split(section, ".")
	i := 0
	var partSegs []string
	for i < len(segs) && isDigits(segs[i]) {
		partSegs = append(partSegs, segs[i])
		i++
	}
	spec.part = strings.Join(partSegs, ".")
	rest := strings.Join(segs[i:], ".")

	upperRest := strings.ToUpper(rest)
	switch {
	case upperRest == "":
		// bare part path (BODY[2]) or the entire message (BODY[])
	case upperRest == "TEXT":
		spec.kind = "TEXT"
	case upperRest == "MIME":
		spec.kind = "MIME"
	case upperRest == "HEADER":
		spec.kind = "HEADER"
	case strings.HasPrefix(upperRest, "HEADER.FIELDS.NOT"):
		spec.kind = "HEADER.FIELDS.NOT"
		spec.fields = extractFieldList(rest)
	case strings.HasPrefix(upperRest, "HEADER.FIELDS"):
		spec.kind = "HEADER.FIELDS"
		spec.fields = extractFieldList(rest)
	}
}

func extractFieldList(rest string) []string {
	open := strings.IndexByte(rest, '(')
	closeI := strings.LastIndexByte(rest, ')')
	if open < 0 || closeI < 0 || closeI <= open {
		return nil
	}
	words := splitParenList(rest[open+1 : closeI])
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = unquote(w)
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// fieldsMatch reports whether headerName should be included given a
// HEADER.FIELDS or HEADER.FIELDS.NOT selector.
func fieldsMatch(spec sectionSpec, headerName string) bool {
	in := false
	for _, f := range spec.fields {
		if strings.EqualFold(f, headerName) {
			in = true
			break
		}
	}
	if spec.kind == "HEADER.FIELDS.NOT" {
		return !in
	}
	return in
}

// applyPartial slices data per a <start.len> modifier, clamping to
// bounds (spec.md §4.7 partial fetch).
func applyPartial(data []byte, spec sectionSpec) []byte {
	if !spec.hasPartial {
		return data
	}
	if spec.start >= len(data) {
		return nil
	}
	end := len(data)
	if spec.length >= 0 && spec.start+spec.length < end {
		end = spec.start + spec.length
	}
	return data[spec.start:end]
}

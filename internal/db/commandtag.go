package db

import "strconv"

// commandTag decodes a CommandComplete command tag, e.g. "INSERT 0 1",
// "UPDATE 3", "SELECT 5", into the row count the caller cares about.
//
// Adapted from the lightweight, regex-free query classification the
// teacher's SQL-hint parser used (parser.ParsedQuery.Type): there, a
// leading keyword was enough to classify a query. Here the same idea
// classifies a *reply* tag instead of a query, and extracts a row count
// rather than a cache hint (spec.md §4.3 step 3).
func commandTag(tag string) int64 {
	fields := splitFields(tag)
	if len(fields) == 0 {
		return 0
	}
	switch fields[0] {
	case "INSERT":
		if len(fields) >= 3 {
			return atoi(fields[2])
		}
	case "UPDATE", "DELETE", "SELECT", "FETCH", "MOVE", "COPY":
		if len(fields) >= 2 {
			return atoi(fields[1])
		}
	}
	return 0
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}

func atoi(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

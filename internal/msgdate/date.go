// Package msgdate parses and renders the date formats the mail store
// needs: RFC 5322 header dates (for envelopes), IMAP INTERNALDATE
// strings, and ISO-8601 (for diagnostics). It is a decode-and-store
// helper: a Date does not interact with other dates beyond comparison.
package msgdate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date holds a parsed calendar date, time of day, and timezone offset.
// The zero value is invalid until Parse or SetCurrentTime succeeds.
type Date struct {
	t     time.Time
	valid bool
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var namedZones = map[string]int{
	"UT": 0, "GMT": 0, "UTC": 0,
	"EST": -5 * 3600, "EDT": -4 * 3600,
	"CST": -6 * 3600, "CDT": -5 * 3600,
	"MST": -7 * 3600, "MDT": -6 * 3600,
	"PST": -8 * 3600, "PDT": -7 * 3600,
}

// SetCurrentTime sets the Date to now.
func (d *Date) SetCurrentTime() {
	d.t = time.Now()
	d.valid = true
}

// Valid reports whether the Date holds a successfully parsed value.
func (d *Date) Valid() bool { return d.valid }

// Parse decodes an RFC 5322 (née RFC 822) date-time header value, e.g.
// "Fri, 21 Nov 1997 09:55:06 -0600". It tolerates a missing day-name, a
// two-digit year, and a named (obsolete) timezone.
func Parse(s string) (*Date, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ","); i >= 0 && i < 5 {
		s = strings.TrimSpace(s[i+1:])
	}
	fields := strings.Fields(s)
	if len(fields) < 5 {
		return nil, fmt.Errorf("msgdate: too few fields in %q", s)
	}
	day, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("msgdate: bad day in %q: %w", s, err)
	}
	month, ok := monthNames[strings.ToLower(fields[1])]
	if !ok {
		return nil, fmt.Errorf("msgdate: bad month in %q", s)
	}
	year, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("msgdate: bad year in %q: %w", s, err)
	}
	if year < 100 {
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	}
	hh, mm, ss, err := parseTimeOfDay(fields[3])
	if err != nil {
		return nil, err
	}
	offset, err := parseZone(fields[4])
	if err != nil {
		return nil, err
	}

	loc := time.FixedZone(fields[4], offset)
	d := &Date{
		t:     time.Date(year, month, day, hh, mm, ss, 0, loc),
		valid: true,
	}
	return d, nil
}

func parseTimeOfDay(s string) (hh, mm, ss int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, 0, 0, fmt.Errorf("msgdate: bad time %q", s)
	}
	hh, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("msgdate: bad hour in %q: %w", s, err)
	}
	mm, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("msgdate: bad minute in %q: %w", s, err)
	}
	if len(parts) >= 3 {
		ss, err = strconv.Atoi(parts[2])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("msgdate: bad second in %q: %w", s, err)
		}
	}
	return hh, mm, ss, nil
}

func parseZone(s string) (int, error) {
	if s == "-0000" {
		return 0, nil
	}
	if (s[0] == '+' || s[0] == '-') && len(s) == 5 {
		h, err1 := strconv.Atoi(s[1:3])
		m, err2 := strconv.Atoi(s[3:5])
		if err1 != nil || err2 != nil {
			return 0, fmt.Errorf("msgdate: bad numeric zone %q", s)
		}
		off := h*3600 + m*60
		if s[0] == '-' {
			off = -off
		}
		return off, nil
	}
	if off, ok := namedZones[strings.ToUpper(s)]; ok {
		return off, nil
	}
	return 0, fmt.Errorf("msgdate: unknown zone %q", s)
}

// RFC822 renders the date the way it must appear in a generated header.
func (d *Date) RFC822() string {
	if !d.valid {
		return ""
	}
	return d.t.Format("Mon, 2 Jan 2006 15:04:05 -0700")
}

// IMAP renders the date the way INTERNALDATE is rendered in a FETCH
// response: "02-Jan-2006 15:04:05 -0700".
func (d *Date) IMAP() string {
	if !d.valid {
		return ""
	}
	return `"` + d.t.Format("02-Jan-2006 15:04:05 -0700") + `"`
}

// ISO8601 renders the date for logs and diagnostics.
func (d *Date) ISO8601() string {
	if !d.valid {
		return ""
	}
	return d.t.Format(time.RFC3339)
}

// Time exposes the underlying time.Time for comparisons and storage.
func (d *Date) Time() time.Time { return d.t }

// Package uidset implements the compact representation of a set of
// positive 32-bit message UIDs as a sorted list of disjoint, non-adjacent
// closed ranges.
package uidset

import (
	"fmt"
	"sort"
	"strings"
)

// UID is a per-mailbox monotonic message identifier; never reused.
type UID uint32

// Range is a closed interval [Low, High].
type Range struct {
	Low, High UID
}

// Set is a sorted list of disjoint, non-adjacent ranges. The zero value
// is an empty set.
type Set struct {
	ranges []Range
}

// New builds a Set from individual UIDs.
func New(uids ...UID) *Set {
	s := &Set{}
	for _, u := range uids {
		s.Insert(u)
	}
	return s
}

// NewRange builds a Set containing a single closed range.
func NewRange(low, high UID) *Set {
	if low > high {
		low, high = high, low
	}
	return &Set{ranges: []Range{{low, high}}}
}

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool { return len(s.ranges) == 0 }

// Smallest returns the lowest UID in the set and true, or (0, false) if
// the set is empty.
func (s *Set) Smallest() (UID, bool) {
	if len(s.ranges) == 0 {
		return 0, false
	}
	return s.ranges[0].Low, true
}

// Largest returns the highest UID in the set and true, or (0, false) if
// the set is empty.
func (s *Set) Largest() (UID, bool) {
	if len(s.ranges) == 0 {
		return 0, false
	}
	return s.ranges[len(s.ranges)-1].High, true
}

// Contains reports whether u is a member of the set.
func (s *Set) Contains(u UID) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].High >= u })
	return i < len(s.ranges) && s.ranges[i].Low <= u
}

// Insert adds u to the set, merging it with adjacent or overlapping
// ranges so the non-overlapping, non-adjacent invariant holds.
func (s *Set) Insert(u UID) {
	s.InsertRange(u, u)
}

// InsertRange adds [low, high] to the set.
func (s *Set) InsertRange(low, high UID) {
	if low > high {
		low, high = high, low
	}
	out := make([]Range, 0, len(s.ranges)+1)
	i := 0
	for i < len(s.ranges) && s.ranges[i].High+1 < low {
		out = append(out, s.ranges[i])
		i++
	}
	for i < len(s.ranges) && s.ranges[i].Low <= high+1 {
		if s.ranges[i].Low < low {
			low = s.ranges[i].Low
		}
		if s.ranges[i].High > high {
			high = s.ranges[i].High
		}
		i++
	}
	out = append(out, Range{low, high})
	out = append(out, s.ranges[i:]...)
	s.ranges = out
}

// Remove deletes u from the set, splitting a range if u falls strictly
// inside it.
func (s *Set) Remove(u UID) {
	s.RemoveRange(u, u)
}

// RemoveRange deletes [low, high] from the set.
func (s *Set) RemoveRange(low, high UID) {
	if low > high {
		low, high = high, low
	}
	out := make([]Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.High < low || r.Low > high {
			out = append(out, r)
			continue
		}
		if r.Low < low {
			out = append(out, Range{r.Low, low - 1})
		}
		if r.High > high {
			out = append(out, Range{high + 1, r.High})
		}
	}
	s.ranges = out
}

// Ranges returns the set's disjoint ranges in ascending order. The
// caller must not mutate the returned slice.
func (s *Set) Ranges() []Range {
	return s.ranges
}

// Each calls fn for every UID in the set in ascending order.
func (s *Set) Each(fn func(UID)) {
	for _, r := range s.ranges {
		for u := r.Low; ; u++ {
			fn(u)
			if u == r.High {
				break
			}
		}
	}
}

// Count returns the number of UIDs represented by the set.
func (s *Set) Count() int {
	n := 0
	for _, r := range s.ranges {
		n += int(r.High-r.Low) + 1
	}
	return n
}

// Intersection returns a new Set containing UIDs present in both s and
// other.
func (s *Set) Intersection(other *Set) *Set {
	result := &Set{}
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		lo := a.Low
		if b.Low > lo {
			lo = b.Low
		}
		hi := a.High
		if b.High < hi {
			hi = b.High
		}
		if lo <= hi {
			result.InsertRange(lo, hi)
		}
		if a.High < b.High {
			i++
		} else {
			j++
		}
	}
	return result
}

// Clone returns an independent copy of s.
func (s *Set) Clone() *Set {
	out := &Set{ranges: make([]Range, len(s.ranges))}
	copy(out.ranges, s.ranges)
	return out
}

// Where renders the set as a SQL WHERE-clause fragment of the form
// "uid between a and b or uid between c and d or uid = e", suitable for
// embedding in the Message Fetcher's range queries.
func (s *Set) Where(column string) string {
	if len(s.ranges) == 0 {
		return "false"
	}
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.Low == r.High {
			parts = append(parts, fmt.Sprintf("%s = %d", column, r.Low))
		} else {
			parts = append(parts, fmt.Sprintf("%s between %d and %d", column, r.Low, r.High))
		}
	}
	return strings.Join(parts, " or ")
}

// String renders the set in IMAP sequence-set syntax, e.g. "1:3,7,9:12".
func (s *Set) String() string {
	if len(s.ranges) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.Low == r.High {
			parts = append(parts, fmt.Sprintf("%d", r.Low))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", r.Low, r.High))
		}
	}
	return strings.Join(parts, ",")
}

package uidset

import "testing"

func TestInsertMergesAdjacent(t *testing.T) {
	s := New()
	s.Insert(1)
	s.Insert(2)
	s.Insert(3)
	if got := s.String(); got != "1:3" {
		t.Fatalf("String() = %q, want %q", got, "1:3")
	}
}

func TestOrderingInvariant(t *testing.T) {
	s := New()
	for _, u := range []UID{9, 1, 5, 2, 10, 11, 3} {
		s.Insert(u)
	}
	ranges := s.Ranges()
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].High+1 >= ranges[i].Low {
			t.Fatalf("ranges %v and %v are overlapping or adjacent", ranges[i-1], ranges[i])
		}
		if ranges[i-1].High >= ranges[i].Low {
			t.Fatalf("ranges not ascending: %v then %v", ranges[i-1], ranges[i])
		}
	}
}

func TestRemoveSplitsRange(t *testing.T) {
	s := NewRange(1, 10)
	s.Remove(5)
	if s.Contains(5) {
		t.Fatalf("set still contains removed uid 5")
	}
	if !s.Contains(4) || !s.Contains(6) {
		t.Fatalf("removing 5 should not affect neighbours")
	}
	if got, want := s.String(), "1:4,6:10"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestSmallestLargest(t *testing.T) {
	s := New(5, 1, 9, 3)
	if v, ok := s.Smallest(); !ok || v != 1 {
		t.Fatalf("Smallest() = %d, %v; want 1, true", v, ok)
	}
	if v, ok := s.Largest(); !ok || v != 9 {
		t.Fatalf("Largest() = %d, %v; want 9, true", v, ok)
	}
}

func TestIntersection(t *testing.T) {
	a := NewRange(1, 10)
	b := NewRange(5, 15)
	got := a.Intersection(b).String()
	if want := "5:10"; got != want {
		t.Fatalf("Intersection = %q, want %q", got, want)
	}
}

func TestWhereClause(t *testing.T) {
	s := New(1, 2, 3, 7)
	got := s.Where("uid")
	want := "uid between 1 and 3 or uid = 7"
	if got != want {
		t.Fatalf("Where() = %q, want %q", got, want)
	}
}

func TestEachAscending(t *testing.T) {
	s := New(9, 1, 5)
	var got []UID
	s.Each(func(u UID) { got = append(got, u) })
	want := []UID{1, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("Each yielded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Each yielded %v, want %v", got, want)
		}
	}
}

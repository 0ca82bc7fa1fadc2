// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package query

import (
	"math"
	"testing"

	"github.com/tsindex/simidx/window"
)

func spansEqual(got, want []window.TimeFilter) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRangeSetUnionMerges(t *testing.T) {
	var s RangeSet
	s.Union(10, 20)
	s.Union(40, 50)
	s.Union(15, 42) // bridges both
	want := []window.TimeFilter{{Start: 10, End: 50}}
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("got %v, want %v", s.Spans(), want)
	}
	s.Union(51, 60) // adjacent, must merge
	want = []window.TimeFilter{{Start: 10, End: 60}}
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("got %v, want %v", s.Spans(), want)
	}
	s.Union(62, 70) // gap of one timestamp, must stay separate
	want = []window.TimeFilter{{Start: 10, End: 60}, {Start: 62, End: 70}}
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("got %v, want %v", s.Spans(), want)
	}
	s.Union(5, 3) // inverted, ignored
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("an inverted union changed the set: %v", s.Spans())
	}
}

func TestRangeSetSubtractSplits(t *testing.T) {
	s := NewRangeSet(window.TimeFilter{Start: 0, End: 100})
	s.Subtract(40, 60)
	want := []window.TimeFilter{{Start: 0, End: 39}, {Start: 61, End: 100}}
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("got %v, want %v", s.Spans(), want)
	}
	s.Subtract(0, 10)
	want = []window.TimeFilter{{Start: 11, End: 39}, {Start: 61, End: 100}}
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("got %v, want %v", s.Spans(), want)
	}
	s.Subtract(-100, 1000)
	if !s.Empty() {
		t.Fatalf("expected an empty set, got %v", s.Spans())
	}
}

func TestRangeSetSubtractAtUniverseEdges(t *testing.T) {
	s := UniverseRange()
	s.Subtract(math.MinInt64, 0)
	want := []window.TimeFilter{{Start: 1, End: math.MaxInt64}}
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("got %v, want %v", s.Spans(), want)
	}
	s.Subtract(100, math.MaxInt64)
	want = []window.TimeFilter{{Start: 1, End: 99}}
	if !spansEqual(s.Spans(), want) {
		t.Fatalf("got %v, want %v", s.Spans(), want)
	}
}

func TestRangeSetIntersectSet(t *testing.T) {
	a := NewRangeSet(window.TimeFilter{Start: 0, End: 50}, window.TimeFilter{Start: 100, End: 150})
	b := NewRangeSet(window.TimeFilter{Start: 40, End: 120})
	got := a.IntersectSet(b)
	want := []window.TimeFilter{{Start: 40, End: 50}, {Start: 100, End: 120}}
	if !spansEqual(got.Spans(), want) {
		t.Fatalf("got %v, want %v", got.Spans(), want)
	}
}

func TestRangeSetContainsAndIntersects(t *testing.T) {
	s := NewRangeSet(window.TimeFilter{Start: 10, End: 20}, window.TimeFilter{Start: 30, End: 40})
	for _, tc := range []struct {
		t    int64
		want bool
	}{{9, false}, {10, true}, {20, true}, {25, false}, {30, true}, {41, false}} {
		if got := s.Contains(tc.t); got != tc.want {
			t.Fatalf("Contains(%d) = %v, want %v", tc.t, got, tc.want)
		}
	}
	if s.Intersects(21, 29) {
		t.Fatal("the gap must not intersect")
	}
	if !s.Intersects(15, 35) {
		t.Fatal("a straddling interval must intersect")
	}
	if s.Intersects(50, 40) {
		t.Fatal("an inverted interval intersects nothing")
	}
}

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

	"golang.org/x/exp/slices"

	"github.com/tsindex/simidx/window"
)

// RangeSet is a set of timestamps represented as sorted, disjoint,
// non-adjacent inclusive [Start, End] intervals. The Reader keeps
// its allowed and index-usable time filters as RangeSets so that
// pruning a sub-interval out of the middle of the allowed range
// splits it correctly instead of discarding either side.
//
// The zero value is the empty set.
type RangeSet struct {
	spans []window.TimeFilter
}

// NewRangeSet builds a set from the given intervals; overlapping
// or adjacent inputs are merged, inverted ones dropped.
func NewRangeSet(spans ...window.TimeFilter) RangeSet {
	var s RangeSet
	for _, sp := range spans {
		s.Union(sp.Start, sp.End)
	}
	return s
}

// UniverseRange covers every representable timestamp.
func UniverseRange() RangeSet {
	return RangeSet{spans: []window.TimeFilter{window.Universe()}}
}

// Empty reports whether the set contains no timestamps.
func (s RangeSet) Empty() bool { return len(s.spans) == 0 }

// Spans returns the set's intervals in ascending order. The
// returned slice aliases the set's storage; callers must not
// modify it.
func (s RangeSet) Spans() []window.TimeFilter { return s.spans }

// Contains implements window.Filter.
func (s RangeSet) Contains(t int64) bool {
	for _, sp := range s.spans {
		if sp.Start > t {
			return false
		}
		if sp.End >= t {
			return true
		}
	}
	return false
}

// Intersects reports whether any timestamp in [start, end] is in
// the set.
func (s RangeSet) Intersects(start, end int64) bool {
	if start > end {
		return false
	}
	for _, sp := range s.spans {
		if sp.Start > end {
			return false
		}
		if sp.End >= start {
			return true
		}
	}
	return false
}

// Union adds [start, end] to the set. Inverted intervals are
// ignored.
func (s *RangeSet) Union(start, end int64) {
	if start > end {
		return
	}
	spans := append(slices.Clone(s.spans), window.TimeFilter{Start: start, End: end})
	slices.SortFunc(spans, func(a, b window.TimeFilter) bool { return a.Start < b.Start })
	out := spans[:1]
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if last.End == math.MaxInt64 || sp.Start <= last.End+1 {
			if sp.End > last.End {
				last.End = sp.End
			}
			continue
		}
		out = append(out, sp)
	}
	s.spans = out
}

// Subtract removes [start, end] from the set.
func (s *RangeSet) Subtract(start, end int64) {
	if start > end {
		return
	}
	out := make([]window.TimeFilter, 0, len(s.spans)+1)
	for _, sp := range s.spans {
		if sp.End < start || sp.Start > end {
			out = append(out, sp)
			continue
		}
		// sp.Start < start implies start-1 cannot underflow,
		// and symmetrically for end+1.
		if sp.Start < start {
			out = append(out, window.TimeFilter{Start: sp.Start, End: start - 1})
		}
		if sp.End > end {
			out = append(out, window.TimeFilter{Start: end + 1, End: sp.End})
		}
	}
	s.spans = out
}

// SubtractSet removes every interval of o from the set.
func (s *RangeSet) SubtractSet(o RangeSet) {
	for _, sp := range o.spans {
		s.Subtract(sp.Start, sp.End)
	}
}

// IntersectSet returns the set of timestamps present in both s
// and o.
func (s RangeSet) IntersectSet(o RangeSet) RangeSet {
	var out RangeSet
	i, j := 0, 0
	for i < len(s.spans) && j < len(o.spans) {
		a, b := s.spans[i], o.spans[j]
		lo, hi := a.Start, a.End
		if b.Start > lo {
			lo = b.Start
		}
		if b.End < hi {
			hi = b.End
		}
		if lo <= hi {
			out.spans = append(out.spans, window.TimeFilter{Start: lo, End: hi})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s RangeSet) Clone() RangeSet {
	return RangeSet{spans: slices.Clone(s.spans)}
}

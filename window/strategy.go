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

package window

import "fmt"

// RangeStrategy decides whether a window beginning at a given
// start time is eligible to be inserted into the R-tree. It is
// consulted by the build side (mbrindex.MBRIndex.BuildNext), not
// by the preprocessor's own window emission: every window is
// still materialized and handed to the attached Observer in
// order (so that I1's monotone spacing holds unconditionally),
// and RangeStrategy only gates the subsequent R-tree insertion.
type RangeStrategy interface {
	Eligible(startTime int64) bool
}

// AllStrategy indexes every window. It backs both the "all" and
// "default" index_range_strategy configuration values, since the
// distilled spec leaves "default" otherwise unspecified and no
// narrower behavior is implied anywhere else in the contract.
type AllStrategy struct{}

func (AllStrategy) Eligible(int64) bool { return true }

// WithinStrategy indexes only windows starting at or after Since.
type WithinStrategy struct {
	Since int64
}

func (w WithinStrategy) Eligible(start int64) bool { return start >= w.Since }

// NewRangeStrategy resolves the index_range_strategy configuration
// key to a RangeStrategy. since is only meaningful for "within".
func NewRangeStrategy(kind string, since int64) (RangeStrategy, error) {
	switch kind {
	case "", "default", "all":
		return AllStrategy{}, nil
	case "within":
		return WithinStrategy{Since: since}, nil
	default:
		return nil, fmt.Errorf("window: unknown index_range_strategy %q", kind)
	}
}

// rangeFilter adapts a RangeStrategy to the Filter interface so
// it can be passed anywhere a TimeFilter is accepted.
type rangeFilter struct{ RangeStrategy }

func (r rangeFilter) Contains(t int64) bool { return r.Eligible(t) }

// AsFilter adapts s to Filter.
func AsFilter(s RangeStrategy) Filter { return rangeFilter{s} }

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

// Package window turns an append-only stream of <time, value>
// points into aligned fixed-length subsequences ("windows"),
// following a strictly sequential, single-threaded iteration
// contract. Feature extraction is not done here: a Preprocessor
// merely notifies an attached Observer once per emitted window,
// so that an extractor (see package elb) can plug in without the
// preprocessor needing to know anything about feature shapes.
package window

import "math"

// Identifier locates one window within its chunk: the inclusive
// time span it covers, the number of source points it consumed,
// and its 0-based position among the windows emitted since the
// last Clear (sub-flush boundary).
type Identifier struct {
	Start    int64
	End      int64
	Count    int
	SliceNum int
}

// Filter reports whether a timestamp is currently of interest.
// TimeFilter, RangeStrategy (via rangeFilter) and, in package
// query, a RangeSet all implement Filter.
type Filter interface {
	Contains(t int64) bool
}

// TimeFilter is an inclusive [Start, End] time interval.
type TimeFilter struct {
	Start, End int64
}

// Universe returns a TimeFilter matching every representable
// timestamp.
func Universe() TimeFilter {
	return TimeFilter{Start: math.MinInt64, End: math.MaxInt64}
}

// Contains implements Filter.
func (f TimeFilter) Contains(t int64) bool {
	return t >= f.Start && t <= f.End
}

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

import "math"

// AlignUniform resamples (times, values) onto a uniform grid of
// n points spanning [times[0], times[len(times)-1]], taking the
// nearest-neighbor source value (by timestamp) at each grid
// point. times must be non-decreasing and len(times) == len(values).
//
// AlignUniformInto writes into dst and returns it; dst must have
// length n. AlignUniform allocates a fresh slice.
func AlignUniform(times []int64, values []float64, n int) []float64 {
	return AlignUniformInto(make([]float64, n), times, values)
}

func AlignUniformInto(dst []float64, times []int64, values []float64) []float64 {
	n := len(dst)
	if n == 0 {
		return dst
	}
	if n == 1 {
		dst[0] = values[0]
		return dst
	}
	t0, tLast := times[0], times[len(times)-1]
	delta := float64(tLast-t0) / float64(n-1)
	srcIdx := 0
	for i := 0; i < n; i++ {
		target := float64(t0) + float64(i)*delta
		for srcIdx+1 < len(times) {
			cur := math.Abs(float64(times[srcIdx]) - target)
			next := math.Abs(float64(times[srcIdx+1]) - target)
			if next < cur {
				srcIdx++
			} else {
				break
			}
		}
		dst[i] = values[srcIdx]
	}
	return dst
}

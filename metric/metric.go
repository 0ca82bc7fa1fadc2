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

// Package metric implements the pluggable distance functions
// used to compare equal-length numeric sequences: Euclidean
// (L2) distance and windowed dynamic time warping (DTW).
package metric

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Func computes a (possibly squared) distance between two
// sequences. The Euclidean Funcs return an error if
// len(a) != len(b); the DTW Func accepts sequences of
// different lengths.
type Func[T constraints.Float] func(a, b []T) (float64, error)

// Name identifies a distance function by its configuration
// string. Package config does not read a "distance" key;
// callers pass a Name directly (see query.Condition.Metric).
type Name string

const (
	EuclideanName Name = "Euclidean"
	DTWName       Name = "DTW"
)

// ErrLengthMismatch is returned by EuclideanSquared and
// Euclidean when the two input sequences have different
// lengths, and by DTW when exactly one of them is empty.
var ErrLengthMismatch = fmt.Errorf("metric: sequences have different lengths")

// EuclideanSquared returns the sum of squared per-element
// differences between a and b. This is the default metric of
// the query's exact re-check (see Lookup), since squaring is
// monotonic and avoids a sqrt on the hot path.
func EuclideanSquared[T constraints.Float](a, b []T) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum, nil
}

// Euclidean returns the L2 (straight-line) distance between
// a and b.
func Euclidean[T constraints.Float](a, b []T) (float64, error) {
	sq, err := EuclideanSquared(a, b)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sq), nil
}

// DTW returns the dynamic time warping distance between a and
// b using a squared-Euclidean local cost, optionally bounded
// by a Sakoe-Chiba band.
//
// band is expressed as a fraction of max(len(a), len(b)) in
// [0,1]; a value
// of 0 (or any value that rounds down to a band covering the
// whole matrix) computes the unconstrained O(len(a)*len(b))
// DTW. Constraining the band both speeds up the computation
// and tightens the distance (a narrower band can only
// increase the reported distance), which is why a band ratio
// is a configuration knob rather than a hidden default: a
// caller relying on DTW as a lower bound must choose a band no narrower than the one used when the
// feature was built.
func DTW[T constraints.Float](a, b []T, band float64) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		if len(a) != len(b) {
			return 0, ErrLengthMismatch
		}
		return 0, nil
	}
	n, m := len(a), len(b)
	w := maxInt(n, m)
	if band > 0 && band < 1 {
		w = int(math.Ceil(band * float64(maxInt(n, m))))
		if w < absInt(n-m) {
			w = absInt(n - m)
		}
	}

	const inf = math.MaxFloat64
	prev := make([]float64, m+1)
	cur := make([]float64, m+1)
	for j := range prev {
		prev[j] = inf
	}
	prev[0] = 0

	for i := 1; i <= n; i++ {
		lo := maxInt(1, i-w)
		hi := minInt(m, i+w)
		for j := range cur {
			cur[j] = inf
		}
		if lo > 1 {
			cur[lo-1] = inf
		} else {
			cur[0] = inf
		}
		for j := lo; j <= hi; j++ {
			d := float64(a[i-1]) - float64(b[j-1])
			cost := d * d
			best := prev[j]
			if prev[j-1] < best {
				best = prev[j-1]
			}
			if cur[j-1] < best {
				best = cur[j-1]
			}
			cur[j] = cost + best
		}
		prev, cur = cur, prev
	}
	return prev[m], nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// Lookup resolves a configuration Name to a squared-distance
// Func for package query's exact re-check. DTW is wrapped so
// that it reports the squared distance for consistency with
// EuclideanSquared (DTW's local cost is already squared, so
// no further squaring is applied).
func Lookup[T constraints.Float](name Name, dtwBand float64) (Func[T], error) {
	switch name {
	case "", EuclideanName:
		return EuclideanSquared[T], nil
	case DTWName:
		return func(a, b []T) (float64, error) {
			return DTW(a, b, dtwBand)
		}, nil
	default:
		return nil, fmt.Errorf("metric: unsupported distance %q", name)
	}
}

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

// Package elb computes Equal-Length Block features: given a
// window of W values split into b equal-width blocks (the last
// absorbing any remainder), it produces a b-dimensional
// rectangle in feature space, one (lower, upper) pair per block.
//
// elb.Extractor implements window.Observer, so it plugs into a
// window.Preprocessor without the preprocessor needing to know
// anything about feature shapes (see the composition note in
// SPEC_FULL.md §9).
package elb

import (
	"fmt"
	"math"

	"github.com/tsindex/simidx/rtree"
	"github.com/tsindex/simidx/window"
)

// Type selects which bounding scheme is used to turn a block of
// raw values into a (lower, upper) pair.
type Type string

const (
	// ELE takes the tight min/max of each block.
	ELE Type = "ELE"
	// ELBGroup centers each block on its own mean and widens it
	// by a single bound shared across every block of every
	// window in the index (see CalcParam).
	ELBGroup Type = "ELB_GROUP"
	// SS (series-specific) centers each block on its own mean
	// and widens it by a bound derived from that block's own
	// dispersion, so different blocks of the same window can
	// carry different widths.
	SS Type = "SS"
)

// DefaultThresholdRatio is used for CalcParam.Ratio when neither
// elb_threshold_base nor elb_threshold_ratio is configured.
const DefaultThresholdRatio = 1 / math.Sqrt2

// CalcParam parameterizes the ELBGroup and SS bounding schemes.
// It is evaluated once per index (it is index configuration, not
// a per-query value), so the same CalcParam widens both the
// features stored for indexed windows and the envelope built
// around a query pattern.
type CalcParam struct {
	Base  float64
	Ratio float64
}

// bound returns the scalar half-width used by ELBGroup, scaled
// down as the block count grows so that a fixed Ratio produces a
// comparable total envelope width regardless of feature_dim.
func (c CalcParam) bound(blocks int) float64 {
	return c.Base + c.Ratio/math.Sqrt(float64(blocks))
}

// NewCalcParam fills in Ratio with DefaultThresholdRatio when
// both Base and Ratio are unset, matching elb_calc_param=single's
// fallback behavior (see SPEC_FULL.md §6).
func NewCalcParam(base, ratio float64, baseSet, ratioSet bool) CalcParam {
	if !baseSet && !ratioSet {
		return CalcParam{Ratio: DefaultThresholdRatio}
	}
	return CalcParam{Base: base, Ratio: ratio}
}

// Extractor turns raw window values into ELB feature rectangles
// and optionally retains a history of them.
type Extractor struct {
	blocks int
	typ    Type
	calc   CalcParam

	storeFeatures bool
	history       [][]float64 // flattened [u0,l0,u1,l1,...] form, oldest first
	last          []float64
	lastRect      rtree.Rect
	haveLastRect  bool
}

// NewExtractor constructs an Extractor. blocks is feature_dim
// (the number of equal-length blocks, b); storeFeatures mirrors
// store_aligned-style retention: when false, only the single
// most recently computed feature remains reachable.
func NewExtractor(blocks int, typ Type, calc CalcParam, storeFeatures bool) (*Extractor, error) {
	if blocks <= 0 {
		return nil, fmt.Errorf("elb: feature_dim must be positive, got %d", blocks)
	}
	switch typ {
	case ELE, ELBGroup, SS:
	default:
		return nil, fmt.Errorf("elb: unknown elb_type %q", typ)
	}
	return &Extractor{blocks: blocks, typ: typ, calc: calc, storeFeatures: storeFeatures}, nil
}

// Blocks returns the configured block count (feature_dim).
func (e *Extractor) Blocks() int { return e.blocks }

// Rect computes the feature rectangle for a raw window of
// values. len(raw) need not be a multiple of Blocks(); the last
// block absorbs the remainder.
func (e *Extractor) Rect(raw []float64) (rtree.Rect, error) {
	if len(raw) < e.blocks {
		return rtree.Rect{}, fmt.Errorf("elb: window of %d values is shorter than feature_dim %d", len(raw), e.blocks)
	}
	width := len(raw) / e.blocks
	min := make([]float64, e.blocks)
	max := make([]float64, e.blocks)
	for i := 0; i < e.blocks; i++ {
		lo := i * width
		hi := lo + width
		if i == e.blocks-1 {
			hi = len(raw)
		}
		block := raw[lo:hi]
		switch e.typ {
		case ELE:
			min[i], max[i] = minMax(block)
		case ELBGroup:
			mean := meanOf(block)
			b := e.calc.bound(e.blocks)
			min[i], max[i] = mean-b, mean+b
		case SS:
			mean := meanOf(block)
			sd := stddevOf(block, mean)
			b := e.calc.Base + e.calc.Ratio*sd
			min[i], max[i] = mean-b, mean+b
		}
	}
	return rtree.Rect{Min: min, Max: max}, nil
}

// OnWindow implements window.Observer.
func (e *Extractor) OnWindow(_ window.Identifier, _ []int64, raw []float64) {
	r, err := e.Rect(raw)
	if err != nil {
		// Rect only fails when the window is shorter than
		// feature_dim, which config validation (see package
		// config) must already have ruled out; treat it as
		// a programmer error rather than silently dropping
		// the window's feature history.
		panic(err)
	}
	flat := flatten(r)
	e.last = flat
	e.lastRect = r
	e.haveLastRect = true
	if e.storeFeatures {
		e.history = append(e.history, flat)
	}
}

// LastRect returns the feature rectangle computed by the most
// recent OnWindow call.
func (e *Extractor) LastRect() (rtree.Rect, bool) {
	return e.lastRect, e.haveLastRect
}

// LatestN returns up to n most recently computed flattened
// features ([u0,l0,u1,l1,...] per entry), oldest first. If
// features are not stored, only the single most recent one is
// ever returned, regardless of n.
func (e *Extractor) LatestN(n int) [][]float64 {
	if !e.storeFeatures {
		if e.last == nil {
			return nil
		}
		return [][]float64{e.last}
	}
	if n > len(e.history) {
		n = len(e.history)
	}
	if n <= 0 {
		return nil
	}
	return e.history[len(e.history)-n:]
}

// Reset clears retained feature history, mirroring a Preprocessor
// Clear() sub-flush boundary.
func (e *Extractor) Reset() {
	e.history = e.history[:0]
}

func flatten(r rtree.Rect) []float64 {
	out := make([]float64, 0, 2*len(r.Min))
	for i := range r.Min {
		out = append(out, r.Max[i], r.Min[i])
	}
	return out
}

func minMax(xs []float64) (min, max float64) {
	min, max = xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

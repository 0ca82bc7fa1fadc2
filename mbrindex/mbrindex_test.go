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

package mbrindex

import (
	"errors"
	"testing"

	"github.com/tsindex/simidx/buffer"
	"github.com/tsindex/simidx/config"
	"github.com/tsindex/simidx/elb"
	"github.com/tsindex/simidx/window"
)

func newTestIndex(t *testing.T, cfg config.Config) *MBRIndex[float64] {
	t.Helper()
	var timesPool buffer.Pool[int64]
	var valuesPool buffer.Pool[float64]
	var alignedPool buffer.Pool[float64]
	idx, err := New[float64](cfg, &timesPool, &valuesPool, &alignedPool, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func buildAll(t *testing.T, idx *MBRIndex[float64]) int {
	t.Helper()
	n := 0
	for {
		ok, err := idx.BuildNext()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return n
		}
		n++
	}
}

// Scenario 1 (SPEC_FULL.md §8): W=4, b=2, M=4, m=2, ELE, windows
// over [1,2,3,4], [2,3,4,5], [3,4,5,6], pattern [3,3,5,5]. With
// the ELB lower bound fixed at 0 the index must not dismiss any
// window: the candidate list covers all three, in particular the
// ones within reach of the pattern, and the exact distance check
// downstream does the real filtering.
func TestBuildFlushQueryRoundTrip(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"window_range": "4",
		"slide_step":   "1",
		"feature_dim":  "2",
		"elb_type":     "ELE",
		"min_entries":  "2",
		"max_entries":  "4",
		"codec":        "none",
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, cfg)
	times := []int64{0, 1, 2, 3, 4, 5}
	values := []float64{1, 2, 3, 4, 5, 6}
	if err := idx.Append(times, values); err != nil {
		t.Fatal(err)
	}
	n := buildAll(t, idx)
	if n != 3 {
		t.Fatalf("expected 3 windows (W=4, S=1, 6 source points): got %d", n)
	}

	chunk, err := idx.Flush("col/a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Bytes == nil {
		t.Fatal("expected non-nil chunk bytes")
	}

	calc := elb.CalcParam{Base: cfg.ThresholdBase, Ratio: cfg.ThresholdRatio}
	extractor, err := elb.NewExtractor(cfg.FeatureDim, cfg.ElbType, calc, false)
	if err != nil {
		t.Fatal(err)
	}
	candidates, err := QueryByIndex(chunk.Bytes, nil, []float64{3, 3, 5, 5}, extractor)
	if err != nil {
		t.Fatal(err)
	}
	byStart := map[int64]bool{}
	for _, c := range candidates {
		byStart[c.Start] = true
	}
	// the two nearest windows must be candidates; the first
	// window's envelope ([1,2] on axis 0) excludes the pattern's
	// block mean 3, so its presence is what guards against MBR
	// containment sneaking back in as a pruning rule
	for _, start := range []int64{0, 1, 2} {
		if !byStart[start] {
			t.Fatalf("window starting at %d was dismissed by the index: %v", start, candidates)
		}
	}
}

// A window within the distance threshold whose ELE envelope does
// not contain the pattern's per-block means must still come back
// as a candidate: pruning it would be a false dismissal.
func TestQueryByIndexNoFalseDismissals(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"window_range": "4",
		"feature_dim":  "2",
		"min_entries":  "1",
		"max_entries":  "4",
		"codec":        "none",
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, cfg)
	// window 0 is constant 5: its envelope is the degenerate
	// rect [5,5]x[5,5]; window 1 is far away
	times := []int64{0, 1, 2, 3, 10, 11, 12, 13}
	values := []float64{5, 5, 5, 5, 100, 100, 100, 100}
	if err := idx.Append(times, values); err != nil {
		t.Fatal(err)
	}
	buildAll(t, idx)
	chunk, err := idx.Flush("col/a", nil)
	if err != nil {
		t.Fatal(err)
	}
	extractor, err := elb.NewExtractor(cfg.FeatureDim, cfg.ElbType, elb.CalcParam{}, false)
	if err != nil {
		t.Fatal(err)
	}
	// distance² to window 0 is 4*0.0001, well inside any sane
	// threshold, yet 5.01 lies outside [5,5] on both axes
	pattern := []float64{5.01, 5.01, 5.01, 5.01}
	candidates, err := QueryByIndex(chunk.Bytes, nil, pattern, extractor)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range candidates {
		if c.Start == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("near-miss window dismissed: candidates %v", candidates)
	}
}

func TestFlushWithMACDetectsTamper(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"window_range": "4",
		"feature_dim":  "2",
		"min_entries":  "1",
		"max_entries":  "4",
		"codec":        "zstd",
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, cfg)
	if err := idx.Append([]int64{0, 1, 2, 3}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	buildAll(t, idx)
	var key MACKey
	key[0] = 0xAB
	chunk, err := idx.Flush("col/a", &key)
	if err != nil {
		t.Fatal(err)
	}
	calc := elb.CalcParam{Base: cfg.ThresholdBase, Ratio: cfg.ThresholdRatio}
	extractor, err := elb.NewExtractor(cfg.FeatureDim, cfg.ElbType, calc, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := QueryByIndex(chunk.Bytes, &key, []float64{1, 2, 3, 4}, extractor); err != nil {
		t.Fatalf("unmodified chunk should verify cleanly: %v", err)
	}
	tampered := append([]byte(nil), chunk.Bytes...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := QueryByIndex(tampered, &key, []float64{1, 2, 3, 4}, extractor); err == nil {
		t.Fatal("expected a MAC failure on a tampered chunk")
	}
}

func TestBuildNextRespectsRangeStrategy(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"window_range":        "2",
		"feature_dim":         "1",
		"min_entries":         "1",
		"max_entries":         "4",
		"index_range_strategy": "within",
		"index_range_since":   "4",
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, cfg)
	times := make([]int64, 8)
	values := make([]float64, 8)
	for i := range times {
		times[i] = int64(i)
		values[i] = float64(i)
	}
	if err := idx.Append(times, values); err != nil {
		t.Fatal(err)
	}
	n := buildAll(t, idx)
	if n == 0 {
		t.Fatal("expected some windows to be emitted regardless of range strategy")
	}
	if idx.Len() == 0 {
		t.Fatal("expected at least one window to clear the range strategy")
	}
	if idx.Len() >= n {
		t.Fatalf("range strategy should have excluded early windows from indexing: indexed=%d emitted=%d", idx.Len(), n)
	}
}

// Scenario 4 (SPEC_FULL.md §8): the sub-flush boundary. Two
// flushes over one 10-point stream with W=3, S=1 must together
// cover the 8-window sequence, slice_num restarting at 0 in the
// second chunk and start times strictly monotonic across both.
func TestSubFlushBoundary(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"window_range": "3",
		"slide_step":   "1",
		"feature_dim":  "1",
		"min_entries":  "1",
		"max_entries":  "4",
		"codec":        "none",
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, cfg)

	feed := func(lo, hi int) {
		var times []int64
		var values []float64
		for i := lo; i < hi; i++ {
			times = append(times, int64(i*10))
			values = append(values, float64(i))
		}
		if err := idx.Append(times, values); err != nil {
			t.Fatal(err)
		}
	}

	feed(0, 5)
	buildAll(t, idx)
	if _, err := idx.Flush("col/a", nil); err != nil {
		t.Fatal(err)
	}
	first := idx.Identifiers()
	idx.Clear()
	if idx.Len() != 0 {
		t.Fatal("Clear must empty the R-tree for the next chunk")
	}

	feed(5, 10)
	buildAll(t, idx)
	if _, err := idx.Flush("col/a", nil); err != nil {
		t.Fatal(err)
	}
	second := idx.Identifiers()

	all := append(append([]window.Identifier(nil), first...), second...)
	if len(all) != 8 {
		t.Fatalf("expected 8 windows across both chunks, got %d (%d + %d)", len(all), len(first), len(second))
	}
	if second[0].SliceNum != 0 {
		t.Fatalf("slice_num must restart at 0 per chunk, got %d", second[0].SliceNum)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Start <= all[i-1].Start {
			t.Fatalf("start times must be strictly monotonic across chunks: %v", all)
		}
	}
}

func TestDeleteIsTerminal(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"window_range": "2",
		"feature_dim":  "1",
		"min_entries":  "1",
		"max_entries":  "4",
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, cfg)
	idx.Delete()
	if err := idx.Append([]int64{0}, []float64{1}); !errors.Is(err, window.ErrClosed) {
		t.Fatalf("expected ErrClosed after Delete, got %v", err)
	}
	if _, err := idx.Flush("col/a", nil); !errors.Is(err, window.ErrClosed) {
		t.Fatalf("expected ErrClosed flush after Delete, got %v", err)
	}
	if idx.Len() != 0 {
		t.Fatal("a deleted index holds nothing")
	}
}

func TestAmortizedBytesGrowsWithEntries(t *testing.T) {
	cfg, err := config.FromMap(map[string]string{
		"window_range": "2",
		"feature_dim":  "1",
		"min_entries":  "1",
		"max_entries":  "4",
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := newTestIndex(t, cfg)
	before := idx.AmortizedBytes()
	if err := idx.Append([]int64{0, 1, 2, 3}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	buildAll(t, idx)
	after := idx.AmortizedBytes()
	if after <= before {
		t.Fatalf("expected amortized bytes to grow after indexing windows, before=%d after=%d", before, after)
	}
}

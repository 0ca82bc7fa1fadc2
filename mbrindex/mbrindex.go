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

// Package mbrindex wires a window.Preprocessor, an elb.Extractor
// and an rtree.Tree together into the similarity-search index
// engine: build windows from an appended column, accumulate their
// ELB features into an R-tree, flush the R-tree to a signed,
// compressed chunk, and answer approximate-candidate queries
// against a previously flushed chunk.
package mbrindex

import (
	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/tsindex/simidx/buffer"
	"github.com/tsindex/simidx/config"
	"github.com/tsindex/simidx/elb"
	"github.com/tsindex/simidx/errs"
	"github.com/tsindex/simidx/rtree"
	"github.com/tsindex/simidx/window"
)

// MACKey signs and authenticates flushed chunks, mirroring the
// keyed-hash chunk integrity scheme used elsewhere in the
// surrounding storage engine.
type MACKey [32]byte

// MBRIndex is a single column's similarity-search index: it
// consumes an append-only <time, value> stream, indexes its
// sliding windows, and can flush or query the resulting R-tree.
type MBRIndex[T buffer.Value] struct {
	cfg      config.Config
	rangeStg window.RangeStrategy

	pp        *window.Preprocessor[T]
	extractor *elb.Extractor

	tree *rtree.Tree[uint64]
	ids  map[uint64]window.Identifier

	hashK0, hashK1 uint64

	closed bool
}

// New constructs an MBRIndex. The three pools may be shared
// process-wide across many columns of the same value type.
func New[T buffer.Value](cfg config.Config, timesPool *buffer.Pool[int64], valuesPool *buffer.Pool[T], alignedPool *buffer.Pool[float64], hashK0, hashK1 uint64) (*MBRIndex[T], error) {
	calc := elb.CalcParam{Base: cfg.ThresholdBase, Ratio: cfg.ThresholdRatio}
	extractor, err := elb.NewExtractor(cfg.FeatureDim, cfg.ElbType, calc, cfg.StoreFeatures)
	if err != nil {
		return nil, err
	}

	var since int64
	if cfg.RangeStrategyKind == "within" {
		since = cfg.RangeStrategySince
	}
	stg, err := window.NewRangeStrategy(cfg.RangeStrategyKind, since)
	if err != nil {
		return nil, err
	}

	tree, err := rtree.New[uint64](cfg.FeatureDim, cfg.MinEntries, cfg.MaxEntries, cfg.Split)
	if err != nil {
		return nil, err
	}

	pp, err := window.New[T](cfg.WindowConfig(), timesPool, valuesPool, alignedPool, extractor)
	if err != nil {
		return nil, err
	}

	return &MBRIndex[T]{
		cfg:       cfg,
		rangeStg:  stg,
		pp:        pp,
		extractor: extractor,
		tree:      tree,
		ids:       make(map[uint64]window.Identifier),
		hashK0:    hashK0,
		hashK1:    hashK1,
	}, nil
}

// Append enqueues a batch of <time, value> points ahead of the
// index's cursor.
func (m *MBRIndex[T]) Append(times []int64, values []T) error {
	if m.closed {
		return window.ErrClosed
	}
	return m.pp.Append(times, values)
}

// BuildNext advances the index by exactly one window: it
// processes the next eligible window (regardless of
// index_range_strategy, so I1 holds unconditionally) and, only if
// index_range_strategy accepts its start time, inserts its ELB
// feature into the R-tree. It reports false once fewer than
// window_range points remain ahead of the cursor.
func (m *MBRIndex[T]) BuildNext() (bool, error) {
	ok, err := m.pp.HasNext(window.Universe())
	if err != nil || !ok {
		return ok, err
	}
	if err := m.pp.ProcessNext(); err != nil {
		return false, err
	}
	id, _ := m.pp.CurrentIdentifier()
	if !m.rangeStg.Eligible(id.Start) {
		return true, nil
	}
	rect, ok := m.extractor.LastRect()
	if !ok {
		return true, nil
	}
	key := m.keyFor(id)
	if err := m.tree.Insert(rect, key); err != nil {
		return false, err
	}
	m.ids[key] = id
	return true, nil
}

// keyFor derives a compact, collision-resistant R-tree payload
// from a window Identifier so the tree itself never needs to
// store (or serialize) full Identifier structs.
func (m *MBRIndex[T]) keyFor(id window.Identifier) uint64 {
	var buf [24]byte
	putInt64(buf[0:8], id.Start)
	putInt64(buf[8:16], id.End)
	putInt64(buf[16:24], int64(id.SliceNum))
	return siphash.Hash(m.hashK0, m.hashK1, buf[:])
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

// Len reports how many windows currently have an entry in the
// R-tree.
func (m *MBRIndex[T]) Len() int {
	if m.tree == nil {
		return 0
	}
	return m.tree.Len()
}

// Identifiers returns the identifier of every window currently
// indexed, in slice_num order.
func (m *MBRIndex[T]) Identifiers() []window.Identifier {
	out := make([]window.Identifier, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b window.Identifier) bool { return a.SliceNum < b.SliceNum })
	return out
}

// Clear marks a sub-flush boundary: it freezes the preprocessor's
// slice_num sequence, discards already-consumed source points,
// and empties the R-tree so the next Flush covers only windows
// built after this call. Flush itself never resets anything;
// the host's sub-flush sequence is always flush() then Clear().
func (m *MBRIndex[T]) Clear() {
	m.pp.Clear()
	m.extractor.Reset()
	m.tree.Reset()
	m.ids = make(map[uint64]window.Identifier)
}

// CloseAndRelease releases pooled buffers held by the
// preprocessor and puts the index in its terminal state; every
// further build-side call fails with window.ErrClosed.
func (m *MBRIndex[T]) CloseAndRelease() {
	m.closed = true
	m.pp.CloseAndRelease()
}

// Delete discards all in-progress state. The caller is expected
// to also remove any chunk this index has already flushed; the
// index itself owns no persisted bytes.
func (m *MBRIndex[T]) Delete() {
	m.CloseAndRelease()
	m.ids = nil
	m.tree = nil
}

const (
	// per-window feature bookkeeping beyond the 2*b bound
	// doubles themselves
	perWindowConst = 24
	// memory the host grants one index's source buffer before
	// forcing a sub-flush
	bufferBudgetBytes = 1 << 20
)

// AmortizedBytes reports the per-window resident cost the host's
// memory manager accounts against this index: the preprocessor's
// feature payload, one R-tree leaf entry, and the leaf's share of
// the interior nodes a tree of the budgeted size would carry.
func (m *MBRIndex[T]) AmortizedBytes() int64 {
	leafCost := int64(2*m.cfg.FeatureDim)*8 + perWindowConst
	nPoints := bufferBudgetBytes / (leafCost + 3*8)
	innerNodes := (int64(m.cfg.MaxEntries)*nPoints/int64(m.cfg.MinEntries) - 1) / int64(m.cfg.MaxEntries-1)
	if innerNodes < 1 {
		innerNodes = 1
	}
	perWindow := leafCost + leafCost + leafCost/innerNodes
	return int64(m.Len()) * perWindow
}

// IsFatal reports whether err is a terminal, non-retryable error
// produced by this package or its dependents.
func IsFatal(err error) bool { return errs.IsFatal(err) }

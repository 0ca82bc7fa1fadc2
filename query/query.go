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

// Package query implements the read-side state machine that
// drives a similarity search over a column's already-flushed
// index chunks: it maintains the running allowed time-range
// filter, drains chunk metadata from a min-heap in start-time
// order, narrows candidates through each chunk's R-tree, and
// re-checks surviving windows against the exact distance metric.
package query

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/tsindex/simidx/buffer"
	"github.com/tsindex/simidx/elb"
	"github.com/tsindex/simidx/errs"
	"github.com/tsindex/simidx/heap"
	"github.com/tsindex/simidx/mbrindex"
	"github.com/tsindex/simidx/metric"
	"github.com/tsindex/simidx/window"
)

// State is the Reader's lifecycle stage.
type State int

const (
	Created State = iota
	Initialized
	Scanning
	Released
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initialized:
		return "initialized"
	case Scanning:
		return "scanning"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// ErrWrongState is returned when a Reader method is called out of
// its expected lifecycle order.
var ErrWrongState = errors.New("query: method called in the wrong state")

// ErrBadRange is returned by UpdateUsableRange when the supplied
// range is not a [start, end] pair.
var ErrBadRange = errors.New("query: usable range must be a [start, end] pair")

// IndexChunkMeta describes one flushed chunk without requiring
// its bytes to be loaded.
type IndexChunkMeta struct {
	Path      string
	StartTime int64
	EndTime   int64
}

func lessByStart(a, b IndexChunkMeta) bool { return a.StartTime < b.StartTime }

// ChunkSource loads (unpacks) a chunk's bytes on demand. An error
// is treated as transient: the Reader logs it, skips the chunk,
// and continues with the remaining ones.
type ChunkSource func(meta IndexChunkMeta) ([]byte, error)

// Optimizer decides whether a chunk overlapping the scanned data
// range is worth unpacking at all. The default unpacks a chunk
// iff its time span intersects the index-usable range, since any
// pruning derived outside that range is discarded anyway.
type Optimizer func(meta IndexChunkMeta, usable RangeSet) bool

func defaultOptimizer(meta IndexChunkMeta, usable RangeSet) bool {
	return usable.Intersects(meta.StartTime, meta.EndTime)
}

// PostFunc is one aggregation evaluated against every window that
// survives the R-tree pre-filter, e.g. the exact Euclidean
// distance to the pattern.
type PostFunc struct {
	Name string
	Fn   metric.Func[float64]
}

// Match is one window accepted by a PostFunc: its distance to the
// pattern did not exceed the query threshold.
type Match struct {
	Func     string
	ID       window.Identifier
	Distance float64
}

// Condition fixes everything a query needs before scanning
// starts. Pools are passed explicitly so a process-wide allocator
// can be shared across all concurrent queries (see package
// buffer).
type Condition struct {
	// Pattern is the user-supplied subsequence to search for.
	Pattern []float64
	// Threshold is the maximum accepted distance; use
	// math.Inf(1) (the config default) to accept everything the
	// index surfaces. A zero Threshold is treated as unset and
	// replaced by math.Inf(1).
	Threshold float64
	// Extractor computes the pattern's feature with the same
	// elb_type the chunks were built with.
	Extractor *elb.Extractor
	// Metric and DTWBand select the exact distance function for
	// the post-process re-check.
	Metric  metric.Name
	DTWBand float64
	// TimeFilter bounds the query in time; nil means no bound.
	TimeFilter *window.TimeFilter
	// MACKey verifies chunk integrity; nil skips verification.
	MACKey *mbrindex.MACKey
	// Source unpacks chunk bytes by metadata.
	Source ChunkSource
	// Optimizer is consulted before unpacking; nil selects the
	// default (unpack iff the chunk intersects the usable range).
	Optimizer Optimizer
	// Window configures the Reader's own preprocessor for the
	// post-process scan over raw data.
	Window window.Config

	TimesPool  *buffer.Pool[int64]
	ValuesPool *buffer.Pool[float64]
}

// windowCapture retains the raw values of the most recently
// processed window so postProcessNext can hand them to the exact
// distance check without re-slicing the source buffer.
type windowCapture struct {
	id     window.Identifier
	values []float64
	have   bool
}

func (c *windowCapture) OnWindow(id window.Identifier, _ []int64, raw []float64) {
	c.id = id
	c.values = append(c.values[:0], raw...)
	c.have = true
}

// Reader drives a similarity query across a sequence of chunks
// for a single indexed column.
//
// Lifecycle: Created -> Initialized (InitQueryCondition) ->
// Scanning (any mix of UpdateUsableRange, UpdateIndexChunks and
// AppendDataAndPostProcess) -> Released (Release). Only Release
// leaves the Scanning state.
type Reader struct {
	ID uuid.UUID

	state State

	// allowed shrinks monotonically: it starts at the query's
	// time filter (or the universe) and only ever has pruned
	// ranges subtracted from it.
	allowed RangeSet
	// usable is the union of every range passed to
	// UpdateUsableRange; pruning is only trusted inside it.
	usable RangeSet

	seqChunks   []IndexChunkMeta // min-heap by StartTime
	unseqChunks []IndexChunkMeta

	pattern   []float64
	threshold float64
	extractor *elb.Extractor
	metricFn  metric.Func[float64]
	macKey    *mbrindex.MACKey
	source    ChunkSource
	optimizer Optimizer

	pp      *window.Preprocessor[float64]
	capture windowCapture

	logf func(format string, args ...any)

	matches []Match
}

// New constructs a Reader in the Created state.
func New() *Reader {
	return &Reader{
		ID:      uuid.New(),
		state:   Created,
		allowed: UniverseRange(),
		logf:    log.Printf,
	}
}

// InitQueryCondition moves the Reader to Initialized, fixing the
// query pattern, metric, threshold, chunk source and time bounds
// for the rest of its life.
func (r *Reader) InitQueryCondition(cond Condition) error {
	if r.state != Created {
		return ErrWrongState
	}
	if len(cond.Pattern) == 0 {
		return fmt.Errorf("%w: pattern is required", errs.ErrConfig)
	}
	if cond.Extractor == nil {
		return fmt.Errorf("%w: feature extractor is required", errs.ErrConfig)
	}
	fn, err := metric.Lookup[float64](cond.Metric, cond.DTWBand)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnsupportedQuery, err)
	}
	pp, err := window.New[float64](cond.Window, cond.TimesPool, cond.ValuesPool, cond.ValuesPool, &r.capture)
	if err != nil {
		return err
	}
	r.pattern = cond.Pattern
	r.threshold = cond.Threshold
	if r.threshold == 0 {
		// the external-interface default for an absent
		// threshold key
		r.threshold = math.Inf(1)
	}
	r.extractor = cond.Extractor
	r.metricFn = fn
	r.macKey = cond.MACKey
	r.source = cond.Source
	r.optimizer = cond.Optimizer
	if r.optimizer == nil {
		r.optimizer = defaultOptimizer
	}
	if cond.TimeFilter != nil {
		r.allowed = NewRangeSet(*cond.TimeFilter)
	}
	r.pp = pp
	r.state = Initialized
	return nil
}

// AddSeqChunk registers a sequential chunk's metadata for later
// draining by UpdateIndexChunks.
func (r *Reader) AddSeqChunk(meta IndexChunkMeta) error {
	if r.state != Initialized && r.state != Scanning {
		return ErrWrongState
	}
	heap.PushSlice(&r.seqChunks, meta, lessByStart)
	r.state = Scanning
	return nil
}

// AddUnseqChunk records an unsequenced (out-of-arrival-order)
// chunk. Unseq chunks are always treated as modified: they are
// accepted here but never drained against the allowed range, so
// they can never cause a data range to be skipped.
func (r *Reader) AddUnseqChunk(meta IndexChunkMeta) error {
	if r.state != Initialized && r.state != Scanning {
		return ErrWrongState
	}
	r.unseqChunks = append(r.unseqChunks, meta)
	r.state = Scanning
	return nil
}

// UnseqChunks returns the unsequenced chunks recorded so far.
func (r *Reader) UnseqChunks() []IndexChunkMeta { return r.unseqChunks }

// UpdateUsableRange unions rng (a [start, end] pair) into the
// index-usable range. A slice of any other length is an error; an
// inverted pair is silently ignored.
func (r *Reader) UpdateUsableRange(rng []int64) error {
	if r.state != Initialized && r.state != Scanning {
		return ErrWrongState
	}
	if len(rng) != 2 {
		return fmt.Errorf("%w: got %d values", ErrBadRange, len(rng))
	}
	if rng[0] > rng[1] {
		return nil
	}
	r.usable.Union(rng[0], rng[1])
	r.state = Scanning
	return nil
}

// UpdateIndexChunks drains every registered sequential chunk
// relevant to the data range [dataStart, dataEnd]: chunks ending
// before it are dropped, the first chunk starting after it stops
// the drain, and everything in between is unpacked (if the
// optimizer approves), queried, and its non-candidate time ranges
// subtracted from the allowed range — but only where the usable
// range vouches for the chunk's coverage.
//
// Unpack failures and transient read errors on a single chunk are
// logged and the chunk is skipped, which can only make the final
// scan less selective, never incorrect. Fatal errors (a corrupt
// or tampered chunk, an unsupported query) propagate to the
// caller.
func (r *Reader) UpdateIndexChunks(dataStart, dataEnd int64) error {
	if r.state != Initialized && r.state != Scanning {
		return ErrWrongState
	}
	r.state = Scanning
	for len(r.seqChunks) > 0 {
		head := r.seqChunks[0]
		if head.StartTime > dataEnd {
			break
		}
		heap.PopSlice(&r.seqChunks, lessByStart)
		if head.EndTime < dataStart {
			continue
		}
		if !r.optimizer(head, r.usable) {
			continue
		}
		chunkBytes, err := r.source(head)
		if err != nil {
			r.logf("simidx query %s: unpacking chunk %q: %v (skipped)", r.ID, head.Path, err)
			continue
		}
		candidates, err := mbrindex.QueryByIndex(chunkBytes, r.macKey, r.pattern, r.extractor)
		if err != nil {
			if errs.IsFatal(err) {
				return fmt.Errorf("query: chunk %q: %w", head.Path, err)
			}
			r.logf("simidx query %s: reading chunk %q: %v (skipped)", r.ID, head.Path, err)
			continue
		}
		pruned := NewRangeSet(window.TimeFilter{Start: head.StartTime, End: head.EndTime})
		for _, id := range candidates {
			pruned.Subtract(id.Start, id.End)
		}
		valid := pruned.IntersectSet(r.usable)
		r.allowed.SubtractSet(valid)
	}
	return nil
}

// CanSkipDataRange reports whether the raw data in [start, end]
// cannot contain any match: it first drains the chunks relevant
// to that range, then checks whether anything of it remains
// allowed.
func (r *Reader) CanSkipDataRange(start, end int64) (bool, error) {
	if err := r.UpdateIndexChunks(start, end); err != nil {
		return false, err
	}
	return !r.allowed.Intersects(start, end), nil
}

// AppendDataAndPostProcess feeds a batch of raw points through
// the Reader's preprocessor and, while budget lasts, materializes
// each window whose start time is still allowed and evaluates
// funcs against it. budget is a window count; the remaining
// budget is returned so the host can resume on its next slice of
// scheduler time. With no funcs, the exact distance configured at
// InitQueryCondition is evaluated alone.
func (r *Reader) AppendDataAndPostProcess(times []int64, values []float64, budget int, funcs ...PostFunc) (int, error) {
	if r.state != Initialized && r.state != Scanning {
		return budget, ErrWrongState
	}
	r.state = Scanning
	if err := r.pp.Append(times, values); err != nil {
		return budget, err
	}
	for budget > 0 {
		ok, err := r.pp.HasNext(r.allowed)
		if err != nil || !ok {
			return budget, err
		}
		if err := r.pp.ProcessNext(); err != nil {
			return budget, err
		}
		if err := r.postProcessNext(funcs); err != nil {
			return budget, err
		}
		budget--
	}
	return budget, nil
}

// postProcessNext runs the exact checks against the window the
// preprocessor just materialized.
func (r *Reader) postProcessNext(funcs []PostFunc) error {
	if !r.capture.have {
		return fmt.Errorf("query: post-process with no materialized window")
	}
	if len(funcs) == 0 {
		funcs = []PostFunc{{Name: string(metric.EuclideanName), Fn: r.metricFn}}
	}
	for _, f := range funcs {
		d, err := f.Fn(r.pattern, r.capture.values)
		if err != nil {
			return err
		}
		if d <= r.threshold {
			r.matches = append(r.matches, Match{Func: f.Name, ID: r.capture.id, Distance: d})
		}
	}
	return nil
}

// Matches returns every match accumulated so far, in window
// emission order.
func (r *Reader) Matches() []Match { return r.matches }

// Allowed returns a copy of the current allowed range set. It
// only ever shrinks across the Reader's lifetime.
func (r *Reader) Allowed() RangeSet { return r.allowed.Clone() }

// StateOf reports the Reader's current lifecycle state.
func (r *Reader) StateOf() State { return r.state }

// Release moves the Reader to its terminal Released state,
// returning pooled buffers and discarding all working state.
// Every subsequent call fails with ErrWrongState.
func (r *Reader) Release() {
	if r.state == Released {
		return
	}
	r.state = Released
	if r.pp != nil {
		r.pp.CloseAndRelease()
	}
	r.seqChunks = nil
	r.unseqChunks = nil
}

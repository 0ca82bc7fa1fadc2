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

import (
	"errors"
	"fmt"

	"github.com/tsindex/simidx/buffer"
)

// ErrClosed is returned by Append, HasNext and ProcessNext once
// CloseAndRelease has been called. Methods without an error
// result do not check the closed state.
var ErrClosed = errors.New("window: preprocessor is closed")

// ErrOutOfRange is returned by ProcessNext when fewer than Window
// points remain ahead of the cursor. ProcessNext does not check
// that HasNext was called, nor re-apply its filter.
var ErrOutOfRange = errors.New("window: ProcessNext called out of range")

// Observer is notified once per emitted window, in strictly
// increasing order, with the window's raw (unaligned) values.
// An ELB feature extractor (package elb) is the canonical
// Observer; the preprocessor itself knows nothing about
// feature shapes.
type Observer interface {
	OnWindow(id Identifier, rawTimes []int64, rawValues []float64)
}

// FeatureSource is implemented by Observers that retain a
// history of computed features, letting Preprocessor.LatestFeatures
// delegate to them without the preprocessor needing to know the
// feature representation.
type FeatureSource interface {
	LatestN(n int) [][]float64
}

// Config configures a count-fixed sliding-window Preprocessor.
type Config struct {
	// Window is the number of source points per emitted window (W).
	Window int
	// Slide is the number of points the cursor advances between
	// windows (S). Defaults to Window.
	Slide int
	// StoreIdentifier retains every emitted Identifier in a
	// per-chunk slice accessible via Identifiers.
	StoreIdentifier bool
	// StoreAligned causes ProcessNext to additionally compute
	// the L2 aligned (resampled) sequence for the current window.
	StoreAligned bool
	// AlignedSize is the length of the resampled sequence.
	// Defaults to Window.
	AlignedSize int
}

func (c Config) normalized() (Config, error) {
	if c.Window <= 0 {
		return c, fmt.Errorf("window: window_range must be positive, got %d", c.Window)
	}
	if c.Slide == 0 {
		c.Slide = c.Window
	}
	if c.Slide <= 0 {
		return c, fmt.Errorf("window: slide_step must be positive, got %d", c.Slide)
	}
	if c.AlignedSize == 0 {
		c.AlignedSize = c.Window
	}
	if c.AlignedSize <= 0 {
		return c, fmt.Errorf("window: aligned size must be positive, got %d", c.AlignedSize)
	}
	return c, nil
}

// Preprocessor is a strictly sequential, single-threaded,
// cooperative iterator over an append-only <time, value> stream.
// See the iteration contract on HasNext and ProcessNext.
type Preprocessor[T buffer.Value] struct {
	cfg Config

	timesPool   *buffer.Pool[int64]
	valuesPool  *buffer.Pool[T]
	alignedPool *buffer.Pool[float64]

	times  *buffer.Buffer[int64]
	values *buffer.Buffer[T]

	observer Observer

	cursor        int
	flushedOffset int
	sliceNum      int

	chunkStart, chunkEnd int64
	haveChunkBounds      bool

	identifiers []Identifier

	curID    Identifier
	curHasID bool

	curAligned *buffer.Buffer[float64]

	closed bool
}

// New constructs a Preprocessor. The three pools may be shared
// process-wide across many index instances of the same value
// type; see package buffer.
func New[T buffer.Value](cfg Config, timesPool *buffer.Pool[int64], valuesPool *buffer.Pool[T], alignedPool *buffer.Pool[float64], observer Observer) (*Preprocessor[T], error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &Preprocessor[T]{
		cfg:         cfg,
		timesPool:   timesPool,
		valuesPool:  valuesPool,
		alignedPool: alignedPool,
		times:       timesPool.Get(),
		values:      valuesPool.Get(),
		observer:    observer,
	}, nil
}

// Append enqueues a batch of points. len(times) must equal
// len(values).
func (p *Preprocessor[T]) Append(times []int64, values []T) error {
	if p.closed {
		return ErrClosed
	}
	if len(times) != len(values) {
		return fmt.Errorf("window: mismatched times/values lengths (%d != %d)", len(times), len(values))
	}
	p.times.AppendSlice(times)
	p.values.AppendSlice(values)
	return nil
}

// HasNext reports whether at least Window points remain ahead of
// the cursor and the next window's start time satisfies filter.
// Windows whose start time does not satisfy filter are skipped:
// the cursor advances by Slide without emitting them. Pass nil
// (or Universe()) for no filtering.
func (p *Preprocessor[T]) HasNext(filter Filter) (bool, error) {
	if p.closed {
		return false, ErrClosed
	}
	for {
		if p.cursor+p.cfg.Window > p.times.Len() {
			return false, nil
		}
		start := p.times.At(p.cursor)
		if filter == nil || filter.Contains(start) {
			return true, nil
		}
		p.cursor += p.cfg.Slide
	}
}

// ProcessNext materializes the window HasNext just confirmed is
// available: its Identifier, optionally its aligned sequence, and
// a notification to the attached Observer. It must be called only
// after a successful HasNext.
func (p *Preprocessor[T]) ProcessNext() error {
	if p.closed {
		return ErrClosed
	}
	w := p.cfg.Window
	if p.cursor+w > p.times.Len() {
		return ErrOutOfRange
	}
	if p.curAligned != nil {
		p.alignedPool.Put(p.curAligned)
		p.curAligned = nil
	}

	rawTimes := p.times.Slice(p.cursor, p.cursor+w)
	rawValues := make([]float64, w)
	for i := 0; i < w; i++ {
		rawValues[i] = float64(p.values.At(p.cursor + i))
	}

	id := Identifier{
		Start:    rawTimes[0],
		End:      rawTimes[w-1],
		Count:    w,
		SliceNum: p.sliceNum,
	}
	p.curID = id
	p.curHasID = true

	if p.cfg.StoreIdentifier {
		p.identifiers = append(p.identifiers, id)
	}
	if p.cfg.StoreAligned {
		buf := p.alignedPool.Get()
		aligned := AlignUniformInto(make([]float64, p.cfg.AlignedSize), rawTimes, rawValues)
		buf.AppendSlice(aligned)
		p.curAligned = buf
	}
	if p.observer != nil {
		p.observer.OnWindow(id, rawTimes, rawValues)
	}

	if !p.haveChunkBounds {
		p.chunkStart = id.Start
		p.haveChunkBounds = true
	}
	p.chunkEnd = id.End
	p.sliceNum++
	p.cursor += p.cfg.Slide
	return nil
}

// CurrentIdentifier returns the Identifier most recently produced
// by ProcessNext.
func (p *Preprocessor[T]) CurrentIdentifier() (Identifier, bool) {
	return p.curID, p.curHasID
}

// TakeCurrentAligned hands ownership of the pooled aligned
// sequence for the current window to the caller, who must return
// it to the same alignedPool passed to New. Subsequent calls
// return false until the next ProcessNext materializes a new one.
func (p *Preprocessor[T]) TakeCurrentAligned() (*buffer.Buffer[float64], bool) {
	if p.curAligned == nil {
		return nil, false
	}
	buf := p.curAligned
	p.curAligned = nil
	return buf, true
}

// LatestFeatures delegates to the attached Observer if it
// implements FeatureSource, otherwise returns nil.
func (p *Preprocessor[T]) LatestFeatures(n int) [][]float64 {
	if fs, ok := p.observer.(FeatureSource); ok {
		return fs.LatestN(n)
	}
	return nil
}

// ClearProcessedSrcData discards every point strictly before the
// cursor: no future window can ever need them again.
func (p *Preprocessor[T]) ClearProcessedSrcData() {
	n := p.cursor
	if n <= 0 {
		return
	}
	p.times.DropPrefix(n)
	p.values.DropPrefix(n)
	p.cursor = 0
}

// ChunkEmpty reports whether no window has been emitted since
// the last Clear.
func (p *Preprocessor[T]) ChunkEmpty() bool { return p.sliceNum == 0 }

// ChunkBounds returns the [start, end] time span covered by the
// windows emitted since the last Clear.
func (p *Preprocessor[T]) ChunkBounds() (start, end int64, ok bool) {
	return p.chunkStart, p.chunkEnd, p.haveChunkBounds
}

// FlushedOffset returns the number of windows frozen by prior
// Clear calls.
func (p *Preprocessor[T]) FlushedOffset() int { return p.flushedOffset }

// Identifiers returns the identifiers retained since the last
// Clear; only populated when Config.StoreIdentifier is set.
func (p *Preprocessor[T]) Identifiers() []Identifier { return p.identifiers }

// Clear freezes the current sliceNum into flushedOffset and
// compacts buffers, marking a sub-flush boundary. It is the
// "clear()" half of the host's "flush(); clear()" sub-flush
// sequence (see the memory-pressure contract in SPEC_FULL.md §5).
func (p *Preprocessor[T]) Clear() {
	p.flushedOffset += p.sliceNum
	p.sliceNum = 0
	p.haveChunkBounds = false
	p.identifiers = p.identifiers[:0]
	p.curHasID = false
	p.ClearProcessedSrcData()
}

// CloseAndRelease returns the preprocessor's buffers to their
// pools and puts it into a terminal closed state; every
// subsequent Append, HasNext or ProcessNext returns ErrClosed,
// and a second CloseAndRelease is a no-op.
func (p *Preprocessor[T]) CloseAndRelease() {
	if p.closed {
		return
	}
	p.closed = true
	if p.curAligned != nil {
		p.alignedPool.Put(p.curAligned)
		p.curAligned = nil
	}
	p.timesPool.Put(p.times)
	p.valuesPool.Put(p.values)
	p.times = nil
	p.values = nil
}

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

// Package buffer implements the typed, append-only value
// arrays used to hold raw time-series points and resampled
// sequences throughout the index pipeline.
package buffer

import (
	"golang.org/x/exp/slices"
)

// Value is the set of primitive numeric kinds a time-series
// column may be stored as.
type Value interface {
	~int32 | ~int64 | ~float32 | ~float64
}

// Buffer is a typed, amortized-growth, append-only array.
// A zero Buffer is ready to use.
type Buffer[T Value] struct {
	data []T
}

// Append adds v to the end of the buffer.
func (b *Buffer[T]) Append(v T) {
	b.data = append(b.data, v)
}

// AppendSlice appends every element of vs to the buffer.
func (b *Buffer[T]) AppendSlice(vs []T) {
	b.data = append(b.data, vs...)
}

// Len returns the number of elements currently stored.
func (b *Buffer[T]) Len() int { return len(b.data) }

// At returns the i'th element.
func (b *Buffer[T]) At(i int) T { return b.data[i] }

// Set overwrites the i'th element.
func (b *Buffer[T]) Set(i int, v T) { b.data[i] = v }

// Slice returns the backing elements in [i:j) without copying.
// The result is invalidated by any subsequent call to Append,
// DropPrefix, or Reset.
func (b *Buffer[T]) Slice(i, j int) []T { return b.data[i:j] }

// All returns every element currently stored, without copying.
func (b *Buffer[T]) All() []T { return b.data }

// DropPrefix discards the first n elements, shifting the
// remainder down so offset 0 refers to the first retained
// element. It is used to implement clearProcessedSrcData:
// the source buffer only ever needs to retain points that
// have not yet been consumed by a window.
func (b *Buffer[T]) DropPrefix(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = slices.Delete(b.data, 0, n)
}

// Reset empties the buffer while retaining its capacity.
func (b *Buffer[T]) Reset() { b.data = b.data[:0] }

// Cap reports the buffer's current capacity, useful for
// memory accounting by callers that need an amortized
// size estimate.
func (b *Buffer[T]) Cap() int { return cap(b.data) }

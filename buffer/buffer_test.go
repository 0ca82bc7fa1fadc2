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

package buffer

import "testing"

func TestBufferAppendAndSlice(t *testing.T) {
	var b Buffer[int64]
	for i := int64(0); i < 10; i++ {
		b.Append(i)
	}
	if b.Len() != 10 {
		t.Fatalf("expected length 10, got %d", b.Len())
	}
	got := b.Slice(2, 5)
	want := []int64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Slice(2,5)[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBufferDropPrefix(t *testing.T) {
	var b Buffer[float64]
	b.AppendSlice([]float64{1, 2, 3, 4, 5})
	b.DropPrefix(2)
	if b.Len() != 3 {
		t.Fatalf("expected length 3 after drop, got %d", b.Len())
	}
	if b.At(0) != 3 {
		t.Fatalf("At(0) = %v, want 3", b.At(0))
	}
	b.DropPrefix(100)
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after over-large drop, got %d", b.Len())
	}
}

func TestPoolReuse(t *testing.T) {
	var p Pool[int32]
	b := p.Get()
	b.Append(1)
	b.Append(2)
	p.Put(b)
	b2 := p.Get()
	if b2.Len() != 0 {
		t.Fatalf("expected Get() after Put() to reset length, got %d", b2.Len())
	}
}

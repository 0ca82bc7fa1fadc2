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

import "sync"

// Pool hands out and reclaims Buffer[T] values. Callers that
// need process-wide sharing construct one Pool per value type
// and thread it through explicitly; Pool deliberately has no
// package-level singleton so that tests and multiple index
// instances never fight over hidden global state.
//
// A Pool grows on demand and never blocks: Get either returns
// a previously-released buffer or allocates a new one.
type Pool[T Value] struct {
	p sync.Pool
}

// Get returns an empty Buffer[T], reusing a released one
// if one is available.
func (p *Pool[T]) Get() *Buffer[T] {
	if v := p.p.Get(); v != nil {
		buf := v.(*Buffer[T])
		buf.Reset()
		return buf
	}
	return &Buffer[T]{}
}

// Put hands b back to the pool. Callers must not use b
// after calling Put.
func (p *Pool[T]) Put(b *Buffer[T]) {
	if b == nil {
		return
	}
	p.p.Put(b)
}

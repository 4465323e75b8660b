/*
 * This file is part of the LiveRAID storage engine ("liveraid")
 * Copyright (C) 2025 Andreas Signer <asigner@gmail.com>
 *
 * liveraid is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * liveraid is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with liveraid.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package alloc implements the per-drive parity-position allocator: a
// first-fit extent allocator over a 32-bit position namespace, generalized
// from single fixed-size sectors to arbitrary-length position ranges.
package alloc

import (
	"errors"
	"sort"
)

// ErrNamespaceExhausted is returned by Alloc when the allocator cannot
// satisfy a request.
var ErrNamespaceExhausted = errors.New("alloc: position namespace exhausted")

type extent struct {
	start uint32
	count uint32
}

// Allocator is a per-drive first-fit extent allocator over parity
// positions. The zero value is a valid, empty allocator.
type Allocator struct {
	nextFree uint32
	extents  []extent
}

// NextFree returns the current high-water mark.
func (a *Allocator) NextFree() uint32 {
	return a.nextFree
}

// Extents returns a copy of the free-extent list, sorted by start, for
// persistence (content file) and testing.
func (a *Allocator) Extents() []struct{ Start, Count uint32 } {
	out := make([]struct{ Start, Count uint32 }, len(a.extents))
	for i, e := range a.extents {
		out[i] = struct{ Start, Count uint32 }{e.start, e.count}
	}
	return out
}

// Restore rebuilds allocator state from persisted next-free and extents,
// as loaded from the content file. Extents need not be
// pre-sorted or pre-merged; Restore normalizes them.
func Restore(nextFree uint32, extents []struct{ Start, Count uint32 }) *Allocator {
	a := &Allocator{nextFree: nextFree}
	for _, e := range extents {
		if e.Count > 0 {
			a.extents = append(a.extents, extent{e.Start, e.Count})
		}
	}
	sort.Slice(a.extents, func(i, j int) bool { return a.extents[i].start < a.extents[j].start })
	a.extents = mergeAll(a.extents)
	return a
}

// Alloc reserves count consecutive positions and returns the start of the
// reserved range, first-fit over free extents, falling back to extending
// the high-water mark. Alloc(0) is idempotent and returns NextFree without
// side effects.
func (a *Allocator) Alloc(count uint32) (uint32, error) {
	if count == 0 {
		return a.nextFree, nil
	}

	for i, e := range a.extents {
		if e.count == count {
			start := e.start
			a.extents = append(a.extents[:i], a.extents[i+1:]...)
			return start, nil
		}
		if e.count > count {
			start := e.start
			a.extents[i].start += count
			a.extents[i].count -= count
			return start, nil
		}
	}

	if count > ^uint32(0)-a.nextFree {
		return 0, ErrNamespaceExhausted
	}
	start := a.nextFree
	a.nextFree += count
	return start, nil
}

// GrowInPlace extends an allocation of oldCount positions starting at
// start by addCount positions, but only if that range currently abuts
// next_free -- the cheap path for a write that grows a file contiguously.
// Returns false (no changes) if it doesn't abut, or if doing so would
// overflow the namespace; the caller falls back to free-and-reallocate in
// that case.
func (a *Allocator) GrowInPlace(start, oldCount, addCount uint32) bool {
	if start+oldCount != a.nextFree {
		return false
	}
	if addCount > ^uint32(0)-a.nextFree {
		return false
	}
	a.nextFree += addCount
	return true
}

// Free returns a previously allocated range to the allocator, merging with
// adjacent extents and absorbing into NextFree when possible.
// Freeing a range that was not exactly returned by Alloc, or double-freeing,
// is caller error and corrupts allocator invariants.
func (a *Allocator) Free(start, count uint32) {
	if count == 0 {
		return
	}

	// Insert in sorted position.
	idx := sort.Search(len(a.extents), func(i int) bool { return a.extents[i].start >= start })
	a.extents = append(a.extents, extent{})
	copy(a.extents[idx+1:], a.extents[idx:])
	a.extents[idx] = extent{start, count}

	a.extents = mergeAt(a.extents, idx)
	a.absorbTail()
}

// mergeAt merges the extent at idx with its immediate predecessor and/or
// successor if they are adjacent, returning the (possibly shorter) slice.
func mergeAt(extents []extent, idx int) []extent {
	// Merge with successor first so indices stay valid.
	if idx+1 < len(extents) {
		cur := extents[idx]
		next := extents[idx+1]
		if cur.start+cur.count == next.start {
			extents[idx].count += next.count
			extents = append(extents[:idx+1], extents[idx+2:]...)
		}
	}
	if idx > 0 {
		prev := extents[idx-1]
		cur := extents[idx]
		if prev.start+prev.count == cur.start {
			extents[idx-1].count += cur.count
			extents = append(extents[:idx], extents[idx+1:]...)
		}
	}
	return extents
}

func mergeAll(extents []extent) []extent {
	out := extents[:0:0]
	for _, e := range extents {
		if n := len(out); n > 0 && out[n-1].start+out[n-1].count == e.start {
			out[n-1].count += e.count
		} else {
			out = append(out, e)
		}
	}
	return out
}

// absorbTail drops the rightmost extent into NextFree if it touches it,
// maintaining the invariant that no extent ever touches NextFree.
func (a *Allocator) absorbTail() {
	for len(a.extents) > 0 {
		last := len(a.extents) - 1
		e := a.extents[last]
		if e.start+e.count == a.nextFree {
			a.nextFree = e.start
			a.extents = a.extents[:last]
			continue
		}
		break
	}
}

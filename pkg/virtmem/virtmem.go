// Copyright 2026 The Osmium Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package virtmem tracks which parts of the kernel half of the virtual
// address space are occupied.
//
// Unlike the physical tracker, this one keeps a bare interval set: a range
// is either occupied or it is not, and what backs it is the page tables'
// business. Allocation is first-fit over the gaps between occupied ranges,
// starting at the tracker's base address.
package virtmem

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"osmium.dev/osmium/pkg/memarch"
)

// WindowBase is the lowest canonical address of the higher half, where
// kernel virtual allocation begins.
const WindowBase memarch.VirtAddr = 0xffff_8000_0000_0000

// ErrOutOfSpace is returned by AllocateContiguous when no gap above the
// base can hold the request.
var ErrOutOfSpace = errors.New("virtmem: out of kernel virtual address space")

// AllocatedPages describes a contiguous run of pages handed out by
// AllocateContiguous. Release requires the same values back, so callers
// keep the whole struct rather than just the start address.
type AllocatedPages struct {
	Start    memarch.VirtAddr
	Count    uint64
	PageSize memarch.PageSize
}

// Range returns the virtual range covered by p.
func (p AllocatedPages) Range() memarch.VirtRange {
	return memarch.VirtRangeFrom(p.Start, p.Count*p.PageSize.Bytes())
}

// String implements fmt.Stringer.String.
func (p AllocatedPages) String() string {
	return fmt.Sprintf("%d x %v at %#x", p.Count, p.PageSize, uint64(p.Start))
}

func rangeLess(a, b memarch.VirtRange) bool {
	return a.Start < b.Start
}

// Tracker is the kernel virtual address space interval set. It performs no
// locking of its own; the owner serializes access.
type Tracker struct {
	base     memarch.VirtAddr
	occupied *btree.BTreeG[memarch.VirtRange]
}

// NewTracker returns an empty tracker that allocates at or above base.
func NewTracker(base memarch.VirtAddr) *Tracker {
	return &Tracker{
		base:     base,
		occupied: btree.NewG(16, rangeLess),
	}
}

// occupy inserts r, merging with touching neighbors. Overlap with an
// existing range panics; occupy is the allocation path and allocation must
// only ever target gaps.
func (t *Tracker) occupy(r memarch.VirtRange) {
	merged := r

	var pred memarch.VirtRange
	havePred := false
	t.occupied.DescendLessOrEqual(memarch.VirtRange{Start: r.End}, func(s memarch.VirtRange) bool {
		pred, havePred = s, true
		return false
	})
	if havePred {
		if pred.End >= r.Start {
			panic(fmt.Sprintf("virtmem: occupying %v overlapping %v", r, pred))
		}
		if pred.End+1 == r.Start {
			t.occupied.Delete(pred)
			merged.Start = pred.Start
		}
	}

	var succ memarch.VirtRange
	haveSucc := false
	t.occupied.AscendGreaterOrEqual(memarch.VirtRange{Start: r.End + 1}, func(s memarch.VirtRange) bool {
		succ, haveSucc = s, true
		return false
	})
	if haveSucc && r.End+1 == succ.Start {
		t.occupied.Delete(succ)
		merged.End = succ.End
	}

	t.occupied.ReplaceOrInsert(merged)
}

// Seed marks r occupied, merging with anything it touches or overlaps.
// Unlike occupy it tolerates overlap: the ranges recorded during bring-up
// (direct-access window, kernel image, stacks) are derived from a memory
// map whose regions may share pages once rounded to the mapping size.
func (t *Tracker) Seed(r memarch.VirtRange) {
	merged := r
	for {
		pivot := merged.End
		if pivot != ^memarch.VirtAddr(0) {
			pivot++
		}
		var hit memarch.VirtRange
		found := false
		t.occupied.DescendLessOrEqual(memarch.VirtRange{Start: pivot}, func(s memarch.VirtRange) bool {
			// Occupied ranges are disjoint, so if the nearest one
			// below the pivot does not touch, none do.
			if s.Touches(merged) {
				hit, found = s, true
			}
			return false
		})
		if !found {
			break
		}
		t.occupied.Delete(hit)
		if hit.Start < merged.Start {
			merged.Start = hit.Start
		}
		if hit.End > merged.End {
			merged.End = hit.End
		}
	}
	t.occupied.ReplaceOrInsert(merged)
}

// AllocateContiguous finds the first gap at or above the base that can hold
// nPages pages of the given size, aligned to that size, and marks it
// occupied. ErrOutOfSpace is returned when no gap fits.
func (t *Tracker) AllocateContiguous(nPages uint64, pageSize memarch.PageSize) (AllocatedPages, error) {
	if nPages == 0 {
		panic("virtmem: zero-page allocation")
	}
	want := nPages * pageSize.Bytes()

	const top = ^memarch.VirtAddr(0)
	cursor := t.base
	var found memarch.VirtAddr
	ok := false
	t.occupied.Ascend(func(s memarch.VirtRange) bool {
		if s.End < cursor {
			return true
		}
		if s.Start > cursor {
			if a, fits := fitGap(cursor, s.Start-1, want, pageSize); fits {
				found, ok = a, true
				return false
			}
		}
		if s.End == top {
			cursor = top
			return false
		}
		cursor = s.End + 1
		return true
	})
	if !ok {
		if cursor == top {
			return AllocatedPages{}, ErrOutOfSpace
		}
		a, fits := fitGap(cursor, top, want, pageSize)
		if !fits {
			return AllocatedPages{}, ErrOutOfSpace
		}
		found = a
	}

	t.occupy(memarch.VirtRangeFrom(found, want))
	return AllocatedPages{Start: found, Count: nPages, PageSize: pageSize}, nil
}

// fitGap returns the first size-aligned address within [start, end] with at
// least want bytes before the gap's end.
func fitGap(start, end memarch.VirtAddr, want uint64, pageSize memarch.PageSize) (memarch.VirtAddr, bool) {
	aligned, ok := start.RoundUp(pageSize)
	if !ok || aligned > end {
		return 0, false
	}
	if uint64(end-aligned)+1 < want {
		return 0, false
	}
	return aligned, true
}

// Release returns p's range to the free pool. The entire range must
// currently be occupied; releasing pages that were never handed out is an
// invariant violation and panics.
func (t *Tracker) Release(p AllocatedPages) {
	r := p.Range()

	var hit []memarch.VirtRange
	t.occupied.DescendLessOrEqual(memarch.VirtRange{Start: r.End}, func(s memarch.VirtRange) bool {
		if s.End < r.Start {
			return false
		}
		hit = append(hit, s)
		return true
	})

	covered := uint64(0)
	for _, s := range hit {
		t.occupied.Delete(s)
		overlap := s
		if overlap.Start < r.Start {
			overlap.Start = r.Start
		}
		if overlap.End > r.End {
			overlap.End = r.End
		}
		covered += overlap.Size()
		if s.Start < r.Start {
			t.occupied.ReplaceOrInsert(memarch.VirtRange{Start: s.Start, End: r.Start - 1})
		}
		if s.End > r.End {
			t.occupied.ReplaceOrInsert(memarch.VirtRange{Start: r.End + 1, End: s.End})
		}
	}
	if covered != r.Size() {
		panic(fmt.Sprintf("virtmem: releasing %v, but only %#x of %#x bytes were occupied", r, covered, r.Size()))
	}
}

// Occupied returns the occupied ranges in ascending order.
func (t *Tracker) Occupied() []memarch.VirtRange {
	out := make([]memarch.VirtRange, 0, t.occupied.Len())
	t.occupied.Ascend(func(s memarch.VirtRange) bool {
		out = append(out, s)
		return true
	})
	return out
}

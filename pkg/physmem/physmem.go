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

// Package physmem tracks which physical address ranges are free or in use.
//
// The tracker is an interval map from non-overlapping ranges to a usage
// classification. Adjacent ranges with equal classification are always
// merged, so the map stays proportional to the number of distinct regions
// rather than the number of allocations. Overlap is never repaired: it
// indicates corrupted bookkeeping and aborts immediately.
//
// Tracker implements pagetables.FrameSource; handing that capability to the
// page-table code is what the rest of the kernel does instead of sharing
// the tracker itself.
package physmem

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"osmium.dev/osmium/pkg/boot"
	"osmium.dev/osmium/pkg/memarch"
	"osmium.dev/osmium/pkg/pagetables"
)

// ErrExhausted is returned by AllocateFrame when no usable interval can
// hold an aligned frame of the requested size.
var ErrExhausted = errors.New("physmem: out of usable physical memory")

// Kind classifies the use of a physical range.
type Kind int

// Classifications, in no particular order.
const (
	// KindUsable memory may be handed out by AllocateFrame.
	KindUsable Kind = iota

	// KindBootloader memory holds bootloader structures the kernel still
	// reads; it becomes reclaimable later in bring-up.
	KindBootloader

	// KindKernelPageTables memory backs page-table nodes.
	KindKernelPageTables

	// KindKernelHeap memory is reserved as backing for the general
	// purpose allocator.
	KindKernelHeap

	// KindKernelOther memory is in kernel use for anything else.
	KindKernelOther
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindUsable:
		return "usable"
	case KindBootloader:
		return "bootloader"
	case KindKernelPageTables:
		return "kernel/page-tables"
	case KindKernelHeap:
		return "kernel/heap"
	case KindKernelOther:
		return "kernel/other"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Interval is one classified range, as reported by Intervals.
type Interval struct {
	Range memarch.PhysRange
	Kind  Kind
}

type span struct {
	r    memarch.PhysRange
	kind Kind
}

func spanLess(a, b span) bool {
	return a.r.Start < b.r.Start
}

// Tracker is the physical memory interval map. It performs no locking of
// its own; the owner serializes access.
type Tracker struct {
	spans *btree.BTreeG[span]
}

var _ pagetables.FrameSource = (*Tracker)(nil)

// NewTracker builds a tracker from the firmware memory map. Usable and
// bootloader-reclaimable entries are inserted as given; every other entry
// type is dropped, since firmware does not guarantee those are
// non-overlapping and inserting them would corrupt the merge invariant.
func NewTracker(mm boot.MemoryMap) *Tracker {
	t := &Tracker{
		spans: btree.NewG(16, spanLess),
	}
	for _, e := range mm.Entries {
		switch e.Type {
		case boot.EntryUsable:
			t.insert(e.Range(), KindUsable)
		case boot.EntryBootloaderReclaimable:
			t.insert(e.Range(), KindBootloader)
		}
	}
	return t
}

// insert adds r with the given kind, merging with touching neighbors of
// equal kind. Overlap with any existing range panics.
func (t *Tracker) insert(r memarch.PhysRange, kind Kind) {
	merged := r

	var pred span
	havePred := false
	t.spans.DescendLessOrEqual(span{r: memarch.PhysRange{Start: r.End}}, func(s span) bool {
		pred, havePred = s, true
		return false
	})
	if havePred {
		if pred.r.End >= r.Start {
			panic(fmt.Sprintf("physmem: inserting %v (%v) overlapping %v (%v)", r, kind, pred.r, pred.kind))
		}
		if pred.kind == kind && pred.r.End+1 == r.Start {
			t.spans.Delete(pred)
			merged.Start = pred.r.Start
		}
	}

	var succ span
	haveSucc := false
	t.spans.AscendGreaterOrEqual(span{r: memarch.PhysRange{Start: r.End + 1}}, func(s span) bool {
		succ, haveSucc = s, true
		return false
	})
	if haveSucc && succ.kind == kind && r.End+1 == succ.r.Start {
		t.spans.Delete(succ)
		merged.End = succ.r.End
	}

	t.spans.ReplaceOrInsert(span{r: merged, kind: kind})
}

// cut removes r from the map and returns the removed pieces, clipped to r,
// in ascending order. Remainders of partially covered ranges stay in the
// map with their original kind.
func (t *Tracker) cut(r memarch.PhysRange) []span {
	var hit []span
	t.spans.DescendLessOrEqual(span{r: memarch.PhysRange{Start: r.End}}, func(s span) bool {
		if s.r.End < r.Start {
			return false
		}
		hit = append(hit, s)
		return true
	})

	// hit is in descending order; walk it backwards to return ascending
	// pieces.
	var out []span
	for i := len(hit) - 1; i >= 0; i-- {
		s := hit[i]
		t.spans.Delete(s)
		for _, rest := range s.r.Cut(r) {
			t.spans.ReplaceOrInsert(span{r: rest, kind: s.kind})
		}
		piece := s.r
		if piece.Start < r.Start {
			piece.Start = r.Start
		}
		if piece.End > r.End {
			piece.End = r.End
		}
		out = append(out, span{r: piece, kind: s.kind})
	}
	return out
}

// Reclassify marks r with a new classification. The range must currently
// be wholly classified KindUsable; finding any other classification there
// is an invariant violation and panics, surfacing management bugs instead
// of silently overwriting bookkeeping.
func (t *Tracker) Reclassify(r memarch.PhysRange, kind Kind) {
	covered := uint64(0)
	for _, piece := range t.cut(r) {
		if piece.kind != KindUsable {
			panic(fmt.Sprintf("physmem: reclassifying %v to %v, but %v is already %v", r, kind, piece.r, piece.kind))
		}
		covered += piece.r.Size()
	}
	if covered != r.Size() {
		panic(fmt.Sprintf("physmem: reclassifying %v to %v, but only %#x of %#x bytes are tracked", r, kind, covered, r.Size()))
	}
	t.insert(r, kind)
}

// AllocateFrame returns the start of a size-aligned, size-byte frame taken
// from the first usable interval that can hold one, reclassifying it as
// page-table backing in the same step. It implements
// pagetables.FrameSource.
//
// ErrExhausted is returned when no interval fits; a smaller frame is never
// silently substituted.
func (t *Tracker) AllocateFrame(size uint64) (memarch.PhysAddr, error) {
	var (
		found memarch.PhysAddr
		ok    bool
	)
	t.spans.Ascend(func(s span) bool {
		if s.kind != KindUsable {
			return true
		}
		aligned, fits := s.r.Start.RoundUp(memarch.PageSize(size))
		if !fits {
			return true
		}
		end := aligned + memarch.PhysAddr(size-1)
		if end < aligned || end > s.r.End {
			return true
		}
		found, ok = aligned, true
		return false
	})
	if !ok {
		return 0, ErrExhausted
	}
	t.Reclassify(memarch.PhysRangeFrom(found, size), KindKernelPageTables)
	return found, nil
}

// Intervals returns the tracked ranges in ascending order.
func (t *Tracker) Intervals() []Interval {
	out := make([]Interval, 0, t.spans.Len())
	t.spans.Ascend(func(s span) bool {
		out = append(out, Interval{Range: s.r, Kind: s.kind})
		return true
	})
	return out
}

// Stats returns the number of bytes tracked per classification.
func (t *Tracker) Stats() map[Kind]uint64 {
	stats := make(map[Kind]uint64)
	t.spans.Ascend(func(s span) bool {
		stats[s.kind] += s.r.Size()
		return true
	})
	return stats
}

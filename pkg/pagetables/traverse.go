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

package pagetables

import "osmium.dev/osmium/pkg/memarch"

// Slot describes one slot yielded by a Traverser: either an absent entry or
// a terminal mapping. Table-pointer entries are descended into, never
// yielded.
type Slot struct {
	// Path is the index path from the root to the slot, one index per
	// level. Its length is the slot's depth plus one.
	Path []uint16

	// Start is the canonical virtual address of the first byte the slot
	// covers.
	Start memarch.VirtAddr

	// Size is the number of bytes the slot covers, derived from its
	// depth.
	Size uint64

	// Present reports whether the slot holds a terminal mapping.
	Present bool

	// Address is the mapped frame when Present.
	Address memarch.PhysAddr

	// Opts are the mapping attributes when Present.
	Opts MapOpts
}

// Traverser walks a hierarchy depth-first in address order, yielding every
// slot it encounters. It is read-only and meant for validation and
// diagnostics, not the mapping hot path.
type Traverser struct {
	mem     Memory
	root    memarch.PhysAddr
	parents []uint16
	index   int
}

// NewTraverser returns a Traverser over pt starting at the given root-node
// index. Use index 256 to cover only the higher half of the address space.
func NewTraverser(pt *PageTables, startIndex uint16) *Traverser {
	return &Traverser{
		mem:   pt.mem,
		root:  pt.root,
		index: int(startIndex),
	}
}

// Next returns the next slot in pre-order, or ok=false once the walk has
// passed the last root-node entry.
func (t *Traverser) Next() (Slot, bool) {
	for {
		if t.index == entriesPerNode {
			if len(t.parents) == 0 {
				return Slot{}, false
			}
			// Resume at the entry after the parent we descended
			// through.
			t.index = int(t.parents[len(t.parents)-1]) + 1
			t.parents = t.parents[:len(t.parents)-1]
			continue
		}

		// Re-walk from the root to the node currently being scanned.
		// The hierarchy is shallow, so this stays cheap and keeps the
		// Traverser free of node pointers that mutation could
		// invalidate.
		node := t.mem.Node(t.root)
		for _, idx := range t.parents {
			node = t.mem.Node(node[idx].Address())
		}

		entry := &node[t.index]
		depth := len(t.parents)
		if entry.Valid() {
			// The large-page bit alone is ambiguous at the deepest
			// level, so a terminal leaf is detected from the depth
			// and the bit jointly.
			if depth == numLevels-1 || entry.IsSuper() {
				s := t.slot(true, entry)
				t.index++
				return s, true
			}
			t.parents = append(t.parents, uint16(t.index))
			t.index = 0
			continue
		}
		s := t.slot(false, entry)
		t.index++
		return s, true
	}
}

func (t *Traverser) slot(present bool, entry *PTE) Slot {
	path := make([]uint16, len(t.parents)+1)
	copy(path, t.parents)
	path[len(path)-1] = uint16(t.index)

	var raw uint64
	for i, idx := range path {
		raw |= uint64(idx) << levelShift[i]
	}
	s := Slot{
		Path: path,
		// Canonical form: sign-extend from bit 47.
		Start:   memarch.VirtAddr(uint64(int64(raw<<16) >> 16)),
		Size:    uint64(1) << levelShift[len(path)-1],
		Present: present,
	}
	if present {
		s.Address = entry.Address()
		s.Opts = entry.Opts()
	}
	return s
}

// FindUnusedRange scans the traverse stream for the first run of at least
// nPages unmapped 4 KiB pages and returns that many pages. It consumes t.
func FindUnusedRange(t *Traverser, nPages uint64) (memarch.VirtRange, bool) {
	want := nPages * memarch.Size4KiB.Bytes()
	var (
		start memarch.VirtAddr
		run   uint64
	)
	for {
		slot, ok := t.Next()
		if !ok {
			return memarch.VirtRange{}, false
		}
		if slot.Present {
			run = 0
			continue
		}
		if run == 0 {
			start = slot.Start
		}
		run += slot.Size
		if run >= want {
			return memarch.VirtRangeFrom(start, want), true
		}
	}
}

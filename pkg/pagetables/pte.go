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

import (
	"sync/atomic"

	"osmium.dev/osmium/pkg/memarch"
)

const (
	// entriesPerNode is the number of entries in one page-table node.
	entriesPerNode = 512

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	indexMask = entriesPerNode - 1

	// numLevels is the depth of the hierarchy. Depth 0 is the root node;
	// depth numLevels-1 holds 4 KiB leaf entries.
	numLevels = 4
)

// levelShift gives the shift of the virtual-address index slice consumed by
// the node at each depth.
var levelShift = [numLevels]uint{pgdShift, pudShift, pmdShift, pteShift}

// Hardware entry bits.
const (
	present        = 1 << 0
	writable       = 1 << 1
	writeThrough   = 1 << 3
	cacheDisable   = 1 << 4
	super          = 1 << 7
	executeDisable = 1 << 63

	addressMask uint64 = 0x000ffffffffff000
)

// MapOpts are the attributes of a terminal mapping. The present bit is
// implied; the large-page bit is derived from the mapping size rather than
// carried here.
type MapOpts struct {
	// Writable makes the mapping writable.
	Writable bool

	// NoExec forbids instruction fetches through the mapping.
	NoExec bool

	// NoCache disables caching for the mapping, as required for device
	// registers.
	NoCache bool
}

// PTE is a single page-table entry. Entries are loaded and stored
// atomically so that a read-only traverse racing a map on another unit sees
// either the old or the new entry, never a torn one.
type PTE uint64

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Valid returns true iff the entry is present.
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// IsSuper returns true iff the entry has the large-page bit set. The bit
// alone does not make an entry a terminal leaf: at the deepest level the
// same bit position means something else entirely, so callers must consult
// the depth as well.
func (p *PTE) IsSuper() bool {
	return p.load()&super != 0
}

// Address returns the physical address stored in the entry: a child node
// for a table pointer, a frame for a terminal leaf.
func (p *PTE) Address() memarch.PhysAddr {
	return memarch.PhysAddr(p.load() & addressMask)
}

// Opts returns the attributes of the entry.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	return MapOpts{
		Writable: v&writable != 0,
		NoExec:   v&executeDisable != 0,
		NoCache:  v&cacheDisable != 0,
	}
}

// Clear makes the entry empty.
func (p *PTE) Clear() {
	p.store(0)
}

// Set installs a terminal mapping of frame with the given attributes.
// isSuper marks a leaf above the deepest level.
func (p *PTE) Set(frame memarch.PhysAddr, opts MapOpts, isSuper bool) {
	v := uint64(frame)&addressMask | present
	if opts.Writable {
		v |= writable
	}
	if opts.NoExec {
		v |= executeDisable
	}
	if opts.NoCache {
		v |= cacheDisable | writeThrough
	}
	if isSuper {
		v |= super
	}
	p.store(v)
}

// setPageTable installs a pointer to the child node at pa. Table pointers
// are always present and writable; the terminal entry governs the effective
// permissions.
func (p *PTE) setPageTable(pa memarch.PhysAddr) {
	p.store(uint64(pa)&addressMask | present | writable)
}

// Node is one fixed-size page-table node.
type Node [entriesPerNode]PTE

// zero empties every entry of n.
func (n *Node) zero() {
	for i := range n {
		n[i].Clear()
	}
}

// nodeIndex returns the index slice of va consumed at the given depth.
func nodeIndex(va memarch.VirtAddr, depth int) uint16 {
	return uint16((uint64(va) >> levelShift[depth]) & indexMask)
}

// leafDepth returns the depth of the node holding the terminal entry for a
// mapping of the given size.
func leafDepth(size memarch.PageSize) int {
	switch size {
	case memarch.Size4KiB:
		return 3
	case memarch.Size2MiB:
		return 2
	case memarch.Size1GiB:
		return 1
	default:
		panic("pagetables: unsupported page size")
	}
}

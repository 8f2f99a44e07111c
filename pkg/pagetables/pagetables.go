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

// Package pagetables provides a generic implementation of 4-level page
// tables.
//
// All interpretation of raw memory as page-table nodes is confined to this
// package, behind the Memory interface; the rest of the kernel only ever
// sees typed entries. The package has no frame accounting of its own: when
// a map operation needs a new intermediate node it asks the FrameSource
// passed in at the call site, which keeps the dependency between page
// tables and the physical tracker one-directional.
package pagetables

import (
	"errors"
	"fmt"

	"osmium.dev/osmium/pkg/memarch"
)

// ErrMapConflict is returned by Map when the requested page already has a
// mapping. Mapping over an existing mapping is never silently allowed.
var ErrMapConflict = errors.New("pagetables: page is already mapped")

// FrameSource hands out physical frames. It is the only capability the
// page-table code holds against physical memory.
//
// A frame returned by AllocateFrame is already accounted as in use by the
// time the call returns, so there is no window in which it could be handed
// out twice.
type FrameSource interface {
	AllocateFrame(size uint64) (memarch.PhysAddr, error)
}

// Memory translates the physical address of a page-table node into the node
// itself. Implementations must keep the translation stable for the life of
// the hierarchy.
type Memory interface {
	Node(pa memarch.PhysAddr) *Node
}

// Invalidator discards cached translations on the executing unit.
// machine.CPU satisfies it.
type Invalidator interface {
	InvalidatePage(va memarch.VirtAddr)
}

// PageTables owns one multi-level page-table hierarchy.
//
// PageTables performs no locking; callers serialize mutation. Reads through
// Traverser may race mutation on another unit, see PTE.
type PageTables struct {
	mem  Memory
	root memarch.PhysAddr
}

// New allocates and zeroes a fresh root node from frames and returns the
// empty hierarchy rooted at it.
func New(mem Memory, frames FrameSource) (*PageTables, error) {
	pa, err := frames.AllocateFrame(memarch.Size4KiB.Bytes())
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	mem.Node(pa).zero()
	return &PageTables{mem: mem, root: pa}, nil
}

// Attach wraps an existing hierarchy rooted at root, typically the one the
// bootloader left active. The nodes are assumed valid.
func Attach(mem Memory, root memarch.PhysAddr) *PageTables {
	return &PageTables{mem: mem, root: root}
}

// Root returns the physical address of the root node, in the form the
// base-table register expects.
func (p *PageTables) Root() memarch.PhysAddr {
	return p.root
}

// Map installs a terminal mapping from the size-aligned page at page to the
// frame at frame. Missing intermediate nodes are allocated from frames and
// zero-initialized. If any entry on the path already maps the address,
// ErrMapConflict is returned and the tables are left unchanged.
//
// Map does not invalidate translations: a newly present entry cannot be
// stale.
func (p *PageTables) Map(page memarch.VirtAddr, size memarch.PageSize, frame memarch.PhysAddr, opts MapOpts, frames FrameSource) error {
	if !page.IsAligned(size) {
		panic(fmt.Sprintf("pagetables: page %#x is not %v aligned", uint64(page), size))
	}
	if !frame.IsAligned(size) {
		panic(fmt.Sprintf("pagetables: frame %#x is not %v aligned", uint64(frame), size))
	}
	leaf := leafDepth(size)
	node := p.mem.Node(p.root)
	for depth := 0; depth < leaf; depth++ {
		pte := &node[nodeIndex(page, depth)]
		switch {
		case !pte.Valid():
			pa, err := frames.AllocateFrame(memarch.Size4KiB.Bytes())
			if err != nil {
				return fmt.Errorf("allocating level %d table: %w", depth+1, err)
			}
			child := p.mem.Node(pa)
			child.zero()
			pte.setPageTable(pa)
			node = child
		case pte.IsSuper():
			// An existing large or huge mapping already covers this
			// address.
			return ErrMapConflict
		default:
			node = p.mem.Node(pte.Address())
		}
	}
	pte := &node[nodeIndex(page, leaf)]
	if pte.Valid() {
		return ErrMapConflict
	}
	pte.Set(frame, opts, size != memarch.Size4KiB)
	return nil
}

// Unmap removes the terminal mapping of the size-aligned page at page and
// invalidates its translation on the executing unit. The invalidation
// happens before Unmap returns, so the caller may treat the range as
// reusable immediately afterwards, on this unit only.
//
// Unmapping a page that is not mapped at exactly this size indicates
// corrupted bookkeeping and panics.
func (p *PageTables) Unmap(page memarch.VirtAddr, size memarch.PageSize, inv Invalidator) {
	if !page.IsAligned(size) {
		panic(fmt.Sprintf("pagetables: page %#x is not %v aligned", uint64(page), size))
	}
	leaf := leafDepth(size)
	node := p.mem.Node(p.root)
	for depth := 0; depth < leaf; depth++ {
		pte := &node[nodeIndex(page, depth)]
		if !pte.Valid() {
			panic(fmt.Sprintf("pagetables: unmapping %#x (%v): no table at depth %d", uint64(page), size, depth))
		}
		if pte.IsSuper() {
			panic(fmt.Sprintf("pagetables: unmapping %#x (%v): covered by a larger mapping at depth %d", uint64(page), size, depth))
		}
		node = p.mem.Node(pte.Address())
	}
	pte := &node[nodeIndex(page, leaf)]
	if !pte.Valid() {
		panic(fmt.Sprintf("pagetables: unmapping %#x (%v): not mapped", uint64(page), size))
	}
	if leaf < numLevels-1 && !pte.IsSuper() {
		panic(fmt.Sprintf("pagetables: unmapping %#x (%v): entry is a table pointer", uint64(page), size))
	}
	pte.Clear()
	inv.InvalidatePage(page)
}

// CopyRootEntry copies one top-level slot from src into p, carrying over
// the whole subtree below it without re-deriving its structure. Used at
// boot to keep the executing kernel mapped in a fresh hierarchy.
func (p *PageTables) CopyRootEntry(src *PageTables, index uint16) {
	srcEntry := &src.mem.Node(src.root)[index]
	dstEntry := &p.mem.Node(p.root)[index]
	dstEntry.store(srcEntry.load())
}

// Translate resolves va through the hierarchy. It returns the backing
// physical address and true if a present terminal entry covers va.
func (p *PageTables) Translate(va memarch.VirtAddr) (memarch.PhysAddr, bool) {
	node := p.mem.Node(p.root)
	for depth := 0; depth < numLevels; depth++ {
		pte := &node[nodeIndex(va, depth)]
		if !pte.Valid() {
			return 0, false
		}
		if depth == numLevels-1 || pte.IsSuper() {
			size := memarch.PageSize(uint64(1) << levelShift[depth])
			return pte.Address() + memarch.PhysAddr(va.PageOffset(size)), true
		}
		node = p.mem.Node(pte.Address())
	}
	return 0, false
}

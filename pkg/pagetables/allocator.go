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
	"fmt"

	"osmium.dev/osmium/pkg/memarch"
)

// RuntimeAllocator backs page-table nodes with ordinary runtime-allocated
// memory and uses each node's own address as its "physical" address. It
// implements both FrameSource and Memory, which makes the table logic
// testable against a purely synthetic hierarchy.
type RuntimeAllocator struct {
	nodes map[memarch.PhysAddr]*Node

	// bufs keeps the backing allocations reachable; the nodes map holds
	// pointers carved out of them, not the allocations themselves.
	bufs [][]byte
}

// NewRuntimeAllocator returns an empty RuntimeAllocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		nodes: make(map[memarch.PhysAddr]*Node),
	}
}

// AllocateFrame implements FrameSource.AllocateFrame. Nodes are aligned to
// their own size: entries store node addresses with the low bits masked
// off, so a misaligned node would be unreachable.
func (a *RuntimeAllocator) AllocateFrame(size uint64) (memarch.PhysAddr, error) {
	if size != memarch.Size4KiB.Bytes() {
		return 0, fmt.Errorf("runtime allocator only provides %v node frames, not %#x bytes", memarch.Size4KiB, size)
	}
	n, buf := newAlignedNode()
	a.bufs = append(a.bufs, buf)
	pa := memarch.PhysAddr(uintptr(nodePointer(n)))
	a.nodes[pa] = n
	return pa, nil
}

// Node implements Memory.Node.
func (a *RuntimeAllocator) Node(pa memarch.PhysAddr) *Node {
	n, ok := a.nodes[pa]
	if !ok {
		panic(fmt.Sprintf("pagetables: no node allocated at %#x", uint64(pa)))
	}
	return n
}

// Allocated returns the number of node frames handed out.
func (a *RuntimeAllocator) Allocated() int {
	return len(a.nodes)
}

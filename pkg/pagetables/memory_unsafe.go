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
	"unsafe"

	"osmium.dev/osmium/pkg/boot"
	"osmium.dev/osmium/pkg/memarch"
)

// OffsetMemory reaches page-table nodes through the direct-access window:
// the node at physical address pa lives at virtual address pa+Offset.
//
// Valid only while the window is mapped in the active address space, which
// the boot sequencer guarantees by re-creating it before switching roots.
type OffsetMemory struct {
	Offset boot.DirectMapOffset
}

// Node implements Memory.Node.
func (m OffsetMemory) Node(pa memarch.PhysAddr) *Node {
	return (*Node)(unsafe.Pointer(uintptr(m.Offset.VirtAddr(pa))))
}

// nodePointer returns the address of n, which the RuntimeAllocator uses as
// its synthetic physical address.
func nodePointer(n *Node) unsafe.Pointer {
	return unsafe.Pointer(n)
}

// newAlignedNode allocates a Node aligned to the node size, returning the
// node and the backing allocation the caller must keep reachable.
func newAlignedNode() (*Node, []byte) {
	nodeSize := uintptr(memarch.Size4KiB)
	buf := make([]byte, 2*nodeSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	skip := uintptr(0)
	if rem := base % nodeSize; rem != 0 {
		skip = nodeSize - rem
	}
	return (*Node)(unsafe.Pointer(&buf[skip])), buf
}

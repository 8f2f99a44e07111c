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

// Package memarch defines the basic address types shared by the memory
// subsystem.
//
// Physical and virtual addresses are distinct types so that the two address
// spaces cannot be mixed by accident; all alignment arithmetic is exposed as
// methods on these types rather than open-coded at call sites.
package memarch

import "fmt"

// PhysAddr is an address in the physical address space.
type PhysAddr uint64

// VirtAddr is an address in the virtual address space.
type VirtAddr uint64

// PageSize is one of the translation granularities supported by the MMU.
type PageSize uint64

// Supported page sizes.
const (
	// Size4KiB is the base page size and the frame size of page-table
	// nodes themselves.
	Size4KiB PageSize = 0x1000

	// Size2MiB is a "large" page, a leaf entry one level above the
	// deepest.
	Size2MiB PageSize = 0x200000

	// Size1GiB is a "huge" page, a leaf entry two levels above the
	// deepest.
	Size1GiB PageSize = 0x40000000
)

// Bytes returns the page size in bytes.
func (s PageSize) Bytes() uint64 {
	return uint64(s)
}

// String implements fmt.Stringer.String.
func (s PageSize) String() string {
	switch s {
	case Size4KiB:
		return "4KiB"
	case Size2MiB:
		return "2MiB"
	case Size1GiB:
		return "1GiB"
	default:
		return fmt.Sprintf("PageSize(%#x)", uint64(s))
	}
}

// RoundDown returns the address rounded down to the nearest s boundary.
func (p PhysAddr) RoundDown(s PageSize) PhysAddr {
	return p &^ PhysAddr(s-1)
}

// RoundUp returns the address rounded up to the nearest s boundary. ok is
// true iff rounding up did not wrap around.
func (p PhysAddr) RoundUp(s PageSize) (addr PhysAddr, ok bool) {
	addr = (p + PhysAddr(s) - 1).RoundDown(s)
	ok = addr >= p
	return
}

// PageOffset returns the offset of p within its containing s-sized frame.
func (p PhysAddr) PageOffset(s PageSize) uint64 {
	return uint64(p) & (uint64(s) - 1)
}

// IsAligned returns true iff p is a multiple of s.
func (p PhysAddr) IsAligned(s PageSize) bool {
	return p.PageOffset(s) == 0
}

// RoundDown returns the address rounded down to the nearest s boundary.
func (v VirtAddr) RoundDown(s PageSize) VirtAddr {
	return v &^ VirtAddr(s-1)
}

// RoundUp returns the address rounded up to the nearest s boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtAddr) RoundUp(s PageSize) (addr VirtAddr, ok bool) {
	addr = (v + VirtAddr(s) - 1).RoundDown(s)
	ok = addr >= v
	return
}

// PageOffset returns the offset of v within its containing s-sized page.
func (v VirtAddr) PageOffset(s PageSize) uint64 {
	return uint64(v) & (uint64(s) - 1)
}

// IsAligned returns true iff v is a multiple of s.
func (v VirtAddr) IsAligned(s PageSize) bool {
	return v.PageOffset(s) == 0
}

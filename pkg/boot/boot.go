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

// Package boot holds the data handed over by the boot protocol.
//
// Everything in this package is plain data: the memory subsystem consumes it
// exactly once during bring-up and never calls back into the bootloader.
package boot

import (
	"fmt"

	"osmium.dev/osmium/pkg/memarch"
)

// EntryType classifies a firmware memory map entry.
type EntryType uint32

// Memory map entry types, in the order the boot protocol defines them.
//
// Only EntryUsable and EntryBootloaderReclaimable entries are guaranteed to
// be non-overlapping; any other type may overlap both each other and the
// first two.
const (
	EntryUsable EntryType = iota
	EntryReserved
	EntryACPIReclaimable
	EntryACPINVS
	EntryBadMemory
	EntryBootloaderReclaimable
	EntryExecutableAndModules
	EntryFramebuffer
)

// String implements fmt.Stringer.String.
func (t EntryType) String() string {
	switch t {
	case EntryUsable:
		return "usable"
	case EntryReserved:
		return "reserved"
	case EntryACPIReclaimable:
		return "acpi-reclaimable"
	case EntryACPINVS:
		return "acpi-nvs"
	case EntryBadMemory:
		return "bad-memory"
	case EntryBootloaderReclaimable:
		return "bootloader-reclaimable"
	case EntryExecutableAndModules:
		return "executable-and-modules"
	case EntryFramebuffer:
		return "framebuffer"
	default:
		return fmt.Sprintf("EntryType(%d)", uint32(t))
	}
}

// Entry is one firmware memory map entry.
type Entry struct {
	Base   memarch.PhysAddr
	Length uint64
	Type   EntryType
}

// Range returns the physical range covered by e.
func (e Entry) Range() memarch.PhysRange {
	return memarch.PhysRangeFrom(e.Base, e.Length)
}

// MemoryMap is the firmware-supplied physical memory map, ordered by base
// address.
type MemoryMap struct {
	Entries []Entry
}

// DirectMapOffset is the offset of the pre-existing direct-access window:
// every physical address reachable through the window is mapped at
// physical+offset.
//
// Wrapping the offset in a type keeps arbitrary integers from being used as
// one. The translation is only meaningful while the window is actually
// mapped in the active address space.
type DirectMapOffset uint64

// VirtAddr returns the virtual address at which p is visible through the
// window.
func (o DirectMapOffset) VirtAddr(p memarch.PhysAddr) memarch.VirtAddr {
	return memarch.VirtAddr(uint64(p) + uint64(o))
}

// Info aggregates the boot-protocol inputs the memory subsystem needs.
type Info struct {
	MemoryMap       MemoryMap
	DirectMapOffset DirectMapOffset
}

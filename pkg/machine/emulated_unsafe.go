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

package machine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"osmium.dev/osmium/pkg/boot"
	"osmium.dev/osmium/pkg/memarch"
)

// Emulated models a machine whose physical memory is an anonymous host
// mapping. Physical address p corresponds to byte p of the arena, and the
// direct-access window offset is simply the arena's base address, so the
// same offset arithmetic used on hardware resolves to real pointers here.
type Emulated struct {
	features Features
	mapping  []byte
	arena    []byte
	cpus     []*EmulatedCPU
}

// The arena base doubles as the direct-access window offset, and window
// mappings are installed at large-page granularity, so the base must be
// 2 MiB aligned. The host mmap only guarantees 4 KiB; over-allocate and
// align inside the mapping. Huge (1 GiB) window granularity is not
// supported emulated.
const arenaAlign = uint64(memarch.Size2MiB)

// NewEmulated creates an emulated machine with physBytes of physical memory
// and cpus execution units. physBytes must be a multiple of 4 KiB.
func NewEmulated(physBytes uint64, cpus int, features Features) (*Emulated, error) {
	if physBytes == 0 || !memarch.PhysAddr(physBytes).IsAligned(memarch.Size4KiB) {
		return nil, fmt.Errorf("physical memory size %#x is not a multiple of %v", physBytes, memarch.Size4KiB)
	}
	mapping, err := unix.Mmap(-1, 0, int(physBytes+arenaAlign), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("allocating emulated physical memory: %w", err)
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(mapping)))
	skip := uint64(0)
	if rem := uint64(base) % arenaAlign; rem != 0 {
		skip = arenaAlign - rem
	}
	m := &Emulated{
		features: features,
		mapping:  mapping,
		arena:    mapping[skip : skip+physBytes],
	}
	for i := 0; i < cpus; i++ {
		m.cpus = append(m.cpus, &EmulatedCPU{id: i})
	}
	return m, nil
}

// Close releases the arena. All CPUs and pointers derived from the machine
// are invalid afterwards.
func (m *Emulated) Close() error {
	mapping := m.mapping
	m.mapping = nil
	m.arena = nil
	return unix.Munmap(mapping)
}

// Features returns the capability probe result the machine was created
// with.
func (m *Emulated) Features() Features {
	return m.features
}

// PhysBytes returns the size of the emulated physical address space.
func (m *Emulated) PhysBytes() uint64 {
	return uint64(len(m.arena))
}

// DirectMapOffset returns the offset at which the whole arena is "offset
// mapped" into the host address space.
func (m *Emulated) DirectMapOffset() boot.DirectMapOffset {
	return boot.DirectMapOffset(uintptr(unsafe.Pointer(unsafe.SliceData(m.arena))))
}

// Slice returns the bytes backing the physical range r.
func (m *Emulated) Slice(r memarch.PhysRange) []byte {
	if uint64(r.End) >= uint64(len(m.arena)) {
		panic(fmt.Sprintf("machine: physical range %v outside emulated memory [0, %#x)", r, len(m.arena)))
	}
	return m.arena[uint64(r.Start) : uint64(r.End)+1]
}

// CPU returns execution unit i.
func (m *Emulated) CPU(i int) *EmulatedCPU {
	return m.cpus[i]
}

// EmulatedCPU implements CPU with plain per-unit state.
type EmulatedCPU struct {
	id   int
	root atomic.Uint64

	mu            sync.Mutex
	invalidations []memarch.VirtAddr
}

// ID returns the unit's index.
func (c *EmulatedCPU) ID() int {
	return c.id
}

// PageTableRoot implements CPU.PageTableRoot.
func (c *EmulatedCPU) PageTableRoot() memarch.PhysAddr {
	return memarch.PhysAddr(c.root.Load())
}

// SetPageTableRoot implements CPU.SetPageTableRoot.
func (c *EmulatedCPU) SetPageTableRoot(pa memarch.PhysAddr) {
	c.root.Store(uint64(pa))
}

// InvalidatePage implements CPU.InvalidatePage. The emulated unit has no
// translation cache; invalidations are recorded so tests can assert they
// were issued.
func (c *EmulatedCPU) InvalidatePage(va memarch.VirtAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations = append(c.invalidations, va)
}

// Invalidations returns the addresses invalidated on this unit, in order.
func (c *EmulatedCPU) Invalidations() []memarch.VirtAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]memarch.VirtAddr, len(c.invalidations))
	copy(out, c.invalidations)
	return out
}

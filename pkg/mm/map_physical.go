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

package mm

import (
	"fmt"

	"osmium.dev/osmium/pkg/machine"
	"osmium.dev/osmium/pkg/memarch"
	"osmium.dev/osmium/pkg/pagetables"
	"osmium.dev/osmium/pkg/virtmem"
)

// Mapping records one physical range mapped into the kernel virtual space.
// UnmapPhysical recomputes the covered pages from these fields, so the
// caller must hand back the descriptor unmodified.
type Mapping struct {
	// PhysicalStart is the physical address the caller asked for, with its
	// sub-page offset intact.
	PhysicalStart memarch.PhysAddr

	// Size is the requested byte count.
	Size uint64

	// Pointer is where PhysicalStart is now visible: the mapped region's
	// start plus PhysicalStart's sub-page offset.
	Pointer memarch.VirtAddr

	// MappedLength is the total bytes actually mapped, Size rounded up to
	// whole pages.
	MappedLength uint64

	// PageSize is the granularity the mapping was installed at.
	PageSize memarch.PageSize
}

// String implements fmt.Stringer.String.
func (d Mapping) String() string {
	return fmt.Sprintf("%#x+%#x at %#x (%d x %v)", uint64(d.PhysicalStart), d.Size, uint64(d.Pointer), d.MappedLength/d.PageSize.Bytes(), d.PageSize)
}

// MapPhysical maps size bytes of physical memory starting at pa into the
// kernel virtual space and returns a descriptor whose Pointer preserves
// pa's sub-page offset. Firmware-table parsers and device-register
// accessors use this to reach memory the kernel has no other view of.
//
// The pointer is valid only until UnmapPhysical, and only on the execution
// unit that created the mapping: no other unit's translation cache is
// flushed on unmap, so no other unit may ever dereference it.
func (m *Memory) MapPhysical(pa memarch.PhysAddr, size uint64, cpu machine.CPU) (Mapping, error) {
	if size == 0 {
		panic("mm: zero-size physical mapping")
	}
	// Per-request mappings are installed at base granularity; the probed
	// large/huge size applies only to the direct-access window.
	s := memarch.Size4KiB
	off := pa.PageOffset(s)
	nPages := (off + size + s.Bytes() - 1) / s.Bytes()

	m.physMu.Lock()
	defer m.physMu.Unlock()
	m.virtMu.Lock()
	defer m.virtMu.Unlock()

	pages, err := m.virt.AllocateContiguous(nPages, s)
	if err != nil {
		return Mapping{}, fmt.Errorf("mapping %#x+%#x: %w", uint64(pa), size, err)
	}
	firstFrame := pa.RoundDown(s)
	for i := uint64(0); i < nPages; i++ {
		page := pages.Start + memarch.VirtAddr(i*s.Bytes())
		frame := firstFrame + memarch.PhysAddr(i*s.Bytes())
		if err := m.pt.Map(page, s, frame, pagetables.MapOpts{Writable: true, NoExec: true}, m.phys); err != nil {
			// Frame exhaustion while building an intermediate table.
			// Unwind so the failed request leaves no trace.
			for j := uint64(0); j < i; j++ {
				m.pt.Unmap(pages.Start+memarch.VirtAddr(j*s.Bytes()), s, cpu)
			}
			m.virt.Release(pages)
			return Mapping{}, fmt.Errorf("mapping frame %#x: %w", uint64(frame), err)
		}
	}
	return Mapping{
		PhysicalStart: pa,
		Size:          size,
		Pointer:       pages.Start + memarch.VirtAddr(off),
		MappedLength:  nPages * s.Bytes(),
		PageSize:      s,
	}, nil
}

// UnmapPhysical tears down a mapping created by MapPhysical: every covered
// page is unmapped with its translation invalidated on cpu, then the
// virtual range is released. cpu must be the unit the mapping was created
// on.
func (m *Memory) UnmapPhysical(d Mapping, cpu machine.CPU) {
	start := d.Pointer.RoundDown(d.PageSize)
	nPages := d.MappedLength / d.PageSize.Bytes()

	m.physMu.Lock()
	defer m.physMu.Unlock()
	m.virtMu.Lock()
	defer m.virtMu.Unlock()

	for i := uint64(0); i < nPages; i++ {
		m.pt.Unmap(start+memarch.VirtAddr(i*d.PageSize.Bytes()), d.PageSize, cpu)
	}
	m.virt.Release(virtmem.AllocatedPages{Start: start, Count: nPages, PageSize: d.PageSize})
}

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

	"github.com/sirupsen/logrus"
	"osmium.dev/osmium/pkg/boot"
	"osmium.dev/osmium/pkg/machine"
	"osmium.dev/osmium/pkg/memarch"
	"osmium.dev/osmium/pkg/pagetables"
	"osmium.dev/osmium/pkg/physmem"
	"osmium.dev/osmium/pkg/virtmem"
)

const (
	// heapReserveBytes is set aside from the first usable region that can
	// hold it, as backing for the general purpose allocator.
	heapReserveBytes = 16 << 20

	// topRootSlot is the root-table slot covering the topmost region of
	// the address space, where the kernel image executes.
	topRootSlot = 511

	// topWindowStart is the first address covered by topRootSlot. The
	// whole slot is reserved in the virtual tracker because its subtree is
	// carried over from the boot hierarchy, not built here.
	topWindowStart memarch.VirtAddr = 0xffff_ff80_0000_0000
)

// windowMapped reports whether entries of type t belong in the
// direct-access window.
func windowMapped(t boot.EntryType) bool {
	switch t {
	case boot.EntryUsable, boot.EntryBootloaderReclaimable, boot.EntryExecutableAndModules, boot.EntryFramebuffer:
		return true
	}
	return false
}

// bootstrapFrames hands out 4 KiB frames by walking the firmware memory map
// directly. It exists only for the window where page tables are being built
// but the long-lived tracker cannot exist yet; every frame it hands out is
// recorded so the tracker can account for them afterwards.
type bootstrapFrames struct {
	entries  []boot.Entry
	exclude  memarch.PhysRange
	entry    int
	cursor   memarch.PhysAddr
	consumed []memarch.PhysRange
}

var _ pagetables.FrameSource = (*bootstrapFrames)(nil)

// AllocateFrame implements pagetables.FrameSource. Frames are carved from
// usable entries in ascending order, skipping the excluded heap reserve.
func (b *bootstrapFrames) AllocateFrame(size uint64) (memarch.PhysAddr, error) {
	for ; b.entry < len(b.entries); b.entry++ {
		e := b.entries[b.entry]
		if e.Type != boot.EntryUsable {
			continue
		}
		r := e.Range()
		if b.cursor < r.Start {
			b.cursor = r.Start
		}
		for {
			aligned, ok := b.cursor.RoundUp(memarch.PageSize(size))
			if !ok {
				break
			}
			c := memarch.PhysRangeFrom(aligned, size)
			if c.End < aligned || c.End > r.End {
				break
			}
			if c.Overlaps(b.exclude) {
				b.cursor = b.exclude.End + 1
				continue
			}
			b.cursor = c.End + 1
			b.record(c)
			return aligned, nil
		}
	}
	return 0, physmem.ErrExhausted
}

func (b *bootstrapFrames) record(r memarch.PhysRange) {
	if n := len(b.consumed); n > 0 && b.consumed[n-1].Touches(r) {
		if r.End > b.consumed[n-1].End {
			b.consumed[n-1].End = r.End
		}
		return
	}
	b.consumed = append(b.consumed, r)
}

// chooseHeapReserve picks the physical range set aside as heap backing: the
// first usable region with heapReserveBytes of room after 4 KiB alignment.
func chooseHeapReserve(mm boot.MemoryMap) (memarch.PhysRange, error) {
	for _, e := range mm.Entries {
		if e.Type != boot.EntryUsable {
			continue
		}
		r := e.Range()
		aligned, ok := r.Start.RoundUp(memarch.Size4KiB)
		if !ok {
			continue
		}
		end := aligned + memarch.PhysAddr(heapReserveBytes) - 1
		if end < aligned || end > r.End {
			continue
		}
		return memarch.PhysRange{Start: aligned, End: end}, nil
	}
	return memarch.PhysRange{}, fmt.Errorf("no usable region can back a %d byte heap", heapReserveBytes)
}

// Init runs the one-time memory bring-up on the booting execution unit:
// it builds a fresh page-table hierarchy with a direct-access window at the
// probed page size, carries the executing kernel's top root slot over from
// the active hierarchy, activates the new one on cpu, and constructs the
// long-lived trackers. The caller publishes the result via Publish.
//
// Physical-frame exhaustion here is fatal to boot and surfaces as an
// error; nothing built so far is usable if Init fails.
func Init(info boot.Info, cpu machine.CPU, features machine.Features) (*Memory, error) {
	s := features.PageSize()
	if err := checkWindowAlignment(info.DirectMapOffset, s); err != nil {
		return nil, err
	}
	log := logrus.WithField("subsystem", "mm")
	log.Infof("page size %v, direct-access window at %#x", s, uint64(info.DirectMapOffset))

	heap, err := chooseHeapReserve(info.MemoryMap)
	if err != nil {
		return nil, err
	}
	log.Debugf("heap reserve %v", heap)

	frames := &bootstrapFrames{
		entries: info.MemoryMap.Entries,
		exclude: heap,
	}
	nodes := pagetables.OffsetMemory{Offset: info.DirectMapOffset}
	pt, err := pagetables.New(nodes, frames)
	if err != nil {
		return nil, fmt.Errorf("building root table: %w", err)
	}

	// Re-create the direct-access window in the new hierarchy. Entries are
	// sorted by base, so tracking the last mapped frame is enough to skip
	// frames that an earlier entry already covered once rounded to s.
	var (
		lastMapped memarch.PhysAddr
		haveMapped bool
		nMapped    uint64
	)
	for _, e := range info.MemoryMap.Entries {
		if !windowMapped(e.Type) {
			continue
		}
		r := e.Range()
		last := r.End.RoundDown(s)
		f := r.Start.RoundDown(s)
		for {
			if !haveMapped || f > lastMapped {
				va := info.DirectMapOffset.VirtAddr(f)
				if err := pt.Map(va, s, f, pagetables.MapOpts{Writable: true, NoExec: true}, frames); err != nil {
					return nil, fmt.Errorf("mapping window frame %#x: %w", uint64(f), err)
				}
				lastMapped, haveMapped = f, true
				nMapped++
			}
			if f >= last {
				break
			}
			f += memarch.PhysAddr(s)
		}
	}
	log.Debugf("window rebuilt: %d %v mappings, %d table frames", nMapped, s, len(frames.consumed))

	// The new hierarchy must translate the window exactly as the offset
	// arithmetic does; a mismatch means the tables are corrupt and
	// activating them would be fatal in a far less debuggable way.
	for _, e := range info.MemoryMap.Entries {
		if !windowMapped(e.Type) {
			continue
		}
		f := e.Range().Start.RoundDown(s)
		got, ok := pt.Translate(info.DirectMapOffset.VirtAddr(f))
		if !ok || got != f {
			panic(fmt.Sprintf("mm: window self-check failed: %#x translates to %#x, %t", uint64(f), uint64(got), ok))
		}
	}

	// Carry over the executing kernel's subtree rather than re-deriving
	// it. A zero active root means no prior hierarchy exists (emulated
	// cold start) and there is nothing to carry.
	if active := cpu.PageTableRoot(); active != 0 {
		pt.CopyRootEntry(pagetables.Attach(nodes, active), topRootSlot)
	}
	cpu.SetPageTableRoot(pt.Root())
	log.Infof("activated root table at %#x", uint64(pt.Root()))

	phys := physmem.NewTracker(info.MemoryMap)
	phys.Reclassify(heap, physmem.KindKernelHeap)
	for _, r := range frames.consumed {
		phys.Reclassify(r, physmem.KindKernelPageTables)
	}

	virt := virtmem.NewTracker(virtmem.WindowBase)
	for _, e := range info.MemoryMap.Entries {
		if !windowMapped(e.Type) {
			continue
		}
		r := e.Range()
		first := r.Start.RoundDown(s)
		last := r.End.RoundDown(s)
		virt.Seed(memarch.VirtRange{
			Start: info.DirectMapOffset.VirtAddr(first),
			End:   info.DirectMapOffset.VirtAddr(last) + memarch.VirtAddr(s) - 1,
		})
	}
	virt.Seed(memarch.VirtRange{Start: topWindowStart, End: ^memarch.VirtAddr(0)})

	return &Memory{
		pageSize: s,
		offset:   info.DirectMapOffset,
		pt:       pt,
		heap:     heap,
		phys:     phys,
		virt:     virt,
	}, nil
}

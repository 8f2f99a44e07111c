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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"osmium.dev/osmium/pkg/boot"
	"osmium.dev/osmium/pkg/machine"
	"osmium.dev/osmium/pkg/memarch"
	"osmium.dev/osmium/pkg/pagetables"
	"osmium.dev/osmium/pkg/physmem"
	"osmium.dev/osmium/pkg/virtmem"
)

const testPhysBytes = 64 << 20

func newTestMachine(t *testing.T) (*machine.Emulated, boot.Info) {
	t.Helper()
	mach, err := machine.NewEmulated(testPhysBytes, 4, machine.Features{HugePages: false})
	if err != nil {
		t.Fatalf("NewEmulated: %v", err)
	}
	t.Cleanup(func() { mach.Close() })
	info := boot.Info{
		MemoryMap: boot.MemoryMap{Entries: []boot.Entry{
			{Base: 0, Length: mach.PhysBytes(), Type: boot.EntryUsable},
		}},
		DirectMapOffset: mach.DirectMapOffset(),
	}
	return mach, info
}

func newTestMemory(t *testing.T) (*Memory, *machine.Emulated) {
	t.Helper()
	mach, info := newTestMachine(t)
	m, err := Init(info, mach.CPU(0), mach.Features())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, mach
}

func occupied(m *Memory) []memarch.VirtRange {
	var out []memarch.VirtRange
	m.Virtual(func(tr *virtmem.Tracker) {
		out = tr.Occupied()
	})
	return out
}

func TestInitActivatesRoot(t *testing.T) {
	m, mach := newTestMemory(t)
	if m.Root() == 0 {
		t.Fatal("root table at physical address 0")
	}
	if got := mach.CPU(0).PageTableRoot(); got != m.Root() {
		t.Errorf("boot unit root = %#x, want %#x", uint64(got), uint64(m.Root()))
	}
}

func TestInitAccountsAllMemory(t *testing.T) {
	m, _ := newTestMemory(t)
	var stats map[physmem.Kind]uint64
	m.Physical(func(tr *physmem.Tracker) {
		stats = tr.Stats()
	})
	if got := stats[physmem.KindKernelHeap]; got != heapReserveBytes {
		t.Errorf("heap backing = %#x bytes, want %#x", got, uint64(heapReserveBytes))
	}
	if stats[physmem.KindKernelPageTables] == 0 {
		t.Error("no memory accounted to page tables after bring-up")
	}
	total := uint64(0)
	for _, n := range stats {
		total += n
	}
	if total != testPhysBytes {
		t.Errorf("tracked %#x bytes in total, want %#x", total, uint64(testPhysBytes))
	}
	if m.HeapRange().Size() != heapReserveBytes {
		t.Errorf("HeapRange = %v, want %d bytes", m.HeapRange(), uint64(heapReserveBytes))
	}
}

func TestInitSeedsVirtualTracker(t *testing.T) {
	m, mach := newTestMemory(t)
	window := memarch.VirtRangeFrom(mach.DirectMapOffset().VirtAddr(0), testPhysBytes)
	want := []memarch.VirtRange{
		window,
		{Start: topWindowStart, End: ^memarch.VirtAddr(0)},
	}
	if diff := cmp.Diff(want, occupied(m)); diff != "" {
		t.Errorf("occupied mismatch (-want +got):\n%s", diff)
	}
}

func TestInitTranslatesWindow(t *testing.T) {
	m, mach := newTestMemory(t)
	// An arbitrary frame in the middle of the arena must be reachable
	// through the rebuilt window, sub-page offset included.
	va := mach.DirectMapOffset().VirtAddr(0x123456)
	pa, ok := m.pt.Translate(va)
	if !ok || pa != 0x123456 {
		t.Errorf("Translate(%#x) = %#x, %t, want 0x123456, true", uint64(va), uint64(pa), ok)
	}
}

func TestMapPhysicalPreservesOffset(t *testing.T) {
	m, mach := newTestMemory(t)
	d, err := m.MapPhysical(0x40_0010, 0x20, mach.CPU(0))
	if err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	if d.MappedLength != 0x1000 || d.PageSize != memarch.Size4KiB {
		t.Errorf("descriptor = %v, want exactly one 4KiB page", d)
	}
	// Nothing else occupies the dynamic window, so the page lands at its
	// base and the pointer carries the 0x10 sub-page offset.
	if want := virtmem.WindowBase + 0x10; d.Pointer != want {
		t.Errorf("Pointer = %#x, want %#x", uint64(d.Pointer), uint64(want))
	}
	pa, ok := m.pt.Translate(d.Pointer)
	if !ok || pa != 0x40_0010 {
		t.Errorf("Translate(Pointer) = %#x, %t, want 0x400010, true", uint64(pa), ok)
	}
}

func TestMapPhysicalSpanningPages(t *testing.T) {
	m, mach := newTestMemory(t)
	// 0x2000 bytes starting 0x400 into a page straddle three pages.
	d, err := m.MapPhysical(0x123400, 0x2000, mach.CPU(0))
	if err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	if d.MappedLength != 0x3000 {
		t.Errorf("MappedLength = %#x, want 0x3000", d.MappedLength)
	}
	for _, probe := range []uint64{0, 0x1000, 0x1fff} {
		pa, ok := m.pt.Translate(d.Pointer + memarch.VirtAddr(probe))
		if !ok || pa != memarch.PhysAddr(0x123400+probe) {
			t.Errorf("Translate(Pointer+%#x) = %#x, %t, want %#x, true", probe, uint64(pa), ok, 0x123400+probe)
		}
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, mach := newTestMemory(t)
	cpu := mach.CPU(0)
	before := occupied(m)

	d, err := m.MapPhysical(0x123400, 0x2000, cpu)
	if err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	m.UnmapPhysical(d, cpu)

	if diff := cmp.Diff(before, occupied(m)); diff != "" {
		t.Errorf("free gaps not restored (-want +got):\n%s", diff)
	}
	if _, ok := m.pt.Translate(d.Pointer); ok {
		t.Error("pointer still translates after unmap")
	}
	// Every covered page was invalidated on the creating unit, and the
	// dynamic window holds no present leaves anymore.
	start := d.Pointer.RoundDown(d.PageSize)
	wantInv := []memarch.VirtAddr{start, start + 0x1000, start + 0x2000}
	if diff := cmp.Diff(wantInv, cpu.Invalidations()); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
	tr := pagetables.NewTraverser(m.pt, 256)
	for {
		slot, ok := tr.Next()
		if !ok {
			break
		}
		if slot.Present {
			t.Errorf("present leaf left at %#x after unmap", uint64(slot.Start))
		}
	}
}

func TestMapPhysicalVirtualExhaustion(t *testing.T) {
	m, mach := newTestMemory(t)
	m.Virtual(func(tr *virtmem.Tracker) {
		tr.Seed(memarch.VirtRange{Start: virtmem.WindowBase, End: ^memarch.VirtAddr(0)})
	})
	if _, err := m.MapPhysical(0x40_0000, 0x1000, mach.CPU(0)); !errors.Is(err, virtmem.ErrOutOfSpace) {
		t.Fatalf("MapPhysical = %v, want ErrOutOfSpace", err)
	}
}

func TestMapPhysicalFrameExhaustionUnwinds(t *testing.T) {
	m, mach := newTestMemory(t)
	// Consume every remaining usable frame so the intermediate tables the
	// mapping needs cannot be allocated.
	m.Physical(func(tr *physmem.Tracker) {
		for _, iv := range tr.Intervals() {
			if iv.Kind == physmem.KindUsable {
				tr.Reclassify(iv.Range, physmem.KindKernelOther)
			}
		}
	})
	before := occupied(m)
	if _, err := m.MapPhysical(0x40_0000, 0x1000, mach.CPU(0)); !errors.Is(err, physmem.ErrExhausted) {
		t.Fatalf("MapPhysical = %v, want ErrExhausted", err)
	}
	if diff := cmp.Diff(before, occupied(m)); diff != "" {
		t.Errorf("failed mapping left the virtual tracker dirty (-want +got):\n%s", diff)
	}
}

func TestSecondaryUnitActivation(t *testing.T) {
	m, mach := newTestMemory(t)
	var g errgroup.Group
	for i := 1; i < 4; i++ {
		cpu := mach.CPU(i)
		g.Go(func() error {
			m.Activate(cpu)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("activation: %v", err)
	}
	for i := 1; i < 4; i++ {
		if got := mach.CPU(i).PageTableRoot(); got != m.Root() {
			t.Errorf("unit %d root = %#x, want %#x", i, uint64(got), uint64(m.Root()))
		}
	}
}

func TestBootstrapFramesSkipHeapReserve(t *testing.T) {
	b := &bootstrapFrames{
		entries: []boot.Entry{
			{Base: 0x0, Length: 0x4000, Type: boot.EntryUsable},
		},
		exclude: memarch.PhysRange{Start: 0x1000, End: 0x1fff},
	}
	var got []memarch.PhysAddr
	for i := 0; i < 3; i++ {
		f, err := b.AllocateFrame(0x1000)
		if err != nil {
			t.Fatalf("AllocateFrame %d: %v", i, err)
		}
		got = append(got, f)
	}
	if diff := cmp.Diff([]memarch.PhysAddr{0x0, 0x2000, 0x3000}, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if _, err := b.AllocateFrame(0x1000); !errors.Is(err, physmem.ErrExhausted) {
		t.Fatalf("AllocateFrame = %v, want ErrExhausted", err)
	}
	wantConsumed := []memarch.PhysRange{
		{Start: 0x0, End: 0xfff},
		{Start: 0x2000, End: 0x3fff},
	}
	if diff := cmp.Diff(wantConsumed, b.consumed); diff != "" {
		t.Errorf("consumed mismatch (-want +got):\n%s", diff)
	}
}

func TestPublicationGate(t *testing.T) {
	var g gate
	func() {
		defer func() {
			if recover() == nil {
				t.Error("get before publish should panic")
			}
		}()
		g.get()
	}()
	m := &Memory{}
	g.publish(m)
	if g.get() != m {
		t.Error("get returned a different instance than published")
	}
	defer func() {
		if recover() == nil {
			t.Error("second publish should panic")
		}
	}()
	g.publish(m)
}

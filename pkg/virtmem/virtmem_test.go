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

package virtmem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"osmium.dev/osmium/pkg/memarch"
)

func TestAllocateAtBase(t *testing.T) {
	tr := NewTracker(WindowBase)
	got, err := tr.AllocateContiguous(2, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	want := AllocatedPages{Start: WindowBase, Count: 2, PageSize: memarch.Size4KiB}
	if got != want {
		t.Errorf("AllocateContiguous = %v, want %v", got, want)
	}
}

func TestAllocateSkipsOccupied(t *testing.T) {
	tr := NewTracker(WindowBase)
	// The direct-access window occupies the first 16 KiB of the half.
	tr.Seed(memarch.VirtRangeFrom(WindowBase, 0x4000))
	got, err := tr.AllocateContiguous(1, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if got.Start != WindowBase+0x4000 {
		t.Errorf("AllocateContiguous.Start = %#x, want %#x", uint64(got.Start), uint64(WindowBase+0x4000))
	}
}

func TestAllocateFirstFitBetweenRanges(t *testing.T) {
	tr := NewTracker(WindowBase)
	tr.Seed(memarch.VirtRangeFrom(WindowBase, 0x1000))
	tr.Seed(memarch.VirtRangeFrom(WindowBase+0x3000, 0x1000))

	// One page fits in the 8 KiB hole between the seeds.
	one, err := tr.AllocateContiguous(1, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous(1): %v", err)
	}
	if one.Start != WindowBase+0x1000 {
		t.Errorf("one-page allocation at %#x, want %#x", uint64(one.Start), uint64(WindowBase+0x1000))
	}

	tr2 := NewTracker(WindowBase)
	tr2.Seed(memarch.VirtRangeFrom(WindowBase, 0x1000))
	tr2.Seed(memarch.VirtRangeFrom(WindowBase+0x3000, 0x1000))

	// Three pages do not fit in the hole and must land after the second
	// seed.
	three, err := tr2.AllocateContiguous(3, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous(3): %v", err)
	}
	if three.Start != WindowBase+0x4000 {
		t.Errorf("three-page allocation at %#x, want %#x", uint64(three.Start), uint64(WindowBase+0x4000))
	}
}

func TestAllocateAlignsToPageSize(t *testing.T) {
	tr := NewTracker(WindowBase)
	tr.Seed(memarch.VirtRangeFrom(WindowBase, 0x1000))
	got, err := tr.AllocateContiguous(1, memarch.Size2MiB)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if got.Start != WindowBase+memarch.VirtAddr(memarch.Size2MiB) {
		t.Errorf("2MiB allocation at %#x, want %#x", uint64(got.Start), uint64(WindowBase)+uint64(memarch.Size2MiB))
	}
	if !got.Start.IsAligned(memarch.Size2MiB) {
		t.Errorf("2MiB allocation at %#x is not 2MiB aligned", uint64(got.Start))
	}
}

func TestReleaseReopensGap(t *testing.T) {
	tr := NewTracker(WindowBase)
	first, err := tr.AllocateContiguous(2, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if _, err := tr.AllocateContiguous(2, memarch.Size4KiB); err != nil {
		t.Fatalf("second AllocateContiguous: %v", err)
	}
	tr.Release(first)

	// First-fit places the next allocation back into the released gap.
	again, err := tr.AllocateContiguous(2, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous after Release: %v", err)
	}
	if again.Start != first.Start {
		t.Errorf("reallocation at %#x, want %#x", uint64(again.Start), uint64(first.Start))
	}
}

func TestReleaseMiddleSplitsRange(t *testing.T) {
	tr := NewTracker(WindowBase)
	if _, err := tr.AllocateContiguous(3, memarch.Size4KiB); err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	tr.Release(AllocatedPages{Start: WindowBase + 0x1000, Count: 1, PageSize: memarch.Size4KiB})
	want := []memarch.VirtRange{
		{Start: WindowBase, End: WindowBase + 0xfff},
		{Start: WindowBase + 0x2000, End: WindowBase + 0x2fff},
	}
	if diff := cmp.Diff(want, tr.Occupied()); diff != "" {
		t.Errorf("occupied mismatch (-want +got):\n%s", diff)
	}
}

func TestReleaseUnoccupiedPanics(t *testing.T) {
	tr := NewTracker(WindowBase)
	defer func() {
		if recover() == nil {
			t.Error("releasing pages that were never allocated should panic")
		}
	}()
	tr.Release(AllocatedPages{Start: WindowBase, Count: 1, PageSize: memarch.Size4KiB})
}

func TestSeedMergesOverlapping(t *testing.T) {
	tr := NewTracker(WindowBase)
	// Bring-up regions rounded to the mapping size may share pages.
	tr.Seed(memarch.VirtRangeFrom(WindowBase, 0x3000))
	tr.Seed(memarch.VirtRangeFrom(WindowBase+0x2000, 0x3000))
	tr.Seed(memarch.VirtRangeFrom(WindowBase+0x5000, 0x1000))
	want := []memarch.VirtRange{
		{Start: WindowBase, End: WindowBase + 0x5fff},
	}
	if diff := cmp.Diff(want, tr.Occupied()); diff != "" {
		t.Errorf("occupied mismatch (-want +got):\n%s", diff)
	}
}

func TestSeedSpanningSeveralRanges(t *testing.T) {
	tr := NewTracker(WindowBase)
	tr.Seed(memarch.VirtRangeFrom(WindowBase, 0x1000))
	tr.Seed(memarch.VirtRangeFrom(WindowBase+0x2000, 0x1000))
	tr.Seed(memarch.VirtRangeFrom(WindowBase+0x4000, 0x1000))
	tr.Seed(memarch.VirtRange{Start: WindowBase, End: WindowBase + 0x4fff})
	want := []memarch.VirtRange{
		{Start: WindowBase, End: WindowBase + 0x4fff},
	}
	if diff := cmp.Diff(want, tr.Occupied()); diff != "" {
		t.Errorf("occupied mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocateReleaseSequence(t *testing.T) {
	tr := NewTracker(0x1000_0000)
	first, err := tr.AllocateContiguous(2, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous(2): %v", err)
	}
	if want := (memarch.VirtRange{Start: 0x1000_0000, End: 0x1000_1fff}); first.Range() != want {
		t.Fatalf("first allocation = %v, want %v", first.Range(), want)
	}
	second, err := tr.AllocateContiguous(1, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous(1): %v", err)
	}
	if want := (memarch.VirtRange{Start: 0x1000_2000, End: 0x1000_2fff}); second.Range() != want {
		t.Fatalf("second allocation = %v, want %v", second.Range(), want)
	}
	tr.Release(first)
	again, err := tr.AllocateContiguous(2, memarch.Size4KiB)
	if err != nil {
		t.Fatalf("AllocateContiguous after Release: %v", err)
	}
	if again.Range() != first.Range() {
		t.Errorf("reallocation = %v, want %v", again.Range(), first.Range())
	}
}

func TestAllocateOutOfSpace(t *testing.T) {
	tr := NewTracker(WindowBase)
	tr.Seed(memarch.VirtRange{Start: WindowBase, End: ^memarch.VirtAddr(0)})
	if _, err := tr.AllocateContiguous(1, memarch.Size4KiB); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("AllocateContiguous = %v, want ErrOutOfSpace", err)
	}
}

func TestAllocatedPagesRange(t *testing.T) {
	p := AllocatedPages{Start: WindowBase, Count: 3, PageSize: memarch.Size2MiB}
	want := memarch.VirtRange{Start: WindowBase, End: WindowBase + memarch.VirtAddr(3*uint64(memarch.Size2MiB)) - 1}
	if got := p.Range(); got != want {
		t.Errorf("Range = %v, want %v", got, want)
	}
}

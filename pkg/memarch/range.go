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

package memarch

import "fmt"

// PhysRange is an inclusive range of physical addresses [Start, End].
//
// Ranges are inclusive at both ends so that a range ending at the top of the
// address space is representable.
type PhysRange struct {
	Start PhysAddr
	End   PhysAddr
}

// PhysRangeFrom returns the range covering size bytes starting at start.
func PhysRangeFrom(start PhysAddr, size uint64) PhysRange {
	return PhysRange{Start: start, End: start + PhysAddr(size-1)}
}

// Size returns the number of bytes covered by r.
func (r PhysRange) Size() uint64 {
	return uint64(r.End-r.Start) + 1
}

// Contains returns true iff p lies within r.
func (r PhysRange) Contains(p PhysAddr) bool {
	return r.Start <= p && p <= r.End
}

// Overlaps returns true iff r and other share at least one address.
func (r PhysRange) Overlaps(other PhysRange) bool {
	return r.Start <= other.End && other.Start <= r.End
}

// Touches returns true iff r and other overlap or are immediately adjacent.
func (r PhysRange) Touches(other PhysRange) bool {
	if r.Overlaps(other) {
		return true
	}
	return r.End+1 == other.Start || other.End+1 == r.Start
}

// Cut removes cut from r and returns the at most two remainders, in
// ascending order.
func (r PhysRange) Cut(cut PhysRange) []PhysRange {
	if !r.Overlaps(cut) {
		return []PhysRange{r}
	}
	var out []PhysRange
	if r.Start < cut.Start {
		out = append(out, PhysRange{Start: r.Start, End: cut.Start - 1})
	}
	if cut.End < r.End {
		out = append(out, PhysRange{Start: cut.End + 1, End: r.End})
	}
	return out
}

// String implements fmt.Stringer.String.
func (r PhysRange) String() string {
	return fmt.Sprintf("[%#x, %#x]", uint64(r.Start), uint64(r.End))
}

// VirtRange is an inclusive range of virtual addresses [Start, End].
type VirtRange struct {
	Start VirtAddr
	End   VirtAddr
}

// VirtRangeFrom returns the range covering size bytes starting at start.
func VirtRangeFrom(start VirtAddr, size uint64) VirtRange {
	return VirtRange{Start: start, End: start + VirtAddr(size-1)}
}

// Size returns the number of bytes covered by r.
func (r VirtRange) Size() uint64 {
	return uint64(r.End-r.Start) + 1
}

// Contains returns true iff v lies within r.
func (r VirtRange) Contains(v VirtAddr) bool {
	return r.Start <= v && v <= r.End
}

// Overlaps returns true iff r and other share at least one address.
func (r VirtRange) Overlaps(other VirtRange) bool {
	return r.Start <= other.End && other.Start <= r.End
}

// Touches returns true iff r and other overlap or are immediately adjacent.
func (r VirtRange) Touches(other VirtRange) bool {
	if r.Overlaps(other) {
		return true
	}
	return r.End+1 == other.Start || other.End+1 == r.Start
}

// String implements fmt.Stringer.String.
func (r VirtRange) String() string {
	return fmt.Sprintf("[%#x, %#x]", uint64(r.Start), uint64(r.End))
}

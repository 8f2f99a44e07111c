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

// Package machine abstracts the hardware primitives the memory subsystem
// depends on: the per-execution-unit page-table base register, single
// address translation-cache invalidation and the large-page capability
// probe.
//
// Production kernels use the bare-metal backend (build tag "baremetal");
// everything else, including the test suite and the osmium CLI, runs
// against the emulated machine, which backs physical memory with an
// anonymous host mapping.
package machine

import "osmium.dev/osmium/pkg/memarch"

// CPU is the state owned by a single execution unit.
//
// The page-table base register is strictly per-unit: activating an address
// space on one unit has no effect on any other, and likewise an
// invalidation only affects the unit it was issued on.
type CPU interface {
	// PageTableRoot returns the physical address of the active root
	// page-table node on this unit.
	PageTableRoot() memarch.PhysAddr

	// SetPageTableRoot activates the page-table hierarchy rooted at pa on
	// this unit.
	SetPageTableRoot(pa memarch.PhysAddr)

	// InvalidatePage discards any cached translation for the page
	// containing va on this unit.
	InvalidatePage(va memarch.VirtAddr)
}

// Features is the result of the boot-time hardware capability probe.
type Features struct {
	// HugePages reports whether the MMU supports 1 GiB leaf entries.
	HugePages bool
}

// PageSize returns the mapping granularity implied by f: huge pages when
// supported, large pages otherwise. The choice is made once at boot and
// never changes for the lifetime of the process.
func (f Features) PageSize() memarch.PageSize {
	if f.HugePages {
		return memarch.Size1GiB
	}
	return memarch.Size2MiB
}

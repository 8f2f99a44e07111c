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

//go:build baremetal

package machine

import "osmium.dev/osmium/pkg/memarch"

// BareMetalCPU implements CPU against the real control registers of the
// executing processor. All methods must run in ring 0.
type BareMetalCPU struct{}

// PageTableRoot implements CPU.PageTableRoot.
func (BareMetalCPU) PageTableRoot() memarch.PhysAddr {
	// Bits 11:0 of CR3 are flags, not address bits.
	return memarch.PhysAddr(readCR3()) &^ memarch.PhysAddr(0xfff)
}

// SetPageTableRoot implements CPU.SetPageTableRoot.
func (BareMetalCPU) SetPageTableRoot(pa memarch.PhysAddr) {
	writeCR3(uintptr(pa))
}

// InvalidatePage implements CPU.InvalidatePage.
func (BareMetalCPU) InvalidatePage(va memarch.VirtAddr) {
	invlpg(uintptr(va))
}

// Probe queries the processor's capabilities.
func Probe() Features {
	// CPUID leaf 0x80000001, EDX bit 26: 1 GiB pages.
	return Features{
		HugePages: cpuidExtFeatures()&(1<<26) != 0,
	}
}

func readCR3() uintptr

func writeCR3(addr uintptr)

func invlpg(addr uintptr)

func cpuidExtFeatures() uint32

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

// Package mm composes the memory subsystem: the physical and virtual
// trackers, the shared page-table hierarchy, the boot bring-up sequence and
// the physical-range mapping service.
//
// Lock order: the physical tracker's lock is always acquired before the
// virtual tracker's lock. Every multi-tracker path in this package follows
// that order; so must any future one.
package mm

import (
	"fmt"
	"sync/atomic"

	"osmium.dev/osmium/pkg/boot"
	"osmium.dev/osmium/pkg/machine"
	"osmium.dev/osmium/pkg/memarch"
	"osmium.dev/osmium/pkg/pagetables"
	"osmium.dev/osmium/pkg/physmem"
	"osmium.dev/osmium/pkg/sync"
	"osmium.dev/osmium/pkg/virtmem"
)

// Memory is the assembled memory subsystem. One instance is built by Init
// and published process-wide; components receive it explicitly rather than
// reaching for the global.
type Memory struct {
	pageSize memarch.PageSize
	offset   boot.DirectMapOffset
	pt       *pagetables.PageTables
	heap     memarch.PhysRange

	physMu sync.SpinMutex
	phys   *physmem.Tracker

	virtMu sync.SpinMutex
	virt   *virtmem.Tracker
}

// PageSize returns the direct-access window granularity fixed at boot.
func (m *Memory) PageSize() memarch.PageSize {
	return m.pageSize
}

// DirectMapOffset returns the offset of the direct-access window the boot
// sequencer rebuilt: any tracked physical address is reachable at
// physical+offset without a per-request mapping.
func (m *Memory) DirectMapOffset() boot.DirectMapOffset {
	return m.offset
}

// Root returns the physical address of the shared root table.
func (m *Memory) Root() memarch.PhysAddr {
	return m.pt.Root()
}

// HeapRange returns the physical range reserved as heap backing. The heap
// allocator owns these bytes; this subsystem only keeps them classified.
func (m *Memory) HeapRange() memarch.PhysRange {
	return m.heap
}

// Activate writes the shared root table into cpu's base-table register.
// Every execution unit started after boot must call this before touching
// anything outside the window the firmware left mapped.
func (m *Memory) Activate(cpu machine.CPU) {
	cpu.SetPageTableRoot(m.pt.Root())
}

// Physical runs f with the physical tracker lock held. f must be bounded
// and must not take the virtual tracker lock.
func (m *Memory) Physical(f func(*physmem.Tracker)) {
	m.physMu.Lock()
	defer m.physMu.Unlock()
	f(m.phys)
}

// Virtual runs f with the virtual tracker lock held. f must be bounded and
// must not take the physical tracker lock: the fixed order is physical
// first.
func (m *Memory) Virtual(f func(*virtmem.Tracker)) {
	m.virtMu.Lock()
	defer m.virtMu.Unlock()
	f(m.virt)
}

// WalkPages runs f for every page-table slot at or above the given root
// index, in address order, until f returns false. Both tracker locks are
// held for the duration so the hierarchy cannot change mid-walk; f must be
// bounded and must not call back into this subsystem.
func (m *Memory) WalkPages(startIndex uint16, f func(pagetables.Slot) bool) {
	m.physMu.Lock()
	defer m.physMu.Unlock()
	m.virtMu.Lock()
	defer m.virtMu.Unlock()
	tr := pagetables.NewTraverser(m.pt, startIndex)
	for {
		slot, ok := tr.Next()
		if !ok {
			return
		}
		if !f(slot) {
			return
		}
	}
}

// gate is a write-once publication slot.
type gate struct {
	p atomic.Pointer[Memory]
}

func (g *gate) publish(m *Memory) {
	if m == nil {
		panic("mm: publishing nil Memory")
	}
	if !g.p.CompareAndSwap(nil, m) {
		panic("mm: memory subsystem published twice")
	}
}

func (g *gate) get() *Memory {
	m := g.p.Load()
	if m == nil {
		panic("mm: memory subsystem read before boot published it")
	}
	return m
}

var global gate

// Publish installs m as the process-wide memory subsystem. It is called
// exactly once, by the boot path, after Init succeeds; a second call
// panics.
func Publish(m *Memory) {
	global.publish(m)
}

// Get returns the published memory subsystem. Calling Get before Publish
// panics: no caller may observe a half-initialized subsystem.
func Get() *Memory {
	return global.get()
}

func checkWindowAlignment(offset boot.DirectMapOffset, s memarch.PageSize) error {
	if !memarch.VirtAddr(offset).IsAligned(s) {
		return fmt.Errorf("direct-access window offset %#x is not %v aligned", uint64(offset), s)
	}
	return nil
}

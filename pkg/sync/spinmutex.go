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

package sync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding bounds the number of raw CAS attempts before the
// spinner briefly yields the processor.
const attemptsBeforeYielding = 128

// yieldFn is overridable so tests can observe contention. On bare metal it
// lowers to a pause; under a host it must let other goroutines run.
var yieldFn = runtime.Gosched

// SpinMutex is a mutual-exclusion lock acquired by busy-waiting. Critical
// sections guarded by a SpinMutex must be non-blocking and bounded.
//
// Re-acquiring a SpinMutex already held by the current execution unit
// deadlocks.
//
// A SpinMutex must not be copied after first use.
type SpinMutex struct {
	state atomic.Uint32
}

// Lock acquires m, spinning until it becomes available.
func (m *SpinMutex) Lock() {
	for i := 0; !m.TryLock(); i++ {
		if i >= attemptsBeforeYielding {
			yieldFn()
			i = 0
		}
	}
}

// TryLock attempts to acquire m without spinning and returns true on
// success.
func (m *SpinMutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock releases m. It is valid to call Unlock from a different execution
// unit than the one that called Lock.
func (m *SpinMutex) Unlock() {
	m.state.Store(0)
}

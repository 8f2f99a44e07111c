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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"osmium.dev/osmium/pkg/memarch"
	"osmium.dev/osmium/pkg/mm"
)

// mapCmd implements subcommands.Command for the "map" command.
type mapCmd struct {
	configPath string
	addr       uint64
	size       uint64
}

// Name implements subcommands.Command.Name.
func (*mapCmd) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*mapCmd) Synopsis() string {
	return "map a physical range into the kernel virtual space and back out"
}

// Usage implements subcommands.Command.Usage.
func (*mapCmd) Usage() string {
	return `map -addr <phys> -size <bytes> [flags]

Runs bring-up on an emulated machine, maps the given physical range the way a
firmware-table parser would, prints the resulting descriptor, and unmaps it
again.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *mapCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.configPath, "config", "", "TOML machine description; defaults to a 64 MiB single-unit machine")
	f.Uint64Var(&m.addr, "addr", 0, "physical address to map")
	f.Uint64Var(&m.size, "size", 0, "number of bytes to map")
}

// Execute implements subcommands.Command.Execute.
func (m *mapCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if m.size == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c, err := loadConfig(m.configPath)
	if err != nil {
		return fatalf("%v", err)
	}
	mach, info, err := c.newMachine()
	if err != nil {
		return fatalf("creating machine: %v", err)
	}
	defer mach.Close()

	mem, err := mm.Init(info, mach.CPU(0), mach.Features())
	if err != nil {
		return fatalf("bring-up failed: %v", err)
	}

	d, err := mem.MapPhysical(memarch.PhysAddr(m.addr), m.size, mach.CPU(0))
	if err != nil {
		return fatalf("mapping: %v", err)
	}
	fmt.Printf("mapped %v\n", d)
	mem.UnmapPhysical(d, mach.CPU(0))
	fmt.Printf("unmapped, %d translations invalidated\n", len(mach.CPU(0).Invalidations()))
	return subcommands.ExitSuccess
}

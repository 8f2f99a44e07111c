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
	"golang.org/x/sync/errgroup"
	"osmium.dev/osmium/pkg/mm"
	"osmium.dev/osmium/pkg/physmem"
)

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	configPath string
	cpus       int
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "run memory bring-up on an emulated machine and report the resulting state"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return `boot [flags]

Runs the one-time memory bring-up against an emulated machine, activates the
shared page tables on every execution unit, and prints the physical memory
accounting that results.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "TOML machine description; defaults to a 64 MiB single-unit machine")
	f.IntVar(&b.cpus, "cpus", 0, "override the number of execution units")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	c, err := loadConfig(b.configPath)
	if err != nil {
		return fatalf("%v", err)
	}
	if b.cpus > 0 {
		c.CPUs = b.cpus
	}
	mach, info, err := c.newMachine()
	if err != nil {
		return fatalf("creating machine: %v", err)
	}
	defer mach.Close()

	m, err := mm.Init(info, mach.CPU(0), mach.Features())
	if err != nil {
		return fatalf("bring-up failed: %v", err)
	}
	mm.Publish(m)

	// Secondary units come up concurrently; each activates the shared
	// root on its own base-table register.
	var g errgroup.Group
	for i := 1; i < c.CPUs; i++ {
		cpu := mach.CPU(i)
		g.Go(func() error {
			mm.Get().Activate(cpu)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fatalf("secondary bring-up: %v", err)
	}

	fmt.Printf("root table %#x, window page size %v, heap reserve %v\n", uint64(m.Root()), m.PageSize(), m.HeapRange())
	m.Physical(func(tr *physmem.Tracker) {
		for _, iv := range tr.Intervals() {
			fmt.Printf("%22v  %8d KiB  %v\n", iv.Range, iv.Range.Size()/1024, iv.Kind)
		}
	})
	return subcommands.ExitSuccess
}

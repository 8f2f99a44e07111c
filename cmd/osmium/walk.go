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
	"osmium.dev/osmium/pkg/mm"
	"osmium.dev/osmium/pkg/pagetables"
)

// walkCmd implements subcommands.Command for the "walk" command.
type walkCmd struct {
	configPath string
	startIndex uint
	all        bool
}

// Name implements subcommands.Command.Name.
func (*walkCmd) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*walkCmd) Synopsis() string {
	return "run memory bring-up and dump the resulting page-table hierarchy"
}

// Usage implements subcommands.Command.Usage.
func (*walkCmd) Usage() string {
	return `walk [flags]

Runs bring-up on an emulated machine and walks the page-table hierarchy in
address order, printing each terminal mapping with its index path.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *walkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&w.configPath, "config", "", "TOML machine description; defaults to a 64 MiB single-unit machine")
	f.UintVar(&w.startIndex, "start-index", 0, "root-table index to start from; 256 limits the walk to the higher half")
	f.BoolVar(&w.all, "all", false, "also print absent slots")
}

// Execute implements subcommands.Command.Execute.
func (w *walkCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if w.startIndex > 511 {
		return fatalf("start-index %d out of range [0, 511]", w.startIndex)
	}
	c, err := loadConfig(w.configPath)
	if err != nil {
		return fatalf("%v", err)
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

	n := 0
	m.WalkPages(uint16(w.startIndex), func(s pagetables.Slot) bool {
		if !s.Present && !w.all {
			return true
		}
		state := "absent "
		detail := ""
		if s.Present {
			state = "present"
			detail = fmt.Sprintf(" -> %#x %+v", uint64(s.Address), s.Opts)
			n++
		}
		fmt.Printf("%v  %#18x  %10d  %s%s\n", s.Path, uint64(s.Start), s.Size, state, detail)
		return true
	})
	fmt.Printf("%d terminal mappings\n", n)
	return subcommands.ExitSuccess
}

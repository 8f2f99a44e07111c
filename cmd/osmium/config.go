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
	"fmt"

	"github.com/BurntSushi/toml"
	"osmium.dev/osmium/pkg/boot"
	"osmium.dev/osmium/pkg/machine"
	"osmium.dev/osmium/pkg/memarch"
)

// Config describes the emulated machine a command runs against.
type Config struct {
	// PhysBytes is the size of emulated physical memory. Must be a
	// multiple of 4 KiB.
	PhysBytes uint64 `toml:"phys-bytes"`

	// CPUs is the number of execution units.
	CPUs int `toml:"cpus"`

	// HugePages sets the capability probe result: whether the machine
	// supports 1 GiB leaf entries.
	HugePages bool `toml:"huge-pages"`

	// Regions is the firmware memory map, ordered by base. When empty, a
	// single usable region covering all of physical memory is assumed.
	Regions []Region `toml:"region"`
}

// Region is one firmware memory map entry.
type Region struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

func defaultConfig() Config {
	return Config{
		PhysBytes: 64 << 20,
		CPUs:      1,
	}
}

// loadConfig reads a TOML machine description, or returns the default
// machine when path is empty.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("reading %s: unknown key %q", path, undecoded[0].String())
	}
	if c.CPUs < 1 {
		return Config{}, fmt.Errorf("reading %s: cpus must be at least 1", path)
	}
	return c, nil
}

func entryType(s string) (boot.EntryType, error) {
	for t := boot.EntryUsable; t <= boot.EntryFramebuffer; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown region type %q", s)
}

// memoryMap builds the firmware memory map described by c.
func (c Config) memoryMap() (boot.MemoryMap, error) {
	if len(c.Regions) == 0 {
		return boot.MemoryMap{Entries: []boot.Entry{
			{Base: 0, Length: c.PhysBytes, Type: boot.EntryUsable},
		}}, nil
	}
	var mm boot.MemoryMap
	for _, r := range c.Regions {
		t, err := entryType(r.Type)
		if err != nil {
			return boot.MemoryMap{}, err
		}
		if r.Base+r.Length > c.PhysBytes {
			return boot.MemoryMap{}, fmt.Errorf("region %#x+%#x exceeds physical memory (%#x bytes)", r.Base, r.Length, c.PhysBytes)
		}
		mm.Entries = append(mm.Entries, boot.Entry{
			Base:   memarch.PhysAddr(r.Base),
			Length: r.Length,
			Type:   t,
		})
	}
	return mm, nil
}

// newMachine creates the emulated machine described by c.
func (c Config) newMachine() (*machine.Emulated, boot.Info, error) {
	mach, err := machine.NewEmulated(c.PhysBytes, c.CPUs, machine.Features{HugePages: c.HugePages})
	if err != nil {
		return nil, boot.Info{}, err
	}
	mm, err := c.memoryMap()
	if err != nil {
		mach.Close()
		return nil, boot.Info{}, err
	}
	return mach, boot.Info{
		MemoryMap:       mm,
		DirectMapOffset: mach.DirectMapOffset(),
	}, nil
}

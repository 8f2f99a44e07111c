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

// Binary osmium runs the kernel memory subsystem against an emulated
// machine, for exercising bring-up and mapping behavior from a host shell.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(walkCmd), "")
	subcommands.Register(new(mapCmd), "")

	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// fatalf logs the error and exits with a failure status, for errors that
// are the user's to fix rather than bugs.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	logrus.Errorf(format, args...)
	return subcommands.ExitFailure
}

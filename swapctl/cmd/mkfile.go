// Copyright 2026 The gVisor Authors.
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


//go:build linux
// +build linux

package cmd

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/google/subcommands"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/swap/hostdev"
	"gvisor.dev/drum/swapctl/cmd/util"
	"gvisor.dev/drum/swapctl/flag"
)

// Mkfile implements subcommands.Command for the "mkfile" command.
type Mkfile struct{}

// Name implements subcommands.Command.Name.
func (*Mkfile) Name() string {
	return "mkfile"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mkfile) Synopsis() string {
	return "create a fully allocated swap file"
}

// Usage implements subcommands.Command.Usage.
func (*Mkfile) Usage() string {
	return `mkfile <path> <size> - creates a swap file of the given size, e.g. 512M or 2G.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Mkfile) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Mkfile) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)
	size, err := units.RAMInBytes(f.Arg(1))
	if err != nil {
		return util.Errorf("invalid size %q: %v", f.Arg(1), err)
	}
	if size%hostarch.PageSize != 0 {
		return util.Errorf("size %d is not a multiple of the page size %d", size, hostarch.PageSize)
	}
	if err := hostdev.AllocateFile(path, size); err != nil {
		return util.Errorf("creating swap file: %v", err)
	}
	log.Infof("Created swap file %s of %d bytes", path, size)
	fmt.Printf("%s: %s, %d pages\n", path, units.BytesSize(float64(size)), size/hostarch.PageSize)
	return subcommands.ExitSuccess
}

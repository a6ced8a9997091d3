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
	"io"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/google/subcommands"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/swap/swapmetrics"
	"gvisor.dev/drum/swapctl/cmd/util"
	"gvisor.dev/drum/swapctl/config"
	"gvisor.dev/drum/swapctl/flag"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "bring the swap table online and print device statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-format=text|prometheus] - prints statistics for every device in the swap table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "text", "output format: text (default) or prometheus.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.format != "text" && s.format != "prometheus" {
		return util.Errorf("invalid format %q, must be 'text' or 'prometheus'", s.format)
	}
	conf := args[0].(*config.Config)

	sess, err := mount(ctx, conf)
	if err != nil {
		return util.Errorf("bringing swap online: %v", err)
	}
	if s.format == "prometheus" {
		err = swapmetrics.Write(os.Stdout, sess.m)
	} else {
		err = printDevices(os.Stdout, sess)
	}
	if uerr := sess.unmount(ctx); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func pageBytes(pages int) string {
	return units.BytesSize(float64(int64(pages) * hostarch.PageSize))
}

// printDevices writes one line per device followed by the totals.
func printDevices(w io.Writer, sess *session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "DEVICE\tKIND\tPRIORITY\tSIZE\tUSED\tBAD\tFLAGS\tSTATE\n")
	for _, d := range sess.m.Devices() {
		if d.Flags&swap.FlagFake != 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, d.Kind, d.Priority, pageBytes(d.Pages), pageBytes(d.InUse), pageBytes(d.Bad), d.Flags, d.State)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	u := sess.m.Usage()
	_, err := fmt.Fprintf(w, "\nTotal: %s, %s used, %d devices, encryption %s, %d bounce allocations refused\n",
		pageBytes(int(u.Pages)), pageBytes(int(u.InUse)), u.Devices, onOff(sess.m.Encrypting()), sess.pool.Refused())
	return err
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

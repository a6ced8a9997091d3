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
	"bytes"
	"context"
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/sync"
	"gvisor.dev/drum/swapctl/cmd/util"
	"gvisor.dev/drum/swapctl/config"
	"gvisor.dev/drum/swapctl/flag"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	pages int
	drain bool
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "write patterned pages to swap and verify them"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [-pages=N] [-drain] - brings the swap table online, swaps pages out and back in, and verifies their contents.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.pages, "pages", 64, "number of pages to swap out.")
	f.BoolVar(&c.drain, "drain", true, "take devices offline while the pages are swapped out, paging them in as each device drains.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.pages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	rs := &residentSet{runs: make(map[int][]byte)}
	sess, err := mount(ctx, conf, rs)
	if err != nil {
		return util.Errorf("bringing swap online: %v", err)
	}
	rs.m = sess.m
	if len(sess.online) == 0 {
		sess.unmount(ctx)
		return util.Errorf("no swap devices online")
	}

	written, bad := rs.swapOut(ctx, c.pages)
	if !c.drain {
		rs.swapIn(ctx)
	}
	if err := sess.unmount(ctx); err != nil {
		return util.Errorf("taking swap offline: %v", err)
	}

	verified, mismatched := rs.result()
	fmt.Printf("%d pages written, %d bad, %d verified, %d mismatched\n", written, bad, verified, mismatched)
	if written < c.pages || mismatched > 0 || verified != written {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// pattern returns n pages whose contents depend on seed.
func pattern(seed, n int) []byte {
	b := make([]byte, n*hostarch.PageSize)
	for i := range b {
		b[i] = byte(seed ^ (i >> 3) ^ (i * 131))
	}
	return b
}

// residentSet tracks runs of pages swapped out by the check command. It is
// also a swap.Drainer: a draining device's runs are paged back in, verified
// and freed.
type residentSet struct {
	m *swap.Manager

	mu sync.Mutex

	// runs maps the first slot of each swapped-out run to the expected
	// contents.
	// +checklocks:mu
	runs map[int][]byte

	// +checklocks:mu
	verified int

	// +checklocks:mu
	mismatched int
}

// swapOut writes pages patterned pages to swap. It returns the number of
// pages written and the number retired after write errors. It stops early,
// returning the run it was writing, if ctx is cancelled or bounce buffers
// run out.
func (rs *residentSet) swapOut(ctx context.Context, pages int) (written, bad int) {
	for seed := 1; written < pages; seed++ {
		slot, n := rs.m.Alloc(pages-written, true)
		if slot == 0 {
			log.Warningf("Out of swap after %d pages", written)
			break
		}
		data := pattern(seed, n)
		if err := rs.m.Put(ctx, slot, data); err != nil {
			log.Warningf("Writing %d pages at slot %d: %v", n, slot, err)
			if ctx.Err() != nil || linuxerr.Equals(linuxerr.EAGAIN, err) {
				// The slots themselves did not fail.
				rs.m.Free(slot, n)
				break
			}
			rs.m.MarkBad(slot, n)
			bad += n
			continue
		}
		rs.mu.Lock()
		rs.runs[slot] = data
		rs.mu.Unlock()
		written += n
	}
	return written, bad
}

// pageInLocked reads the run at slot back, checks it and frees it.
//
// Preconditions: rs.mu is locked.
func (rs *residentSet) pageInLocked(ctx context.Context, slot int) error {
	want := rs.runs[slot]
	got := make([]byte, len(want))
	if err := rs.m.Get(ctx, slot, got); err != nil {
		return fmt.Errorf("reading %d pages at slot %d: %w", len(want)/hostarch.PageSize, slot, err)
	}
	n := len(want) / hostarch.PageSize
	if bytes.Equal(got, want) {
		rs.verified += n
	} else {
		log.Warningf("Pages at slot %d do not match what was written", slot)
		rs.mismatched += n
	}
	rs.m.Free(slot, n)
	delete(rs.runs, slot)
	return nil
}

// swapIn pages every run back in.
func (rs *residentSet) swapIn(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for slot := range rs.runs {
		if err := rs.pageInLocked(ctx, slot); err != nil {
			log.Warningf("%v", err)
		}
	}
}

// DrainSwap implements swap.Drainer.DrainSwap.
func (rs *residentSet) DrainSwap(ctx context.Context, dev swap.DeviceInfo) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for slot := range rs.runs {
		if slot < dev.DrumOffset || slot >= dev.DrumOffset+dev.DrumSize {
			continue
		}
		if err := rs.pageInLocked(ctx, slot); err != nil {
			return err
		}
	}
	log.Infof("Paged in every run held on %s", dev.Name)
	return nil
}

func (rs *residentSet) result() (verified, mismatched int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.verified, rs.mismatched
}

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

// Package cmd holds implementations of the swapctl commands.
package cmd

import (
	"context"
	"fmt"

	"github.com/gofrs/flock"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/swap/hostdev"
	"gvisor.dev/drum/pkg/swap/pagepool"
	"gvisor.dev/drum/swapctl/config"
)

// session is a swap manager with the swap table brought online.
type session struct {
	m    *swap.Manager
	pool *pagepool.Pool

	// online lists the devices brought online, in table order.
	online []string

	unlock func() error
}

// lockFile takes the swapctl lock file, failing if another swapctl holds it.
func lockFile(path string) (func() error, error) {
	l := flock.NewFlock(path)
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %v", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %q is held by another swapctl: %w", path, linuxerr.EBUSY)
	}
	return l.Unlock, nil
}

// storeFor returns the store described by e.
func storeFor(e config.Entry) swap.Store {
	if e.Kind == config.KindFile {
		return hostdev.NewFile(e.Path)
	}
	d := hostdev.NewDevice(e.Path)
	d.Root = e.Root
	d.RootSize = e.RootSize
	return d
}

// mount brings every device in the swap table online. Devices that cannot be
// brought online are logged and skipped.
func mount(ctx context.Context, conf *config.Config, drainers ...swap.Drainer) (*session, error) {
	unlock, err := lockFile(conf.Lock)
	if err != nil {
		return nil, err
	}
	table, err := config.LoadTable(conf.Table)
	if err != nil {
		unlock()
		return nil, err
	}
	table.Log()
	pool, err := pagepool.New(conf.BounceLimit, conf.BounceReserve)
	if err != nil {
		unlock()
		return nil, err
	}

	s := &session{
		m: swap.New(swap.Options{
			Encrypt:      conf.Encrypt,
			Pages:        pool,
			Drainers:     drainers,
			DrainTimeout: conf.DrainTimeout,
		}),
		pool:   pool,
		unlock: unlock,
	}
	for _, e := range table.Devices {
		if err := s.m.SwapOn(ctx, storeFor(e), e.Priority); err != nil {
			log.Warningf("Skipping swap device %s: %v", e.Path, err)
			continue
		}
		s.online = append(s.online, e.Path)
	}
	log.Infof("%d of %d swap devices online", len(s.online), len(table.Devices))
	return s, nil
}

// unmount takes every device offline in reverse order and releases the lock.
// It returns the first error, having tried every device.
func (s *session) unmount(ctx context.Context) error {
	var first error
	for i := len(s.online) - 1; i >= 0; i-- {
		name := s.online[i]
		if err := s.m.SwapOff(ctx, name); err != nil {
			log.Warningf("Taking swap device %s offline: %v", name, err)
			if first == nil {
				first = err
			}
		}
	}
	s.online = nil
	if err := s.unlock(); err != nil && first == nil {
		first = err
	}
	return first
}

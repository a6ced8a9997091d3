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

package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/drum/pkg/bitmap"
	"gvisor.dev/drum/pkg/cleanup"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/extent"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/sync"
	"gvisor.dev/drum/pkg/usage"
)

// SwapOn brings store online as a swap device at priority. Lower priorities
// are allocated from first.
//
// A placeholder for the device is registered while the store is opened and
// probed. If any step fails, everything is undone and the device is absent.
func (m *Manager) SwapOn(ctx context.Context, store Store, priority int) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	name := store.Name()
	m.mu.Lock()
	if m.reg.lookup(name) != nil {
		m.mu.Unlock()
		return fmt.Errorf("swap %s: already configured: %w", name, linuxerr.EBUSY)
	}
	d := &device{
		name:  name,
		store: store,
		flags: FlagFake,
		state: StateProbing,
	}
	m.reg.insert(d, priority)
	m.usage.Inc(1, usage.Devices)
	m.mu.Unlock()
	cu := cleanup.Make(func() {
		m.mu.Lock()
		m.reg.remove(d)
		d.state = StateRemoved
		m.usage.Dec(1, usage.Devices)
		m.mu.Unlock()
	})
	defer cu.Clean()

	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("swap %s: opening: %w", name, err)
	}
	cu.Add(func() {
		if err := store.Close(); err != nil {
			m.logger.Warningf("swap %s: closing after failed swap-on: %v", name, err)
		}
	})
	geo, err := store.Probe(ctx)
	if err != nil {
		return fmt.Errorf("swap %s: probing: %w", name, err)
	}
	if err := m.configure(d, geo); err != nil {
		return err
	}
	if d.file != nil {
		if err := checkHoles(d); err != nil {
			return err
		}
	}

	m.mu.Lock()
	off, err := m.drum.Alloc(int64(d.npages))
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("swap %s: no room for %d pages in the drum: %w", name, d.npages, linuxerr.ENOSPC)
	}
	m.nextID++
	d.ex = extent.New(fmt.Sprintf("swap0x%04x", m.nextID), 0, int64(d.npages))
	d.bad = bitmap.New(uint32(d.npages))
	if d.reserved > 0 {
		if err := d.ex.AllocRegion(0, int64(d.reserved)); err != nil {
			panic(fmt.Sprintf("swap %s: reserving %d pages of a fresh extent: %v", name, d.reserved, err))
		}
	}
	d.npginuse = d.reserved
	if m.encrypt {
		d.crypt = newCryptState(d.npages)
	}
	d.drumOffset = int(off)
	d.drumSize = d.npages
	d.flags = FlagInUse | FlagEnable
	d.state = StateActive
	m.usage.Inc(uint64(d.npages), usage.Pages)
	m.usage.Inc(uint64(d.reserved), usage.InUse)
	m.mu.Unlock()
	cu.Release()

	m.logger.Infof("swap %s: online as %s device at priority %d, %d pages (%d reserved) at drum offset %d", name, geo.Kind, priority, d.npages, d.reserved, d.drumOffset)
	return nil
}

// configure validates geo and sizes d from it.
func (m *Manager) configure(d *device, geo Geometry) error {
	switch geo.Kind {
	case KindBlock:
		bs, ok := d.store.(BlockStore)
		if !ok {
			return fmt.Errorf("swap %s: block store does not implement BlockIO: %w", d.name, linuxerr.EINVAL)
		}
		d.block = bs
	case KindFile:
		fs, ok := d.store.(FileStore)
		if !ok {
			return fmt.Errorf("swap %s: file store does not implement Bmap: %w", d.name, linuxerr.EINVAL)
		}
		if geo.BlockSize <= 0 || geo.BlockSize%hostarch.SectorSize != 0 {
			return fmt.Errorf("swap %s: block size %d: %w", d.name, geo.BlockSize, linuxerr.EINVAL)
		}
		d.file = fs
	default:
		return fmt.Errorf("swap %s: unknown kind %v: %w", d.name, geo.Kind, linuxerr.EINVAL)
	}

	npages := hostarch.BytesToPages(geo.Size)
	if npages > DrumEnd-DrumStart {
		npages = DrumEnd - DrumStart
	}
	reserved := int64(0)
	if geo.Kind == KindBlock {
		// Leave the disk label and boot blocks alone.
		reserved = 1
	}
	if geo.Root {
		size, ok := hostarch.PageRoundUp(geo.RootSize)
		if !ok || hostarch.BytesToPages(size) >= npages {
			return fmt.Errorf("swap %s: boot image of %d bytes leaves no swap in %d pages: %w", d.name, geo.RootSize, npages, linuxerr.EINVAL)
		}
		if rootpages := hostarch.BytesToPages(size); rootpages > reserved {
			reserved = rootpages
		}
		m.logger.Infof("swap %s: preserved %d pages of boot image, leaving %d pages of swap", d.name, reserved, npages-reserved)
	}
	if npages-reserved < 1 {
		return fmt.Errorf("swap %s: %d bytes is too small: %w", d.name, geo.Size, linuxerr.EINVAL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d.geo = geo
	d.npages = int(npages)
	d.reserved = int(reserved)
	if d.file != nil {
		maxActive := geo.MaxActive
		if maxActive <= 0 {
			maxActive = DefaultMaxActive
		}
		d.q = ioQueue{
			maxActive: maxActive,
			limit:     maxActive * m.opts.QueueFactor,
			space:     sync.NewCond(&m.mu),
		}
	}
	return nil
}

// checkHoles walks the block map of a swap file and fails if any block backing
// a page is unallocated.
func checkHoles(d *device) error {
	bsize := d.geo.BlockSize
	nblk := (int64(d.npages)*hostarch.PageSize + bsize - 1) / bsize
	for lblk := int64(0); lblk < nblk; {
		_, sector, nra, err := d.file.Bmap(lblk)
		if err != nil {
			return fmt.Errorf("swap %s: mapping block %d: %w", d.name, lblk, err)
		}
		if sector == Hole {
			return fmt.Errorf("swap %s: file has a hole at block %d: %w", d.name, lblk, linuxerr.ENXIO)
		}
		lblk += int64(1 + nra)
	}
	return nil
}

// SwapOff takes the device named name offline.
//
// The device stops serving allocations, and every Drainer is asked to page in
// and free the slots it holds there. If any slot other than a bad one is
// still allocated afterwards, or a drainer fails, the device is restored and
// SwapOff returns EBUSY.
func (m *Manager) SwapOff(ctx context.Context, name string) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	m.mu.Lock()
	d := m.reg.lookup(name)
	if d == nil {
		m.mu.Unlock()
		return fmt.Errorf("swap %s: %w", name, linuxerr.ENXIO)
	}
	if d.flags&FlagInUse == 0 || d.state != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("swap %s: not active: %w", name, linuxerr.EBUSY)
	}
	enabled := d.flags & FlagEnable
	d.flags &^= FlagEnable
	d.state = StateDraining
	info := infoLocked(d)
	m.mu.Unlock()
	m.logger.Infof("swap %s: draining %d live slots", name, info.InUse-info.Reserved-info.Bad)

	g, gctx := errgroup.WithContext(ctx)
	for _, dr := range m.opts.Drainers {
		dr := dr
		g.Go(func() error {
			return dr.DrainSwap(gctx, info)
		})
	}
	err := g.Wait()
	if err == nil {
		err = m.quiesce(ctx, d)
	}

	m.mu.Lock()
	if live := d.live(); err != nil || live > 0 {
		d.flags |= enabled
		d.state = StateActive
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%d slots still in use", live)
		}
		m.logger.Warningf("swap %s: swap-off aborted: %v", name, err)
		return fmt.Errorf("swap %s: %v: %w", name, err, linuxerr.EBUSY)
	}
	m.removeLocked(d)
	m.mu.Unlock()

	if err := d.store.Close(); err != nil {
		m.logger.Warningf("swap %s: closing: %v", name, err)
	}
	m.logger.Infof("swap %s: offline", name)
	return nil
}

// quiesce waits for d's in-flight transfers to finish.
func (m *Manager) quiesce(ctx context.Context, d *device) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = m.opts.DrainTimeout
	op := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if n := d.transfers; n > 0 {
			return fmt.Errorf("%d transfers in flight", n)
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// removeLocked unregisters d and releases its drum region, allocator and
// encryption state. Only bad slots may remain allocated.
//
// Preconditions: m.mu is locked.
func (m *Manager) removeLocked(d *device) {
	m.reg.remove(d)
	m.usage.Dec(1, usage.Devices)
	m.usage.Dec(uint64(d.npages), usage.Pages)
	if d.npginuse > 0 {
		m.usage.Dec(uint64(d.npginuse), usage.InUse)
	}
	if d.nbad > 0 {
		m.usage.Dec(uint64(d.nbad), usage.Bad)
	}
	if err := m.drum.Free(int64(d.drumOffset), int64(d.drumSize)); err != nil {
		panic(fmt.Sprintf("swap %s: releasing drum region: %v", d.name, err))
	}
	if d.crypt != nil {
		// Bad slots may still hold key references.
		for _, ck := range d.crypt.keys {
			if ck != nil {
				ck.key.Destroy()
			}
		}
		d.crypt = nil
	}
	d.ex = nil
	d.drumSize = 0
	d.flags = 0
	d.state = StateRemoved
}

// SetPriority moves the device named name to priority.
func (m *Manager) SetPriority(name string, priority int) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.reg.lookup(name)
	if d == nil {
		return fmt.Errorf("swap %s: %w", name, linuxerr.ENOENT)
	}
	if d.priority == priority {
		return nil
	}
	old := d.priority
	m.reg.setPriority(d, priority)
	m.logger.Infof("swap %s: priority %d -> %d", name, old, priority)
	return nil
}

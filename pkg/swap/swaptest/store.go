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

// Package swaptest provides in-memory swap stores and collaborators for
// tests.
package swaptest

import (
	"context"
	"fmt"

	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/sync"
)

// Volume is an in-memory disk addressed by sector. Requests complete
// synchronously inside Submit unless the volume holds them.
type Volume struct {
	mu sync.Mutex

	// +checklocks:mu
	data []byte

	// +checklocks:mu
	hold bool

	// +checklocks:mu
	held []*swap.Buf

	// +checklocks:mu
	fail map[int64]error

	// +checklocks:mu
	inflight int

	// +checklocks:mu
	peak int

	// +checklocks:mu
	submitted int
}

// NewVolume returns a zeroed volume of size bytes.
func NewVolume(size int64) *Volume {
	return &Volume{data: make([]byte, size)}
}

// Submit implements swap.BlockIO.Submit.
func (v *Volume) Submit(b *swap.Buf) {
	v.mu.Lock()
	v.submitted++
	v.inflight++
	if v.inflight > v.peak {
		v.peak = v.inflight
	}
	if v.hold {
		v.held = append(v.held, b)
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	v.finish(b)
}

// finish performs b and completes it.
func (v *Volume) finish(b *swap.Buf) {
	v.mu.Lock()
	err := v.transferLocked(b)
	v.inflight--
	v.mu.Unlock()
	b.Done(err)
}

// Preconditions: v.mu is locked.
func (v *Volume) transferLocked(b *swap.Buf) error {
	first := b.Sector
	last := b.Sector + hostarch.BytesToSectors(int64(len(b.Data)))
	for s := first; s < last; s++ {
		if err, ok := v.fail[s]; ok {
			return err
		}
	}
	off := hostarch.SectorsToBytes(b.Sector)
	if off < 0 || off+int64(len(b.Data)) > int64(len(v.data)) {
		return fmt.Errorf("request [%d, +%d) beyond volume of %d bytes: %w", off, len(b.Data), len(v.data), linuxerr.EIO)
	}
	if b.Write {
		copy(v.data[off:], b.Data)
	} else {
		copy(b.Data, v.data[off:])
	}
	return nil
}

// SetHold makes later requests wait for Release instead of completing.
func (v *Volume) SetHold(hold bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hold = hold
}

// Held returns the number of held requests.
func (v *Volume) Held() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.held)
}

// HeldSectors returns the first sector of every held request in submission
// order.
func (v *Volume) HeldSectors() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	ss := make([]int64, 0, len(v.held))
	for _, b := range v.held {
		ss = append(ss, b.Sector)
	}
	return ss
}

// Release completes the i'th held request.
func (v *Volume) Release(i int) {
	v.mu.Lock()
	b := v.held[i]
	v.held = append(v.held[:i], v.held[i+1:]...)
	v.mu.Unlock()
	v.finish(b)
}

// ReleaseAll completes every held request, including ones submitted while
// releasing, in submission order.
func (v *Volume) ReleaseAll() {
	for v.Held() > 0 {
		v.Release(0)
	}
}

// FailSector makes every request covering sector fail with err. A nil err
// clears the failure.
func (v *Volume) FailSector(sector int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.fail, sector)
		return
	}
	if v.fail == nil {
		v.fail = make(map[int64]error)
	}
	v.fail[sector] = err
}

// Bytes returns a copy of n bytes at off.
func (v *Volume) Bytes(off int64, n int) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.data[off:off+int64(n)]...)
}

// Peak returns the largest number of requests ever in flight at once.
func (v *Volume) Peak() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peak
}

// Submitted returns the number of requests submitted.
func (v *Volume) Submitted() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submitted
}

// Inflight returns the number of requests submitted and not completed.
func (v *Volume) Inflight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inflight
}

// lifecycle carries the Store bookkeeping shared by MemDisk and MemFile.
type lifecycle struct {
	name string

	mu sync.Mutex

	// OpenErr and ProbeErr are returned by Open and Probe.
	OpenErr  error
	ProbeErr error

	// ProbeHook, if set, runs at the start of Probe.
	ProbeHook func()

	opens  int
	closes int
}

// Name implements swap.Store.Name.
func (l *lifecycle) Name() string {
	return l.name
}

// Open implements swap.Store.Open.
func (l *lifecycle) Open(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.OpenErr != nil {
		return l.OpenErr
	}
	l.opens++
	return nil
}

// Close implements swap.Store.Close.
func (l *lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

// IsOpen reports whether the store has been opened more often than closed.
func (l *lifecycle) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens > l.closes
}

func (l *lifecycle) probe() error {
	if l.ProbeHook != nil {
		l.ProbeHook()
	}
	return l.ProbeErr
}

// MemDisk is an in-memory raw block device.
type MemDisk struct {
	lifecycle
	*Volume

	// Geo is returned by Probe.
	Geo swap.Geometry

	// Unreachable makes every buffer unreachable by DMA.
	Unreachable bool
}

// NewMemDisk returns a raw device of npages pages.
func NewMemDisk(name string, npages int) *MemDisk {
	size := int64(npages) * hostarch.PageSize
	return &MemDisk{
		lifecycle: lifecycle{name: name},
		Volume:    NewVolume(size),
		Geo: swap.Geometry{
			Kind: swap.KindBlock,
			Size: size,
		},
	}
}

// Probe implements swap.Store.Probe.
func (d *MemDisk) Probe(context.Context) (swap.Geometry, error) {
	if err := d.probe(); err != nil {
		return swap.Geometry{}, err
	}
	return d.Geo, nil
}

// Reachable implements swap.DMAChecker.Reachable.
func (d *MemDisk) Reachable([]byte) bool {
	return !d.Unreachable
}

// MemFile is an in-memory swap file. Its blocks live on a Volume in runs
// that are physically separated, so transfers spanning runs are split.
type MemFile struct {
	lifecycle
	vol *Volume

	// Geo is returned by Probe.
	Geo swap.Geometry

	bsize int64

	mu sync.Mutex

	// bmap holds the first sector of every file block, or swap.Hole.
	// +checklocks:mu
	bmap []int64

	// +checklocks:mu
	bmapErr error
}

// NewMemFile returns a file of npages pages made of blocks of bsize bytes.
// runs gives the length in blocks of each physically contiguous run; the
// last run is extended to cover the file. A nil runs makes the file one
// contiguous run.
func NewMemFile(name string, npages int, bsize int64, runs []int) *MemFile {
	size := int64(npages) * hostarch.PageSize
	nblk := int((size + bsize - 1) / bsize)
	bmap := make([]int64, 0, nblk)
	spb := hostarch.BytesToSectors(bsize)
	// Leave one unused block before every run.
	phys := int64(1)
	for i := 0; len(bmap) < nblk; i++ {
		n := nblk - len(bmap)
		if i < len(runs) && runs[i] < n {
			n = runs[i]
		}
		for j := 0; j < n; j++ {
			bmap = append(bmap, phys*spb)
			phys++
		}
		phys++
	}
	return &MemFile{
		lifecycle: lifecycle{name: name},
		vol:       NewVolume(phys * bsize),
		Geo: swap.Geometry{
			Kind:      swap.KindFile,
			Size:      size,
			BlockSize: bsize,
		},
		bsize: bsize,
		bmap:  bmap,
	}
}

// Volume returns the volume holding the file's blocks.
func (f *MemFile) Volume() *Volume {
	return f.vol
}

// Probe implements swap.Store.Probe.
func (f *MemFile) Probe(context.Context) (swap.Geometry, error) {
	if err := f.probe(); err != nil {
		return swap.Geometry{}, err
	}
	return f.Geo, nil
}

// Bmap implements swap.FileStore.Bmap.
func (f *MemFile) Bmap(lblk int64) (swap.BlockIO, int64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bmapErr != nil {
		return nil, 0, 0, f.bmapErr
	}
	if lblk < 0 || lblk >= int64(len(f.bmap)) {
		return nil, 0, 0, fmt.Errorf("block %d beyond %d: %w", lblk, len(f.bmap), linuxerr.EINVAL)
	}
	sector := f.bmap[lblk]
	if sector == swap.Hole {
		return f.vol, swap.Hole, 0, nil
	}
	spb := hostarch.BytesToSectors(f.bsize)
	nra := 0
	for i := lblk + 1; i < int64(len(f.bmap)) && f.bmap[i] == f.bmap[i-1]+spb; i++ {
		nra++
	}
	return f.vol, sector, nra, nil
}

// Punch unallocates file block lblk.
func (f *MemFile) Punch(lblk int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bmap[lblk] = swap.Hole
}

// SetBmapError makes Bmap fail with err. A nil err clears the failure.
func (f *MemFile) SetBmapError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bmapErr = err
}

// PageOffset returns the volume byte offset holding byte off of the file.
func (f *MemFile) PageOffset(off int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hostarch.SectorsToBytes(f.bmap[off/f.bsize]) + off%f.bsize
}

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

// Package swap implements the swap-space manager.
//
// A Manager turns a priority-ordered set of swap devices (raw block devices
// or pre-allocated regular files) into a single space of page-sized slots,
// the drum. Callers allocate runs of slots, move pages to and from them, and
// free them again:
//
//	slot, n := m.Alloc(4, true)
//	if slot == 0 {
//		// No swap space.
//	}
//	err := m.Put(ctx, slot, pages[:n*hostarch.PageSize])
//	...
//	err = m.Get(ctx, slot, pages[:n*hostarch.PageSize])
//	m.Free(slot, n)
//
// Lock order:
//
//	Manager.configMu
//		Manager.mu
//
// configMu serializes device lifecycle operations and may be held across
// probing and draining. mu guards all registry, allocator, encryption and
// queue state and is never held across I/O.
package swap

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/drum/pkg/errors"
	"gvisor.dev/drum/pkg/extent"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/swap/swapcrypt"
	"gvisor.dev/drum/pkg/sync"
	"gvisor.dev/drum/pkg/usage"
)

const (
	// DrumStart is the first slot of the drum. Slot 0 is never handed out;
	// callers receiving it treat the operation as failed.
	DrumStart = 1

	// DrumEnd is one past the last slot of the drum.
	DrumEnd = math.MaxInt32

	// DefaultMaxActive is the per-device cap on in-flight sub-requests for
	// file-backed devices.
	DefaultMaxActive = 8

	// NFSMaxActive is the cap used for swap files on NFS.
	NFSMaxActive = 2

	// DefaultQueueFactor multiplies a device's cap to bound its outstanding
	// sub-requests (in flight, queued and reserved).
	DefaultQueueFactor = 4

	// DefaultDrainTimeout bounds the wait for in-flight I/O to finish during
	// swap-off.
	DefaultDrainTimeout = 30 * time.Second
)

// ErrSparseFile is returned for transfers that hit a hole in a swap file.
var ErrSparseFile = errors.New(unix.EIO, "swap to sparse file")

// Kind is the type of backing store.
type Kind int

const (
	// KindBlock is a raw block device addressed by sector.
	KindBlock Kind = iota

	// KindFile is a regular file whose blocks are mapped through the
	// filesystem.
	KindFile
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Geometry is what probing a store reports.
type Geometry struct {
	// Kind must match the interfaces the store implements: BlockStore for
	// KindBlock, FileStore for KindFile.
	Kind Kind

	// Size is the store size in bytes. Only whole pages are used.
	Size int64

	// BlockSize is the filesystem block size of a file store in bytes. It
	// must be a multiple of hostarch.SectorSize.
	BlockSize int64

	// MaxActive overrides the cap on in-flight sub-requests. Zero selects
	// DefaultMaxActive.
	MaxActive int

	// Root is true if the system was booted from this store. The boot
	// image is then preserved.
	Root bool

	// RootSize is the size in bytes of the boot image at the start of a
	// root store.
	RootSize int64
}

// Store is a backing store that can be brought online as a swap device.
type Store interface {
	// Name identifies the store. It must be unique among registered
	// devices.
	Name() string

	// Open prepares the store for I/O.
	Open(ctx context.Context) error

	// Probe reports the store's geometry. It is called after Open.
	Probe(ctx context.Context) (Geometry, error)

	// Close releases the store.
	Close() error
}

// BlockIO accepts block I/O requests.
type BlockIO interface {
	// Submit starts b. The implementation must call b.Done exactly once,
	// from any goroutine, possibly before Submit returns. Submit must not
	// block on other requests completing.
	Submit(b *Buf)
}

// BlockStore is a raw block device.
type BlockStore interface {
	Store
	BlockIO
}

// Hole is the sector Bmap returns for an unallocated file block.
const Hole = -1

// FileStore is a regular file on some filesystem.
type FileStore interface {
	Store

	// Bmap translates file block lblk (in units of Geometry.BlockSize) into
	// the BlockIO holding it and the sector at which it starts there. nra
	// is the number of file blocks following lblk that are physically
	// contiguous with it. sector is Hole if the block is not allocated.
	Bmap(lblk int64) (io BlockIO, sector int64, nra int, err error)
}

// DMAChecker may be implemented by a Store whose transport cannot reach all
// memory. Transfers from or to unreachable buffers are bounced.
type DMAChecker interface {
	Reachable(data []byte) bool
}

// Buf is one block I/O request.
type Buf struct {
	// Sector is the first sector of the request on the target.
	Sector int64

	// Data is transferred to or from the target. Its length is a multiple
	// of hostarch.SectorSize.
	Data []byte

	// Write is true for writes.
	Write bool

	done      func(error)
	completed atomic.Bool
}

// Done completes b with err.
func (b *Buf) Done(err error) {
	if b.completed.Swap(true) {
		panic(fmt.Sprintf("buffer at sector %d completed twice", b.Sector))
	}
	b.done(err)
}

// PageAllocator supplies bounce buffers.
type PageAllocator interface {
	// Alloc returns n pages. Failure is treated as a transient condition.
	Alloc(n int) ([]byte, error)

	// Free releases pages returned by Alloc.
	Free(b []byte)
}

// Key transforms page contents. blk is the device-local slot and serves as
// the tweak, so equal plaintext in different slots encrypts differently.
type Key interface {
	Encrypt(dst, src []byte, blk uint64)
	Decrypt(dst, src []byte, blk uint64)
	Destroy()
}

// KeySource creates keys.
type KeySource interface {
	NewKey() (Key, error)
}

// Drainer is a collaborator that references swap slots, such as an
// anonymous memory pool. During swap-off each drainer must page in every
// slot it holds within dev.DrumOffset and dev.DrumSize and free it.
type Drainer interface {
	DrainSwap(ctx context.Context, dev DeviceInfo) error
}

// Options configure a Manager.
type Options struct {
	// Encrypt enables encryption of swapped pages.
	Encrypt bool

	// Keys supplies encryption keys. nil selects AES-XTS keys from
	// swapcrypt.
	Keys KeySource

	// Pages supplies bounce buffers. nil selects the Go heap.
	Pages PageAllocator

	// Drainers are asked to release a device's slots during swap-off.
	Drainers []Drainer

	// DrainTimeout bounds the wait for in-flight I/O during swap-off. Zero
	// selects DefaultDrainTimeout.
	DrainTimeout time.Duration

	// QueueFactor bounds each file-backed device's outstanding
	// sub-requests to QueueFactor times its cap. Zero selects
	// DefaultQueueFactor.
	QueueFactor int

	// Logger receives the manager's log output. nil selects the global
	// logger.
	Logger log.Logger
}

// Manager is the swap-space manager.
type Manager struct {
	opts   Options
	keys   KeySource
	pages  PageAllocator
	logger log.Logger

	// lost rate-limits warnings on the allocator hot paths.
	lost log.Logger

	usage usage.Swap

	// configMu serializes SwapOn, SwapOff and SetPriority.
	configMu sync.Mutex

	// mu protects the fields below and all mutable device state.
	mu sync.Mutex

	// drum hands out device regions.
	// +checklocks:mu
	drum *extent.Extent

	// +checklocks:mu
	reg registry

	// encrypt is true if new writes are encrypted.
	// +checklocks:mu
	encrypt bool

	// nextID numbers devices for extent names.
	// +checklocks:mu
	nextID int
}

// New returns a Manager with no devices.
func New(opts Options) *Manager {
	m := &Manager{
		opts:    opts,
		keys:    opts.Keys,
		pages:   opts.Pages,
		logger:  opts.Logger,
		encrypt: opts.Encrypt,
	}
	if m.keys == nil {
		m.keys = xtsKeys{}
	}
	if m.pages == nil {
		m.pages = heapPages{}
	}
	if m.logger == nil {
		m.logger = log.Log()
	}
	if m.opts.DrainTimeout == 0 {
		m.opts.DrainTimeout = DefaultDrainTimeout
	}
	if m.opts.QueueFactor == 0 {
		m.opts.QueueFactor = DefaultQueueFactor
	}
	m.lost = log.RateLimitedLogger(m.logger, time.Second)
	m.drum = extent.New("swapmap", DrumStart, DrumEnd)
	return m
}

// Usage returns the current page counters.
func (m *Manager) Usage() usage.SwapStats {
	return m.usage.Copy()
}

// IOUsage returns the current transfer counters.
func (m *Manager) IOUsage() usage.IO {
	return m.usage.IO.Copy()
}

// xtsKeys creates AES-XTS keys from the system random source.
type xtsKeys struct{}

func (xtsKeys) NewKey() (Key, error) {
	k, err := swapcrypt.NewKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// heapPages allocates bounce buffers from the Go heap.
type heapPages struct{}

func (heapPages) Alloc(n int) ([]byte, error) {
	return make([]byte, n*hostarch.PageSize), nil
}

func (heapPages) Free([]byte) {}

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

// Package pagepool provides bounce pages for swap I/O from anonymous host
// mappings.
package pagepool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/sync"
)

// Pool hands out page-aligned buffers mapped with mmap(2).
//
// A Pool with a limit refuses any allocation that would leave fewer than
// reserve of its limit pages free. Refusals and mapping failures are
// reported as EAGAIN, since they clear once outstanding buffers are freed.
type Pool struct {
	limit   int
	reserve int

	mu sync.Mutex

	// +checklocks:mu
	outstanding int

	// maps records the page count of every live buffer by base address.
	// +checklocks:mu
	maps map[uintptr]int

	// +checklocks:mu
	refused uint64
}

// New returns a Pool of at most limit pages, reserve of which are never
// handed out. A limit of zero means no limit.
func New(limit, reserve int) (*Pool, error) {
	if limit < 0 || reserve < 0 || (limit > 0 && reserve >= limit) {
		return nil, fmt.Errorf("page pool limit %d with reserve %d: %w", limit, reserve, linuxerr.EINVAL)
	}
	return &Pool{
		limit:   limit,
		reserve: reserve,
		maps:    make(map[uintptr]int),
	}, nil
}

// Alloc implements swap.PageAllocator.Alloc.
func (p *Pool) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("allocating %d pages: %w", n, linuxerr.EINVAL)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.outstanding+n > p.limit-p.reserve {
		p.refused++
		return nil, fmt.Errorf("allocating %d pages with %d of %d outstanding (%d reserved): %w", n, p.outstanding, p.limit, p.reserve, linuxerr.EAGAIN)
	}
	b, err := unix.Mmap(-1, 0, n*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		p.refused++
		log.Debugf("Page pool: mmap of %d pages failed: %v", n, err)
		return nil, fmt.Errorf("mapping %d pages: %v: %w", n, err, linuxerr.EAGAIN)
	}
	p.maps[base(b)] = n
	p.outstanding += n
	return b, nil
}

// Free implements swap.PageAllocator.Free. b must be a buffer returned by
// Alloc, not a slice of one.
func (p *Pool) Free(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := base(b)
	n, ok := p.maps[addr]
	if !ok || n*hostarch.PageSize != len(b) {
		panic(fmt.Sprintf("freeing %d bytes at %#x not allocated from the pool", len(b), addr))
	}
	if err := unix.Munmap(b); err != nil {
		panic(fmt.Sprintf("munmap of %d pages at %#x failed: %v", n, addr, err))
	}
	delete(p.maps, addr)
	p.outstanding -= n
}

// Outstanding returns the number of pages allocated and not yet freed.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Refused returns the number of allocations that failed.
func (p *Pool) Refused() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refused
}

func base(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

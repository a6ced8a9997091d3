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

package swaptest

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"

	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/swap/swapcrypt"
	"gvisor.dev/drum/pkg/sync"
)

// Pool is a collaborator holding swapped-out pages, standing in for an
// anonymous memory pool. During swap-off it pages in and frees every run it
// holds on the draining device.
type Pool struct {
	// M is the manager the pool swaps to. It must be set before DrainSwap
	// is called.
	M *swap.Manager

	mu sync.Mutex

	// runs maps the first slot of each held run to its length.
	// +checklocks:mu
	runs map[int]int

	// resident holds pages read back during draining, by slot.
	// +checklocks:mu
	resident map[int][]byte

	// +checklocks:mu
	stuck bool

	// +checklocks:mu
	err error

	// +checklocks:mu
	drained []string
}

// Hold records that the pool references the n slots at slot.
func (p *Pool) Hold(slot, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runs == nil {
		p.runs = make(map[int]int)
	}
	p.runs[slot] = n
}

// Forget drops the pool's reference to the run at slot without freeing it.
func (p *Pool) Forget(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, slot)
}

// SetStuck makes DrainSwap return without releasing anything, as a
// collaborator that failed to find its references would.
func (p *Pool) SetStuck(stuck bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stuck = stuck
}

// SetError makes DrainSwap fail with err.
func (p *Pool) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Held returns the first slot of every held run in ascending order.
func (p *Pool) Held() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots := make([]int, 0, len(p.runs))
	for s := range p.runs {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}

// Resident returns the page read back from slot during draining.
func (p *Pool) Resident(slot int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resident[slot]
}

// Drained returns the names of the devices the pool drained.
func (p *Pool) Drained() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.drained...)
}

// DrainSwap implements swap.Drainer.DrainSwap.
func (p *Pool) DrainSwap(ctx context.Context, dev swap.DeviceInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drained = append(p.drained, dev.Name)
	if p.err != nil {
		return p.err
	}
	if p.stuck {
		return nil
	}
	for slot, n := range p.runs {
		if slot < dev.DrumOffset || slot >= dev.DrumOffset+dev.DrumSize {
			continue
		}
		buf := make([]byte, n*hostarch.PageSize)
		if err := p.M.Get(ctx, slot, buf); err != nil {
			return fmt.Errorf("paging in slots [%d, %d): %w", slot, slot+n, err)
		}
		if p.resident == nil {
			p.resident = make(map[int][]byte)
		}
		for i := 0; i < n; i++ {
			p.resident[slot+i] = buf[i*hostarch.PageSize : (i+1)*hostarch.PageSize]
		}
		p.M.Free(slot, n)
		delete(p.runs, slot)
	}
	return nil
}

// Pages is a heap-backed swap.PageAllocator that tracks outstanding pages and
// can be told to fail.
type Pages struct {
	mu sync.Mutex

	// +checklocks:mu
	outstanding int

	// +checklocks:mu
	allocs int

	// +checklocks:mu
	fail bool
}

// Alloc implements swap.PageAllocator.Alloc.
func (p *Pages) Alloc(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, linuxerr.ENOMEM
	}
	p.outstanding += n
	p.allocs++
	return make([]byte, n*hostarch.PageSize), nil
}

// Free implements swap.PageAllocator.Free.
func (p *Pages) Free(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(b) / hostarch.PageSize
	if n > p.outstanding {
		panic(fmt.Sprintf("freeing %d pages with %d outstanding", n, p.outstanding))
	}
	p.outstanding -= n
}

// SetFail makes Alloc fail.
func (p *Pages) SetFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

// Outstanding returns the number of pages allocated and not freed.
func (p *Pages) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Allocs returns the number of successful Alloc calls.
func (p *Pages) Allocs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}

// Keys is a swap.KeySource of AES-XTS keys that counts live keys.
type Keys struct {
	mu sync.Mutex

	// +checklocks:mu
	live int

	// +checklocks:mu
	created int
}

type countedKey struct {
	*swapcrypt.Key
	keys *Keys
}

func (k countedKey) Destroy() {
	k.Key.Destroy()
	k.keys.mu.Lock()
	k.keys.live--
	k.keys.mu.Unlock()
}

// NewKey implements swap.KeySource.NewKey.
func (k *Keys) NewKey() (swap.Key, error) {
	key, err := swapcrypt.NewKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.live++
	k.created++
	k.mu.Unlock()
	return countedKey{Key: key, keys: k}, nil
}

// Live returns the number of keys created and not destroyed.
func (k *Keys) Live() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.live
}

// Created returns the number of keys ever created.
func (k *Keys) Created() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.created
}

// Pattern returns n pages filled with a pattern derived from seed.
func Pattern(seed, n int) []byte {
	b := make([]byte, n*hostarch.PageSize)
	for i := range b {
		b[i] = byte(seed*31 + i/hostarch.PageSize*7 + i)
	}
	return b
}

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

// Package usage provides swap accounting.
package usage

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/drum/pkg/sync"
)

// SwapKind names one swap page counter.
type SwapKind int

const (
	// Pages is the number of usable slots across all enabled devices.
	Pages SwapKind = iota

	// InUse is the number of slots handed out by the allocator, including
	// slots retired as bad.
	InUse

	// Bad is the number of slots retired after I/O errors.
	Bad

	// Devices is the number of registered swap devices, placeholders
	// included.
	Devices
)

// String implements fmt.Stringer.
func (k SwapKind) String() string {
	switch k {
	case Pages:
		return "pages"
	case InUse:
		return "inuse"
	case Bad:
		return "bad"
	case Devices:
		return "devices"
	default:
		return fmt.Sprintf("SwapKind(%d)", int(k))
	}
}

// SwapStats tracks swap usage. This object is thread-safe if accessed through
// the provided methods. The public fields may be safely accessed directly on a
// copy of the object obtained from Swap.Copy().
type SwapStats struct {
	// +checkatomic
	Pages uint64
	// +checkatomic
	InUse uint64
	// +checkatomic
	Bad uint64
	// +checkatomic
	Devices uint64
}

// IO contains swap I/O statistics.
type IO struct {
	// Gets is the number of page-in transfers started.
	Gets uint64

	// Puts is the number of page-out transfers started.
	Puts uint64

	// PagesRead is the number of pages read successfully.
	PagesRead uint64

	// PagesWritten is the number of pages written successfully.
	PagesWritten uint64

	// Errors is the number of transfers that completed with an error.
	Errors uint64
}

// AccountGet does the accounting for a page-in transfer of pages pages.
func (i *IO) AccountGet(pages int, err error) {
	atomic.AddUint64(&i.Gets, 1)
	if err != nil {
		atomic.AddUint64(&i.Errors, 1)
		return
	}
	atomic.AddUint64(&i.PagesRead, uint64(pages))
}

// AccountPut does the accounting for a page-out transfer of pages pages.
func (i *IO) AccountPut(pages int, err error) {
	atomic.AddUint64(&i.Puts, 1)
	if err != nil {
		atomic.AddUint64(&i.Errors, 1)
		return
	}
	atomic.AddUint64(&i.PagesWritten, uint64(pages))
}

// Copy returns a consistent-enough snapshot of i.
func (i *IO) Copy() IO {
	return IO{
		Gets:         atomic.LoadUint64(&i.Gets),
		Puts:         atomic.LoadUint64(&i.Puts),
		PagesRead:    atomic.LoadUint64(&i.PagesRead),
		PagesWritten: atomic.LoadUint64(&i.PagesWritten),
		Errors:       atomic.LoadUint64(&i.Errors),
	}
}

// Swap is SwapStats and IO with access methods. Each swap manager owns one.
type Swap struct {
	mu sync.RWMutex
	// SwapStats records the page counters.
	SwapStats
	// IO records the transfer counters.
	IO
}

func (s *Swap) counter(kind SwapKind) *uint64 {
	switch kind {
	case Pages:
		return &s.Pages
	case InUse:
		return &s.InUse
	case Bad:
		return &s.Bad
	case Devices:
		return &s.Devices
	default:
		panic(fmt.Sprintf("invalid swap kind: %v", kind))
	}
}

// Inc adds val to counter kind.
//
// This method is thread-safe.
func (s *Swap) Inc(val uint64, kind SwapKind) {
	s.mu.RLock()
	atomic.AddUint64(s.counter(kind), val)
	s.mu.RUnlock()
}

// Dec removes val from counter kind.
//
// This method is thread-safe.
func (s *Swap) Dec(val uint64, kind SwapKind) {
	s.mu.RLock()
	atomic.AddUint64(s.counter(kind), ^(val - 1))
	s.mu.RUnlock()
}

// Move moves val from counter from to counter to.
//
// This method is thread-safe.
func (s *Swap) Move(val uint64, to SwapKind, from SwapKind) {
	s.mu.RLock()
	atomic.AddUint64(s.counter(from), ^(val - 1))
	atomic.AddUint64(s.counter(to), val)
	s.mu.RUnlock()
}

// Copy returns a copy of the page counters, consistent with respect to
// concurrent Inc, Dec and Move calls.
func (s *Swap) Copy() SwapStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SwapStats{
		Pages:   atomic.LoadUint64(&s.Pages),
		InUse:   atomic.LoadUint64(&s.InUse),
		Bad:     atomic.LoadUint64(&s.Bad),
		Devices: atomic.LoadUint64(&s.Devices),
	}
}

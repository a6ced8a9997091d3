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

// Package extent implements a general extent allocator: it manages a range
// of integers [start, end) and hands out contiguous sub-ranges of it.
//
// Free space is indexed by start offset in a B-tree of disjoint spans.
// Adjacent free spans are always coalesced, so the tree holds the minimum
// number of spans describing the free space.
package extent

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/drum/pkg/errors/linuxerr"
)

// degree is the B-tree degree used for the free-span index.
const degree = 16

// span is a free range [start, end).
type span struct {
	start int64
	end   int64
}

func (s span) length() int64 {
	return s.end - s.start
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// Range is an allocated or free range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of units in r.
func (r Range) Length() int64 {
	return r.End - r.Start
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Extent manages the range [start, end).
//
// Extent is not synchronized; callers serialize access.
type Extent struct {
	name  string
	start int64
	end   int64

	// free indexes the free spans by start offset.
	free *btree.BTreeG[span]

	// nfree is the total length of all free spans.
	nfree int64
}

// New returns an Extent managing [start, end) with everything free.
func New(name string, start, end int64) *Extent {
	if start >= end {
		panic(fmt.Sprintf("extent %q: empty range [%d, %d)", name, start, end))
	}
	e := &Extent{
		name:  name,
		start: start,
		end:   end,
		free:  btree.NewG(degree, spanLess),
		nfree: end - start,
	}
	e.free.ReplaceOrInsert(span{start, end})
	return e
}

// Name returns the name given to New.
func (e *Extent) Name() string {
	return e.name
}

// Bounds returns the managed range.
func (e *Extent) Bounds() Range {
	return Range{e.start, e.end}
}

// Available returns the number of free units.
func (e *Extent) Available() int64 {
	return e.nfree
}

// Allocated returns the number of allocated units.
func (e *Extent) Allocated() int64 {
	return e.end - e.start - e.nfree
}

// Alloc allocates size contiguous units from the lowest free span large
// enough to hold them and returns the first unit. It returns ENOMEM if no
// span is large enough.
func (e *Extent) Alloc(size int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("extent %q: allocation of %d units: %w", e.name, size, linuxerr.EINVAL)
	}
	var (
		found span
		ok    bool
	)
	e.free.Ascend(func(s span) bool {
		if s.length() >= size {
			found, ok = s, true
			return false
		}
		return true
	})
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	e.free.Delete(found)
	if found.length() > size {
		e.free.ReplaceOrInsert(span{found.start + size, found.end})
	}
	e.nfree -= size
	return found.start, nil
}

// AllocRegion allocates exactly [start, start+size). It returns EBUSY if any
// part of the region is already allocated.
func (e *Extent) AllocRegion(start, size int64) error {
	if err := e.check(start, size); err != nil {
		return err
	}
	end := start + size
	var (
		s  span
		ok bool
	)
	e.free.DescendLessOrEqual(span{start: start}, func(c span) bool {
		s, ok = c, true
		return false
	})
	if !ok || s.end < end {
		return fmt.Errorf("extent %q: region %v: %w", e.name, Range{start, end}, linuxerr.EBUSY)
	}
	e.free.Delete(s)
	if s.start < start {
		e.free.ReplaceOrInsert(span{s.start, start})
	}
	if end < s.end {
		e.free.ReplaceOrInsert(span{end, s.end})
	}
	e.nfree -= size
	return nil
}

// Free returns [start, start+size) to the free space, coalescing it with
// its free neighbours. It returns EINVAL if the range is outside the extent
// or any part of it is already free.
func (e *Extent) Free(start, size int64) error {
	if err := e.check(start, size); err != nil {
		return err
	}
	end := start + size
	n := span{start, end}

	var (
		prev, next     span
		hasPrev, hasNx bool
	)
	e.free.DescendLessOrEqual(span{start: start}, func(c span) bool {
		prev, hasPrev = c, true
		return false
	})
	e.free.AscendGreaterOrEqual(span{start: start}, func(c span) bool {
		next, hasNx = c, true
		return false
	})
	if (hasPrev && prev.end > start) || (hasNx && next.start < end) {
		return fmt.Errorf("extent %q: free of %v overlaps free space: %w", e.name, Range{start, end}, linuxerr.EINVAL)
	}
	if hasPrev && prev.end == start {
		e.free.Delete(prev)
		n.start = prev.start
	}
	if hasNx && next.start == end {
		e.free.Delete(next)
		n.end = next.end
	}
	e.free.ReplaceOrInsert(n)
	e.nfree += size
	return nil
}

// FreeRanges returns the free space in ascending order.
func (e *Extent) FreeRanges() []Range {
	rs := make([]Range, 0, e.free.Len())
	e.free.Ascend(func(s span) bool {
		rs = append(rs, Range{s.start, s.end})
		return true
	})
	return rs
}

// IsFree reports whether every unit of [start, start+size) is free.
func (e *Extent) IsFree(start, size int64) bool {
	if e.check(start, size) != nil {
		return false
	}
	free := false
	e.free.DescendLessOrEqual(span{start: start}, func(c span) bool {
		free = c.end >= start+size
		return false
	})
	return free
}

func (e *Extent) check(start, size int64) error {
	if size <= 0 || start < e.start || start > e.end-size {
		return fmt.Errorf("extent %q: range [%d, +%d) outside %v: %w", e.name, start, size, e.Bounds(), linuxerr.EINVAL)
	}
	return nil
}

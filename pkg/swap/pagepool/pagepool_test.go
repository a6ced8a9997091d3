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

package pagepool

import (
	"bytes"
	"context"
	"testing"

	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/swap/swaptest"
)

func TestNewInvalid(t *testing.T) {
	for _, test := range []struct {
		name           string
		limit, reserve int
	}{
		{name: "negative limit", limit: -1},
		{name: "negative reserve", limit: 4, reserve: -1},
		{name: "reserve covers limit", limit: 4, reserve: 4},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.limit, test.reserve); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("New(%d, %d) = %v, want EINVAL", test.limit, test.reserve, err)
			}
		})
	}
}

func TestReserve(t *testing.T) {
	p, err := New(8, 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a, err := p.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc(4) failed: %v", err)
	}
	if len(a) != 4*hostarch.PageSize {
		t.Errorf("Alloc(4) returned %d bytes", len(a))
	}
	a[len(a)-1] = 1

	// Three more pages would eat into the reserve.
	if _, err := p.Alloc(3); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Fatalf("Alloc(3) = %v, want EAGAIN", err)
	}
	b, err := p.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc(2) failed: %v", err)
	}
	if got := p.Outstanding(); got != 6 {
		t.Errorf("Outstanding = %d, want 6", got)
	}
	p.Free(a)
	p.Free(b)
	if got := p.Outstanding(); got != 0 {
		t.Errorf("Outstanding = %d after Free, want 0", got)
	}
	if got := p.Refused(); got != 1 {
		t.Errorf("Refused = %d, want 1", got)
	}
	if _, err := p.Alloc(0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Alloc(0) = %v, want EINVAL", err)
	}
}

func TestFreeForeign(t *testing.T) {
	p, err := New(0, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := p.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer p.Free(b)
	for _, foreign := range [][]byte{make([]byte, hostarch.PageSize), b[:hostarch.PageSize]} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Free of foreign buffer did not panic")
				}
			}()
			p.Free(foreign)
		}()
	}
}

// TestBounce runs encrypted swap through the pool and checks that a
// refused bounce surfaces as EAGAIN.
func TestBounce(t *testing.T) {
	p, err := New(4, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m := swap.New(swap.Options{Encrypt: true, Pages: p})
	ctx := context.Background()
	if err := m.SwapOn(ctx, swaptest.NewMemDisk("disk", 32), 0); err != nil {
		t.Fatalf("SwapOn failed: %v", err)
	}

	slot, n := m.Alloc(3, false)
	if slot == 0 {
		t.Fatalf("Alloc(3) failed")
	}
	want := swaptest.Pattern(4, n)
	if err := m.Put(ctx, slot, want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got := make([]byte, len(want))
	if err := m.Get(ctx, slot, got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("contents differ after round trip")
	}
	if p.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after I/O, want 0", p.Outstanding())
	}

	big, m2 := m.Alloc(4, false)
	if big == 0 || m2 != 4 {
		t.Fatalf("Alloc(4) = %d, %d", big, m2)
	}
	if err := m.Put(ctx, big, swaptest.Pattern(5, 4)); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("Put of 4 pages = %v, want EAGAIN", err)
	}
}

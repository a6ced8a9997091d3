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

package extent

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/drum/pkg/errors"
	"gvisor.dev/drum/pkg/errors/linuxerr"
)

func TestAlloc(t *testing.T) {
	for _, test := range []struct {
		name string
		// regions are reserved with AllocRegion before allocating.
		regions []Range
		size    int64
		want    int64
		wantErr *errors.Error
	}{
		{
			name: "empty extent",
			size: 10,
			want: 1,
		},
		{
			name:    "skips reserved prefix",
			regions: []Range{{1, 5}},
			size:    3,
			want:    5,
		},
		{
			name:    "first fit skips small holes",
			regions: []Range{{1, 5}, {7, 20}},
			size:    3,
			want:    20,
		},
		{
			name:    "first fit uses exact hole",
			regions: []Range{{1, 5}, {7, 20}},
			size:    2,
			want:    5,
		},
		{
			name: "whole extent",
			size: 99,
			want: 1,
		},
		{
			name:    "too large",
			size:    100,
			wantErr: linuxerr.ENOMEM,
		},
		{
			name:    "fully reserved",
			regions: []Range{{1, 100}},
			size:    1,
			wantErr: linuxerr.ENOMEM,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := New("test", 1, 100)
			for _, r := range test.regions {
				if err := e.AllocRegion(r.Start, r.Length()); err != nil {
					t.Fatalf("AllocRegion(%v) failed: %v", r, err)
				}
			}
			got, err := e.Alloc(test.size)
			if test.wantErr != nil {
				if !linuxerr.Equals(test.wantErr, err) {
					t.Fatalf("Alloc(%d) = (%d, %v), want error %v", test.size, got, err, test.wantErr)
				}
				return
			}
			if err != nil || got != test.want {
				t.Fatalf("Alloc(%d) = (%d, %v), want %d", test.size, got, err, test.want)
			}
		})
	}
}

func TestFreeCoalesces(t *testing.T) {
	e := New("test", 0, 30)
	for i := 0; i < 3; i++ {
		if _, err := e.Alloc(10); err != nil {
			t.Fatalf("Alloc(10) #%d failed: %v", i, err)
		}
	}
	if e.Available() != 0 {
		t.Fatalf("Available() = %d, want 0", e.Available())
	}
	for _, step := range []struct {
		start int64
		want  []Range
	}{
		{start: 0, want: []Range{{0, 10}}},
		{start: 20, want: []Range{{0, 10}, {20, 30}}},
		{start: 10, want: []Range{{0, 30}}},
	} {
		if err := e.Free(step.start, 10); err != nil {
			t.Fatalf("Free(%d, 10) failed: %v", step.start, err)
		}
		if diff := cmp.Diff(step.want, e.FreeRanges()); diff != "" {
			t.Errorf("after Free(%d, 10), free ranges mismatch (-want +got):\n%s", step.start, diff)
		}
	}
	if e.Allocated() != 0 {
		t.Errorf("Allocated() = %d, want 0", e.Allocated())
	}
}

func TestFreeErrors(t *testing.T) {
	e := New("test", 1, 50)
	if err := e.AllocRegion(10, 10); err != nil {
		t.Fatalf("AllocRegion failed: %v", err)
	}
	for _, test := range []struct {
		name        string
		start, size int64
	}{
		{name: "already free", start: 1, size: 2},
		{name: "overlaps free tail", start: 15, size: 10},
		{name: "overlaps free head", start: 5, size: 10},
		{name: "before extent", start: 0, size: 1},
		{name: "past extent", start: 45, size: 10},
		{name: "zero size", start: 10, size: 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := e.Free(test.start, test.size); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("Free(%d, %d) = %v, want EINVAL", test.start, test.size, err)
			}
		})
	}
	if diff := cmp.Diff([]Range{{1, 10}, {20, 50}}, e.FreeRanges()); diff != "" {
		t.Errorf("failed frees changed free ranges (-want +got):\n%s", diff)
	}
}

func TestAllocRegionBusy(t *testing.T) {
	e := New("test", 1, 50)
	if err := e.AllocRegion(10, 10); err != nil {
		t.Fatalf("AllocRegion failed: %v", err)
	}
	if err := e.AllocRegion(15, 10); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("overlapping AllocRegion = %v, want EBUSY", err)
	}
	if !e.IsFree(20, 30) {
		t.Errorf("IsFree(20, 30) = false after failed AllocRegion")
	}
	if e.IsFree(19, 2) {
		t.Errorf("IsFree(19, 2) = true, want false")
	}
}

// TestRandomDisjoint checks that allocations never overlap and that all
// accounting returns to zero once everything is freed.
func TestRandomDisjoint(t *testing.T) {
	const size = 1000
	e := New("test", 1, size+1)
	owner := make(map[int64]int)
	type alloc struct{ start, size int64 }
	var live []alloc
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && r.Intn(3) == 0 {
			j := r.Intn(len(live))
			a := live[j]
			live = append(live[:j], live[j+1:]...)
			if err := e.Free(a.start, a.size); err != nil {
				t.Fatalf("Free(%d, %d) failed: %v", a.start, a.size, err)
			}
			for k := a.start; k < a.start+a.size; k++ {
				delete(owner, k)
			}
			continue
		}
		n := int64(1 + r.Intn(16))
		start, err := e.Alloc(n)
		if err != nil {
			continue
		}
		for k := start; k < start+n; k++ {
			if k < 1 || k > size {
				t.Fatalf("Alloc(%d) = %d, unit %d outside extent", n, start, k)
			}
			if prev, ok := owner[k]; ok {
				t.Fatalf("unit %d allocated twice (iterations %d and %d)", k, prev, i)
			}
			owner[k] = i
		}
		live = append(live, alloc{start, n})
	}
	if got, want := e.Allocated(), int64(len(owner)); got != want {
		t.Errorf("Allocated() = %d, want %d", got, want)
	}
	for _, a := range live {
		if err := e.Free(a.start, a.size); err != nil {
			t.Fatalf("Free(%d, %d) failed: %v", a.start, a.size, err)
		}
	}
	if diff := cmp.Diff([]Range{{1, size + 1}}, e.FreeRanges()); diff != "" {
		t.Errorf("free ranges after freeing everything (-want +got):\n%s", diff)
	}
}

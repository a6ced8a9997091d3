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

package swap_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/swap/swaptest"
	"gvisor.dev/drum/pkg/usage"
)

func TestDirectPlacement(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, swap.Options{})
	disk := swaptest.NewMemDisk("raw", 16)
	info := swapOn(t, m, disk, 0)
	slot, _ := m.Alloc(3, false)
	data := swaptest.Pattern(9, 3)
	if err := m.Put(ctx, slot, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	off := int64(slot-info.DrumOffset) * hostarch.PageSize
	if !bytes.Equal(disk.Bytes(off, len(data)), data) {
		t.Errorf("data not found at device offset %d", off)
	}
	if n := disk.Submitted(); n != 1 {
		t.Errorf("%d requests submitted, want 1", n)
	}
	got := make([]byte, len(data))
	if err := m.Get(ctx, slot, got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back data differs")
	}
	want := usage.IO{Gets: 1, Puts: 1, PagesRead: 3, PagesWritten: 3}
	if diff := cmp.Diff(want, m.IOUsage()); diff != "" {
		t.Errorf("IO usage mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitPlacement(t *testing.T) {
	for _, test := range []struct {
		name  string
		bsize int64
		runs  []int
		local int
		pages int
		// pieces is the number of sub-requests the transfer needs.
		pieces int
	}{
		{
			name:   "contiguous file",
			bsize:  4096,
			local:  0,
			pages:  4,
			pieces: 1,
		},
		{
			name:   "one page per run",
			bsize:  4096,
			runs:   []int{1, 1, 1, 1},
			local:  0,
			pages:  4,
			pieces: 4,
		},
		{
			name:   "small blocks",
			bsize:  1024,
			runs:   []int{3, 5, 2},
			local:  0,
			pages:  4,
			pieces: 4,
		},
		{
			name:   "start mid-run",
			bsize:  1024,
			runs:   []int{6, 10},
			local:  1,
			pages:  2,
			pieces: 2,
		},
		{
			name:   "large blocks",
			bsize:  8192,
			runs:   []int{1, 1},
			local:  1,
			pages:  2,
			pieces: 2,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctx := context.Background()
			m := newManager(t, swap.Options{})
			f := swaptest.NewMemFile("f", 8, test.bsize, test.runs)
			info := swapOn(t, m, f, 0)
			slot := info.DrumOffset + test.local
			data := swaptest.Pattern(test.local, test.pages)
			if err := m.Put(ctx, slot, data); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if got := f.Volume().Submitted(); got != test.pieces {
				t.Errorf("%d sub-requests submitted, want %d", got, test.pieces)
			}
			// Check every sector landed where the block map says.
			base := int64(test.local) * hostarch.PageSize
			for off := int64(0); off < int64(len(data)); off += hostarch.SectorSize {
				got := f.Volume().Bytes(f.PageOffset(base+off), hostarch.SectorSize)
				if !bytes.Equal(got, data[off:off+hostarch.SectorSize]) {
					t.Fatalf("file offset %d misplaced", base+off)
				}
			}
			got := make([]byte, len(data))
			if err := m.Get(ctx, slot, got); err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("read back data differs")
			}
		})
	}
}

// permutations returns every ordering of [0, n).
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{nil}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestFanInPermutations(t *testing.T) {
	const pieces = 4
	for _, mode := range []string{"none", "all", "first", "last"} {
		for _, order := range permutations(pieces) {
			t.Run(fmt.Sprintf("%s/%v", mode, order), func(t *testing.T) {
				pages := &swaptest.Pages{}
				keys := &swaptest.Keys{}
				m := newManager(t, swap.Options{Encrypt: true, Pages: pages, Keys: keys})
				f := swaptest.NewMemFile("f", 8, 4096, []int{1, 1, 1, 1})
				info := swapOn(t, m, f, 0)
				slot, _ := m.Alloc(pieces, false)

				vol := f.Volume()
				vol.SetHold(true)
				calls := 0
				var got error
				if err := m.PutAsync(slot, swaptest.Pattern(1, pieces), func(err error) {
					calls++
					got = err
				}); err != nil {
					t.Fatalf("PutAsync failed: %v", err)
				}
				sectors := vol.HeldSectors()
				if len(sectors) != pieces {
					t.Fatalf("%d sub-requests held, want %d", len(sectors), pieces)
				}

				pieceErr := make([]error, pieces)
				for i, s := range sectors {
					fail := mode == "all" ||
						(mode == "first" && i == order[0]) ||
						(mode == "last" && i == order[pieces-1])
					if fail {
						pieceErr[i] = fmt.Errorf("piece %d: %w", i, linuxerr.EIO)
						vol.FailSector(s, pieceErr[i])
					}
				}
				var want error
				for _, i := range order {
					if want == nil {
						want = pieceErr[i]
					}
				}

				// Release in the order given; indices shift as requests leave.
				remaining := []int{0, 1, 2, 3}
				for step, i := range order {
					if calls != 0 {
						t.Fatalf("done called after %d of %d completions", step, pieces)
					}
					idx := -1
					for j, r := range remaining {
						if r == i {
							idx = j
						}
					}
					remaining = append(remaining[:idx], remaining[idx+1:]...)
					vol.Release(idx)
				}
				if calls != 1 {
					t.Fatalf("done called %d times, want 1", calls)
				}
				if got != want {
					t.Errorf("transfer error = %v, want %v", got, want)
				}
				if out := pages.Outstanding(); out != 0 {
					t.Errorf("%d bounce pages leaked", out)
				}
				d := deviceInfo(t, m, info.Name)
				if d.Active != 0 || d.Queued != 0 {
					t.Errorf("device has %d active and %d queued sub-requests, want none", d.Active, d.Queued)
				}
				wantEncrypted := pieces
				if want != nil {
					wantEncrypted = 0
				}
				if d.Encrypted != wantEncrypted {
					t.Errorf("%d slots marked encrypted, want %d", d.Encrypted, wantEncrypted)
				}
				m.Free(slot, pieces)
				if live := keys.Live(); live != 0 {
					t.Errorf("%d keys live after free", live)
				}
			})
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	m := newManager(t, swap.Options{})
	f := swaptest.NewMemFile("f", 8, 4096, []int{1, 1, 1, 1, 1, 1})
	f.Geo.MaxActive = 2
	swapOn(t, m, f, 0)
	slot, _ := m.Alloc(6, false)

	vol := f.Volume()
	vol.SetHold(true)
	done := make(chan error, 1)
	if err := m.PutAsync(slot, swaptest.Pattern(2, 6), func(err error) { done <- err }); err != nil {
		t.Fatalf("PutAsync failed: %v", err)
	}
	if held := vol.Held(); held != 2 {
		t.Errorf("%d sub-requests in flight, want 2", held)
	}
	if d := deviceInfo(t, m, "f"); d.Active != 2 || d.Queued != 4 {
		t.Errorf("active %d queued %d, want 2 and 4", d.Active, d.Queued)
	}
	vol.Release(0)
	if held := vol.Held(); held != 2 {
		t.Errorf("%d sub-requests in flight after one completion, want 2", held)
	}
	vol.ReleaseAll()
	if err := <-done; err != nil {
		t.Errorf("transfer failed: %v", err)
	}
	if peak := vol.Peak(); peak != 2 {
		t.Errorf("peak in flight = %d, want 2", peak)
	}
}

func TestQueueBackpressure(t *testing.T) {
	m := newManager(t, swap.Options{QueueFactor: 1})
	f := swaptest.NewMemFile("f", 16, 4096, []int{1, 1, 1, 1, 1, 1, 1, 1})
	f.Geo.MaxActive = 2
	swapOn(t, m, f, 0)
	first, _ := m.Alloc(4, false)
	second, _ := m.Alloc(4, false)

	vol := f.Volume()
	vol.SetHold(true)
	done := make(chan error, 2)
	// An idle device takes a transfer larger than its queue.
	if err := m.PutAsync(first, swaptest.Pattern(1, 4), func(err error) { done <- err }); err != nil {
		t.Fatalf("first PutAsync failed: %v", err)
	}
	if err := m.PutAsync(second, swaptest.Pattern(2, 4), func(err error) { done <- err }); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Fatalf("second PutAsync = %v, want EAGAIN", err)
	}

	// A synchronous caller waits, and gives up with its context.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Put(ctx, second, swaptest.Pattern(2, 4)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Put on a full queue = %v, want deadline exceeded", err)
	}

	// A synchronous caller proceeds once space frees up.
	result := make(chan error, 1)
	go func() {
		result <- m.Put(context.Background(), second, swaptest.Pattern(2, 4))
	}()
	waitFor(t, "first transfer to be held", func() bool { return vol.Held() == 2 })
	vol.SetHold(false)
	vol.ReleaseAll()
	if err := <-done; err != nil {
		t.Errorf("first transfer failed: %v", err)
	}
	if err := <-result; err != nil {
		t.Errorf("waiting Put failed: %v", err)
	}
	got := make([]byte, 4*hostarch.PageSize)
	if err := m.Get(context.Background(), second, got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, swaptest.Pattern(2, 4)) {
		t.Errorf("second transfer's data differs")
	}
}

func TestAbandonDropsQueuedPieces(t *testing.T) {
	pages := &swaptest.Pages{}
	m := newManager(t, swap.Options{Encrypt: true, Pages: pages})
	f := swaptest.NewMemFile("f", 8, 4096, []int{1, 1, 1, 1})
	f.Geo.MaxActive = 1
	swapOn(t, m, f, 0)
	slot, _ := m.Alloc(4, false)

	vol := f.Volume()
	vol.SetHold(true)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- m.Put(ctx, slot, swaptest.Pattern(1, 4))
	}()
	waitFor(t, "pieces to be queued", func() bool { return deviceInfo(t, m, "f").Queued == 3 })
	if held := vol.Held(); held != 1 {
		t.Fatalf("%d pieces in flight, want 1", held)
	}
	cancel()
	waitFor(t, "queued pieces to be dropped", func() bool { return deviceInfo(t, m, "f").Queued == 0 })
	select {
	case err := <-result:
		t.Fatalf("Put returned %v with a piece still in flight", err)
	default:
	}
	vol.ReleaseAll()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Errorf("Put = %v, want context canceled", err)
	}
	if n := vol.Submitted(); n != 1 {
		t.Errorf("%d pieces submitted, want 1", n)
	}
	if out := pages.Outstanding(); out != 0 {
		t.Errorf("%d bounce pages leaked", out)
	}
}

func TestSparseFileAtIO(t *testing.T) {
	m := newManager(t, swap.Options{})
	f := swaptest.NewMemFile("f", 8, 4096, nil)
	info := swapOn(t, m, f, 0)
	slot, _ := m.Alloc(2, false)
	f.Punch(int64(slot-info.DrumOffset) + 1)

	err := m.Put(context.Background(), slot, swaptest.Pattern(1, 2))
	if !errors.Is(err, swap.ErrSparseFile) || !linuxerr.Equals(linuxerr.EIO, err) {
		t.Fatalf("Put = %v, want sparse file error", err)
	}
	if d := deviceInfo(t, m, "f"); d.Flags&swap.FlagEnable != 0 {
		t.Errorf("device flags %v, want enable cleared", d.Flags)
	}
	if slot, n := m.Alloc(1, true); slot != 0 || n != 0 {
		t.Errorf("Alloc = (%d, %d) from a disabled device", slot, n)
	}
}

func TestBmapError(t *testing.T) {
	m := newManager(t, swap.Options{})
	f := swaptest.NewMemFile("f", 8, 4096, nil)
	swapOn(t, m, f, 0)
	slot, _ := m.Alloc(1, false)
	f.SetBmapError(linuxerr.EIO)
	if err := m.Get(context.Background(), slot, make([]byte, hostarch.PageSize)); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Get = %v, want EIO", err)
	}
	if n := f.Volume().Submitted(); n != 0 {
		t.Errorf("%d requests submitted, want 0", n)
	}
}

func TestReadErrorThenMarkBad(t *testing.T) {
	m := newManager(t, swap.Options{})
	disk := swaptest.NewMemDisk("raw", 16)
	info := swapOn(t, m, disk, 0)
	slot, _ := m.Alloc(1, false)
	disk.FailSector(hostarch.PagesToSectors(int64(slot-info.DrumOffset)), linuxerr.EIO)

	if err := m.Get(context.Background(), slot, make([]byte, hostarch.PageSize)); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Fatalf("Get = %v, want EIO", err)
	}
	m.MarkBad(slot, 1)
	if got := m.IOUsage().Errors; got != 1 {
		t.Errorf("IO errors = %d, want 1", got)
	}
	if d := deviceInfo(t, m, "raw"); d.Bad != 1 {
		t.Errorf("bad = %d, want 1", d.Bad)
	}
}

func TestUnreachableBuffersBounce(t *testing.T) {
	for _, test := range []struct {
		name    string
		encrypt bool
	}{
		{name: "plaintext"},
		{name: "encrypted", encrypt: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctx := context.Background()
			pages := &swaptest.Pages{}
			m := newManager(t, swap.Options{Pages: pages, Encrypt: test.encrypt})
			disk := swaptest.NewMemDisk("raw", 16)
			disk.Unreachable = true
			info := swapOn(t, m, disk, 0)
			slot, _ := m.Alloc(2, false)
			data := swaptest.Pattern(4, 2)
			if err := m.Put(ctx, slot, data); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			off := int64(slot-info.DrumOffset) * hostarch.PageSize
			if plain := bytes.Equal(disk.Bytes(off, len(data)), data); plain == test.encrypt {
				t.Errorf("plaintext at rest = %t, want %t", plain, !test.encrypt)
			}
			got := make([]byte, len(data))
			if err := m.Get(ctx, slot, got); err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("read back data differs")
			}
			if n := pages.Allocs(); n != 2 {
				t.Errorf("%d bounce allocations, want 2", n)
			}
			if out := pages.Outstanding(); out != 0 {
				t.Errorf("%d bounce pages leaked", out)
			}
		})
	}
}

func TestAsyncCompletion(t *testing.T) {
	m := newManager(t, swap.Options{})
	disk := swaptest.NewMemDisk("raw", 16)
	swapOn(t, m, disk, 0)
	slot, _ := m.Alloc(1, false)
	disk.SetHold(true)
	done := make(chan error, 1)
	if err := m.PutAsync(slot, swaptest.Pattern(1, 1), func(err error) { done <- err }); err != nil {
		t.Fatalf("PutAsync failed: %v", err)
	}
	select {
	case err := <-done:
		t.Fatalf("done(%v) called before the device completed", err)
	default:
	}
	go disk.ReleaseAll()
	if err := <-done; err != nil {
		t.Errorf("PutAsync completed with %v", err)
	}
	buf := make([]byte, hostarch.PageSize)
	disk.SetHold(false)
	if err := m.GetAsync(slot, buf, func(err error) { done <- err }); err != nil {
		t.Fatalf("GetAsync failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("GetAsync completed with %v", err)
	}
	if !bytes.Equal(buf, swaptest.Pattern(1, 1)) {
		t.Errorf("GetAsync read wrong data")
	}
}

func TestInvalidTransferLength(t *testing.T) {
	m := newManager(t, swap.Options{})
	swapOn(t, m, swaptest.NewMemDisk("raw", 16), 0)
	slot, _ := m.Alloc(1, false)
	for _, n := range []int{0, 100, hostarch.PageSize + 1} {
		if err := m.Put(context.Background(), slot, make([]byte, n)); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Put of %d bytes = %v, want EINVAL", n, err)
		}
	}
}

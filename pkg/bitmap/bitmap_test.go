// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setBits(b *Bitmap) []uint32 {
	var got []uint32
	for i := uint32(0); i < b.Size(); i++ {
		if b.IsSet(i) {
			got = append(got, i)
		}
	}
	return got
}

func TestAddRemove(t *testing.T) {
	b := New(200)
	for _, i := range []uint32{0, 5, 63, 64, 130, 199} {
		if was := b.Add(i); was {
			t.Errorf("Add(%d) reported bit already set", i)
		}
	}
	if was := b.Add(63); !was {
		t.Errorf("second Add(63) reported bit clear")
	}
	if got := b.GetNumOnes(); got != 6 {
		t.Errorf("GetNumOnes() = %d, want 6", got)
	}
	if was := b.Remove(64); !was {
		t.Errorf("Remove(64) reported bit clear")
	}
	if was := b.Remove(64); was {
		t.Errorf("second Remove(64) reported bit set")
	}
	if diff := cmp.Diff([]uint32{0, 5, 63, 130, 199}, setBits(&b)); diff != "" {
		t.Errorf("set bits mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstOne(t *testing.T) {
	b := New(256)
	if _, err := b.FirstOne(0); err == nil {
		t.Errorf("FirstOne on empty bitmap succeeded")
	}
	b.Add(70)
	b.Add(200)
	for _, test := range []struct {
		start uint32
		want  uint32
	}{
		{0, 70},
		{70, 70},
		{71, 200},
	} {
		got, err := b.FirstOne(test.start)
		if err != nil || got != test.want {
			t.Errorf("FirstOne(%d) = (%d, %v), want %d", test.start, got, err, test.want)
		}
	}
}

func TestClearRange(t *testing.T) {
	for _, test := range []struct {
		name       string
		begin, end uint32
		want       []uint32
	}{
		{name: "within one word", begin: 2, end: 5, want: []uint32{0, 1, 5, 63, 64, 127, 128, 191}},
		{name: "word boundary", begin: 63, end: 65, want: []uint32{0, 1, 2, 3, 4, 5, 127, 128, 191}},
		{name: "spanning words", begin: 1, end: 191, want: []uint32{0, 191}},
		{name: "everything", begin: 0, end: 192, want: nil},
		{name: "empty range", begin: 10, end: 10, want: []uint32{0, 1, 2, 3, 4, 5, 63, 64, 127, 128, 191}},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := New(192)
			for _, i := range []uint32{0, 1, 2, 3, 4, 5, 63, 64, 127, 128, 191} {
				b.Add(i)
			}
			b.ClearRange(test.begin, test.end)
			got := setBits(&b)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("set bits mismatch (-want +got):\n%s", diff)
			}
			if n := b.GetNumOnes(); n != uint32(len(test.want)) {
				t.Errorf("GetNumOnes() = %d, want %d", n, len(test.want))
			}
		})
	}
}

func TestCountRange(t *testing.T) {
	b := New(300)
	for i := uint32(60); i < 140; i++ {
		b.Add(i)
	}
	if got := b.CountRange(0, 300); got != 80 {
		t.Errorf("CountRange(0, 300) = %d, want 80", got)
	}
	if got := b.CountRange(64, 128); got != 64 {
		t.Errorf("CountRange(64, 128) = %d, want 64", got)
	}
	if got := b.CountRange(139, 141); got != 1 {
		t.Errorf("CountRange(139, 141) = %d, want 1", got)
	}
}

func TestOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("IsSet past the end did not panic")
		}
	}()
	b := New(10)
	b.IsSet(10)
}

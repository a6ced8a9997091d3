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

package linuxerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		want bool
	}{
		{name: "same", err: EBUSY, want: true},
		{name: "wrapped", err: fmt.Errorf("swap on /dev/sd0b: %w", EBUSY), want: true},
		{name: "raw errno", err: unix.EBUSY, want: true},
		{name: "wrapped raw errno", err: fmt.Errorf("open: %w", unix.EBUSY), want: true},
		{name: "different", err: EINVAL, want: false},
		{name: "nil", err: nil, want: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Equals(EBUSY, test.err); got != test.want {
				t.Errorf("Equals(EBUSY, %v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestErrorFromUnix(t *testing.T) {
	if err := ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", err)
	}
	if err := ErrorFromUnix(unix.ENXIO); err != ENXIO {
		t.Errorf("ErrorFromUnix(ENXIO) = %v, want %v", err, ENXIO)
	}
	if err := ErrorFromUnix(unix.EPERM); err != unix.EPERM {
		t.Errorf("ErrorFromUnix(EPERM) = %v, want raw errno", err)
	}
	if got := ToUnix(fmt.Errorf("x: %w", EAGAIN)); got != unix.EAGAIN {
		t.Errorf("ToUnix(wrapped EAGAIN) = %v, want EAGAIN", got)
	}
}

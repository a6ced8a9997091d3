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
	"context"
	"testing"
	"time"

	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/swap"
)

func newManager(t *testing.T, opts swap.Options) *swap.Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	}
	return swap.New(opts)
}

func swapOn(t *testing.T, m *swap.Manager, s swap.Store, priority int) swap.DeviceInfo {
	t.Helper()
	if err := m.SwapOn(context.Background(), s, priority); err != nil {
		t.Fatalf("SwapOn(%s, %d) failed: %v", s.Name(), priority, err)
	}
	return deviceInfo(t, m, s.Name())
}

func deviceInfo(t *testing.T, m *swap.Manager, name string) swap.DeviceInfo {
	t.Helper()
	info, ok := m.Device(name)
	if !ok {
		t.Fatalf("device %s not registered", name)
	}
	return info
}

// owner returns the name of the device whose region holds slot.
func owner(m *swap.Manager, slot int) string {
	for _, d := range m.Devices() {
		if slot >= d.DrumOffset && slot < d.DrumOffset+d.DrumSize {
			return d.Name
		}
	}
	return ""
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

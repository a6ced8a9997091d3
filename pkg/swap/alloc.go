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

package swap

import (
	"fmt"

	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/usage"
)

// Alloc allocates n contiguous slots and returns the first one along with the
// number granted. Devices are tried in priority order, and round-robin within
// a priority. If no device has n contiguous free slots and lessOK is set, the
// whole scan is repeated for a single slot.
//
// Alloc never blocks. It returns (0, 0) if no slot is available.
func (m *Manager) Alloc(n int, lessOK bool) (slot int, granted int) {
	if n <= 0 {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if slot := m.allocLocked(n); slot != 0 {
			return slot, n
		}
		if !lessOK || n == 1 {
			return 0, 0
		}
		// Rescan from the top for one slot.
		n = 1
	}
}

// Preconditions: m.mu is locked.
func (m *Manager) allocLocked(n int) int {
	for _, b := range m.reg.buckets {
		for i, d := range b.ring {
			if d.flags&FlagEnable == 0 {
				continue
			}
			if d.npginuse+n > d.npages {
				continue
			}
			off, err := d.ex.Alloc(int64(n))
			if err != nil {
				continue
			}
			m.reg.rotate(b, i)
			d.npginuse += n
			m.usage.Inc(uint64(n), usage.InUse)
			slot := d.drumOffset + int(off)
			if m.logger.IsLogging(log.Debug) {
				m.logger.Debugf("swap %s: allocated slots [%d, %d)", d.name, slot, slot+n)
			}
			return slot
		}
	}
	return 0
}

// Free releases n slots starting at slot. The slots must have been returned
// by Alloc and lie on a single device. Any ciphertext marks and key
// references held by the slots are dropped, and slots marked bad stop
// counting as bad.
func (m *Manager) Free(slot, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.resolveLocked(slot, n)
	local := slot - d.drumOffset
	if err := d.ex.Free(int64(local), int64(n)); err != nil {
		m.lost.Warningf("swap %s: %d slots of swap lost: %v", d.name, n, err)
		return
	}
	d.npginuse -= n
	if d.npginuse < d.reserved {
		panic(fmt.Sprintf("swap %s: in-use count %d below reserved %d", d.name, d.npginuse, d.reserved))
	}
	m.usage.Dec(uint64(n), usage.InUse)
	if nbad := int(d.bad.CountRange(uint32(local), uint32(local+n))); nbad > 0 {
		d.bad.ClearRange(uint32(local), uint32(local+n))
		d.nbad -= nbad
		m.usage.Dec(uint64(nbad), usage.Bad)
	}
	if d.crypt != nil {
		for p := local; p < local+n; p++ {
			m.clearCiphertextLocked(d, p)
		}
	}
}

// MarkBad retires n allocated slots starting at slot. They stay allocated
// until freed, but no longer count as live data when their device is
// drained. Marking a slot that is already bad has no effect.
func (m *Manager) MarkBad(slot, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.resolveLocked(slot, n)
	local := slot - d.drumOffset
	if local < d.reserved {
		panic(fmt.Sprintf("swap %s: marking reserved slot %d bad", d.name, slot))
	}
	marked := 0
	for p := local; p < local+n; p++ {
		if !d.bad.Add(uint32(p)) {
			marked++
		}
	}
	d.nbad += marked
	if d.nbad > d.npginuse-d.reserved {
		panic(fmt.Sprintf("swap %s: %d bad slots exceed %d allocated", d.name, d.nbad, d.npginuse-d.reserved))
	}
	m.usage.Inc(uint64(marked), usage.Bad)
	m.logger.Infof("swap %s: marked %d slots bad at %d", d.name, marked, slot)
}

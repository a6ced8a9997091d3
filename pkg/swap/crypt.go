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

	"gvisor.dev/drum/pkg/bitmap"
)

// KeySlots is the number of adjacent slots sharing one key.
const KeySlots = 64

// cryptKey is a reference-counted key. Each slot whose ciphertext mark is set
// holds one reference, as does each in-progress transfer for each page it
// covers.
type cryptKey struct {
	key  Key
	refs int
}

// cryptState is a device's encryption bookkeeping.
type cryptState struct {
	// decrypt marks device-local pages holding ciphertext.
	decrypt bitmap.Bitmap

	// keys[i] serves pages [i*KeySlots, (i+1)*KeySlots). It is nil while
	// no reference to it exists.
	keys []*cryptKey
}

func newCryptState(npages int) *cryptState {
	return &cryptState{
		decrypt: bitmap.New(uint32(npages)),
		keys:    make([]*cryptKey, (npages+KeySlots-1)/KeySlots),
	}
}

// keyForLocked returns the key for device-local page p with a new reference,
// creating the key if its region has none.
//
// Preconditions: m.mu is locked; d.crypt != nil.
func (m *Manager) keyForLocked(d *device, p int) (*cryptKey, error) {
	i := p / KeySlots
	ck := d.crypt.keys[i]
	if ck == nil {
		key, err := m.keys.NewKey()
		if err != nil {
			return nil, fmt.Errorf("swap %s: creating key for slots [%d, %d): %w", d.name, i*KeySlots, (i+1)*KeySlots, err)
		}
		ck = &cryptKey{key: key}
		d.crypt.keys[i] = ck
	}
	ck.refs++
	return ck, nil
}

// releaseKeyLocked drops one reference to the key for page p, destroying the
// key when none remain.
//
// Preconditions: m.mu is locked; d.crypt != nil.
func (m *Manager) releaseKeyLocked(d *device, p int) {
	i := p / KeySlots
	ck := d.crypt.keys[i]
	if ck == nil || ck.refs <= 0 {
		panic(fmt.Sprintf("swap %s: releasing unreferenced key for page %d", d.name, p))
	}
	ck.refs--
	if ck.refs == 0 {
		ck.key.Destroy()
		d.crypt.keys[i] = nil
	}
}

// markCiphertextLocked records the outcome of a successful write of page p.
// held is true if the write encrypted the page; its key reference then passes
// to the slot (or is dropped if the slot already had one). Otherwise the page
// was written in the clear and any mark is removed.
//
// Preconditions: m.mu is locked; d.crypt != nil.
func (m *Manager) markCiphertextLocked(d *device, p int, held bool) {
	if !held {
		m.clearCiphertextLocked(d, p)
		return
	}
	if d.crypt.decrypt.Add(uint32(p)) {
		m.releaseKeyLocked(d, p)
	}
}

// clearCiphertextLocked removes page p's ciphertext mark and the key
// reference that came with it.
//
// Preconditions: m.mu is locked; d.crypt != nil.
func (m *Manager) clearCiphertextLocked(d *device, p int) {
	if d.crypt.decrypt.Remove(uint32(p)) {
		m.releaseKeyLocked(d, p)
	}
}

// NeedsDecrypt reports whether slot holds ciphertext.
func (m *Manager) NeedsDecrypt(slot int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.resolveLocked(slot, 1)
	return d.crypt != nil && d.crypt.decrypt.IsSet(uint32(slot-d.drumOffset))
}

// KeyRefs returns the number of references to the key covering slot, or 0 if
// the slot's region has no key.
func (m *Manager) KeyRefs(slot int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.resolveLocked(slot, 1)
	if d.crypt == nil {
		return 0
	}
	if ck := d.crypt.keys[(slot-d.drumOffset)/KeySlots]; ck != nil {
		return ck.refs
	}
	return 0
}

// SetEncryption turns encryption of new writes on or off. Turning it on sets
// up encryption state on every online device lacking it. Turning it off
// leaves existing ciphertext readable.
func (m *Manager) SetEncryption(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encrypt = on
	if !on {
		return
	}
	for _, d := range m.reg.devices() {
		if d.flags&FlagFake == 0 && d.crypt == nil {
			d.crypt = newCryptState(d.npages)
		}
	}
}

// Encrypting reports whether new writes are encrypted.
func (m *Manager) Encrypting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encrypt
}

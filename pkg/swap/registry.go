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
	"sort"
	"strings"

	"gvisor.dev/drum/pkg/bitmap"
	"gvisor.dev/drum/pkg/extent"
)

// Flags describe a device's registration state.
type Flags uint32

const (
	// FlagInUse is set once the device has been brought online.
	FlagInUse Flags = 1 << iota

	// FlagEnable is set while slots may be allocated from the device.
	FlagEnable

	// FlagFake marks a placeholder registered while the device is probed.
	FlagFake
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	var parts []string
	if f&FlagInUse != 0 {
		parts = append(parts, "INUSE")
	}
	if f&FlagEnable != 0 {
		parts = append(parts, "ENABLE")
	}
	if f&FlagFake != 0 {
		parts = append(parts, "FAKE")
	}
	if rest := f &^ (FlagInUse | FlagEnable | FlagFake); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// State is a device's position in its lifecycle.
type State int

const (
	// StateUnregistered devices are not known to the manager.
	StateUnregistered State = iota

	// StateProbing devices are placeholders being brought online.
	StateProbing

	// StateActive devices serve allocations.
	StateActive

	// StateDraining devices are being taken offline.
	StateDraining

	// StateRemoved devices are gone.
	StateRemoved
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateProbing:
		return "probing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// device is one registered swap device. All mutable fields are protected by
// Manager.mu.
type device struct {
	name  string
	store Store

	// Exactly one of block and file is set once the device is probed.
	block BlockStore
	file  FileStore

	geo      Geometry
	priority int
	flags    Flags
	state    State

	// npages is the number of pages on the device, including reserved
	// ones. npginuse counts allocated and reserved pages; nbad counts the
	// allocated pages retired as bad.
	npages   int
	npginuse int
	nbad     int
	reserved int

	// drumOffset and drumSize locate the device's region in the drum.
	// Device-local page p is drum slot drumOffset+p.
	drumOffset int
	drumSize   int

	// ex allocates device-local pages.
	ex *extent.Extent

	// bad has a bit set for each device-local page counted in nbad.
	bad bitmap.Bitmap

	// crypt is nil until encryption is first enabled for the device.
	crypt *cryptState

	q ioQueue

	// transfers is the number of transfers dispatched and not yet
	// completed.
	transfers int
}

// contains reports whether slot lies in d's drum region.
func (d *device) contains(slot int) bool {
	return d.drumSize > 0 && slot >= d.drumOffset && slot < d.drumOffset+d.drumSize
}

// live returns the number of allocated slots that still hold data.
func (d *device) live() int {
	return d.npginuse - d.reserved - d.nbad
}

// bucket holds the devices sharing a priority. Allocation scans ring from the
// front; a device that satisfies an allocation moves to the back.
type bucket struct {
	priority int
	ring     []*device
}

// registry is the ordered list of priority buckets.
type registry struct {
	// buckets is sorted by ascending priority and holds no empty bucket.
	buckets []*bucket

	// ndev counts registered devices, placeholders included.
	ndev int
}

// insert appends d to the ring of the bucket for priority, creating it if
// needed.
func (r *registry) insert(d *device, priority int) {
	i := sort.Search(len(r.buckets), func(i int) bool {
		return r.buckets[i].priority >= priority
	})
	if i == len(r.buckets) || r.buckets[i].priority != priority {
		r.buckets = append(r.buckets, nil)
		copy(r.buckets[i+1:], r.buckets[i:])
		r.buckets[i] = &bucket{priority: priority}
	}
	b := r.buckets[i]
	b.ring = append(b.ring, d)
	d.priority = priority
	r.ndev++
}

// remove removes d, pruning its bucket if it empties. d must be registered.
func (r *registry) remove(d *device) {
	for i, b := range r.buckets {
		if b.priority != d.priority {
			continue
		}
		for j, e := range b.ring {
			if e != d {
				continue
			}
			b.ring = append(b.ring[:j], b.ring[j+1:]...)
			if len(b.ring) == 0 {
				r.buckets = append(r.buckets[:i], r.buckets[i+1:]...)
			}
			r.ndev--
			return
		}
	}
	panic(fmt.Sprintf("device %q not registered at priority %d", d.name, d.priority))
}

// setPriority moves d to the back of the bucket for priority.
func (r *registry) setPriority(d *device, priority int) {
	r.remove(d)
	r.insert(d, priority)
}

// rotate moves the device at index i of b's ring to the back.
func (r *registry) rotate(b *bucket, i int) {
	d := b.ring[i]
	copy(b.ring[i:], b.ring[i+1:])
	b.ring[len(b.ring)-1] = d
}

// lookup returns the device named name, placeholders included.
func (r *registry) lookup(name string) *device {
	for _, b := range r.buckets {
		for _, d := range b.ring {
			if d.name == name {
				return d
			}
		}
	}
	return nil
}

// resolve returns the device whose drum region holds slot, or nil.
// Placeholders own no region and are never returned.
func (r *registry) resolve(slot int) *device {
	for _, b := range r.buckets {
		for _, d := range b.ring {
			if d.flags&FlagFake == 0 && d.contains(slot) {
				return d
			}
		}
	}
	return nil
}

// devices returns all registered devices in allocation order.
func (r *registry) devices() []*device {
	ds := make([]*device, 0, r.ndev)
	for _, b := range r.buckets {
		ds = append(ds, b.ring...)
	}
	return ds
}

// resolveLocked returns the device owning slots [slot, slot+n). Slots are
// only ever handed out from a device's region, so failure to resolve them is
// an internal consistency fault.
//
// Preconditions: m.mu is locked.
func (m *Manager) resolveLocked(slot, n int) *device {
	d := m.reg.resolve(slot)
	if d == nil {
		panic(fmt.Sprintf("swap slot %d is not owned by any device", slot))
	}
	if n < 1 || slot+n > d.drumOffset+d.drumSize {
		panic(fmt.Sprintf("swap slots [%d, %d) cross the end of device %q at %d", slot, slot+n, d.name, d.drumOffset+d.drumSize))
	}
	return d
}

// DeviceInfo is a snapshot of one device.
type DeviceInfo struct {
	Name     string
	Kind     Kind
	Flags    Flags
	State    State
	Priority int

	// Pages is the device size in pages; InUse counts allocated and
	// reserved pages; Bad counts allocated pages retired after errors.
	Pages    int
	InUse    int
	Bad      int
	Reserved int

	// DrumOffset and DrumSize locate the device in the drum.
	DrumOffset int
	DrumSize   int

	BlockSize int64
	MaxActive int

	// Active and Queued count sub-requests in flight and waiting.
	Active int
	Queued int

	// Encrypted counts slots holding ciphertext; Keys counts live keys.
	Encrypted int
	Keys      int
}

// infoLocked snapshots d.
//
// Preconditions: m.mu is locked.
func infoLocked(d *device) DeviceInfo {
	info := DeviceInfo{
		Name:       d.name,
		Kind:       d.geo.Kind,
		Flags:      d.flags,
		State:      d.state,
		Priority:   d.priority,
		Pages:      d.npages,
		InUse:      d.npginuse,
		Bad:        d.nbad,
		Reserved:   d.reserved,
		DrumOffset: d.drumOffset,
		DrumSize:   d.drumSize,
		BlockSize:  d.geo.BlockSize,
		MaxActive:  d.q.maxActive,
		Active:     d.q.active,
		Queued:     len(d.q.waiting),
	}
	if c := d.crypt; c != nil {
		info.Encrypted = int(c.decrypt.GetNumOnes())
		for _, k := range c.keys {
			if k != nil {
				info.Keys++
			}
		}
	}
	return info
}

// NumDevices returns the number of registered devices, placeholders
// included.
func (m *Manager) NumDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.ndev
}

// Devices returns a snapshot of every registered device in allocation order.
func (m *Manager) Devices() []DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.reg.devices()
	infos := make([]DeviceInfo, 0, len(ds))
	for _, d := range ds {
		infos = append(infos, infoLocked(d))
	}
	return infos
}

// Device returns a snapshot of the device named name.
func (m *Manager) Device(name string) (DeviceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.reg.lookup(name)
	if d == nil {
		return DeviceInfo{}, false
	}
	return infoLocked(d), true
}

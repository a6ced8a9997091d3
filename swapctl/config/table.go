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


package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/drum/pkg/log"
)

// Values of Entry.Kind.
const (
	KindBlock = "block"
	KindFile  = "file"
)

// Entry is one device in the swap table.
type Entry struct {
	// Path is the block device, disk image or swap file.
	Path string `toml:"path" json:"path"`

	// Kind is KindBlock for devices addressed by sector or KindFile for
	// swap files on a filesystem.
	Kind string `toml:"kind" json:"kind"`

	// Priority orders devices for allocation. Lower values are used first.
	Priority int `toml:"priority" json:"priority"`

	// Root marks the device the system booted from. Its first RootSize
	// bytes are preserved.
	Root     bool  `toml:"root" json:"root,omitempty"`
	RootSize int64 `toml:"root_size" json:"root_size,omitempty"`
}

// Table is the swap table, a TOML file of [[device]] entries:
//
//	[[device]]
//	path = "/dev/vdb"
//	kind = "block"
//	priority = 0
//
//	[[device]]
//	path = "/var/swapfile"
//	kind = "file"
//	priority = 1
type Table struct {
	Devices []Entry `toml:"device" json:"devices"`
}

// LoadTable reads and validates the swap table at path.
func LoadTable(path string) (*Table, error) {
	var t Table
	md, err := toml.DecodeFile(path, &t)
	if err != nil {
		return nil, fmt.Errorf("decoding swap table %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("swap table %q: unknown keys %q", path, undecoded)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("swap table %q: %w", path, err)
	}
	return &t, nil
}

func (t *Table) validate() error {
	seen := make(map[string]bool)
	for i, e := range t.Devices {
		if !filepath.IsAbs(e.Path) {
			return fmt.Errorf("device %d: path %q is not absolute", i, e.Path)
		}
		if seen[e.Path] {
			return fmt.Errorf("device %d: %q listed twice", i, e.Path)
		}
		seen[e.Path] = true
		switch e.Kind {
		case KindBlock:
		case KindFile:
			if e.Root {
				return fmt.Errorf("device %d: swap file %q cannot be the root device", i, e.Path)
			}
		default:
			return fmt.Errorf("device %d: invalid kind %q, must be %q or %q", i, e.Kind, KindBlock, KindFile)
		}
		if e.RootSize < 0 {
			return fmt.Errorf("device %d: negative root_size %d", i, e.RootSize)
		}
		if e.RootSize > 0 && !e.Root {
			return fmt.Errorf("device %d: root_size %d requires root = true", i, e.RootSize)
		}
	}
	return nil
}

// Log logs the table, ordered by priority, at debug level.
func (t *Table) Log() {
	if !log.IsLogging(log.Debug) {
		return
	}

	sorted := deepcopy.Copy(t).(*Table)
	sort.SliceStable(sorted.Devices, func(i, j int) bool {
		return sorted.Devices[i].Priority < sorted.Devices[j].Priority
	})
	out, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		log.Debugf("Swap table: %+v", sorted)
		return
	}
	log.Debugf("Swap table: %s", out)
}

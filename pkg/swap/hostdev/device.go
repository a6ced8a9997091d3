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

package hostdev

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/swap"
)

// Device is a raw swap device: a block special file, or a regular file used
// as a disk image and addressed directly by sector.
type Device struct {
	hostIO

	path string

	// Root marks the device as the one the system booted from. The first
	// RootSize bytes are then left untouched.
	Root     bool
	RootSize int64
}

var _ swap.BlockStore = (*Device)(nil)

// NewDevice returns a Device for path. It is not opened until brought online.
func NewDevice(path string) *Device {
	return &Device{hostIO: hostIO{fd: -1}, path: path}
}

// Name implements swap.Store.Name.
func (d *Device) Name() string {
	return d.path
}

// Open implements swap.Store.Open.
func (d *Device) Open(context.Context) error {
	if d.fd >= 0 {
		return fmt.Errorf("%s: already open: %w", d.path, linuxerr.EBUSY)
	}
	fd, err := openFD(d.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	d.fd = fd
	return nil
}

// Probe implements swap.Store.Probe.
func (d *Device) Probe(context.Context) (swap.Geometry, error) {
	size, err := deviceSize(d.fd)
	if err != nil {
		return swap.Geometry{}, fmt.Errorf("%s: %w", d.path, err)
	}
	return swap.Geometry{
		Kind:     swap.KindBlock,
		Size:     size,
		Root:     d.Root,
		RootSize: d.RootSize,
	}, nil
}

// Close implements swap.Store.Close.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// deviceSize returns the size of the block device or regular file open at fd.
func deviceSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return st.Size, nil
	case unix.S_IFBLK:
		var size uint64
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
			return 0, fmt.Errorf("BLKGETSIZE64: %w", errno)
		}
		return int64(size), nil
	default:
		return 0, fmt.Errorf("mode %#o is not a block device or regular file: %w", st.Mode&unix.S_IFMT, linuxerr.ENODEV)
	}
}

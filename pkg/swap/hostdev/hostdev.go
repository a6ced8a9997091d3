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

// Package hostdev provides swap stores backed by host block devices and
// regular files.
//
// Transfers are issued with pread(2) and pwrite(2) from a goroutine per
// request, so Submit never blocks the caller.
package hostdev

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/swap"
)

// MaxTransfer bounds the size of a single host transfer against a swap file.
// Longer physically contiguous runs are reported in pieces.
const MaxTransfer = 64 << 10

// hostIO performs sector-addressed I/O on a host file descriptor.
type hostIO struct {
	fd int
}

// Submit implements swap.BlockIO.Submit.
func (h *hostIO) Submit(b *swap.Buf) {
	fd := h.fd
	go func() {
		b.Done(transfer(fd, b))
	}()
}

func transfer(fd int, b *swap.Buf) error {
	off := hostarch.SectorsToBytes(b.Sector)
	for done := 0; done < len(b.Data); {
		var (
			n   int
			err error
		)
		if b.Write {
			n, err = unix.Pwrite(fd, b.Data[done:], off+int64(done))
		} else {
			n, err = unix.Pread(fd, b.Data[done:], off+int64(done))
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if errno, ok := err.(unix.Errno); ok {
				return linuxerr.ErrorFromUnix(errno)
			}
			return err
		}
		if n == 0 {
			// Short transfer past the end of the store.
			return linuxerr.EIO
		}
		done += n
	}
	return nil
}

// openFD opens path for swapping.
func openFD(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

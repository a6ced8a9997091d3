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

	"golang.org/x/sys/unix"
	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/swap"
	"gvisor.dev/drum/pkg/sync"
)

// defaultBlockSize is used when the filesystem reports an unusable block
// size.
const defaultBlockSize = 4096

// File is a swap file on a host filesystem.
//
// The file is its own BlockIO: sectors are byte offsets into the file in
// units of hostarch.SectorSize. Bmap reports holes using SEEK_DATA and
// SEEK_HOLE, so a sparse file is refused at swap-on and a block punched out
// later fails the transfer that reaches it.
type File struct {
	hostIO

	path string

	// mu serializes lseek(2), which moves the shared file offset.
	mu sync.Mutex

	bsize int64
	size  int64
}

var _ swap.FileStore = (*File)(nil)

// NewFile returns a File for path. It is not opened until brought online.
func NewFile(path string) *File {
	return &File{hostIO: hostIO{fd: -1}, path: path}
}

// Name implements swap.Store.Name.
func (f *File) Name() string {
	return f.path
}

// Open implements swap.Store.Open.
func (f *File) Open(context.Context) error {
	if f.fd >= 0 {
		return fmt.Errorf("%s: already open: %w", f.path, linuxerr.EBUSY)
	}
	fd, err := openFD(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	f.fd = fd
	return nil
}

// Probe implements swap.Store.Probe.
func (f *File) Probe(context.Context) (swap.Geometry, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return swap.Geometry{}, fmt.Errorf("fstat %s: %w", f.path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return swap.Geometry{}, fmt.Errorf("%s: not a regular file: %w", f.path, linuxerr.EINVAL)
	}
	var fs unix.Statfs_t
	if err := unix.Fstatfs(f.fd, &fs); err != nil {
		return swap.Geometry{}, fmt.Errorf("fstatfs %s: %w", f.path, err)
	}
	bsize := int64(fs.Bsize)
	if bsize <= 0 || bsize%hostarch.SectorSize != 0 || bsize > MaxTransfer {
		bsize = defaultBlockSize
	}
	geo := swap.Geometry{
		Kind:      swap.KindFile,
		Size:      st.Size,
		BlockSize: bsize,
	}
	if fs.Type == unix.NFS_SUPER_MAGIC {
		geo.MaxActive = swap.NFSMaxActive
	}

	f.mu.Lock()
	f.bsize = bsize
	f.size = st.Size
	f.mu.Unlock()
	return geo, nil
}

// Bmap implements swap.FileStore.Bmap.
func (f *File) Bmap(lblk int64) (swap.BlockIO, int64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := lblk * f.bsize
	if lblk < 0 || off >= f.size {
		return nil, 0, 0, fmt.Errorf("%s: block %d beyond end of file: %w", f.path, lblk, linuxerr.EINVAL)
	}
	data, err := unix.Seek(f.fd, off, unix.SEEK_DATA)
	if err == unix.ENXIO || (err == nil && data > off) {
		// No data at or after off, or the next data starts later.
		return f, swap.Hole, 0, nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%s: SEEK_DATA at %d: %w", f.path, off, err)
	}
	hole, err := unix.Seek(f.fd, off, unix.SEEK_HOLE)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%s: SEEK_HOLE at %d: %w", f.path, off, err)
	}
	if hole > f.size {
		hole = f.size
	}
	nra := int((hole-off+f.bsize-1)/f.bsize) - 1
	if limit := int(MaxTransfer/f.bsize) - 1; nra > limit {
		nra = limit
	}
	if nra < 0 {
		nra = 0
	}
	return f, hostarch.BytesToSectors(off), nra, nil
}

// Close implements swap.Store.Close.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

// AllocateFile creates a swap file of size bytes at path with every block
// allocated, so it can be brought online. It fails if path exists.
func AllocateFile(path string, size int64) error {
	if size <= 0 || size%hostarch.PageSize != 0 {
		return fmt.Errorf("swap file size %d is not a positive multiple of %d: %w", size, hostarch.PageSize, linuxerr.EINVAL)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := unix.Fallocate(fd, 0, 0, size); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return fmt.Errorf("fallocate %s: %w", path, err)
	}
	// Filesystems such as ext4 leave fallocated extents unwritten, and
	// SEEK_DATA reports those as holes. Zero-fill so every block is data.
	if err := zeroFill(fd, size); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return fmt.Errorf("zero-fill %s: %w", path, err)
	}
	if err := unix.Fsync(fd); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return unix.Close(fd)
}

// zeroFill writes zeros over [0, size) of fd.
func zeroFill(fd int, size int64) error {
	zeros := make([]byte, MaxTransfer)
	for off := int64(0); off < size; {
		chunk := zeros
		if rem := size - off; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		n, err := unix.Pwrite(fd, chunk, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return linuxerr.EIO
		}
		off += int64(n)
	}
	return nil
}

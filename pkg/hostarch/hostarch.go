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

// Package hostarch describes the page and disk-block geometry shared by the
// swap subsystem.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of one swap slot in bytes.
	PageSize = 1 << PageShift

	// SectorShift is the binary log of the disk block ("DEV_BSIZE") size
	// used to address raw devices.
	SectorShift = 9

	// SectorSize is the size of one disk block in bytes.
	SectorSize = 1 << SectorShift

	// SectorsPerPage is the number of disk blocks backing one page.
	SectorsPerPage = PageSize / SectorSize
)

// BytesToSectors converts a byte count to whole disk blocks, rounding down.
func BytesToSectors(n int64) int64 {
	return n >> SectorShift
}

// SectorsToBytes converts a disk block count to bytes.
func SectorsToBytes(n int64) int64 {
	return n << SectorShift
}

// PagesToSectors returns the disk block number at which page pg begins.
func PagesToSectors(pg int64) int64 {
	return pg << (PageShift - SectorShift)
}

// BytesToPages converts a byte count to whole pages, rounding down.
func BytesToPages(n int64) int64 {
	return n >> PageShift
}

// PageRoundUp returns n rounded up to a page boundary. ok is false if the
// result would overflow.
func PageRoundUp(n int64) (r int64, ok bool) {
	r = (n + PageSize - 1) &^ (PageSize - 1)
	return r, r >= n
}

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
	"context"
	"fmt"

	"gvisor.dev/drum/pkg/errors/linuxerr"
	"gvisor.dev/drum/pkg/hostarch"
	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/pkg/sync"
)

// ioQueue bounds the sub-requests of a file-backed device. At most maxActive
// are in flight; the rest wait in FIFO order. Transfers reserve queue space
// for all their pieces before splitting, and the total of active, waiting and
// reserved pieces stays within limit unless the device is otherwise idle.
//
// All fields are protected by Manager.mu.
type ioQueue struct {
	maxActive int
	limit     int
	active    int
	waiting   []*subreq
	reserved  int

	// space is signalled whenever outstanding drops.
	space *sync.Cond
}

func (q *ioQueue) outstanding() int {
	return q.active + len(q.waiting) + q.reserved
}

// transfer is one caller-issued multi-page I/O. It completes exactly once,
// after its last sub-request.
type transfer struct {
	dev    *device
	slot   int
	local  int
	npages int
	write  bool

	// data is the caller's buffer; iobuf is what the device sees, either
	// data or a bounce buffer.
	data    []byte
	iobuf   []byte
	bounced bool

	// keys[i] is a key reference held for page i, or nil. Writes hold one
	// for every page they encrypt, reads for every page to decrypt.
	keys []*cryptKey

	done func(error)

	// The fields below are protected by Manager.mu.

	// busy is set while sub-requests are still being created.
	busy bool

	// pending counts sub-requests created and not yet completed.
	pending int

	// err is the first error reported.
	err error

	finished bool
}

// lastLocked reports whether t is ready to complete, and if so marks it
// complete so only one caller sees true.
//
// Preconditions: Manager.mu is locked.
func (t *transfer) lastLocked() bool {
	if t.busy || t.pending > 0 || t.finished {
		return false
	}
	t.finished = true
	return true
}

// failLocked records err unless an earlier error was recorded.
//
// Preconditions: Manager.mu is locked.
func (t *transfer) failLocked(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *transfer) page(b []byte, i int) []byte {
	return b[i*hostarch.PageSize : (i+1)*hostarch.PageSize]
}

// subreq is one contiguous piece of a transfer.
type subreq struct {
	t      *transfer
	io     BlockIO
	queued bool
	buf    Buf
}

// Put writes data to the slots starting at slot and waits for completion.
// len(data) must be a positive multiple of hostarch.PageSize. If ctx is
// cancelled, pieces not yet submitted are dropped and Put returns once the
// submitted ones complete.
func (m *Manager) Put(ctx context.Context, slot int, data []byte) error {
	return m.rw(ctx, slot, data, true)
}

// Get reads the slots starting at slot into data and waits for completion.
func (m *Manager) Get(ctx context.Context, slot int, data []byte) error {
	return m.rw(ctx, slot, data, false)
}

// PutAsync starts writing data to the slots starting at slot. If it returns
// nil, done is called exactly once, from an arbitrary goroutine, when the
// write completes. It returns EAGAIN instead of waiting for bounce buffers or
// queue space. data must not be touched until done is called.
func (m *Manager) PutAsync(slot int, data []byte, done func(error)) error {
	_, err := m.start(context.Background(), slot, data, true, true, done)
	return err
}

// GetAsync starts reading the slots starting at slot into data. It behaves
// like PutAsync.
func (m *Manager) GetAsync(slot int, data []byte, done func(error)) error {
	_, err := m.start(context.Background(), slot, data, false, true, done)
	return err
}

func (m *Manager) rw(ctx context.Context, slot int, data []byte, write bool) error {
	ch := make(chan error, 1)
	t, err := m.start(ctx, slot, data, write, false, func(err error) { ch <- err })
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		m.abandon(t, ctx.Err())
		return <-ch
	}
}

// start dispatches a transfer. If it returns an error, nothing was submitted
// and done will not be called.
func (m *Manager) start(ctx context.Context, slot int, data []byte, write, nowait bool, done func(error)) (*transfer, error) {
	if len(data) == 0 || len(data)%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("swap transfer of %d bytes: %w", len(data), linuxerr.EINVAL)
	}
	npages := len(data) / hostarch.PageSize

	// Dispatch.
	m.mu.Lock()
	d := m.resolveLocked(slot, npages)
	t := &transfer{
		dev:    d,
		slot:   slot,
		local:  slot - d.drumOffset,
		npages: npages,
		write:  write,
		data:   data,
		iobuf:  data,
		done:   done,
	}
	if err := m.acquireKeysLocked(t); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	d.transfers++
	m.mu.Unlock()
	if m.logger.IsLogging(log.Debug) {
		m.logger.Debugf("swap %s: %s slots [%d, %d)", d.name, direction(write), slot, slot+npages)
	}

	// Bounce.
	if t.keys != nil || !reachable(d.store, data) {
		b, err := m.pages.Alloc(npages)
		if err != nil {
			m.abort(t)
			return nil, fmt.Errorf("swap %s: bounce buffer for %d pages: %v: %w", d.name, npages, err, linuxerr.EAGAIN)
		}
		t.iobuf = b
		t.bounced = true
		if write {
			for i := 0; i < npages; i++ {
				dst, src := t.page(t.iobuf, i), t.page(t.data, i)
				if t.keys != nil && t.keys[i] != nil {
					t.keys[i].key.Encrypt(dst, src, uint64(t.local+i))
				} else {
					copy(dst, src)
				}
			}
		}
	}

	// Direct or split.
	if d.file == nil {
		m.direct(t)
		return t, nil
	}
	if err := m.split(ctx, t, nowait); err != nil {
		m.abort(t)
		return nil, err
	}
	return t, nil
}

// acquireKeysLocked takes the key references t needs. Writes while
// encryption is on need a key for every page; reads need one for every page
// holding ciphertext.
//
// Preconditions: m.mu is locked.
func (m *Manager) acquireKeysLocked(t *transfer) error {
	d := t.dev
	if d.crypt == nil || (t.write && !m.encrypt) {
		return nil
	}
	keys := make([]*cryptKey, t.npages)
	need := false
	for i := range keys {
		p := t.local + i
		if !t.write && !d.crypt.decrypt.IsSet(uint32(p)) {
			continue
		}
		ck, err := m.keyForLocked(d, p)
		if err != nil {
			for j := 0; j < i; j++ {
				if keys[j] != nil {
					m.releaseKeyLocked(d, t.local+j)
				}
			}
			return err
		}
		keys[i] = ck
		need = true
	}
	if need {
		t.keys = keys
	}
	return nil
}

// releaseKeysLocked drops every key reference t holds.
//
// Preconditions: m.mu is locked.
func (m *Manager) releaseKeysLocked(t *transfer) {
	for i, ck := range t.keys {
		if ck != nil {
			m.releaseKeyLocked(t.dev, t.local+i)
		}
	}
	t.keys = nil
}

// abort releases a transfer that never submitted anything.
func (m *Manager) abort(t *transfer) {
	m.mu.Lock()
	m.releaseKeysLocked(t)
	t.dev.transfers--
	m.mu.Unlock()
	if t.bounced {
		m.pages.Free(t.iobuf)
	}
}

// direct submits t to a raw device as a single request.
func (m *Manager) direct(t *transfer) {
	d := t.dev
	s := &subreq{t: t, io: d.block}
	s.buf = Buf{
		Sector: hostarch.PagesToSectors(int64(t.local)),
		Data:   t.iobuf,
		Write:  t.write,
		done:   func(err error) { m.subDone(s, err) },
	}
	m.mu.Lock()
	t.pending = 1
	m.mu.Unlock()
	d.block.Submit(&s.buf)
}

// split submits t to a file-backed device, one sub-request per physically
// contiguous run of file blocks.
func (m *Manager) split(ctx context.Context, t *transfer, nowait bool) error {
	d := t.dev
	bsize := d.geo.BlockSize
	off := int64(t.local) * hostarch.PageSize
	n := int64(len(t.iobuf))
	// Each piece covers at least one file block.
	est := int((off%bsize + n + bsize - 1) / bsize)

	m.mu.Lock()
	if err := m.reserveLocked(ctx, d, est, nowait); err != nil {
		m.mu.Unlock()
		return err
	}
	t.busy = true
	m.mu.Unlock()

	var (
		err  error
		used int
	)
	for pos := int64(0); pos < n; {
		lblk, boff := (off+pos)/bsize, (off+pos)%bsize
		io, sector, nra, berr := d.file.Bmap(lblk)
		if berr != nil {
			err = fmt.Errorf("swap %s: mapping block %d: %w", d.name, lblk, berr)
			break
		}
		if sector == Hole {
			err = ErrSparseFile
			m.disableSparse(d, lblk)
			break
		}
		var sz int64
		if boff != 0 {
			sz = bsize - boff
		} else {
			sz = int64(1+nra) * bsize
		}
		if sz > n-pos {
			sz = n - pos
		}
		s := &subreq{t: t, io: io, queued: true}
		s.buf = Buf{
			Sector: sector + hostarch.BytesToSectors(boff),
			Data:   t.iobuf[pos : pos+sz],
			Write:  t.write,
			done:   func(err error) { m.subDone(s, err) },
		}
		pos += sz
		used++

		m.mu.Lock()
		q := &d.q
		q.reserved--
		t.pending++
		submit := q.active < q.maxActive
		if submit {
			q.active++
		} else {
			q.waiting = append(q.waiting, s)
		}
		m.mu.Unlock()
		if submit {
			io.Submit(&s.buf)
		}
	}

	m.mu.Lock()
	d.q.reserved -= est - used
	d.q.space.Broadcast()
	if err != nil {
		t.failLocked(err)
	}
	t.busy = false
	last := t.lastLocked()
	m.mu.Unlock()
	if last {
		m.complete(t)
	}
	return nil
}

// reserveLocked reserves queue space for n sub-requests on d. With nowait it
// fails with EAGAIN rather than wait for space.
//
// Preconditions: m.mu is locked.
func (m *Manager) reserveLocked(ctx context.Context, d *device, n int, nowait bool) error {
	q := &d.q
	if q.outstanding() > 0 && q.outstanding()+n > q.limit {
		if nowait {
			return fmt.Errorf("swap %s: queue full: %w", d.name, linuxerr.EAGAIN)
		}
		stop := context.AfterFunc(ctx, func() {
			m.mu.Lock()
			q.space.Broadcast()
			m.mu.Unlock()
		})
		defer stop()
		for q.outstanding() > 0 && q.outstanding()+n > q.limit {
			if err := ctx.Err(); err != nil {
				return err
			}
			q.space.Wait()
		}
	}
	q.reserved += n
	return nil
}

// disableSparse stops allocation from d after a hole was found in its file.
func (m *Manager) disableSparse(d *device, lblk int64) {
	m.mu.Lock()
	d.flags &^= FlagEnable
	m.mu.Unlock()
	m.lost.Warningf("swap %s: swap to sparse file at block %d, device disabled", d.name, lblk)
}

// subDone completes one sub-request.
func (m *Manager) subDone(s *subreq, err error) {
	t := s.t
	var next *subreq
	m.mu.Lock()
	if s.queued {
		q := &t.dev.q
		q.active--
		if len(q.waiting) > 0 && q.active < q.maxActive {
			next = q.waiting[0]
			q.waiting[0] = nil
			q.waiting = q.waiting[1:]
			q.active++
		}
		q.space.Broadcast()
	}
	t.pending--
	if err != nil {
		t.failLocked(err)
	}
	last := t.lastLocked()
	m.mu.Unlock()
	if next != nil {
		next.io.Submit(&next.buf)
	}
	if last {
		m.complete(t)
	}
}

// abandon drops t's sub-requests that are still waiting for submission.
// Sub-requests already submitted run to completion.
func (m *Manager) abandon(t *transfer, err error) {
	m.mu.Lock()
	q := &t.dev.q
	kept := q.waiting[:0]
	for _, s := range q.waiting {
		if s.t == t {
			t.pending--
			t.failLocked(err)
			continue
		}
		kept = append(kept, s)
	}
	clear(q.waiting[len(kept):])
	q.waiting = kept
	if q.space != nil {
		q.space.Broadcast()
	}
	last := t.lastLocked()
	m.mu.Unlock()
	if last {
		m.complete(t)
	}
}

// complete finishes t: it moves read data to the caller, updates ciphertext
// marks, releases every resource t holds and calls t.done.
func (m *Manager) complete(t *transfer) {
	d := t.dev
	err := t.err
	if !t.write && err == nil && t.bounced {
		for i := 0; i < t.npages; i++ {
			dst, src := t.page(t.data, i), t.page(t.iobuf, i)
			if t.keys != nil && t.keys[i] != nil {
				t.keys[i].key.Decrypt(dst, src, uint64(t.local+i))
			} else {
				copy(dst, src)
			}
		}
	}

	m.mu.Lock()
	switch {
	case t.write && err == nil && d.crypt != nil:
		for i := 0; i < t.npages; i++ {
			held := t.keys != nil && t.keys[i] != nil
			m.markCiphertextLocked(d, t.local+i, held)
		}
		t.keys = nil
	default:
		m.releaseKeysLocked(t)
	}
	d.transfers--
	m.mu.Unlock()

	if t.bounced {
		m.pages.Free(t.iobuf)
		t.iobuf = nil
	}
	if t.write {
		m.usage.AccountPut(t.npages, err)
	} else {
		m.usage.AccountGet(t.npages, err)
	}
	if err != nil {
		m.logger.Warningf("swap %s: %s of slots [%d, %d) failed: %v", d.name, direction(t.write), t.slot, t.slot+t.npages, err)
	}
	t.done(err)
}

func reachable(s Store, data []byte) bool {
	if c, ok := s.(DMAChecker); ok {
		return c.Reachable(data)
	}
	return true
}

func direction(write bool) string {
	if write {
		return "write"
	}
	return "read"
}

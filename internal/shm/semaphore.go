/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
)

const (
	// Magic bytes for semaphore identification
	SemaphoreMagic = "SHMRSEM\x00"

	// Current semaphore layout version
	SemaphoreVersion = uint32(1)

	// Semaphore header size (one cache line)
	SemaphoreSize = 64

	// DefaultWaitSlice bounds a single futex sleep when no slice is given.
	DefaultWaitSlice = 100 * time.Millisecond
)

// SemaphoreHeader is the shared state of a named semaphore.
type SemaphoreHeader struct {
	magic      [8]byte  // 0x00: "SHMRSEM\0"
	version    uint32   // 0x08: layout version
	flags      uint32   // 0x0C: reserved flags
	generation [16]byte // 0x10: generation token of the owning channel
	value      uint32   // 0x20: semaphore count
	seq        uint32   // 0x24: futex word, bumped on every post and shutdown
	closed     uint32   // 0x28: shutdown flag (0 open, 1 shut down)
	waiters    uint32   // 0x2C: number of processes sleeping on seq
	posts      uint64   // 0x30: total posts, diagnostics only
	held       uint32   // 0x38: 1 while a party holds the turn this semaphore grants
	pad        uint32   // 0x3C: padding to 64B
}

// WaitOptions bounds a semaphore wait.
type WaitOptions struct {
	// Slice is the longest single futex sleep. After each slice that ends
	// without a post, Check runs and Timeout is evaluated.
	Slice time.Duration

	// Timeout bounds the whole wait; zero waits until ctx is done.
	Timeout time.Duration

	// Check is consulted after every idle slice; a non-nil result ends the
	// wait with that error.
	Check func() error
}

func (o WaitOptions) slice() time.Duration {
	if o.Slice <= 0 {
		return DefaultWaitSlice
	}
	return o.Slice
}

// Semaphore is a named counting semaphore shared between processes.
type Semaphore struct {
	name   string
	path   string
	file   *os.File
	mem    []byte
	owner  bool
	closed uatomic.Bool
}

// CreateSemaphore creates the semaphore called name with an initial count.
// It fails with ErrExists if a semaphore of that name already exists.
func CreateSemaphore(dir, name string, initial uint32, gen uuid.UUID) (*Semaphore, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := SemaphorePath(dir, name)
	file, mem, err := createMapping(path, SemaphoreSize)
	if err != nil {
		return nil, err
	}

	s := &Semaphore{name: name, path: path, file: file, mem: mem, owner: true}
	h := s.header()
	copy(h.magic[:], SemaphoreMagic)
	h.generation = gen
	atomic.StoreUint32(&h.value, initial)
	atomic.StoreUint32(&h.version, SemaphoreVersion)
	return s, nil
}

// OpenSemaphore opens the existing semaphore called name. It fails with
// ErrNotFound if it does not exist.
func OpenSemaphore(dir, name string) (*Semaphore, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := SemaphorePath(dir, name)
	file, mem, err := openMapping(path, SemaphoreSize)
	if err != nil {
		return nil, err
	}

	s := &Semaphore{name: name, path: path, file: file, mem: mem}
	h := s.header()
	if string(h.magic[:]) != SemaphoreMagic || atomic.LoadUint32(&h.version) != SemaphoreVersion {
		unmapMemory(mem)
		file.Close()
		return nil, errors.Wrapf(ErrUnavailable, "invalid semaphore header in %s", path)
	}
	return s, nil
}

// RemoveSemaphore unlinks the semaphore called name regardless of its
// generation.
func RemoveSemaphore(dir, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return removeFile(SemaphorePath(dir, name))
}

func (s *Semaphore) header() *SemaphoreHeader {
	return (*SemaphoreHeader)(unsafe.Pointer(&s.mem[0]))
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string { return s.name }

// Generation returns the generation token stamped at creation.
func (s *Semaphore) Generation() uuid.UUID { return uuid.UUID(s.header().generation) }

// Value returns the current count.
func (s *Semaphore) Value() uint32 { return atomic.LoadUint32(&s.header().value) }

// Posts returns the total number of posts since creation.
func (s *Semaphore) Posts() uint64 { return atomic.LoadUint64(&s.header().posts) }

// IsShutdown reports whether the shared shutdown flag is raised.
func (s *Semaphore) IsShutdown() bool { return atomic.LoadUint32(&s.header().closed) != 0 }

// Held reports whether a party currently holds the turn this semaphore grants.
func (s *Semaphore) Held() bool { return atomic.LoadUint32(&s.header().held) != 0 }

func (s *Semaphore) setHeld(held bool) {
	var v uint32
	if held {
		v = 1
	}
	atomic.StoreUint32(&s.header().held, v)
}

// Reset restores the count to v and clears the shutdown flag. Only the
// initializer calls this, before the peer attaches.
func (s *Semaphore) Reset(v uint32) {
	h := s.header()
	atomic.StoreUint32(&h.value, v)
	atomic.StoreUint32(&h.closed, 0)
	atomic.StoreUint32(&h.held, 0)
	atomic.StoreUint64(&h.posts, 0)
}

// tryDecrement decrements the count if it is positive.
func (s *Semaphore) tryDecrement() bool {
	h := s.header()
	for {
		v := atomic.LoadUint32(&h.value)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&h.value, v, v-1) {
			return true
		}
	}
}

// TryWait decrements the count without blocking and reports whether it did.
func (s *Semaphore) TryWait() (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if s.IsShutdown() {
		return false, ErrShutdown
	}
	return s.tryDecrement(), nil
}

// Wait blocks until the count is positive and decrements it.
//
// The wait sleeps on the sequence word rather than the count so that a post
// or shutdown between the caller's check and the futex call always changes
// the word being waited on. Sleeps are bounded by opts.Slice; after every
// idle slice opts.Check runs and the overall opts.Timeout is enforced.
func (s *Semaphore) Wait(ctx context.Context, opts WaitOptions) error {
	h := s.header()
	var start time.Time

	for {
		if s.closed.Load() {
			return ErrClosed
		}
		if atomic.LoadUint32(&h.closed) != 0 {
			return ErrShutdown
		}
		if s.tryDecrement() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		seq := atomic.LoadUint32(&h.seq)
		// A post between tryDecrement and the snapshot would otherwise be missed.
		if atomic.LoadUint32(&h.value) > 0 || atomic.LoadUint32(&h.closed) != 0 {
			continue
		}

		if start.IsZero() {
			start = time.Now()
		}
		slice := opts.slice()
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			if remaining < slice {
				slice = remaining
			}
		}

		atomic.AddUint32(&h.waiters, 1)
		err := futexWaitTimeout(&h.seq, seq, slice.Nanoseconds())
		atomic.AddUint32(&h.waiters, ^uint32(0))

		if err == nil {
			continue
		}
		if !errors.Is(err, ErrFutexTimeout) {
			return err
		}
		if s.tryDecrement() {
			return nil
		}
		if opts.Check != nil {
			if err := opts.Check(); err != nil {
				return err
			}
		}
		if opts.Timeout > 0 && time.Since(start) >= opts.Timeout {
			return errors.Wrapf(ErrTimeout, "%s: no post within %v", s.name, opts.Timeout)
		}
	}
}

// Post increments the count and wakes one waiter.
func (s *Semaphore) Post() error {
	if s.closed.Load() {
		return ErrClosed
	}
	h := s.header()
	atomic.AddUint32(&h.value, 1)
	atomic.AddUint64(&h.posts, 1)
	atomic.AddUint32(&h.seq, 1)

	// Only enter the kernel when someone is sleeping
	if atomic.LoadUint32(&h.waiters) > 0 {
		if _, err := futexWake(&h.seq, 1); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown raises the shared shutdown flag and wakes every waiter in every
// process; their waits fail with ErrShutdown.
func (s *Semaphore) Shutdown() {
	if s.mem == nil {
		return
	}
	h := s.header()
	atomic.StoreUint32(&h.closed, 1)
	atomic.AddUint32(&h.seq, 1)
	futexWake(&h.seq, math.MaxInt32)
}

// Interrupt fails waits on this handle with ErrClosed without touching the
// shared shutdown flag. Waiters in other processes wake spuriously and
// resume waiting.
func (s *Semaphore) Interrupt() {
	if s.closed.Load() {
		return
	}
	s.closed.Store(true)
	h := s.header()
	atomic.AddUint32(&h.seq, 1)
	futexWake(&h.seq, math.MaxInt32)
}

// Close unmaps the semaphore. Callers must ensure no Wait is running on
// this handle; call Interrupt first and wait for waiters to return.
func (s *Semaphore) Close() error {
	s.closed.Store(true)

	var firstErr error
	if s.mem != nil {
		if err := unmapMemory(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// Destroy closes the handle and, for the creating handle only, unlinks the
// semaphore if it still belongs to the same generation.
func (s *Semaphore) Destroy() error {
	var gen uuid.UUID
	if s.mem != nil {
		gen = s.Generation()
	}
	closeErr := s.Close()
	if !s.owner || gen == uuid.Nil {
		return closeErr
	}
	if err := unlinkIfGeneration(s.path, SemaphoreMagic, 0x10, gen); err != nil {
		return err
	}
	return closeErr
}

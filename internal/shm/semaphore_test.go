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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSemaphore(t *testing.T, initial uint32) (*Semaphore, string) {
	t.Helper()
	skipUnlessLinux(t)

	dir := t.TempDir()
	s, err := CreateSemaphore(dir, "sem", initial, uuid.New())
	if err != nil {
		t.Fatalf("Failed to create semaphore: %v", err)
	}
	t.Cleanup(func() { s.Destroy() })
	return s, dir
}

func TestSemaphoreCreateOpen(t *testing.T) {
	s, dir := createTestSemaphore(t, 3)

	other, err := OpenSemaphore(dir, "sem")
	require.NoError(t, err)
	defer other.Close()

	assert.Equal(t, uint32(3), other.Value())
	assert.Equal(t, s.Generation(), other.Generation())

	_, err = CreateSemaphore(dir, "sem", 0, uuid.New())
	assert.True(t, errors.Is(err, ErrExists), "got %v", err)
}

func TestSemaphoreOpenNotFound(t *testing.T) {
	skipUnlessLinux(t)

	_, err := OpenSemaphore(t.TempDir(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestSemaphoreTryWait(t *testing.T) {
	s, _ := createTestSemaphore(t, 1)

	ok, err := s.TryWait()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryWait()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Post())
	assert.Equal(t, uint32(1), s.Value())
	assert.Equal(t, uint64(1), s.Posts())
}

func TestSemaphoreWaitWokenByPost(t *testing.T) {
	s, dir := createTestSemaphore(t, 0)

	other, err := OpenSemaphore(dir, "sem")
	require.NoError(t, err)
	defer other.Close()

	posted := make(chan struct{})
	go func() {
		defer close(posted)
		time.Sleep(30 * time.Millisecond)
		other.Post()
	}()
	// other must stay mapped until Post returns
	defer func() { <-posted }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Wait(ctx, WaitOptions{Slice: time.Second}))
	assert.Less(t, int64(time.Since(start)), int64(time.Second), "post should wake the waiter before the slice ends")
	assert.Equal(t, uint32(0), s.Value())
}

func TestSemaphoreWaitContextDeadline(t *testing.T) {
	s, _ := createTestSemaphore(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx, WaitOptions{Slice: time.Second})
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestSemaphoreWaitTimeout(t *testing.T) {
	s, _ := createTestSemaphore(t, 0)

	err := s.Wait(context.Background(), WaitOptions{Slice: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestSemaphoreWaitCheck(t *testing.T) {
	s, _ := createTestSemaphore(t, 0)

	gone := errors.New("peer gone")
	calls := 0
	err := s.Wait(context.Background(), WaitOptions{
		Slice: 5 * time.Millisecond,
		Check: func() error {
			calls++
			if calls == 3 {
				return gone
			}
			return nil
		},
	})
	assert.Equal(t, gone, err)
	assert.Equal(t, 3, calls)
}

func TestSemaphoreShutdownWakesWaiters(t *testing.T) {
	s, dir := createTestSemaphore(t, 0)

	other, err := OpenSemaphore(dir, "sem")
	require.NoError(t, err)
	defer other.Close()

	const waiters = 4
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			errs <- s.Wait(context.Background(), WaitOptions{Slice: 5 * time.Second})
		}()
	}

	time.Sleep(30 * time.Millisecond)
	other.Shutdown()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			assert.Equal(t, ErrShutdown, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released by shutdown")
		}
	}
	assert.True(t, s.IsShutdown())
}

func TestSemaphoreInterruptIsLocal(t *testing.T) {
	s, dir := createTestSemaphore(t, 0)

	other, err := OpenSemaphore(dir, "sem")
	require.NoError(t, err)
	defer other.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.Wait(context.Background(), WaitOptions{Slice: 5 * time.Second})
	}()

	time.Sleep(30 * time.Millisecond)
	s.Interrupt()

	select {
	case err := <-done:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by interrupt")
	}

	// The other handle is unaffected
	assert.False(t, other.IsShutdown())
	require.NoError(t, other.Post())
	ok, err := other.TryWait()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSemaphoreNoLostPosts(t *testing.T) {
	s, dir := createTestSemaphore(t, 0)

	other, err := OpenSemaphore(dir, "sem")
	require.NoError(t, err)
	defer other.Close()

	const n = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			other.Post()
		}
	}()
	defer wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Wait(ctx, WaitOptions{Slice: 100 * time.Millisecond}))
	}
	wg.Wait()
	assert.Equal(t, uint32(0), s.Value())
	assert.Equal(t, uint64(n), s.Posts())
}

func TestSemaphoreDestroyOnlyOwner(t *testing.T) {
	s, dir := createTestSemaphore(t, 0)

	other, err := OpenSemaphore(dir, "sem")
	require.NoError(t, err)
	require.NoError(t, other.Destroy())
	assert.True(t, fileExists(SemaphorePath(dir, "sem")), "non-owner must not unlink")

	require.NoError(t, s.Destroy())
	assert.False(t, fileExists(SemaphorePath(dir, "sem")))
}

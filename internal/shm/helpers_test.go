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
	"runtime"
	"testing"

	"github.com/google/uuid"
)

// isLinuxPlatform returns true if running on Linux
func isLinuxPlatform() bool {
	return runtime.GOOS == "linux"
}

func skipUnlessLinux(t *testing.T) {
	t.Helper()
	if !isLinuxPlatform() {
		t.Skip("shared memory primitives are only supported on Linux")
	}
}

// createTestRegion creates a region in a per-test directory. Cleanup is
// registered with t.Cleanup so the files disappear even if the test fails.
func createTestRegion(t *testing.T, capacity uint64) (*Region, string) {
	t.Helper()
	skipUnlessLinux(t)

	dir := t.TempDir()
	r, err := CreateRegion(dir, "test", capacity, 0, uuid.New())
	if err != nil {
		t.Fatalf("Failed to create test region: %v", err)
	}
	t.Cleanup(func() { r.Destroy() })
	return r, dir
}

// createTestPair creates a fresh semaphore pair and opens a second handle
// to it, standing in for the peer process.
func createTestPair(t *testing.T) (owner, peer *Pair, dir string) {
	t.Helper()
	skipUnlessLinux(t)

	dir = t.TempDir()
	names := DefaultPairNames("test")
	owner, err := CreatePair(dir, names, uuid.New(), true)
	if err != nil {
		t.Fatalf("Failed to create pair: %v", err)
	}
	peer, err = OpenPair(dir, names)
	if err != nil {
		owner.Destroy()
		t.Fatalf("Failed to open pair: %v", err)
	}
	t.Cleanup(func() {
		peer.Close()
		owner.Destroy()
	})
	return owner, peer, dir
}

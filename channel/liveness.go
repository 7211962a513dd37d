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

package channel

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
	uatomic "go.uber.org/atomic"

	"github.com/shmrdv/shmrdv/internal/shm"
)

const missingChecks = 2

// watchdog decides, between bounded waits, whether the other party can
// still complete the exchange.
type watchdog struct {
	region *shm.Region
	dir    string
	key    string
	gen    uuid.UUID
	role   Role
	self   uint32

	// missing counts consecutive checks that found no region at the key.
	// A recreation briefly leaves the key empty, so one miss is not enough.
	missing uatomic.Int32

	// pidExists is swapped out in tests.
	pidExists func(ctx context.Context, pid int32) (bool, error)
}

func newWatchdog(region *shm.Region, dir, key string, gen uuid.UUID, role Role) *watchdog {
	return &watchdog{
		region:    region,
		dir:       dir,
		key:       key,
		gen:       gen,
		role:      role,
		self:      uint32(os.Getpid()),
		pidExists: process.PidExistsWithContext,
	}
}

// peerPID returns the process ID of the other party, or zero when it is
// not known yet.
func (w *watchdog) peerPID() uint32 {
	h := w.region.Header()
	if w.role == RoleInitializer {
		return h.PeerPID()
	}
	return h.InitializerPID()
}

// check returns nil while the peer looks alive and the region at the key
// is still ours.
func (w *watchdog) check(ctx context.Context) error {
	if w.region.Header().Shutdown() {
		return ErrPeerClosed
	}

	gen, err := shm.ReadRegionGeneration(w.dir, w.key)
	if !errors.Is(err, shm.ErrNotFound) {
		w.missing.Store(0)
	}
	switch {
	case errors.Is(err, shm.ErrNotFound):
		if w.missing.Inc() >= missingChecks {
			return peerLost(errors.Errorf("region %q removed", w.key))
		}
	case err != nil:
		// Transient read failures are not evidence of a lost peer
	case gen != w.gen:
		return peerLost(errors.Wrapf(ErrRecreated, "generation %s replaced by %s", w.gen, gen))
	}

	pid := w.peerPID()
	if pid == 0 || pid == w.self {
		return nil
	}
	alive, err := w.pidExists(ctx, int32(pid))
	if err == nil && !alive {
		return peerLost(errors.Errorf("process %d exited", pid))
	}
	return nil
}

// processAlive reports whether pid names a running process. Unknown or
// unreadable PIDs are reported as alive.
func processAlive(ctx context.Context, pid uint32) bool {
	if pid == 0 {
		return false
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	return err != nil || alive
}

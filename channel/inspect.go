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

	"github.com/pkg/errors"

	"github.com/shmrdv/shmrdv/internal/shm"
)

// Snapshot is a read-only view of the named resources behind a key.
type Snapshot struct {
	Key        string
	RegionPath string

	RegionPresent bool
	Region        shm.RegionState
	RegionError   string

	PairPresent bool
	Pair        shm.PairState
	PairError   string

	InitializerAlive bool
	PeerAlive        bool

	// Broken is set when the shared state is one the handshake cannot
	// reach by itself; Diagnostic explains it.
	Broken     bool
	Diagnostic string
}

// Stale reports whether resources exist but no process is using them.
func (s Snapshot) Stale() bool {
	if !s.RegionPresent && !s.PairPresent {
		return false
	}
	return !s.InitializerAlive && !s.PeerAlive
}

// Inspect maps the resources named by cfg without taking part in the
// exchange. Missing resources are reported in the snapshot, not as errors.
func Inspect(ctx context.Context, cfg Config) (Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}
	cfg = cfg.withDefaults()

	snap := Snapshot{
		Key:        cfg.Key,
		RegionPath: shm.RegionPath(cfg.Dir, cfg.Key),
	}

	region, err := shm.AttachRegion(cfg.Dir, cfg.Key)
	if err == nil {
		defer region.Close()
		snap.RegionPresent = true
		snap.Region = region.DebugState()
		snap.InitializerAlive = processAlive(ctx, snap.Region.InitializerPID)
		snap.PeerAlive = processAlive(ctx, snap.Region.PeerPID)
	} else if !errors.Is(err, shm.ErrNotFound) {
		snap.RegionError = err.Error()
	}

	pair, err := shm.OpenPair(cfg.Dir, cfg.pairNames())
	if err == nil {
		defer pair.Close()
		snap.PairPresent = true
		snap.Pair = pair.DebugState()
	} else if !errors.Is(err, shm.ErrNotFound) {
		snap.PairError = err.Error()
	}

	if snap.RegionPresent && snap.PairPresent {
		if snap.Region.Generation != pair.Generation() {
			snap.Broken = true
			snap.Diagnostic = "region and semaphores belong to different generations\n"
		}
		broken, diag := shm.Diagnose(snap.Region, snap.Pair)
		snap.Broken = snap.Broken || broken
		snap.Diagnostic += diag
	}
	return snap, nil
}

// Remove unlinks the region and semaphores named by cfg whatever their
// generation. It reports whether anything was removed.
func Remove(cfg Config) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	cfg = cfg.withDefaults()

	removed := false
	var firstErr error
	remove := func(err error) {
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, shm.ErrNotFound):
		case firstErr == nil:
			firstErr = err
		}
	}

	remove(shm.RemoveRegion(cfg.Dir, cfg.Key))
	remove(shm.RemoveSemaphore(cfg.Dir, cfg.WriterSem))
	remove(shm.RemoveSemaphore(cfg.Dir, cfg.ReaderSem))

	if removed {
		cfg.Logger.WithField("key", cfg.Key).Info("removed channel resources")
	}
	return removed, firstErr
}

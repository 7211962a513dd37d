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
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config rooted in a per-test directory with short
// poll intervals.
func testConfig(t *testing.T) Config {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("shared memory channels are only supported on Linux")
	}

	logger, _ := test.NewNullLogger()
	return Config{
		Key:          "rdv",
		Dir:          t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		PeerTimeout:  5 * time.Second,
		Logger:       logger,
	}
}

// openBoth opens the initializer and then the peer for cfg. Both are
// closed when the test ends.
func openBoth(t *testing.T, cfg Config) (initializer, peer *Channel) {
	t.Helper()

	ctx := context.Background()
	initializer, err := Open(ctx, cfg, RoleInitializer)
	require.NoError(t, err)
	peer, err = Open(ctx, cfg, RolePeer)
	if err != nil {
		initializer.Close()
		t.Fatalf("Failed to attach peer: %v", err)
	}
	t.Cleanup(func() {
		peer.Close()
		initializer.Close()
	})
	return initializer, peer
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

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
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/shmrdv/shmrdv/internal/shm"
)

func TestSumOfTen(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	var g errgroup.Group
	g.Go(func() error {
		for i := int64(1); i <= 10; i++ {
			if err := producer.SendInt(ctx, i); err != nil {
				return err
			}
		}
		if err := producer.SendEnd(ctx, -1); err != nil {
			return err
		}
		return producer.AwaitDrained(ctx)
	})

	var sum, received int64
	for {
		m, err := consumer.Receive(ctx)
		require.NoError(t, err)
		if m.Kind == KindEnd {
			v, err := m.Int()
			require.NoError(t, err)
			assert.Equal(t, int64(-1), v)
			break
		}
		v, err := m.Int()
		require.NoError(t, err)
		sum += v
		received++
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(55), sum)
	assert.Equal(t, int64(10), received)
	assert.Equal(t, StateTerminated, consumer.State())
	assert.Equal(t, StateTerminated, producer.State())
}

func TestConsumerAsInitializer(t *testing.T) {
	consumer, producer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	var g errgroup.Group
	g.Go(func() error {
		for i := int64(1); i <= 3; i++ {
			if err := producer.SendInt(ctx, i*100); err != nil {
				return err
			}
		}
		return producer.SendEnd(ctx, 0)
	})

	var got []int64
	for {
		m, err := consumer.Receive(ctx)
		require.NoError(t, err)
		if m.Kind == KindEnd {
			break
		}
		v, err := m.Int()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []int64{100, 200, 300}, got)
}

func TestSingleSlotExclusivity(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	require.NoError(t, producer.SendInt(ctx, 1))

	// The slot is occupied until the consumer reads it
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := producer.SendInt(short, 2)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	m, err := consumer.Receive(ctx)
	require.NoError(t, err)
	v, _ := m.Int()
	assert.Equal(t, int64(1), v)

	require.NoError(t, producer.SendInt(ctx, 2))
	m, err = consumer.Receive(ctx)
	require.NoError(t, err)
	v, _ = m.Int()
	assert.Equal(t, int64(2), v)
}

func TestReceiveBlocksUntilSend(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	done := make(chan Message, 1)
	go func() {
		m, err := consumer.Receive(ctx)
		if err == nil {
			done <- m
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Receive returned before anything was sent")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, producer.SendInt(ctx, 42))
	select {
	case m := <-done:
		v, err := m.Int()
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive not woken by Send")
	}
}

func TestCapacityBound(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capacity = 4
	producer, consumer := openBoth(t, cfg)
	ctx := testContext(t)

	err := producer.SendInt(ctx, 12345)
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)

	// Nothing was published, so the turn is still the writer's
	assert.Equal(t, shm.TurnWriter, producer.TurnState())

	require.NoError(t, producer.SendInt(ctx, 123))
	m, err := consumer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "123", string(m.Payload))
}

func TestCapacityBoundAtDefaultCapacity(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)
	require.Equal(t, uint64(DefaultCapacity), producer.Capacity())

	err := producer.Send(ctx, Message{Kind: KindData, Payload: []byte(strings.Repeat("9", DefaultCapacity))})
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
	assert.Equal(t, shm.TurnWriter, producer.TurnState())

	// The region keeps working after the rejected send
	require.NoError(t, producer.SendInt(ctx, 7))
	m, err := consumer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", string(m.Payload))
}

func TestHeaderVariant(t *testing.T) {
	cfg := testConfig(t)
	cfg.Header = true
	producer, consumer := openBoth(t, cfg)
	ctx := testContext(t)

	assert.True(t, consumer.HeaderVariant(), "peer adopts the header flag")
	assert.Equal(t, StateAwaitingHeader, consumer.State())

	err := producer.SendInt(ctx, 1)
	assert.True(t, errors.Is(err, ErrProtocolDesync), "data before header: got %v", err)

	start := time.Unix(1700000000, 123456789)
	var g errgroup.Group
	g.Go(func() error {
		if err := producer.SendHeader(ctx, start); err != nil {
			return err
		}
		for i := int64(1); i <= 10; i++ {
			if err := producer.SendInt(ctx, i); err != nil {
				return err
			}
		}
		return producer.SendEnd(ctx, 10)
	})

	m, err := consumer.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, KindHeader, m.Kind)
	ts, err := m.Time()
	require.NoError(t, err)
	assert.True(t, start.Equal(ts))
	assert.Equal(t, StateStreaming, consumer.State())

	var sum int64
	for {
		m, err := consumer.Receive(ctx)
		require.NoError(t, err)
		require.NotEqual(t, KindHeader, m.Kind)
		if m.Kind == KindEnd {
			break
		}
		v, err := m.Int()
		require.NoError(t, err)
		sum += v
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(55), sum, "the header is never accumulated")

	err = producer.SendHeader(ctx, start)
	assert.True(t, errors.Is(err, ErrTerminated), "got %v", err)
}

func TestHeaderTwiceIsDesync(t *testing.T) {
	cfg := testConfig(t)
	cfg.Header = true
	producer, consumer := openBoth(t, cfg)
	ctx := testContext(t)

	require.NoError(t, producer.SendHeader(ctx, time.Now()))
	_, err := consumer.Receive(ctx)
	require.NoError(t, err)

	err = producer.SendHeader(ctx, time.Now())
	assert.True(t, errors.Is(err, ErrProtocolDesync), "got %v", err)
}

func TestTerminationExactness(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	const sentinel = 10
	var g errgroup.Group
	g.Go(func() error {
		for i := int64(1); i < sentinel; i++ {
			if err := producer.SendInt(ctx, i); err != nil {
				return err
			}
		}
		return producer.SendEnd(ctx, sentinel)
	})

	receives := 0
	for {
		m, err := consumer.Receive(ctx)
		require.NoError(t, err)
		receives++
		if m.Kind == KindEnd {
			v, err := m.Int()
			require.NoError(t, err)
			assert.Equal(t, int64(sentinel), v)
			break
		}
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, sentinel, receives)

	_, err := consumer.Receive(ctx)
	assert.True(t, errors.Is(err, ErrTerminated), "got %v", err)
	err = producer.SendInt(ctx, 11)
	assert.True(t, errors.Is(err, ErrTerminated), "got %v", err)
	err = producer.SendEnd(ctx, sentinel)
	assert.True(t, errors.Is(err, ErrTerminated), "got %v", err)
}

func TestAwaitDrained(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	assert.Error(t, producer.AwaitDrained(ctx), "AwaitDrained before End")

	require.NoError(t, producer.SendEnd(ctx, 0))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := producer.AwaitDrained(short)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	_, err = consumer.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, producer.AwaitDrained(ctx))
	require.NoError(t, producer.AwaitDrained(ctx))
}

func TestInitializerCloseAfterEndLetsConsumerFinish(t *testing.T) {
	cfg := testConfig(t)
	ctx := testContext(t)

	producer, err := Open(ctx, cfg, RoleInitializer)
	require.NoError(t, err)
	consumer, err := Open(ctx, cfg, RolePeer)
	require.NoError(t, err)
	defer consumer.Close()

	require.NoError(t, producer.SendEnd(ctx, 7))
	require.NoError(t, producer.Close())

	// The files are gone but the consumer's mapping still holds the End
	m, err := consumer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindEnd, m.Kind)
	assert.False(t, shm.RegionExists(cfg.Dir, cfg.Key))
}

func TestEarlyCloseWakesPeer(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		_, err := consumer.Receive(ctx)
		errc <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, producer.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrPeerClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Receive not woken by peer Close")
	}
}

func TestEarlyCloseWakesProducer(t *testing.T) {
	producer, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	require.NoError(t, producer.SendInt(ctx, 1))
	errc := make(chan error, 1)
	go func() {
		errc <- producer.SendInt(ctx, 2)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, consumer.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrPeerClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Send not woken by peer Close")
	}
}

func TestCloseUnblocksLocalReceive(t *testing.T) {
	_, consumer := openBoth(t, testConfig(t))
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		_, err := consumer.Receive(ctx)
		errc <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, consumer.Close())

	select {
	case err := <-errc:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Receive not woken by Close")
	}
	assert.Equal(t, Closed, consumer.Lifecycle())
}

func TestCloseIdempotent(t *testing.T) {
	cfg := testConfig(t)
	initializer, peer := openBoth(t, cfg)

	require.NoError(t, peer.Close())
	require.NoError(t, peer.Close())
	require.NoError(t, initializer.Close())
	require.NoError(t, initializer.Close())

	assert.False(t, shm.RegionExists(cfg.Dir, cfg.Key))
	_, err := initializer.Receive(context.Background())
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, initializer.SendInt(context.Background(), 1))
	assert.Equal(t, shm.TurnClosed, initializer.TurnState())
}

func TestPeerCloseLeavesResources(t *testing.T) {
	cfg := testConfig(t)
	_, peer := openBoth(t, cfg)

	require.NoError(t, peer.Close())
	assert.True(t, shm.RegionExists(cfg.Dir, cfg.Key), "only the initializer unlinks")
}

func TestPeerLostAfterTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.PeerTimeout = 100 * time.Millisecond
	consumer, err := Open(context.Background(), cfg, RoleInitializer)
	require.NoError(t, err)
	defer consumer.Close()

	start := time.Now()
	_, err = consumer.Receive(testContext(t))
	assert.True(t, errors.Is(err, ErrPeerLost), "got %v", err)
	assert.Less(t, int64(time.Since(start)), int64(2*time.Second))
}

func TestPeerLostWhenProcessExits(t *testing.T) {
	cfg := testConfig(t)
	consumer, err := Open(context.Background(), cfg, RoleInitializer)
	require.NoError(t, err)
	defer consumer.Close()

	consumer.region.MarkPeerAttached(999999)
	consumer.watchdog.pidExists = func(ctx context.Context, pid int32) (bool, error) {
		assert.Equal(t, int32(999999), pid)
		return false, nil
	}

	_, err = consumer.Receive(testContext(t))
	assert.True(t, errors.Is(err, ErrPeerLost), "got %v", err)
	assert.Contains(t, err.Error(), "process 999999 exited")
}

func TestRecreatedDetection(t *testing.T) {
	cfg := testConfig(t)
	ctx := testContext(t)
	initializer, consumer := openBoth(t, cfg)

	errc := make(chan error, 1)
	go func() {
		_, err := consumer.Receive(ctx)
		errc <- err
	}()
	time.Sleep(30 * time.Millisecond)

	// A second initializer takes the key over
	other, err := Open(ctx, cfg, RoleInitializer)
	require.NoError(t, err)
	defer other.Close()
	assert.NotEqual(t, initializer.Generation(), other.Generation())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrPeerLost), "got %v", err)
		assert.True(t, errors.Is(err, ErrRecreated), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("recreation not detected")
	}

	// The old initializer must not unlink the new generation
	require.NoError(t, initializer.Close())
	assert.True(t, shm.RegionExists(cfg.Dir, cfg.Key))
}

func TestAttachNotFound(t *testing.T) {
	cfg := testConfig(t)

	_, err := Open(context.Background(), cfg, RolePeer)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	assert.True(t, IsResourceError(err))
}

func TestAttachWaitsForInitializer(t *testing.T) {
	cfg := testConfig(t)
	cfg.AttachTimeout = 5 * time.Second
	ctx := testContext(t)

	var g errgroup.Group
	var peer *Channel
	g.Go(func() error {
		var err error
		peer, err = Open(ctx, cfg, RolePeer)
		return err
	})

	time.Sleep(50 * time.Millisecond)
	initializer, err := Open(ctx, cfg, RoleInitializer)
	require.NoError(t, err)
	defer initializer.Close()

	require.NoError(t, g.Wait())
	defer peer.Close()
	assert.Equal(t, initializer.Generation(), peer.Generation())
	require.NoError(t, initializer.WaitForPeer(ctx))
}

func TestAttachAfterEarlyClose(t *testing.T) {
	cfg := testConfig(t)
	ctx := testContext(t)

	initializer, err := Open(ctx, cfg, RoleInitializer)
	require.NoError(t, err)
	defer initializer.Close()
	initializer.region.SetShutdown()

	_, err = Open(ctx, cfg, RolePeer)
	assert.True(t, errors.Is(err, ErrPeerClosed), "got %v", err)
}

func TestStaleResourcesRecreated(t *testing.T) {
	cfg := testConfig(t)
	ctx := testContext(t)

	// A run that died mid-exchange: one message published, never read
	crashed, err := Open(ctx, cfg, RoleInitializer)
	require.NoError(t, err)
	require.NoError(t, crashed.SendInt(ctx, 1))
	assert.Equal(t, shm.TurnReader, crashed.TurnState())
	crashed.region.Close()
	crashed.pair.Close()

	keep := cfg
	keep.KeepStale = true
	_, err = Open(ctx, keep, RoleInitializer)
	assert.True(t, errors.Is(err, ErrResourceExists), "got %v", err)

	fresh, err := Open(ctx, cfg, RoleInitializer)
	require.NoError(t, err)
	defer fresh.Close()

	w, r := fresh.pair.Counts()
	assert.Equal(t, uint32(1), w)
	assert.Equal(t, uint32(0), r)
	st := fresh.pair.DebugState()
	assert.Equal(t, uint64(0), st.ReaderPosts, "counters start over with the new pair")
	assert.False(t, st.WriterHeld || st.ReaderHeld)
	assert.True(t, fresh.region.IsEmpty())
}

func TestPeerAdoptsCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capacity = 64
	initializer, err := Open(context.Background(), cfg, RoleInitializer)
	require.NoError(t, err)
	defer initializer.Close()

	peerCfg := cfg
	peerCfg.Capacity = 0
	peer, err := Open(context.Background(), peerCfg, RolePeer)
	require.NoError(t, err)
	defer peer.Close()
	assert.Equal(t, uint64(64), peer.Capacity())
}

func TestInvariantViolationIsDesync(t *testing.T) {
	producer, _ := openBoth(t, testConfig(t))

	// Grant both turns at once behind the channel's back
	require.NoError(t, producer.pair.ReleaseWriteTurn())

	err := producer.SendInt(testContext(t), 1)
	assert.True(t, errors.Is(err, ErrProtocolDesync), "got %v", err)
	broken, diag := producer.Diagnose()
	assert.True(t, broken, diag)
}

func TestMetrics(t *testing.T) {
	cfg := testConfig(t)
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	producer, consumer := openBoth(t, cfg)
	ctx := testContext(t)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, producer.SendInt(ctx, i))
		_, err := consumer.Receive(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(producer.metrics.messages.WithLabelValues("sent", "data")))
	assert.Equal(t, 3.0, testutil.ToFloat64(consumer.metrics.messages.WithLabelValues("received", "data")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["shmrdv_channel_messages_total"])
	assert.True(t, names["shmrdv_channel_turn_wait_seconds"])

	require.NoError(t, producer.Close())
	require.NoError(t, consumer.Close())
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "collectors are unregistered on Close")
}

func TestLifecycleLogging(t *testing.T) {
	cfg := testConfig(t)
	logger, hook := test.NewNullLogger()
	cfg.Logger = logger

	initializer, peer := openBoth(t, cfg)
	require.NoError(t, peer.Close())
	require.NoError(t, initializer.Close())

	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
		assert.Equal(t, cfg.Key, e.Data["key"])
	}
	assert.Contains(t, messages, "created channel")
	assert.Contains(t, messages, "attached to channel")
	assert.Contains(t, messages, "closed channel")
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Key = "a/b"

	_, err := Open(context.Background(), cfg, RoleInitializer)
	assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
}

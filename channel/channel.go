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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	uatomic "go.uber.org/atomic"

	"github.com/shmrdv/shmrdv/internal/shm"
)

// Channel is one end of a single-slot rendezvous channel. Either end may
// send or receive, but a stream has exactly one sender and one receiver.
type Channel struct {
	cfg  Config
	role Role
	log  logrus.FieldLogger

	// mu is held shared by every operation that touches the mappings and
	// exclusively by Close while it unmaps them.
	mu     sync.RWMutex
	sendMu sync.Mutex
	recvMu sync.Mutex

	region   *shm.Region
	pair     *shm.Pair
	gen      uuid.UUID
	capacity uint64
	header   bool

	watchdog *watchdog
	metrics  *metrics

	lifecycle uatomic.Int32
	state     uatomic.Int32
	sentEnd   uatomic.Bool
	drained   uatomic.Bool
}

// Open creates (RoleInitializer) or attaches to (RolePeer) the channel
// described by cfg.
//
// The initializer removes resources left behind under the same names unless
// cfg.KeepStale is set, then creates the turn semaphores with writerTurn=1
// and readerTurn=0 followed by the region. The peer only attaches and fails
// with ErrNotFound if anything is missing.
func Open(ctx context.Context, cfg Config, role Role) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Channel{
		cfg:  cfg,
		role: role,
		log:  cfg.Logger.WithFields(logrus.Fields{"key": cfg.Key, "role": role.String()}),
	}

	var err error
	switch role {
	case RoleInitializer:
		err = c.create()
	case RolePeer:
		err = c.attach(ctx)
	default:
		err = errors.Wrapf(ErrInvalidConfig, "unknown role %d", int(role))
	}
	if err != nil {
		return nil, err
	}

	c.capacity = c.region.Capacity()
	c.header = c.region.Header().Flags()&shm.FlagHeader != 0
	if c.header {
		c.state.Store(int32(StateAwaitingHeader))
	} else {
		c.state.Store(int32(StateStreaming))
	}
	c.watchdog = newWatchdog(c.region, cfg.Dir, cfg.Key, c.gen, role)
	c.metrics = newMetrics(cfg.Registerer, cfg.Key, role)
	c.log = c.log.WithField("generation", c.gen.String())
	c.lifecycle.Store(int32(Opened))
	return c, nil
}

func (c *Channel) create() error {
	cfg := c.cfg
	names := cfg.pairNames()

	if !cfg.KeepStale {
		switch err := shm.RemoveRegion(cfg.Dir, cfg.Key); {
		case err == nil:
			c.log.Info("removed stale region")
		case !errors.Is(err, shm.ErrNotFound):
			return errors.WithMessage(err, "remove stale region")
		}
	}

	c.gen = uuid.New()
	pair, err := shm.CreatePair(cfg.Dir, names, c.gen, !cfg.KeepStale)
	if err != nil {
		return errors.WithMessage(err, "create semaphores")
	}

	var flags shm.RegionFlags
	if cfg.Header {
		flags |= shm.FlagHeader
	}
	region, err := shm.CreateRegion(cfg.Dir, cfg.Key, cfg.Capacity, flags, c.gen)
	if err != nil {
		pair.Destroy()
		return errors.WithMessage(err, "create region")
	}

	c.pair = pair
	c.region = region
	c.log.WithFields(logrus.Fields{
		"generation": c.gen.String(),
		"capacity":   cfg.Capacity,
		"path":       region.Path(),
	}).Info("created channel")
	return nil
}

func (c *Channel) attach(ctx context.Context) error {
	var deadline time.Time
	if c.cfg.AttachTimeout > 0 {
		deadline = time.Now().Add(c.cfg.AttachTimeout)
	}

	for {
		err := c.tryAttach()
		if err == nil {
			break
		}
		if deadline.IsZero() || time.Now().After(deadline) || !retryableAttach(err) {
			return err
		}
		c.log.WithError(err).Debug("channel not ready, retrying attach")

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "attach")
		case <-time.After(c.cfg.PollInterval):
		}
	}

	if c.region.Header().Shutdown() {
		c.region.Close()
		c.pair.Close()
		return errors.Wrap(ErrPeerClosed, "attach")
	}

	c.region.MarkPeerAttached(uint32(os.Getpid()))
	c.log.WithFields(logrus.Fields{
		"generation": c.gen.String(),
		"capacity":   c.region.Capacity(),
		"header":     c.region.Header().Flags()&shm.FlagHeader != 0,
	}).Info("attached to channel")
	return nil
}

func (c *Channel) tryAttach() error {
	region, err := shm.AttachRegion(c.cfg.Dir, c.cfg.Key)
	if err != nil {
		return errors.WithMessage(err, "attach region")
	}
	pair, err := shm.OpenPair(c.cfg.Dir, c.cfg.pairNames())
	if err != nil {
		region.Close()
		return errors.WithMessage(err, "open semaphores")
	}
	if region.Generation() != pair.Generation() {
		region.Close()
		pair.Close()
		return errors.Wrapf(ErrResourceUnavailable, "region generation %s does not match semaphores %s",
			region.Generation(), pair.Generation())
	}
	c.region = region
	c.pair = pair
	c.gen = region.Generation()
	return nil
}

// retryableAttach reports whether err may clear once the initializer has
// finished creating the resources.
func retryableAttach(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrResourceUnavailable)
}

// Role returns the lifecycle role of this end.
func (c *Channel) Role() Role { return c.role }

// Key returns the region key.
func (c *Channel) Key() string { return c.cfg.Key }

// Generation returns the generation token shared by both ends.
func (c *Channel) Generation() uuid.UUID { return c.gen }

// Capacity returns the slot size in bytes; payloads may use capacity-1.
func (c *Channel) Capacity() uint64 { return c.capacity }

// HeaderVariant reports whether the stream opens with a header message.
func (c *Channel) HeaderVariant() bool { return c.header }

// State returns the protocol state of this end.
func (c *Channel) State() State { return State(c.state.Load()) }

// Lifecycle returns whether this end is open or closed.
func (c *Channel) Lifecycle() Lifecycle { return Lifecycle(c.lifecycle.Load()) }

// TurnState returns whose turn it is on the shared semaphores.
func (c *Channel) TurnState() shm.TurnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Lifecycle() != Opened {
		return shm.TurnClosed
	}
	return c.pair.State()
}

// Diagnose dumps the shared state and reports whether it is inconsistent.
func (c *Channel) Diagnose() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Lifecycle() != Opened {
		return false, "channel closed"
	}
	return shm.Diagnose(c.region.DebugState(), c.pair.DebugState())
}

// WaitForPeer blocks until the peer has attached. Only meaningful for the
// initializer.
func (c *Channel) WaitForPeer(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Lifecycle() != Opened {
		return ErrClosed
	}
	if err := c.region.WaitForPeer(ctx); err != nil {
		if errors.Is(err, shm.ErrShutdown) {
			return ErrPeerClosed
		}
		return errors.Wrap(err, "wait for peer")
	}
	return nil
}

func (c *Channel) waitOptions(ctx context.Context) shm.WaitOptions {
	opts := shm.WaitOptions{
		Slice: c.cfg.PollInterval,
		Check: func() error { return c.watchdog.check(ctx) },
	}
	if c.cfg.PeerTimeout > 0 {
		opts.Timeout = c.cfg.PeerTimeout
	}
	return opts
}

// waitError maps a failed turn acquisition onto the channel errors.
func (c *Channel) waitError(err error, turn string) error {
	switch {
	case errors.Is(err, ErrPeerLost):
		c.peerLost(err, turn)
		return err
	case errors.Is(err, shm.ErrTimeout):
		err = peerLost(err)
		c.peerLost(err, turn)
		return err
	case errors.Is(err, shm.ErrShutdown), errors.Is(err, ErrPeerClosed):
		return errors.Wrapf(ErrPeerClosed, "%s turn", turn)
	case errors.Is(err, shm.ErrClosed):
		return ErrClosed
	default:
		return errors.Wrapf(err, "%s turn", turn)
	}
}

func (c *Channel) peerLost(err error, turn string) {
	c.metrics.lost()
	c.log.WithError(err).WithField("turn", turn).Warn("peer lost")
}

// checkTurns verifies the turn invariant while this end holds a turn.
func (c *Channel) checkTurns() error {
	if err := c.pair.Check(); err != nil {
		c.log.WithError(err).Error("turn invariant violated")
		return errors.Wrapf(ErrProtocolDesync, "%v", err)
	}
	return nil
}

// Send blocks until the write turn is granted, writes m into the slot and
// hands the turn to the receiver. It returns once the message is published,
// not once it is consumed; a second Send blocks until the first message
// has been read.
func (c *Channel) Send(ctx context.Context, m Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Lifecycle() != Opened {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := m.validate(c.capacity); err != nil {
		return err
	}
	switch st := c.State(); {
	case st == StateTerminated || c.sentEnd.Load():
		return ErrTerminated
	case st == StateAwaitingHeader && m.Kind != KindHeader:
		return errors.Wrapf(ErrProtocolDesync, "%s sent before the header", m.Kind)
	case st == StateStreaming && m.Kind == KindHeader:
		return errors.Wrap(ErrProtocolDesync, "header sent after the stream started")
	}

	start := time.Now()
	if err := c.pair.AcquireWriteTurn(ctx, c.waitOptions(ctx)); err != nil {
		return c.waitError(err, "write")
	}
	c.metrics.waited("write", time.Since(start))

	if err := c.checkTurns(); err != nil {
		c.pair.AbortWriteTurn()
		return err
	}
	if err := c.region.Write(m.Kind.slotKind(), m.Payload); err != nil {
		c.pair.AbortWriteTurn()
		if errors.Is(err, shm.ErrCorrupt) {
			return errors.Wrapf(ErrProtocolDesync, "%v", err)
		}
		return err
	}
	if err := c.pair.ReleaseWriteTurn(); err != nil {
		return c.waitError(err, "read")
	}
	c.metrics.sent(m.Kind)

	switch m.Kind {
	case KindHeader:
		c.state.Store(int32(StateStreaming))
	case KindEnd:
		c.sentEnd.Store(true)
		c.state.Store(int32(StateTerminated))
		c.log.WithField("sentinel", string(m.Payload)).Debug("sent end of stream")
	}
	return nil
}

// SendInt sends v as a data message.
func (c *Channel) SendInt(ctx context.Context, v int64) error {
	return c.Send(ctx, DataMessage(v))
}

// SendHeader sends the stream start time.
func (c *Channel) SendHeader(ctx context.Context, t time.Time) error {
	return c.Send(ctx, HeaderMessage(t))
}

// SendEnd sends the sentinel and terminates the stream.
func (c *Channel) SendEnd(ctx context.Context, sentinel int64) error {
	return c.Send(ctx, EndMessage(sentinel))
}

// Receive blocks until a message is published, reads and clears the slot,
// and hands the write turn back.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Lifecycle() != Opened {
		return Message{}, ErrClosed
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.State() == StateTerminated {
		return Message{}, ErrTerminated
	}

	start := time.Now()
	if err := c.pair.AcquireReadTurn(ctx, c.waitOptions(ctx)); err != nil {
		return Message{}, c.waitError(err, "read")
	}
	c.metrics.waited("read", time.Since(start))

	if err := c.checkTurns(); err != nil {
		c.pair.ReleaseReadTurn()
		return Message{}, err
	}

	slotKind, payload, err := c.region.Read()
	if err != nil {
		c.pair.ReleaseReadTurn()
		return Message{}, errors.Wrapf(ErrProtocolDesync, "%v", err)
	}
	kind, ok := kindFromSlot(slotKind)
	if !ok {
		c.pair.ReleaseReadTurn()
		return Message{}, errors.Wrapf(ErrProtocolDesync, "unexpected slot kind %s", slotKind)
	}
	m := Message{Kind: kind, Payload: payload}

	switch st := c.State(); {
	case st == StateAwaitingHeader && kind != KindHeader:
		c.pair.ReleaseReadTurn()
		return m, errors.Wrapf(ErrProtocolDesync, "%s received before the header", kind)
	case st == StateStreaming && kind == KindHeader:
		c.pair.ReleaseReadTurn()
		return m, errors.Wrap(ErrProtocolDesync, "header received after the stream started")
	}

	switch kind {
	case KindHeader:
		c.state.Store(int32(StateStreaming))
	case KindEnd:
		// Terminated before the turn goes back, so a writer waiting in
		// AwaitDrained observes the flag.
		c.region.SetTerminated()
		c.state.Store(int32(StateTerminated))
	}

	if err := c.pair.ReleaseReadTurn(); err != nil {
		return m, c.waitError(err, "write")
	}
	c.metrics.received(kind)
	if kind == KindEnd {
		c.log.WithField("sentinel", string(payload)).Debug("received end of stream")
	}
	return m, nil
}

// AwaitDrained blocks until the receiver has consumed the End message. It
// is only valid after SendEnd; the write turn it acquires is never handed
// back.
func (c *Channel) AwaitDrained(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Lifecycle() != Opened {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sentEnd.Load() {
		return errors.New("channel: AwaitDrained called before End was sent")
	}
	if c.drained.Load() {
		return nil
	}

	if err := c.pair.AcquireWriteTurn(ctx, c.waitOptions(ctx)); err != nil {
		return c.waitError(err, "write")
	}
	c.drained.Store(true)
	return nil
}

// Close releases this end. It is safe to call more than once and from any
// goroutine; blocked Send and Receive calls on this end return ErrClosed.
//
// If the stream has not terminated, Close also raises the shared shutdown
// flag so that the peer fails with ErrPeerClosed instead of waiting for its
// timeout. The initializer unlinks the named resources.
func (c *Channel) Close() error {
	if !c.lifecycle.CAS(int32(Opened), int32(Closed)) {
		return nil
	}

	terminated := c.State() == StateTerminated
	c.pair.Interrupt()
	if !terminated {
		c.region.SetShutdown()
		c.pair.Shutdown()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var regionErr, pairErr error
	if c.role == RoleInitializer {
		regionErr = c.region.Destroy()
		pairErr = c.pair.Destroy()
	} else {
		regionErr = c.region.Close()
		pairErr = c.pair.Close()
	}
	c.metrics.unregister()

	fields := logrus.Fields{"terminated": terminated}
	if regionErr != nil || pairErr != nil {
		c.log.WithFields(fields).WithError(firstError(regionErr, pairErr)).Warn("closed channel with errors")
		return firstError(regionErr, pairErr)
	}
	c.log.WithFields(fields).Info("closed channel")
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

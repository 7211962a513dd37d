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
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TurnState names whose turn it is on a Pair.
type TurnState int

const (
	// TurnIdle is the transient state between a release and the matching post.
	TurnIdle TurnState = iota
	TurnWriter
	TurnReader
	// TurnHeld means one party has acquired its turn and not yet released it.
	TurnHeld
	TurnClosed
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnWriter:
		return "writer-turn"
	case TurnReader:
		return "reader-turn"
	case TurnHeld:
		return "held"
	case TurnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PairNames holds the names of the two turn semaphores.
type PairNames struct {
	Writer string
	Reader string
}

// DefaultPairNames derives the semaphore names from the region key.
func DefaultPairNames(key string) PairNames {
	return PairNames{Writer: key + ".writer", Reader: key + ".reader"}
}

// Validate checks both names and that they differ.
func (n PairNames) Validate() error {
	if err := ValidateName(n.Writer); err != nil {
		return errors.Wrap(err, "writer semaphore")
	}
	if err := ValidateName(n.Reader); err != nil {
		return errors.Wrap(err, "reader semaphore")
	}
	if n.Writer == n.Reader {
		return errors.Wrapf(ErrInvalidName, "writer and reader semaphores share the name %q", n.Writer)
	}
	return nil
}

// Pair is the two-semaphore turn handshake. writerTurn starts at one and
// readerTurn at zero; each release posts the other side, so at most one of
// them is ever granted.
type Pair struct {
	names  PairNames
	writer *Semaphore
	reader *Semaphore
}

// CreatePair creates fresh semaphores with writerTurn=1 and readerTurn=0.
// With removeStale set, semaphores left behind under the same names are
// unlinked first; otherwise their presence fails with ErrExists.
func CreatePair(dir string, names PairNames, gen uuid.UUID, removeStale bool) (*Pair, error) {
	if err := names.Validate(); err != nil {
		return nil, err
	}

	if removeStale {
		if err := RemovePair(dir, names); err != nil {
			return nil, err
		}
	}

	writer, err := CreateSemaphore(dir, names.Writer, 1, gen)
	if err != nil {
		return nil, err
	}
	reader, err := CreateSemaphore(dir, names.Reader, 0, gen)
	if err != nil {
		writer.Destroy()
		return nil, err
	}
	p := &Pair{names: names, writer: writer, reader: reader}
	p.Reset()
	return p, nil
}

// OpenPair opens existing semaphores. Both must carry the same generation.
func OpenPair(dir string, names PairNames) (*Pair, error) {
	if err := names.Validate(); err != nil {
		return nil, err
	}

	writer, err := OpenSemaphore(dir, names.Writer)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSemaphore(dir, names.Reader)
	if err != nil {
		writer.Close()
		return nil, err
	}
	if writer.Generation() != reader.Generation() {
		writer.Close()
		reader.Close()
		return nil, errors.Wrapf(ErrUnavailable, "semaphores %q and %q belong to different generations",
			names.Writer, names.Reader)
	}
	return &Pair{names: names, writer: writer, reader: reader}, nil
}

// RemovePair unlinks both semaphores. Missing semaphores are not an error.
func RemovePair(dir string, names PairNames) error {
	var firstErr error
	for _, name := range []string{names.Writer, names.Reader} {
		if err := RemoveSemaphore(dir, name); err != nil && !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Names returns the semaphore names.
func (p *Pair) Names() PairNames { return p.names }

// Generation returns the generation shared by both semaphores.
func (p *Pair) Generation() uuid.UUID { return p.writer.Generation() }

// AcquireWriteTurn blocks until the writer may touch the region.
func (p *Pair) AcquireWriteTurn(ctx context.Context, opts WaitOptions) error {
	if err := p.writer.Wait(ctx, opts); err != nil {
		return err
	}
	p.writer.setHeld(true)
	return nil
}

// ReleaseWriteTurn hands the region to the reader.
func (p *Pair) ReleaseWriteTurn() error {
	p.writer.setHeld(false)
	return p.reader.Post()
}

// AbortWriteTurn returns an acquired write turn without publishing anything.
func (p *Pair) AbortWriteTurn() error {
	p.writer.setHeld(false)
	return p.writer.Post()
}

// AcquireReadTurn blocks until a message is ready for the reader.
func (p *Pair) AcquireReadTurn(ctx context.Context, opts WaitOptions) error {
	if err := p.reader.Wait(ctx, opts); err != nil {
		return err
	}
	p.reader.setHeld(true)
	return nil
}

// ReleaseReadTurn hands the region back to the writer.
func (p *Pair) ReleaseReadTurn() error {
	p.reader.setHeld(false)
	return p.writer.Post()
}

// Counts returns the current writerTurn and readerTurn values.
func (p *Pair) Counts() (writer, reader uint32) {
	return p.writer.Value(), p.reader.Value()
}

// IsShutdown reports whether either semaphore has been shut down.
func (p *Pair) IsShutdown() bool {
	return p.writer.IsShutdown() || p.reader.IsShutdown()
}

// State derives the turn state from the shared counters.
func (p *Pair) State() TurnState {
	if p.IsShutdown() {
		return TurnClosed
	}
	w, r := p.Counts()
	switch {
	case w > 0:
		return TurnWriter
	case r > 0:
		return TurnReader
	case p.writer.Held() || p.reader.Held():
		return TurnHeld
	default:
		return TurnIdle
	}
}

// Check verifies that at most one turn is granted or held. The counters
// are read one after another, so the result is only exact while both
// parties are quiescent.
func (p *Pair) Check() error {
	var sum uint32
	w, r := p.Counts()
	sum += w + r
	if p.writer.Held() {
		sum++
	}
	if p.reader.Held() {
		sum++
	}
	if sum > 1 {
		return errors.Wrapf(ErrInvariant, "writerTurn=%d readerTurn=%d writerHeld=%t readerHeld=%t",
			w, r, p.writer.Held(), p.reader.Held())
	}
	return nil
}

// Reset restores writerTurn=1 and readerTurn=0 and clears the held flags
// and post counters. CreatePair calls it before the peer can attach.
func (p *Pair) Reset() {
	p.writer.Reset(1)
	p.reader.Reset(0)
}

// Shutdown wakes every waiter on both semaphores in every process with
// ErrShutdown.
func (p *Pair) Shutdown() {
	p.writer.Shutdown()
	p.reader.Shutdown()
}

// Interrupt fails local waits with ErrClosed.
func (p *Pair) Interrupt() {
	p.writer.Interrupt()
	p.reader.Interrupt()
}

// Close unmaps both semaphores without unlinking them.
func (p *Pair) Close() error {
	werr := p.writer.Close()
	rerr := p.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Destroy closes both semaphores and unlinks those this process created.
func (p *Pair) Destroy() error {
	werr := p.writer.Destroy()
	rerr := p.reader.Destroy()
	if werr != nil {
		return werr
	}
	return rerr
}

// PairState is a snapshot of a Pair for diagnostics.
type PairState struct {
	Writer      string
	Reader      string
	WriterTurn  uint32
	ReaderTurn  uint32
	WriterHeld  bool
	ReaderHeld  bool
	WriterPosts uint64
	ReaderPosts uint64
	Shutdown    bool
	State       TurnState
}

// DebugState returns a snapshot of the pair for debugging and diagnostics.
func (p *Pair) DebugState() PairState {
	w, r := p.Counts()
	return PairState{
		Writer:      p.names.Writer,
		Reader:      p.names.Reader,
		WriterTurn:  w,
		ReaderTurn:  r,
		WriterHeld:  p.writer.Held(),
		ReaderHeld:  p.reader.Held(),
		WriterPosts: p.writer.Posts(),
		ReaderPosts: p.reader.Posts(),
		Shutdown:    p.IsShutdown(),
		State:       p.State(),
	}
}

// Diagnose checks a region and its pair for states the handshake can never
// reach on its own, such as a granted write turn over an unconsumed message.
// It reports whether a problem was found together with a readable dump.
func Diagnose(region RegionState, pair PairState) (bool, string) {
	var problems []string

	if sum := pair.WriterTurn + pair.ReaderTurn; sum > 1 {
		problems = append(problems, fmt.Sprintf("writerTurn+readerTurn=%d, at most one turn may be granted", sum))
	}
	if pair.WriterTurn > 0 && region.SlotValid {
		problems = append(problems, "write turn granted while the slot holds an unconsumed message")
	}
	if pair.ReaderTurn > 0 && !region.SlotValid {
		problems = append(problems, "read turn granted over an empty slot")
	}
	if region.Terminated && region.SlotValid {
		problems = append(problems, "slot written after termination")
	}
	if region.Shutdown && pair.State != TurnClosed {
		problems = append(problems, "region shut down but semaphores still open")
	}

	broken := len(problems) > 0
	diagnostic := "Channel State:\n"
	if broken {
		diagnostic = "INCONSISTENT CHANNEL STATE DETECTED:\n"
	}

	diagnostic += fmt.Sprintf("Region %s: Capacity=%d Generation=%s InitPID=%d PeerPID=%d PeerReady=%t Shutdown=%t Terminated=%t\n",
		region.Key, region.Capacity, region.Generation, region.InitializerPID, region.PeerPID,
		region.PeerReady, region.Shutdown, region.Terminated)
	diagnostic += fmt.Sprintf("Slot: Valid=%t Kind=%s Length=%d Written=%d\n",
		region.SlotValid, region.SlotKind, region.SlotLength, region.Written)
	diagnostic += fmt.Sprintf("Turns: State=%s writerTurn(%s)=%d held=%t posts=%d readerTurn(%s)=%d held=%t posts=%d\n",
		pair.State, pair.Writer, pair.WriterTurn, pair.WriterHeld, pair.WriterPosts,
		pair.Reader, pair.ReaderTurn, pair.ReaderHeld, pair.ReaderPosts)

	for _, p := range problems {
		diagnostic += "  - " + p + "\n"
	}
	return broken, diagnostic
}

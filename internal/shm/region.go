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
	"bytes"
	"context"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
)

// Memory layout constants
const (
	// Magic bytes for region identification
	RegionMagic = "SHMRDV\x00\x00"

	// Current layout version
	RegionVersion = uint32(1)

	// Region header size (aligned to 128 bytes)
	RegionHeaderSize = 128

	// Slot header size; the slot data area follows it directly
	SlotHeaderSize = 16

	// Default slot capacity (1 KiB)
	DefaultCapacity = 1024

	// MinCapacity leaves room for one payload byte and the terminator.
	MinCapacity = 2

	MaxCapacity = 1 << 20
)

// RegionFlags are fixed at creation and read by the attaching peer.
type RegionFlags uint32

const (
	// FlagHeader marks a stream that opens with a header message.
	FlagHeader RegionFlags = 1 << iota
)

// SlotKind tags the content of the region slot.
type SlotKind uint32

const (
	SlotKindEmpty SlotKind = iota
	SlotKindData
	SlotKindHeader
	SlotKindEnd
)

func (k SlotKind) String() string {
	switch k {
	case SlotKindEmpty:
		return "empty"
	case SlotKindData:
		return "data"
	case SlotKindHeader:
		return "header"
	case SlotKindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// RegionHeader is the fixed header at offset 0 of every region.
type RegionHeader struct {
	magic      [8]byte  // 0x00: "SHMRDV\0\0"
	version    uint32   // 0x08: layout version
	flags      uint32   // 0x0C: reserved flags
	capacity   uint64   // 0x10: slot data capacity in bytes
	generation [16]byte // 0x18: generation token written once by the initializer
	initPID    uint32   // 0x28: initializer process ID
	peerPID    uint32   // 0x2C: peer process ID
	peerReady  uint32   // 0x30: peer attached flag (0->1)
	shutdown   uint32   // 0x34: shutdown flag, raised on abnormal close
	terminated uint32   // 0x38: set once the End message has been consumed
	pad        uint32   // 0x3C: padding
	reserved   [64]byte // 0x40-0x7F: reserved/padding to 128B
}

// Magic returns the magic bytes
func (h *RegionHeader) Magic() [8]byte {
	return h.magic
}

// Version returns the layout version
func (h *RegionHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// Flags returns the creation flags
func (h *RegionHeader) Flags() RegionFlags {
	return RegionFlags(atomic.LoadUint32(&h.flags))
}

// Capacity returns the slot data capacity
func (h *RegionHeader) Capacity() uint64 {
	return atomic.LoadUint64(&h.capacity)
}

// Generation returns the generation token
func (h *RegionHeader) Generation() uuid.UUID {
	return uuid.UUID(h.generation)
}

// InitializerPID returns the initializer process ID
func (h *RegionHeader) InitializerPID() uint32 {
	return atomic.LoadUint32(&h.initPID)
}

// PeerPID returns the peer process ID, zero until the peer attaches
func (h *RegionHeader) PeerPID() uint32 {
	return atomic.LoadUint32(&h.peerPID)
}

// PeerReady returns the peer attached flag
func (h *RegionHeader) PeerReady() bool {
	return atomic.LoadUint32(&h.peerReady) != 0
}

// Shutdown returns the shutdown flag
func (h *RegionHeader) Shutdown() bool {
	return atomic.LoadUint32(&h.shutdown) != 0
}

// Terminated returns the terminated flag
func (h *RegionHeader) Terminated() bool {
	return atomic.LoadUint32(&h.terminated) != 0
}

func (h *RegionHeader) init(capacity uint64, flags RegionFlags, gen uuid.UUID, pid uint32) {
	copy(h.magic[:], RegionMagic)
	atomic.StoreUint32(&h.flags, uint32(flags))
	h.generation = gen
	atomic.StoreUint64(&h.capacity, capacity)
	atomic.StoreUint32(&h.initPID, pid)
	atomic.StoreUint32(&h.peerPID, 0)
	atomic.StoreUint32(&h.peerReady, 0)
	atomic.StoreUint32(&h.shutdown, 0)
	atomic.StoreUint32(&h.terminated, 0)
	// version last: a concurrent attach treats version 0 as not yet initialised
	atomic.StoreUint32(&h.version, RegionVersion)
}

// SlotHeader describes the single message slot.
type SlotHeader struct {
	valid  uint32 // 0x00: 1 while a written message awaits consumption
	kind   uint32 // 0x04: SlotKind of the message
	length uint32 // 0x08: payload length, excluding the terminator
	seq    uint32 // 0x0C: number of messages written so far
}

// ValidateRegionHeader validates a region header against the mapped size.
func ValidateRegionHeader(h *RegionHeader, size int) error {
	if string(h.magic[:]) != RegionMagic {
		return errors.New("invalid magic bytes")
	}
	if v := h.Version(); v != RegionVersion {
		return errors.Errorf("unsupported version %d, expected %d", v, RegionVersion)
	}
	capacity := h.Capacity()
	if capacity < MinCapacity || capacity > MaxCapacity {
		return errors.Errorf("capacity %d outside [%d, %d]", capacity, MinCapacity, MaxCapacity)
	}
	if want := regionSize(capacity); size < want {
		return errors.Errorf("mapped size %d smaller than layout size %d", size, want)
	}
	return nil
}

// regionSize returns the mapping size for a slot of the given capacity.
func regionSize(capacity uint64) int {
	return int(alignTo64(RegionHeaderSize + SlotHeaderSize + capacity))
}

// alignTo64 aligns a size to 64-byte boundary
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// Region is a mapped single-slot shared memory region. It is not safe to
// use a Region after Close or Destroy.
type Region struct {
	key      string
	path     string
	file     *os.File
	mem      []byte
	capacity uint64
	owner    bool
	closed   uatomic.Bool
}

// CreateRegion creates the region named key with a slot of capacity bytes
// and stamps it with flags and gen. It fails with ErrExists if the name is
// taken.
func CreateRegion(dir, key string, capacity uint64, flags RegionFlags, gen uuid.UUID) (*Region, error) {
	if err := ValidateName(key); err != nil {
		return nil, err
	}
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, errors.Wrapf(ErrUnavailable, "capacity %d outside [%d, %d]", capacity, MinCapacity, MaxCapacity)
	}

	path := RegionPath(dir, key)
	file, mem, err := createMapping(path, regionSize(capacity))
	if err != nil {
		return nil, err
	}

	r := &Region{
		key:      key,
		path:     path,
		file:     file,
		mem:      mem,
		capacity: capacity,
		owner:    true,
	}
	r.header().init(capacity, flags, gen, uint32(os.Getpid()))
	return r, nil
}

// AttachRegion maps the existing region named key. It fails with
// ErrNotFound if no such region exists.
func AttachRegion(dir, key string) (*Region, error) {
	if err := ValidateName(key); err != nil {
		return nil, err
	}

	path := RegionPath(dir, key)
	file, mem, err := openMapping(path, RegionHeaderSize+SlotHeaderSize)
	if err != nil {
		return nil, err
	}

	h := (*RegionHeader)(unsafe.Pointer(&mem[0]))
	if err := ValidateRegionHeader(h, len(mem)); err != nil {
		unmapMemory(mem)
		file.Close()
		return nil, errors.Wrapf(ErrUnavailable, "invalid region header in %s: %v", path, err)
	}

	return &Region{
		key:      key,
		path:     path,
		file:     file,
		mem:      mem,
		capacity: h.Capacity(),
	}, nil
}

// RemoveRegion unlinks the region named key regardless of its generation.
func RemoveRegion(dir, key string) error {
	if err := ValidateName(key); err != nil {
		return err
	}
	return removeFile(RegionPath(dir, key))
}

// RegionExists checks if a region named key exists.
func RegionExists(dir, key string) bool {
	return fileExists(RegionPath(dir, key))
}

// ReadRegionGeneration returns the generation of the region file currently
// linked under key, which may differ from a mapping taken earlier.
func ReadRegionGeneration(dir, key string) (uuid.UUID, error) {
	return readGenerationAt(RegionPath(dir, key), RegionMagic, 0x18)
}

// readGenerationAt reads the 16-byte generation token at off from the file
// at path after checking its magic.
func readGenerationAt(path, magic string, off int) (uuid.UUID, error) {
	buf, err := readFileHeader(path, off+16)
	if err != nil {
		return uuid.Nil, err
	}
	if string(buf[:len(magic)]) != magic {
		return uuid.Nil, errors.Wrapf(ErrUnavailable, "invalid magic bytes in %s", path)
	}
	return uuid.FromBytes(buf[off : off+16])
}

// unlinkIfGeneration removes path only while it still carries gen.
func unlinkIfGeneration(path, magic string, off int, gen uuid.UUID) error {
	cur, err := readGenerationAt(path, magic, off)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if cur != gen {
		return nil
	}
	if err := removeFile(path); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (r *Region) header() *RegionHeader {
	return (*RegionHeader)(unsafe.Pointer(&r.mem[0]))
}

func (r *Region) slot() *SlotHeader {
	return (*SlotHeader)(unsafe.Pointer(&r.mem[RegionHeaderSize]))
}

func (r *Region) data() []byte {
	off := RegionHeaderSize + SlotHeaderSize
	return r.mem[off : off+int(r.capacity) : off+int(r.capacity)]
}

// Key returns the region name.
func (r *Region) Key() string { return r.key }

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Capacity returns the slot capacity in bytes, terminator included.
func (r *Region) Capacity() uint64 { return r.capacity }

// Owner reports whether this handle created the region.
func (r *Region) Owner() bool { return r.owner }

// Header exposes the shared header for read-only inspection.
func (r *Region) Header() *RegionHeader { return r.header() }

// Generation returns the generation token stamped at creation.
func (r *Region) Generation() uuid.UUID { return r.header().Generation() }

// MarkPeerAttached records the attaching process.
func (r *Region) MarkPeerAttached(pid uint32) {
	h := r.header()
	atomic.StoreUint32(&h.peerPID, pid)
	atomic.StoreUint32(&h.peerReady, 1)
}

// SetShutdown raises the shared shutdown flag.
func (r *Region) SetShutdown() {
	atomic.StoreUint32(&r.header().shutdown, 1)
}

// SetTerminated records that the End message was consumed.
func (r *Region) SetTerminated() {
	atomic.StoreUint32(&r.header().terminated, 1)
}

// Write stores payload in the slot, followed by a NUL terminator. It must
// only be called while holding the write turn. A slot that still holds an
// unconsumed message is never overwritten.
func (r *Region) Write(kind SlotKind, payload []byte) error {
	if kind == SlotKindEmpty || kind > SlotKindEnd {
		return errors.Errorf("shm: invalid slot kind %d", kind)
	}
	if uint64(len(payload)) > r.capacity-1 {
		return errors.Wrapf(ErrTooLarge, "%d bytes, limit %d", len(payload), r.capacity-1)
	}
	if bytes.IndexByte(payload, 0) >= 0 {
		return ErrInvalidPayload
	}

	s := r.slot()
	if atomic.LoadUint32(&s.valid) != 0 {
		return errors.Wrap(ErrCorrupt, "unconsumed message in slot")
	}

	data := r.data()
	n := copy(data, payload)
	data[n] = 0
	atomic.StoreUint32(&s.length, uint32(n))
	atomic.StoreUint32(&s.kind, uint32(kind))
	atomic.AddUint32(&s.seq, 1)
	// valid last so a reader never observes a half-written slot
	atomic.StoreUint32(&s.valid, 1)
	return nil
}

// Read returns the slot content up to the terminator and clears the slot,
// which is the proof of consumption. It must only be called while holding
// the read turn.
func (r *Region) Read() (SlotKind, []byte, error) {
	s := r.slot()
	if atomic.LoadUint32(&s.valid) == 0 {
		return SlotKindEmpty, nil, ErrEmpty
	}

	data := r.data()
	n := uint64(atomic.LoadUint32(&s.length))
	kind := SlotKind(atomic.LoadUint32(&s.kind))

	var err error
	switch {
	case n > r.capacity-1:
		err = errors.Wrapf(ErrCorrupt, "length %d exceeds capacity", n)
	case data[n] != 0:
		err = errors.Wrap(ErrCorrupt, "missing terminator")
	case kind == SlotKindEmpty || kind > SlotKindEnd:
		err = errors.Wrapf(ErrCorrupt, "unknown kind %d", kind)
	}

	var payload []byte
	if err == nil {
		payload = make([]byte, n)
		copy(payload, data[:n])
	}

	r.clear()
	if err != nil {
		return SlotKindEmpty, nil, err
	}
	return kind, payload, nil
}

func (r *Region) clear() {
	s := r.slot()
	r.data()[0] = 0
	atomic.StoreUint32(&s.length, 0)
	atomic.StoreUint32(&s.kind, uint32(SlotKindEmpty))
	atomic.StoreUint32(&s.valid, 0)
}

// IsEmpty reports whether the slot holds no unconsumed message.
func (r *Region) IsEmpty() bool {
	return atomic.LoadUint32(&r.slot().valid) == 0
}

// WaitForPeer waits for the peer to mark itself attached.
// The initializer calls this after creating the region.
func (r *Region) WaitForPeer(ctx context.Context) error {
	h := r.header()

	ticker := time.NewTicker(1 * time.Millisecond)
	defer ticker.Stop()

	for {
		if h.PeerReady() {
			return nil
		}
		if h.Shutdown() {
			return ErrShutdown
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RegionState is a snapshot of the region for diagnostics.
type RegionState struct {
	Key            string
	Path           string
	Capacity       uint64
	Flags          RegionFlags
	Generation     uuid.UUID
	InitializerPID uint32
	PeerPID        uint32
	PeerReady      bool
	Shutdown       bool
	Terminated     bool
	SlotValid      bool
	SlotKind       SlotKind
	SlotLength     uint32
	Written        uint32
}

// DebugState returns a snapshot of the region for debugging and diagnostics.
func (r *Region) DebugState() RegionState {
	h := r.header()
	s := r.slot()
	return RegionState{
		Key:            r.key,
		Path:           r.path,
		Capacity:       r.capacity,
		Flags:          h.Flags(),
		Generation:     h.Generation(),
		InitializerPID: h.InitializerPID(),
		PeerPID:        h.PeerPID(),
		PeerReady:      h.PeerReady(),
		Shutdown:       h.Shutdown(),
		Terminated:     h.Terminated(),
		SlotValid:      atomic.LoadUint32(&s.valid) != 0,
		SlotKind:       SlotKind(atomic.LoadUint32(&s.kind)),
		SlotLength:     atomic.LoadUint32(&s.length),
		Written:        atomic.LoadUint32(&s.seq),
	}
}

// Close unmaps the memory and closes the file. It does not unlink the
// region and is safe to call more than once.
func (r *Region) Close() error {
	if !r.closed.CAS(false, true) {
		return nil
	}

	var firstErr error
	if r.mem != nil {
		if err := unmapMemory(r.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.mem = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file = nil
	}
	return firstErr
}

// Destroy closes the handle and, for the creating handle only, unlinks the
// region. A file that was recreated under the same key by another
// initializer is left alone.
func (r *Region) Destroy() error {
	var gen uuid.UUID
	if !r.closed.Load() {
		gen = r.Generation()
	}
	closeErr := r.Close()
	if !r.owner || gen == uuid.Nil {
		return closeErr
	}

	if err := unlinkIfGeneration(r.path, RegionMagic, 0x18, gen); err != nil {
		return err
	}
	return closeErr
}

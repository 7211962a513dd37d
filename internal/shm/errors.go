package shm

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
	ErrFutexTimeout = errors.New("futex timeout")

	// ErrUnsupported is returned on platforms without process-shared futexes.
	ErrUnsupported = errors.New("shm: not supported on this platform")

	ErrExists      = errors.New("shm: resource already exists")
	ErrNotFound    = errors.New("shm: resource not found")
	ErrUnavailable = errors.New("shm: resource unavailable")
	ErrInvalidName = errors.New("shm: invalid resource name")

	// ErrTooLarge is returned when a payload does not fit in capacity-1 bytes.
	ErrTooLarge = errors.New("shm: payload exceeds region capacity")
	// ErrInvalidPayload is returned for payloads that embed a NUL byte.
	ErrInvalidPayload = errors.New("shm: payload contains NUL byte")
	ErrEmpty          = errors.New("shm: region slot is empty")
	ErrCorrupt        = errors.New("shm: region slot is corrupt")

	// ErrClosed is returned when the local handle has been closed.
	ErrClosed = errors.New("shm: handle closed")
	// ErrShutdown is returned when either party raised the shared shutdown flag.
	ErrShutdown = errors.New("shm: shut down by peer")
	// ErrTimeout is returned when a bounded semaphore wait gives up.
	ErrTimeout = errors.New("shm: wait timed out")
	// ErrInvariant is returned when writerTurn+readerTurn exceeds one.
	ErrInvariant = errors.New("shm: turn invariant violated")
)

// resourceError wraps a host error under one of the resource sentinels so
// callers can classify it with errors.Is while keeping the host detail.
func resourceError(kind, cause error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, "%s: %v", fmt.Sprintf(format, args...), cause)
}

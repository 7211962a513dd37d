package channel

import (
	"github.com/pkg/errors"

	"github.com/shmrdv/shmrdv/internal/shm"
)

// Resource errors are fatal and never retried.
var (
	ErrResourceExists      = shm.ErrExists
	ErrResourceUnavailable = shm.ErrUnavailable
	ErrNotFound            = shm.ErrNotFound
)

var (
	// ErrMessageTooLarge is returned when a payload does not fit the slot.
	ErrMessageTooLarge = shm.ErrTooLarge

	// ErrInvalidMessage is returned by Send for a payload that is not a
	// valid encoding of its kind.
	ErrInvalidMessage = errors.New("channel: invalid message")

	// ErrProtocolDesync is returned when the two parties disagree about the
	// exchange: an invalid slot, a payload that does not decode, a header
	// out of place or a violated turn invariant.
	ErrProtocolDesync = errors.New("channel: protocol desync")

	// ErrPeerLost is returned when the other party stopped responding.
	ErrPeerLost = errors.New("channel: peer lost")

	// ErrRecreated is the ErrPeerLost cause reported when another
	// initializer replaced the region under the same key.
	ErrRecreated = errors.New("channel: region recreated")

	// ErrPeerClosed is returned when the other party closed the channel
	// before the stream terminated.
	ErrPeerClosed = errors.New("channel: closed by peer")

	ErrClosed        = errors.New("channel: closed")
	ErrTerminated    = errors.New("channel: stream terminated")
	ErrInvalidConfig = errors.New("channel: invalid config")
)

// IsResourceError reports whether err stems from creating, opening or
// mapping a named resource.
func IsResourceError(err error) bool {
	return errors.Is(err, ErrResourceExists) ||
		errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, ErrNotFound)
}

// peerLostError carries the reason a peer was declared lost. It matches
// ErrPeerLost and unwraps to the reason.
type peerLostError struct {
	reason error
}

func peerLost(reason error) error {
	return &peerLostError{reason: reason}
}

func (e *peerLostError) Error() string {
	return ErrPeerLost.Error() + ": " + e.reason.Error()
}

func (e *peerLostError) Is(target error) bool { return target == ErrPeerLost }

func (e *peerLostError) Unwrap() error { return e.reason }

package channel

// State is the protocol position of one end of a channel.
type State int32

const (
	// StateAwaitingHeader: the next message must be the header.
	StateAwaitingHeader State = iota
	// StateStreaming: data messages flow until End.
	StateStreaming
	// StateTerminated: End was sent or received; no further exchange.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting-header"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Lifecycle tracks whether the local handles are usable.
type Lifecycle int32

const (
	Unopened Lifecycle = iota
	Opened
	Closed
)

func (l Lifecycle) String() string {
	switch l {
	case Unopened:
		return "unopened"
	case Opened:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

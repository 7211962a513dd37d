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
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/shmrdv/shmrdv/internal/shm"
)

// HeaderWidth is the fixed number of decimal digits in a header payload.
const HeaderWidth = 19

// Kind tags a message.
type Kind uint8

const (
	// KindData carries one decimal integer.
	KindData Kind = iota + 1
	// KindHeader carries the stream start time, once, before any data.
	KindHeader
	// KindEnd carries the sentinel and terminates the stream.
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindHeader:
		return "header"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) slotKind() shm.SlotKind {
	switch k {
	case KindData:
		return shm.SlotKindData
	case KindHeader:
		return shm.SlotKindHeader
	case KindEnd:
		return shm.SlotKindEnd
	default:
		return shm.SlotKindEmpty
	}
}

func kindFromSlot(k shm.SlotKind) (Kind, bool) {
	switch k {
	case shm.SlotKindData:
		return KindData, true
	case shm.SlotKindHeader:
		return KindHeader, true
	case shm.SlotKindEnd:
		return KindEnd, true
	default:
		return 0, false
	}
}

// Message is one tagged payload moved through the slot.
type Message struct {
	Kind    Kind
	Payload []byte
}

// DataMessage encodes v as a data message.
func DataMessage(v int64) Message {
	return Message{Kind: KindData, Payload: strconv.AppendInt(nil, v, 10)}
}

// EndMessage encodes the sentinel as the terminating message.
func EndMessage(sentinel int64) Message {
	return Message{Kind: KindEnd, Payload: strconv.AppendInt(nil, sentinel, 10)}
}

// HeaderMessage encodes t as HeaderWidth zero-padded digits of Unix
// nanoseconds.
func HeaderMessage(t time.Time) Message {
	return Message{Kind: KindHeader, Payload: []byte(fmt.Sprintf("%0*d", HeaderWidth, t.UnixNano()))}
}

// Int decodes the integer carried by a data or end message.
func (m Message) Int() (int64, error) {
	if m.Kind != KindData && m.Kind != KindEnd {
		return 0, errors.Wrapf(ErrProtocolDesync, "%s message carries no integer", m.Kind)
	}
	v, err := strconv.ParseInt(string(m.Payload), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrProtocolDesync, "non-numeric %s payload %q", m.Kind, m.Payload)
	}
	return v, nil
}

// Time decodes the timestamp carried by a header message.
func (m Message) Time() (time.Time, error) {
	if m.Kind != KindHeader {
		return time.Time{}, errors.Wrapf(ErrProtocolDesync, "%s message carries no timestamp", m.Kind)
	}
	if len(m.Payload) != HeaderWidth {
		return time.Time{}, errors.Wrapf(ErrProtocolDesync, "header payload %q is not %d digits", m.Payload, HeaderWidth)
	}
	ns, err := strconv.ParseInt(string(m.Payload), 10, 64)
	if err != nil || ns < 0 {
		return time.Time{}, errors.Wrapf(ErrProtocolDesync, "invalid header payload %q", m.Payload)
	}
	return time.Unix(0, ns), nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Kind, m.Payload)
}

// validate checks that m can be sent through a slot of the given capacity.
// Oversized payloads are ErrMessageTooLarge whatever their content.
func (m Message) validate(capacity uint64) error {
	if uint64(len(m.Payload)) > capacity-1 {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes, limit %d", len(m.Payload), capacity-1)
	}
	switch m.Kind {
	case KindData, KindEnd:
		if _, err := strconv.ParseInt(string(m.Payload), 10, 64); err != nil {
			return errors.Wrapf(ErrInvalidMessage, "%s payload of %d bytes is not a decimal integer", m.Kind, len(m.Payload))
		}
	case KindHeader:
		if _, err := m.Time(); err != nil {
			return errors.Wrapf(ErrInvalidMessage, "header payload of %d bytes", len(m.Payload))
		}
	default:
		return errors.Wrapf(ErrInvalidMessage, "unknown kind %d", uint8(m.Kind))
	}
	return nil
}

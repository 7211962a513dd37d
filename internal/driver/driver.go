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

// Package driver runs the producer and consumer sides of a counting stream
// over a rendezvous channel: the producer sends 1..N followed by a
// sentinel, the consumer sums what it receives and times the run.
package driver

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shmrdv/shmrdv/channel"
)

// SentinelMode selects how the end of the stream is marked.
type SentinelMode int

const (
	// Trailing sends 1..N as data followed by a separate End message whose
	// value is not summed.
	Trailing SentinelMode = iota
	// Inclusive sends 1..N-1 as data and N itself as the End message; the
	// consumer sums it like any other value.
	Inclusive
)

func (m SentinelMode) String() string {
	switch m {
	case Trailing:
		return "trailing"
	case Inclusive:
		return "inclusive"
	default:
		return "unknown"
	}
}

// ParseSentinelMode parses "trailing" or "inclusive".
func ParseSentinelMode(s string) (SentinelMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trailing", "":
		return Trailing, nil
	case "inclusive":
		return Inclusive, nil
	}
	return 0, errors.Errorf("unknown sentinel mode %q", s)
}

// MaxCount is the largest N whose sum 1+2+...+N fits in an int64.
const MaxCount = 1<<32 - 1

// ErrSentinelMismatch is returned by Consume when the End message does not
// carry the agreed sentinel.
var ErrSentinelMismatch = errors.Wrap(channel.ErrProtocolDesync, "sentinel mismatch")

// Options configures both sides of a stream. Producer and consumer must
// agree on Count, Sentinel and Mode.
type Options struct {
	// Count is N, the last value of the stream.
	Count int64

	// Sentinel is the End value in Trailing mode. Inclusive mode uses Count.
	Sentinel int64

	Mode SentinelMode

	// Header makes the producer open with its start time.
	Header bool

	// Progress logs every Progress-th value; zero disables it.
	Progress int64

	Logger logrus.FieldLogger

	// Clock is swapped out in tests.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Validate reports whether the options describe a stream.
func (o Options) Validate() error {
	switch o.Mode {
	case Trailing:
		if o.Count < 0 {
			return errors.Errorf("count %d must not be negative", o.Count)
		}
	case Inclusive:
		if o.Count < 1 {
			return errors.Errorf("count %d must be positive in inclusive mode", o.Count)
		}
	default:
		return errors.Errorf("unknown sentinel mode %d", int(o.Mode))
	}
	if o.Count > MaxCount {
		return errors.Errorf("count %d exceeds %d, the sum would overflow", o.Count, int64(MaxCount))
	}
	if o.Progress < 0 {
		return errors.Errorf("progress interval %d must not be negative", o.Progress)
	}
	return nil
}

// EffectiveSentinel returns the value the End message carries.
func (o Options) EffectiveSentinel() int64 {
	if o.Mode == Inclusive {
		return o.Count
	}
	return o.Sentinel
}

// ExpectedSum returns the sum a correct run produces, 1+2+...+N.
func (o Options) ExpectedSum() int64 {
	// Halve the even factor first so the product stays in range up to MaxCount
	if o.Count%2 == 0 {
		return o.Count / 2 * (o.Count + 1)
	}
	return o.Count * ((o.Count + 1) / 2)
}

// Sender is the producing end of a channel.
type Sender interface {
	Send(ctx context.Context, m channel.Message) error
	AwaitDrained(ctx context.Context) error
}

// Receiver is the consuming end of a channel.
type Receiver interface {
	Receive(ctx context.Context) (channel.Message, error)
}

// ProducerReport summarizes a producer run.
type ProducerReport struct {
	Sent    int64
	Start   time.Time
	Elapsed time.Duration
}

// Report summarizes a consumer run.
type Report struct {
	// Received counts the values accumulated into Sum.
	Received int64
	Sum      int64

	// Start is the producer's header time when one was sent, else the time
	// of the first receive.
	Start      time.Time
	HeaderSeen bool
	Elapsed    time.Duration
}

// add accumulates v, refusing a sum that no longer fits in an int64.
func (r *Report) add(v int64) error {
	if (v > 0 && r.Sum > math.MaxInt64-v) || (v < 0 && r.Sum < math.MinInt64-v) {
		return errors.Wrapf(channel.ErrProtocolDesync, "sum %d + %d overflows", r.Sum, v)
	}
	r.Sum += v
	r.Received++
	return nil
}

func (o Options) logProgress(log logrus.FieldLogger, n, v int64, what string) {
	if o.Progress > 0 && n%o.Progress == 0 {
		log.WithFields(logrus.Fields{"count": n, "value": v}).Info(what)
	}
}

// Produce sends the stream described by opts and waits until the End
// message has been consumed.
func Produce(ctx context.Context, s Sender, opts Options) (ProducerReport, error) {
	if err := opts.Validate(); err != nil {
		return ProducerReport{}, err
	}
	opts = opts.withDefaults()
	log := opts.Logger.WithField("side", "producer")

	report := ProducerReport{Start: opts.Clock()}
	if opts.Header {
		if err := s.Send(ctx, channel.HeaderMessage(report.Start)); err != nil {
			return report, errors.WithMessage(err, "send header")
		}
		report.Sent++
	}

	last := opts.Count
	if opts.Mode == Inclusive {
		last = opts.Count - 1
	}
	for v := int64(1); v <= last; v++ {
		if err := s.Send(ctx, channel.DataMessage(v)); err != nil {
			return report, errors.WithMessagef(err, "send %d", v)
		}
		report.Sent++
		opts.logProgress(log, v, v, "sent")
	}

	sentinel := opts.EffectiveSentinel()
	if err := s.Send(ctx, channel.EndMessage(sentinel)); err != nil {
		return report, errors.WithMessagef(err, "send end %d", sentinel)
	}
	report.Sent++

	if err := s.AwaitDrained(ctx); err != nil {
		return report, errors.WithMessage(err, "await drained")
	}
	report.Elapsed = opts.Clock().Sub(report.Start)
	log.WithFields(logrus.Fields{"sent": report.Sent, "elapsed": report.Elapsed}).Info("stream sent")
	return report, nil
}

// Consume receives until the End message, accumulating every data value
// and, in Inclusive mode, the End value.
func Consume(ctx context.Context, r Receiver, opts Options) (Report, error) {
	if err := opts.Validate(); err != nil {
		return Report{}, err
	}
	opts = opts.withDefaults()
	log := opts.Logger.WithField("side", "consumer")

	var report Report
	first := true
	for {
		m, err := r.Receive(ctx)
		if err != nil {
			return report, errors.WithMessagef(err, "receive after %d values", report.Received)
		}
		if first && m.Kind != channel.KindHeader {
			report.Start = opts.Clock()
		}
		first = false

		switch m.Kind {
		case channel.KindHeader:
			t, err := m.Time()
			if err != nil {
				return report, err
			}
			report.Start = t
			report.HeaderSeen = true

		case channel.KindData:
			v, err := m.Int()
			if err != nil {
				return report, err
			}
			if err := report.add(v); err != nil {
				return report, err
			}
			opts.logProgress(log, report.Received, v, "received")

		case channel.KindEnd:
			v, err := m.Int()
			if err != nil {
				return report, err
			}
			if want := opts.EffectiveSentinel(); v != want {
				return report, errors.Wrapf(ErrSentinelMismatch, "got %d, want %d", v, want)
			}
			if opts.Mode == Inclusive {
				if err := report.add(v); err != nil {
					return report, err
				}
			}
			report.Elapsed = opts.Clock().Sub(report.Start)
			log.WithFields(logrus.Fields{
				"received": report.Received,
				"sum":      report.Sum,
				"elapsed":  report.Elapsed,
			}).Info("stream received")
			return report, nil
		}
	}
}

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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "shmrdv"

// metrics holds the per-channel collectors. With a nil Registerer the
// collectors still count but are never exported.
type metrics struct {
	registerer prometheus.Registerer
	registered []prometheus.Collector

	messages *prometheus.CounterVec
	turnWait *prometheus.HistogramVec
	peerLost prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, key string, role Role) *metrics {
	labels := prometheus.Labels{"key": key, "role": role.String()}
	m := &metrics{registerer: reg}

	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "channel",
		Name:        "messages_total",
		Help:        "Messages moved through the slot, by direction and kind.",
		ConstLabels: labels,
	}, []string{"direction", "kind"})
	m.turnWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "channel",
		Name:        "turn_wait_seconds",
		Help:        "Time spent waiting for a turn semaphore.",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"turn"})
	m.peerLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "channel",
		Name:        "peer_lost_total",
		Help:        "Waits abandoned because the peer stopped responding.",
		ConstLabels: labels,
	})

	if reg == nil {
		return m
	}
	m.messages = register(m, m.messages).(*prometheus.CounterVec)
	m.turnWait = register(m, m.turnWait).(*prometheus.HistogramVec)
	m.peerLost = register(m, m.peerLost).(prometheus.Counter)
	return m
}

// register adds c to the registry, reusing an identical collector that is
// already there.
func register(m *metrics, c prometheus.Collector) prometheus.Collector {
	if err := m.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		return c
	}
	m.registered = append(m.registered, c)
	return c
}

func (m *metrics) sent(k Kind) {
	m.messages.WithLabelValues("sent", k.String()).Inc()
}

func (m *metrics) received(k Kind) {
	m.messages.WithLabelValues("received", k.String()).Inc()
}

func (m *metrics) waited(turn string, d time.Duration) {
	m.turnWait.WithLabelValues(turn).Observe(d.Seconds())
}

func (m *metrics) lost() {
	m.peerLost.Inc()
}

func (m *metrics) unregister() {
	for _, c := range m.registered {
		m.registerer.Unregister(c)
	}
	m.registered = nil
}

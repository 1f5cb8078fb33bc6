// Copyright 2024 The TruckeeFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor exposes cache and sync activity as Prometheus metrics.
// A nil *Metrics is valid and records nothing, so tests and callers that do
// not care about metrics can pass nil.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	BytesRead     prometheus.Counter
	BytesWritten  prometheus.Counter
	Evictions     prometheus.Counter
	Pulls         prometheus.Counter
	PullFailures  prometheus.Counter
	Pushes        prometheus.Counter
	PushFailures  prometheus.Counter
	PushRebases   prometheus.Counter
	DirtyBytes    prometheus.Gauge
}

// New registers the metric set on the supplied registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_cache_hits_total",
			Help: "Block reads served from the local cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_cache_misses_total",
			Help: "Block reads that required a downstream pull.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_bytes_read_total",
			Help: "Bytes returned to read callers.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_bytes_written_total",
			Help: "Bytes staged by write callers.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_evictions_total",
			Help: "Clean blocks evicted to reclaim cache space.",
		}),
		Pulls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_pulls_total",
			Help: "Completed downstream pulls.",
		}),
		PullFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_pull_failures_total",
			Help: "Downstream pulls that failed after retries.",
		}),
		Pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_pushes_total",
			Help: "Completed upstream pushes.",
		}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_push_failures_total",
			Help: "Upstream pushes that failed permanently.",
		}),
		PushRebases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "truckeefs_push_rebases_total",
			Help: "Pushes that lost the version race and rebased.",
		}),
		DirtyBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "truckeefs_dirty_bytes",
			Help: "Bytes staged locally and not yet pushed upstream.",
		}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.BytesRead, m.BytesWritten, m.Evictions,
		m.Pulls, m.PullFailures, m.Pushes, m.PushFailures, m.PushRebases,
		m.DirtyBytes)

	return m
}

func (m *Metrics) IncCacheHits() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncCacheMisses() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) AddBytesRead(n int) {
	if m != nil {
		m.BytesRead.Add(float64(n))
	}
}

func (m *Metrics) AddBytesWritten(n int) {
	if m != nil {
		m.BytesWritten.Add(float64(n))
	}
}

func (m *Metrics) IncEvictions() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) IncPulls() {
	if m != nil {
		m.Pulls.Inc()
	}
}

func (m *Metrics) IncPullFailures() {
	if m != nil {
		m.PullFailures.Inc()
	}
}

func (m *Metrics) IncPushes() {
	if m != nil {
		m.Pushes.Inc()
	}
}

func (m *Metrics) IncPushFailures() {
	if m != nil {
		m.PushFailures.Inc()
	}
}

func (m *Metrics) IncPushRebases() {
	if m != nil {
		m.PushRebases.Inc()
	}
}

func (m *Metrics) SetDirtyBytes(n int64) {
	if m != nil {
		m.DirtyBytes.Set(float64(n))
	}
}

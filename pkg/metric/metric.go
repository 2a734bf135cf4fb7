// Copyright 2026 The vfscore Authors.
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

// Package metric provides Prometheus collectors for the VFS core.
//
// A nil *Metrics is a valid no-op collector, so callers that do not export
// metrics can pass nil everywhere.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// Metrics holds the collectors exported by a VirtualFilesystem.
type Metrics struct {
	// cacheLookups counts VCache lookups by result.
	cacheLookups *prometheus.CounterVec

	// cacheInvalidations counts cache records dropped by invalidation.
	cacheInvalidations prometheus.Counter

	// cacheEvictions counts records dropped to stay within capacity.
	cacheEvictions prometheus.Counter

	// cacheRecords is the number of records currently cached.
	cacheRecords prometheus.Gauge

	// resolutions counts path resolutions by outcome ("ok" or an errno
	// name).
	resolutions *prometheus.CounterVec

	// resolveDuration tracks path resolution latency.
	resolveDuration prometheus.Histogram

	// symlinkFollows counts symbolic links expanded during resolution.
	symlinkFollows prometheus.Counter

	// staleRetries counts syscalls retried after ESTALE.
	staleRetries prometheus.Counter

	// mounts is the number of mounted filesystems.
	mounts prometheus.Gauge

	// vnodes is the number of live vnodes across all filesystems.
	vnodes prometheus.Gauge
}

// NewMetrics creates the VFS collectors and registers them with reg. If reg
// is nil, NewMetrics returns nil.
//
// Panics if registration fails, e.g. when two VirtualFilesystems share a
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vfs_cache_lookups_total",
				Help: "Total VCache lookups by result",
			},
			[]string{"result"}, // "hit", "miss", "stale"
		),
		cacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vfs_cache_invalidations_total",
				Help: "Total VCache records dropped by invalidation",
			},
		),
		cacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vfs_cache_evictions_total",
				Help: "Total VCache records evicted to stay within capacity",
			},
		),
		cacheRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vfs_cache_records",
				Help: "Current number of VCache records",
			},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vfs_resolutions_total",
				Help: "Total path resolutions by outcome",
			},
			[]string{"outcome"},
		),
		resolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vfs_resolve_duration_seconds",
				Help:    "Path resolution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
			},
		),
		symlinkFollows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vfs_symlink_follows_total",
				Help: "Total symbolic links expanded during path resolution",
			},
		),
		staleRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vfs_stale_retries_total",
				Help: "Total operations retried after ESTALE",
			},
		),
		mounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vfs_mounted_filesystems",
				Help: "Current number of mounted filesystems",
			},
		),
		vnodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vfs_vnodes",
				Help: "Current number of live vnodes",
			},
		),
	}

	reg.MustRegister(
		m.cacheLookups,
		m.cacheInvalidations,
		m.cacheEvictions,
		m.cacheRecords,
		m.resolutions,
		m.resolveDuration,
		m.symlinkFollows,
		m.staleRetries,
		m.mounts,
		m.vnodes,
	)
	return m
}

// RecordCacheLookup records a VCache lookup with the given result.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordInvalidations records n records dropped by invalidation.
func (m *Metrics) RecordInvalidations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.cacheInvalidations.Add(float64(n))
}

// RecordEviction records one capacity eviction.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

// SetCacheRecords updates the cached records gauge.
func (m *Metrics) SetCacheRecords(n int) {
	if m == nil {
		return
	}
	m.cacheRecords.Set(float64(n))
}

// RecordResolve records a finished path resolution.
func (m *Metrics) RecordResolve(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.resolveDuration.Observe(d.Seconds())
}

// RecordSymlinkFollow records one symlink expansion.
func (m *Metrics) RecordSymlinkFollow() {
	if m == nil {
		return
	}
	m.symlinkFollows.Inc()
}

// RecordStaleRetry records a retry after ESTALE.
func (m *Metrics) RecordStaleRetry() {
	if m == nil {
		return
	}
	m.staleRetries.Inc()
}

// AddMounts adjusts the mounted filesystems gauge by delta.
func (m *Metrics) AddMounts(delta int) {
	if m == nil {
		return
	}
	m.mounts.Add(float64(delta))
}

// AddVNodes adjusts the live vnodes gauge by delta.
func (m *Metrics) AddVNodes(delta int) {
	if m == nil {
		return
	}
	m.vnodes.Add(float64(delta))
}

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

package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCacheLookup(CacheHit)
	m.RecordInvalidations(3)
	m.RecordEviction()
	m.SetCacheRecords(1)
	m.RecordResolve("ok", time.Millisecond)
	m.RecordSymlinkFollow()
	m.RecordStaleRetry()
	m.AddMounts(1)
	m.AddVNodes(-1)

	if NewMetrics(nil) != nil {
		t.Errorf("NewMetrics(nil) should return nil")
	}
}

func TestRecordCacheLookup(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCacheLookup(CacheHit)
	m.RecordCacheLookup(CacheHit)
	m.RecordCacheLookup(CacheMiss)

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues(CacheHit)); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues(CacheMiss)); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AddMounts(2)
	m.AddMounts(-1)
	m.AddVNodes(5)
	m.RecordInvalidations(0)
	m.RecordInvalidations(4)
	m.RecordResolve("ENOENT", time.Microsecond)

	if got := testutil.ToFloat64(m.mounts); got != 1 {
		t.Errorf("mounts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.vnodes); got != 5 {
		t.Errorf("vnodes = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.cacheInvalidations); got != 4 {
		t.Errorf("invalidations = %v, want 4", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "vfs_resolutions_total" {
			found = true
		}
	}
	if !found {
		t.Errorf("vfs_resolutions_total not gathered")
	}
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Errorf("second NewMetrics on the same registry did not panic")
		}
	}()
	NewMetrics(reg)
}

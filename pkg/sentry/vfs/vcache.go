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

package vfs

import (
	"container/list"
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/metric"
)

// CacheStats are cumulative VCache counters.
type CacheStats struct {
	Hits          uint64
	Misses        uint64
	Stale         uint64
	Invalidations uint64
	Evictions     uint64
}

// cacheRecord maps one path to the entry it resolved to.
type cacheRecord struct {
	key  string
	hash uint64

	// entry is the resolved entry. The record holds a reference on it.
	entry *VEntry

	// chain is every entry the resolution passed through, entry included.
	// These are weak references used for subtree invalidation and validity
	// checks.
	chain []*VEntry

	elem *list.Element
}

// VCache maps absolute path strings to resolved VEntries.
//
// Records are also indexed by the identity of every entry their resolution
// traversed, so invalidating an entry drops exactly the records whose walk
// went through it, without scanning the whole cache.
//
// Tree mutations bracket their changes with BeginMutation and EndMutation.
// While any mutation is in flight, Get misses and Put is refused, and a
// resolution that started before a mutation can never insert its result
// afterwards, because the sequence number it captured has changed.
type VCache struct {
	metrics *metric.Metrics

	mu sync.Mutex

	// capacity is the maximum number of records; zero disables the cache.
	capacity int

	records map[uint64][]*cacheRecord
	byEntry map[*VEntry]map[*cacheRecord]struct{}

	// lru orders records by use, most recent first.
	lru list.List

	// gen is incremented at the start and end of every mutation.
	gen uint64

	// active is the number of mutations in flight.
	active int

	stats CacheStats
}

func newVCache(capacity int, m *metric.Metrics) *VCache {
	c := &VCache{
		metrics:  m,
		capacity: capacity,
		records:  make(map[uint64][]*cacheRecord),
		byEntry:  make(map[*VEntry]map[*cacheRecord]struct{}),
	}
	c.lru.Init()
	return c
}

// Enabled returns true if the cache can hold records.
func (c *VCache) Enabled() bool {
	return c.capacity > 0
}

// Len returns the number of records.
func (c *VCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *VCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Seq returns the sequence number a resolution must present to Put. ok is
// false while a mutation is in flight, in which case the result must not be
// cached.
func (c *VCache) Seq() (seq uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, c.active == 0
}

// BeginMutation marks the start of a tree mutation.
func (c *VCache) BeginMutation() {
	c.mu.Lock()
	c.gen++
	c.active++
	c.mu.Unlock()
}

// EndMutation invalidates every record that traversed one of entries and
// marks the end of the mutation started by the matching BeginMutation. It
// is called while the mutated directories are still locked, so no stale
// record survives the mutation. Nil entries are ignored.
func (c *VCache) EndMutation(ctx context.Context, entries ...*VEntry) {
	c.mu.Lock()
	drop := c.invalidateLocked(entries)
	c.gen++
	c.active--
	c.mu.Unlock()
	c.release(ctx, drop)
}

func (c *VCache) lookupLocked(key string, hash uint64) *cacheRecord {
	for _, r := range c.records[hash] {
		if r.key == key {
			return r
		}
	}
	return nil
}

// valid returns true if every entry on r's walk is still ALIVE and the
// result is positive.
func (r *cacheRecord) valid() bool {
	if r.entry.vnode == nil {
		return false
	}
	for _, e := range r.chain {
		if e.state.load() != StateAlive {
			return false
		}
	}
	return true
}

// Get returns the entry cached for key with a new reference, or nil. Records
// whose entries are no longer ALIVE are evicted and reported as a miss.
func (c *VCache) Get(ctx context.Context, key string) *VEntry {
	if !c.Enabled() {
		return nil
	}
	hash := xxhash.Sum64String(key)
	c.mu.Lock()
	if c.active != 0 {
		c.stats.Misses++
		c.mu.Unlock()
		c.metrics.RecordCacheLookup(metric.CacheMiss)
		return nil
	}
	r := c.lookupLocked(key, hash)
	if r == nil {
		c.stats.Misses++
		c.mu.Unlock()
		c.metrics.RecordCacheLookup(metric.CacheMiss)
		return nil
	}
	if !r.valid() {
		c.stats.Stale++
		drop := []*VEntry{c.removeLocked(r)}
		c.mu.Unlock()
		c.metrics.RecordCacheLookup(metric.CacheStale)
		log.Debugf("VCache: evicted stale record for %q", key)
		c.release(ctx, drop)
		return nil
	}
	c.stats.Hits++
	c.lru.MoveToFront(r.elem)
	r.entry.IncRef()
	c.mu.Unlock()
	c.metrics.RecordCacheLookup(metric.CacheHit)
	return r.entry
}

// Put caches entry as the result of resolving key, replacing any existing
// record. seq must have been obtained from Seq before the resolution began.
// Put takes its own reference on entry. It returns false if the record was
// refused because the tree changed since seq or an entry on chain is no
// longer ALIVE.
func (c *VCache) Put(ctx context.Context, key string, seq uint64, entry *VEntry, chain []*VEntry) bool {
	if !c.Enabled() {
		return false
	}
	r := &cacheRecord{
		key:   key,
		hash:  xxhash.Sum64String(key),
		entry: entry,
		chain: chain,
	}
	var drop []*VEntry
	c.mu.Lock()
	if c.active != 0 || c.gen != seq || !r.valid() {
		c.mu.Unlock()
		return false
	}
	if old := c.lookupLocked(key, r.hash); old != nil {
		drop = append(drop, c.removeLocked(old))
	}
	entry.IncRef()
	c.records[r.hash] = append(c.records[r.hash], r)
	for _, e := range chain {
		set := c.byEntry[e]
		if set == nil {
			set = make(map[*cacheRecord]struct{})
			c.byEntry[e] = set
		}
		set[r] = struct{}{}
	}
	r.elem = c.lru.PushFront(r)
	evicted := 0
	for c.lru.Len() > c.capacity {
		victim := c.lru.Back().Value.(*cacheRecord)
		drop = append(drop, c.removeLocked(victim))
		evicted++
	}
	c.stats.Evictions += uint64(evicted)
	n := c.lru.Len()
	c.mu.Unlock()
	for i := 0; i < evicted; i++ {
		c.metrics.RecordEviction()
	}
	c.metrics.SetCacheRecords(n)
	c.release(ctx, drop)
	return true
}

// Invalidate drops the record for key, if any.
func (c *VCache) Invalidate(ctx context.Context, key string) int {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	var drop []*VEntry
	if r := c.lookupLocked(key, xxhash.Sum64String(key)); r != nil {
		drop = append(drop, c.removeLocked(r))
		c.stats.Invalidations++
	}
	c.mu.Unlock()
	c.metrics.RecordInvalidations(len(drop))
	c.release(ctx, drop)
	return len(drop)
}

// InvalidateSubtree drops every record whose resolution traversed one of
// entries, i.e. every cached path at or below them.
func (c *VCache) InvalidateSubtree(ctx context.Context, entries ...*VEntry) int {
	c.mu.Lock()
	drop := c.invalidateLocked(entries)
	c.mu.Unlock()
	c.release(ctx, drop)
	return len(drop)
}

// Clear drops all records.
func (c *VCache) Clear(ctx context.Context) {
	c.mu.Lock()
	var drop []*VEntry
	for c.lru.Len() > 0 {
		drop = append(drop, c.removeLocked(c.lru.Front().Value.(*cacheRecord)))
	}
	c.stats.Invalidations += uint64(len(drop))
	c.mu.Unlock()
	c.metrics.RecordInvalidations(len(drop))
	c.metrics.SetCacheRecords(0)
	c.release(ctx, drop)
}

func (c *VCache) invalidateLocked(entries []*VEntry) []*VEntry {
	var drop []*VEntry
	for _, e := range entries {
		if e == nil {
			continue
		}
		for r := range c.byEntry[e] {
			drop = append(drop, c.removeLocked(r))
		}
	}
	if len(drop) != 0 {
		c.stats.Invalidations += uint64(len(drop))
		c.metrics.RecordInvalidations(len(drop))
		c.metrics.SetCacheRecords(c.lru.Len())
	}
	return drop
}

// removeLocked unlinks r from every index and returns the entry whose
// reference the caller must drop once c.mu is released.
//
// Preconditions: c.mu must be locked.
func (c *VCache) removeLocked(r *cacheRecord) *VEntry {
	bucket := c.records[r.hash]
	for i, other := range bucket {
		if other == r {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.records, r.hash)
	} else {
		c.records[r.hash] = bucket
	}
	for _, e := range r.chain {
		if set := c.byEntry[e]; set != nil {
			delete(set, r)
			if len(set) == 0 {
				delete(c.byEntry, e)
			}
		}
	}
	c.lru.Remove(r.elem)
	return r.entry
}

func (c *VCache) release(ctx context.Context, drop []*VEntry) {
	for _, e := range drop {
		e.DecRef(ctx)
	}
}

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

// Package vfs implements the virtual filesystem core: the object model
// shared by all mounted filesystems (VNode, VEntry, Filesystem), path
// resolution with mount and symlink semantics, a resolution cache, and a
// path-based operation layer.
//
// Lock order:
//
//	VirtualFilesystem.mountMu
//	  Filesystem.opLock (for reading; unmount takes it for writing)
//	    Filesystem.renameMu
//	      VEntry.mu, root to leaf; never two siblings, except that a
//	      rename holding renameMu may lock two unrelated directories
//	        VCache.mu
//	        VNode.mu
//
// Building a path (PathOf, Mounts) locks entries leaf to root one at a time,
// under mountMu only, with no entry lock held.
//
// File I/O takes Filesystem.opLock before VNode.dataMu. A resolution holds at
// most one opLock at a time and drops all entry locks before acquiring a
// different Filesystem's opLock.
package vfs

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/fspath"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/metric"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// VirtualFilesystem is the namespace of mounted filesystems.
type VirtualFilesystem struct {
	// mountMu serializes mount and unmount, and protects the fields below.
	mountMu sync.Mutex

	// mounts maps mount IDs to mounted Filesystems, root included.
	mounts      map[uint64]*Filesystem
	lastMountID uint64

	// root is the Filesystem mounted at "/". It is written with mountMu
	// held and read without it by resolutions.
	root atomic.Pointer[Filesystem]

	fsTypesMu sync.RWMutex
	fsTypes   map[string]FilesystemType

	// The following fields are immutable.
	devices       *device.Registry
	cache         *VCache
	metrics       *metric.Metrics
	symlinkBudget int
	drainLog      log.Logger
}

// New returns a VirtualFilesystem with nothing mounted.
func New(opts Options) *VirtualFilesystem {
	if opts.SymlinkBudget <= 0 {
		opts.SymlinkBudget = DefaultSymlinkBudget
	}
	switch {
	case opts.CacheCapacity == 0:
		opts.CacheCapacity = DefaultCacheCapacity
	case opts.CacheCapacity < 0:
		opts.CacheCapacity = 0
	}
	if opts.Devices == nil {
		opts.Devices = device.NewRegistry()
	}
	m := metric.NewMetrics(opts.Registerer)
	return &VirtualFilesystem{
		mounts:        make(map[uint64]*Filesystem),
		fsTypes:       make(map[string]FilesystemType),
		devices:       opts.Devices,
		cache:         newVCache(opts.CacheCapacity, m),
		metrics:       m,
		symlinkBudget: opts.SymlinkBudget,
		drainLog:      log.BasicRateLimitedLogger(time.Minute),
	}
}

// RegisterFilesystemType makes typ mountable by its name.
func (vfs *VirtualFilesystem) RegisterFilesystemType(typ FilesystemType) error {
	vfs.fsTypesMu.Lock()
	defer vfs.fsTypesMu.Unlock()
	if _, ok := vfs.fsTypes[typ.Name()]; ok {
		return linuxerr.EEXIST
	}
	vfs.fsTypes[typ.Name()] = typ
	return nil
}

// FilesystemTypes returns the sorted names of registered filesystem types.
func (vfs *VirtualFilesystem) FilesystemTypes() []string {
	vfs.fsTypesMu.RLock()
	names := make([]string, 0, len(vfs.fsTypes))
	for name := range vfs.fsTypes {
		names = append(names, name)
	}
	vfs.fsTypesMu.RUnlock()
	sort.Strings(names)
	return names
}

func (vfs *VirtualFilesystem) getFilesystemType(name string) (FilesystemType, bool) {
	vfs.fsTypesMu.RLock()
	defer vfs.fsTypesMu.RUnlock()
	typ, ok := vfs.fsTypes[name]
	return typ, ok
}

// Devices returns the device registry.
func (vfs *VirtualFilesystem) Devices() *device.Registry {
	return vfs.devices
}

// Cache returns the resolution cache.
func (vfs *VirtualFilesystem) Cache() *VCache {
	return vfs.cache
}

// rootEntry returns the global root entry with a reference, or nil if
// nothing is mounted.
func (vfs *VirtualFilesystem) rootEntry() *VEntry {
	fs := vfs.root.Load()
	if fs == nil || !fs.root.TryIncRef() {
		return nil
	}
	return fs.root
}

// RootEntry returns the global root entry with a reference. It fails with
// ENOENT if no root Filesystem is mounted.
func (vfs *VirtualFilesystem) RootEntry() (*VEntry, error) {
	if e := vfs.rootEntry(); e != nil {
		return e, nil
	}
	return nil, linuxerr.ENOENT
}

// MountInfo describes a mounted Filesystem.
type MountInfo struct {
	ID         uint64
	ParentID   uint64
	MountPoint string
	Type       string
	Source     string
	Flags      MountFlags
	UUID       uuid.UUID
	VNodes     int64
}

// Mounts lists the mounted Filesystems in mount order.
func (vfs *VirtualFilesystem) Mounts() []MountInfo {
	vfs.mountMu.Lock()
	defer vfs.mountMu.Unlock()
	infos := make([]MountInfo, 0, len(vfs.mounts))
	for _, fs := range vfs.mounts {
		info := MountInfo{
			ID:         fs.id,
			MountPoint: "/",
			Type:       fs.typ.Name(),
			Source:     fs.source,
			Flags:      fs.flags,
			UUID:       fs.uuid,
			VNodes:     fs.vnodes.Load(),
		}
		if fs.parent != nil {
			info.ParentID = fs.parent.id
			info.MountPoint = vfs.pathOfLocked(fs.mountpoint)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// PathOf returns the absolute path of e in the global namespace. Removed
// entries are suffixed with " (deleted)", as in /proc.
//
// The caller must not hold a locked Resolution.
func (vfs *VirtualFilesystem) PathOf(e *VEntry) string {
	vfs.mountMu.Lock()
	defer vfs.mountMu.Unlock()
	return vfs.pathOfLocked(e)
}

// pathOfLocked walks from e up to the global root, locking one entry at a
// time to read its name and parent. The walk runs leaf to root, so it must
// not nest inside the root to leaf order.
//
// Preconditions: vfs.mountMu must be locked. No VEntry lock may be held.
func (vfs *VirtualFilesystem) pathOfLocked(e *VEntry) string {
	var b fspath.Builder
	if e.state.load() == StateDead {
		b.SetSuffix(" (deleted)")
	}
	fspath.PrependPath(&b, e, func(e *VEntry) (string, *VEntry, bool) {
		e.mu.Lock()
		name, parent := e.name, e.parent
		e.mu.Unlock()
		if parent != nil {
			return name, parent, true
		}
		mp := e.fs.mountpoint
		if mp == nil || e.fs.state.load() != StateAlive {
			return "", nil, false
		}
		return "", mp, true
	})
	return b.AbsoluteString()
}

// Release unmounts every Filesystem, the root last, and clears the cache. It
// fails with EBUSY, leaving the remaining mounts in place, if any Filesystem
// is still in use.
func (vfs *VirtualFilesystem) Release(ctx context.Context) error {
	vfs.cache.Clear(ctx)
	vfs.mountMu.Lock()
	defer vfs.mountMu.Unlock()
	ids := make([]uint64, 0, len(vfs.mounts))
	for id := range vfs.mounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		if err := vfs.unmountLocked(ctx, vfs.mounts[id]); err != nil {
			return err
		}
	}
	return nil
}

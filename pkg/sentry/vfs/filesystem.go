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
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// MountFlags are flags applied to a mounted Filesystem, using mount(2) bit
// values.
type MountFlags uint64

// Supported mount flags.
const (
	// MountReadOnly rejects operations that modify the filesystem with
	// EROFS.
	MountReadOnly MountFlags = unix.MS_RDONLY

	// MountNoDev rejects opening device nodes with EACCES.
	MountNoDev MountFlags = unix.MS_NODEV
)

// String implements fmt.Stringer in /proc/mounts style.
func (f MountFlags) String() string {
	opts := []string{"rw"}
	if f&MountReadOnly != 0 {
		opts[0] = "ro"
	}
	if f&MountNoDev != 0 {
		opts = append(opts, "nodev")
	}
	return strings.Join(opts, ",")
}

// ParseMountFlags parses a comma separated list of "ro", "rw" and "nodev".
func ParseMountFlags(s string) (MountFlags, error) {
	var f MountFlags
	if s == "" {
		return f, nil
	}
	for _, opt := range strings.Split(s, ",") {
		switch opt {
		case "rw":
			f &^= MountReadOnly
		case "ro":
			f |= MountReadOnly
		case "nodev":
			f |= MountNoDev
		default:
			return 0, fmt.Errorf("unknown mount option %q", opt)
		}
	}
	return f, nil
}

// FilesystemType is a registered kind of filesystem, e.g. "ramfs".
type FilesystemType interface {
	// Name returns the name the type is registered and mounted by.
	Name() string

	// RequiresDevice returns true if mounting requires a block device.
	RequiresDevice() bool

	// NewFilesystem populates fs, which may be backed by dev (nil if the
	// type requires no device), and returns its root directory VNode with a
	// reference.
	NewFilesystem(ctx context.Context, fs *Filesystem, dev device.Device) (*VNode, error)

	// Release is called once when fs is destroyed, including after a failed
	// NewFilesystem.
	Release(ctx context.Context, fs *Filesystem)
}

// Filesystem is one mounted filesystem instance.
//
// Ordinary operations hold opLock for reading and check that the Filesystem
// is ALIVE; unmount holds it for writing, so it observes a quiescent
// Filesystem. A Filesystem holds a reference for its mount table slot and one
// per live VNode.
type Filesystem struct {
	fsRefs refs.Refs

	// opLock serializes ordinary operations (readers) against unmount
	// (writer).
	opLock sync.RWMutex

	// renameMu serializes renames within this Filesystem, so that ancestry
	// is stable while a rename checks and locks its directories.
	renameMu sync.Mutex

	state stateField

	// The following fields are immutable after mount.
	vfs    *VirtualFilesystem
	typ    FilesystemType
	id     uint64
	uuid   uuid.UUID
	flags  MountFlags
	source string
	dev    device.Device
	devID  device.ID
	root   *VEntry

	// mountpoint is the entry in the parent Filesystem this one is mounted
	// over, holding a reference; parent is that Filesystem. Both are nil for
	// the root Filesystem and are protected by VirtualFilesystem.mountMu.
	mountpoint *VEntry
	parent     *Filesystem

	// vnodes and entries count live VNodes and VEntries.
	vnodes  atomic.Int64
	entries atomic.Int64

	// priv is owned by the driver.
	priv any
}

// ID returns the mount ID.
func (fs *Filesystem) ID() uint64 {
	return fs.id
}

// UUID returns the instance UUID assigned at mount time.
func (fs *Filesystem) UUID() uuid.UUID {
	return fs.uuid
}

// Type returns the FilesystemType fs was created by.
func (fs *Filesystem) Type() FilesystemType {
	return fs.typ
}

// Flags returns the mount flags.
func (fs *Filesystem) Flags() MountFlags {
	return fs.flags
}

// Source returns the device name or label fs was mounted from.
func (fs *Filesystem) Source() string {
	return fs.source
}

// DeviceID returns the device number reported in Statx.Dev.
func (fs *Filesystem) DeviceID() device.ID {
	return fs.devID
}

// Root returns the root entry of fs. No reference is taken.
func (fs *Filesystem) Root() *VEntry {
	return fs.root
}

// State returns the lifecycle state of fs.
func (fs *Filesystem) State() State {
	return fs.state.load()
}

// VNodes returns the number of live VNodes.
func (fs *Filesystem) VNodes() int64 {
	return fs.vnodes.Load()
}

// SetPrivate sets driver-owned data. It must be called from
// FilesystemType.NewFilesystem.
func (fs *Filesystem) SetPrivate(priv any) {
	fs.priv = priv
}

// Private returns driver-owned data.
func (fs *Filesystem) Private() any {
	return fs.priv
}

// IncRef increments fs's reference count.
func (fs *Filesystem) IncRef() {
	fs.fsRefs.IncRef()
}

// DecRef decrements fs's reference count, releasing the driver and closing
// the backing device when it reaches zero.
func (fs *Filesystem) DecRef(ctx context.Context) {
	fs.fsRefs.DecRef(func() {
		fs.state.store(StateDead)
		fs.typ.Release(ctx, fs)
		if fs.dev != nil {
			if err := fs.dev.Close(ctx); err != nil {
				log.Warningf("Closing device %s of filesystem %d: %v", fs.dev.Name(), fs.id, err)
			}
		}
		log.Debugf("Released %s filesystem %d", fs.typ.Name(), fs.id)
	})
}

// RefType implements refs.CheckedObject.RefType.
func (fs *Filesystem) RefType() string {
	return "vfs.Filesystem"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (fs *Filesystem) LeakMessage() string {
	return fmt.Sprintf("[vfs.Filesystem %p] %s filesystem %d reclaimed by the garbage collector with %d references", fs, fs.typ.Name(), fs.id, fs.fsRefs.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (fs *Filesystem) LogRefs() bool {
	return false
}

func (fs *Filesystem) checkWritable() error {
	if fs.flags&MountReadOnly != 0 {
		return linuxerr.EROFS
	}
	return nil
}

// busyLocked returns true if anything outside the tree holds a reference on
// an entry of fs, if another Filesystem is mounted below it, or if an entry
// that is no longer linked is still referenced.
//
// Preconditions: fs.opLock must be locked for writing, and the cache must
// hold no records for fs.
func (fs *Filesystem) busyLocked() bool {
	linked := int64(0)
	var walk func(e *VEntry) bool
	walk = func(e *VEntry) bool {
		linked++
		// One reference is owned by the parent, or by fs for the root.
		if e.ReadRefs() > 1 || e.mounted != nil {
			return true
		}
		for _, bucket := range e.children {
			for _, c := range bucket {
				if walk(c) {
					return true
				}
			}
		}
		return false
	}
	if walk(fs.root) {
		return true
	}
	return fs.entries.Load() != linked
}

// teardownLocked marks fs DEAD and detaches its whole tree, dropping the
// tree's references so that VNodes drain.
//
// Preconditions: fs.opLock must be locked for writing, or fs must be
// unreachable.
func (fs *Filesystem) teardownLocked(ctx context.Context) {
	fs.state.store(StateDead)
	root := fs.root
	if root == nil {
		return
	}
	var drop []*VEntry
	root.mu.Lock()
	root.pruneLocked(&drop)
	root.state.store(StateDead)
	root.mu.Unlock()
	drop = append(drop, root)
	for _, e := range drop {
		e.DecRef(ctx)
	}
}

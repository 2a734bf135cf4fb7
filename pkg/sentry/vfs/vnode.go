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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// State is the lifecycle state shared by VNodes, VEntries and Filesystems.
//
// EMPTY objects are mid-construction and unreachable. ALIVE objects are
// resolvable. DEAD is terminal: the object has been removed from the
// namespace and survives only while references to it remain.
type State int32

// Lifecycle states.
const (
	StateEmpty State = iota
	StateAlive
	StateDead
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateAlive:
		return "ALIVE"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// stateField holds a State. Loads are lock-free; stores happen under the
// owning object's lock.
type stateField struct {
	v atomic.Int32
}

func (f *stateField) load() State {
	return State(f.v.Load())
}

func (f *stateField) store(s State) {
	f.v.Store(int32(s))
}

// NodeType is the type of file a VNode represents.
type NodeType uint8

// Node types.
const (
	TypeRegular NodeType = iota + 1
	TypeDirectory
	TypeSymlink
	TypeBlockDevice
	TypeCharDevice
	TypeFIFO
	TypeSocket
	TypeMountPoint
)

// Mode returns the S_IFMT bits for t. Mount points report as directories.
func (t NodeType) Mode() uint32 {
	switch t {
	case TypeRegular:
		return unix.S_IFREG
	case TypeDirectory, TypeMountPoint:
		return unix.S_IFDIR
	case TypeSymlink:
		return unix.S_IFLNK
	case TypeBlockDevice:
		return unix.S_IFBLK
	case TypeCharDevice:
		return unix.S_IFCHR
	case TypeFIFO:
		return unix.S_IFIFO
	case TypeSocket:
		return unix.S_IFSOCK
	default:
		return 0
	}
}

// NodeTypeFromMode returns the NodeType for the S_IFMT bits of mode. A mode
// without type bits is a regular file, as for mknod(2).
func NodeTypeFromMode(mode uint32) (NodeType, bool) {
	switch mode & unix.S_IFMT {
	case 0, unix.S_IFREG:
		return TypeRegular, true
	case unix.S_IFDIR:
		return TypeDirectory, true
	case unix.S_IFLNK:
		return TypeSymlink, true
	case unix.S_IFBLK:
		return TypeBlockDevice, true
	case unix.S_IFCHR:
		return TypeCharDevice, true
	case unix.S_IFIFO:
		return TypeFIFO, true
	case unix.S_IFSOCK:
		return TypeSocket, true
	default:
		return 0, false
	}
}

// IsDir returns true if t can contain directory entries.
func (t NodeType) IsDir() bool {
	return t == TypeDirectory || t == TypeMountPoint
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeBlockDevice:
		return "block-device"
	case TypeCharDevice:
		return "char-device"
	case TypeFIFO:
		return "fifo"
	case TypeSocket:
		return "socket"
	case TypeMountPoint:
		return "mount-point"
	default:
		return fmt.Sprintf("NodeType(%d)", uint8(t))
	}
}

// Statx holds file metadata, loosely following statx(2).
type Statx struct {
	Mode  uint32
	Ino   uint64
	Nlink uint32
	Size  int64
	Dev   uint64
	Rdev  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// Dirent is a directory entry reported by VNodeOperations.IterDirents.
type Dirent struct {
	Name string
	Ino  uint64
	Type NodeType
}

// MemoryBacking is the memory a regular file can be mapped from.
type MemoryBacking interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// VNodeOperations is the operation table a filesystem driver supplies for its
// VNodes. Directory operations receive the directory's VNode; the VFS calls
// them with the directory's VEntry locked, so a driver sees at most one
// concurrent mutation per directory. Errors may be *errors.Error values or
// unix.Errno.
type VNodeOperations interface {
	// Lookup returns a VNode with a new reference for name in dir, or
	// ENOENT. The driver may return a VNode it already has a VNode for, in
	// which case it must take a reference with TryIncRef, or allocate a new
	// one with Filesystem.NewVNode.
	Lookup(ctx context.Context, dir *VNode, name string) (*VNode, error)

	// Create creates a regular file and returns its VNode with a reference.
	Create(ctx context.Context, dir *VNode, name string, mode uint32) (*VNode, error)

	// Mknod creates a device node, FIFO or socket.
	Mknod(ctx context.Context, dir *VNode, name string, typ NodeType, mode uint32, rdev device.ID) (*VNode, error)

	// Mkdir creates a directory.
	Mkdir(ctx context.Context, dir *VNode, name string, mode uint32) (*VNode, error)

	// Symlink creates a symbolic link to target.
	Symlink(ctx context.Context, dir *VNode, name, target string) (*VNode, error)

	// Link adds name in dir as a new hard link to target.
	Link(ctx context.Context, dir *VNode, name string, target *VNode) error

	// Unlink removes the non-directory child at name.
	Unlink(ctx context.Context, dir *VNode, name string, child *VNode) error

	// Rmdir removes the empty directory child at name, or fails with
	// ENOTEMPTY.
	Rmdir(ctx context.Context, dir *VNode, name string, child *VNode) error

	// Rename moves oldName in oldDir to newName in newDir. If replaced is
	// not nil, it is the VNode currently at newName, and the VFS has already
	// checked that the replacement is type compatible.
	Rename(ctx context.Context, oldDir *VNode, oldName string, newDir *VNode, newName string, replaced *VNode) error

	// Readlink returns the target of a symbolic link.
	Readlink(ctx context.Context, vn *VNode) (string, error)

	// Stat returns metadata for vn. The VFS fills in the type bits and
	// device numbers.
	Stat(ctx context.Context, vn *VNode) (Statx, error)

	// ReadAt reads file content. It is called with vn's data lock held for
	// reading.
	ReadAt(ctx context.Context, vn *VNode, p []byte, off int64) (int, error)

	// WriteAt writes file content. It is called with vn's data lock held for
	// writing.
	WriteAt(ctx context.Context, vn *VNode, p []byte, off int64) (int, error)

	// Truncate sets the size of a regular file.
	Truncate(ctx context.Context, vn *VNode, size int64) error

	// IterDirents calls cb for each entry of dir in a stable order until cb
	// returns false.
	IterDirents(ctx context.Context, dir *VNode, cb func(Dirent) bool) error

	// Mmap returns the memory backing vn's content.
	Mmap(ctx context.Context, vn *VNode) (MemoryBacking, error)

	// Evict is called once when the last reference on vn is dropped, before
	// vn becomes DEAD. It is the driver's chance to reclaim the object, e.g.
	// release an unlinked inode.
	Evict(ctx context.Context, vn *VNode)
}

// VNode is the identity of a file, independent of the names it is linked
// under. A VNode belongs to exactly one Filesystem and holds a reference on
// it, so a Filesystem is not released until all its VNodes are.
//
// VNodes are reference-counted; references are held by the VEntries that
// name them, by open Files, and by drivers while an operation is in flight.
type VNode struct {
	vnodeRefs refs.Refs

	// mu serializes lifecycle transitions.
	mu sync.Mutex

	// dataMu guards file content. Readers of content hold it for reading,
	// writers for writing. It is independent of VEntry locks.
	dataMu sync.RWMutex

	state stateField

	// The following fields are immutable.
	fs   *Filesystem
	typ  NodeType
	ops  VNodeOperations
	rdev device.ID

	// priv is owned by the driver.
	priv any
}

// NewVNode allocates an EMPTY VNode of the given type with one reference.
// Drivers call it from their lookup and create paths.
func (fs *Filesystem) NewVNode(typ NodeType, ops VNodeOperations, priv any) *VNode {
	return fs.NewDeviceVNode(typ, device.ID{}, ops, priv)
}

// NewDeviceVNode is like NewVNode, for block and character device nodes
// naming device rdev.
func (fs *Filesystem) NewDeviceVNode(typ NodeType, rdev device.ID, ops VNodeOperations, priv any) *VNode {
	vn := &VNode{
		fs:   fs,
		typ:  typ,
		ops:  ops,
		rdev: rdev,
		priv: priv,
	}
	vn.vnodeRefs.InitRefs(vn)
	fs.IncRef()
	fs.vnodes.Add(1)
	fs.vfs.metrics.AddVNodes(1)
	return vn
}

// Filesystem returns the Filesystem vn belongs to.
func (vn *VNode) Filesystem() *Filesystem {
	return vn.fs
}

// Type returns the type of vn.
func (vn *VNode) Type() NodeType {
	return vn.typ
}

// State returns the lifecycle state of vn.
func (vn *VNode) State() State {
	return vn.state.load()
}

// Private returns the driver's private data.
func (vn *VNode) Private() any {
	return vn.priv
}

// Rdev returns the device number of a device node.
func (vn *VNode) Rdev() device.ID {
	return vn.rdev
}

// activate moves an EMPTY vn to ALIVE. It is called when vn is first linked
// from a VEntry.
func (vn *VNode) activate() {
	vn.mu.Lock()
	if vn.state.load() == StateEmpty {
		vn.state.store(StateAlive)
	}
	vn.mu.Unlock()
}

// IncRef increments vn's reference count.
func (vn *VNode) IncRef() {
	vn.vnodeRefs.IncRef()
}

// TryIncRef increments vn's reference count unless it has already dropped to
// zero. Drivers that cache VNodes weakly use it to revive them.
func (vn *VNode) TryIncRef() bool {
	return vn.vnodeRefs.TryIncRef()
}

// ReadRefs returns the current reference count.
func (vn *VNode) ReadRefs() int64 {
	return vn.vnodeRefs.ReadRefs()
}

// DecRef decrements vn's reference count. Dropping the last reference evicts
// vn from its driver and releases its Filesystem reference.
func (vn *VNode) DecRef(ctx context.Context) {
	vn.vnodeRefs.DecRef(func() {
		vn.ops.Evict(ctx, vn)
		vn.mu.Lock()
		vn.state.store(StateDead)
		vn.mu.Unlock()
		fs := vn.fs
		fs.vnodes.Add(-1)
		fs.vfs.metrics.AddVNodes(-1)
		fs.DecRef(ctx)
	})
}

// RefType implements refs.CheckedObject.RefType.
func (vn *VNode) RefType() string {
	return "vfs.VNode"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (vn *VNode) LeakMessage() string {
	return fmt.Sprintf("[vfs.VNode %p] %s vnode of %s filesystem %d reclaimed by the garbage collector with %d references", vn, vn.typ, vn.fs.typ.Name(), vn.fs.id, vn.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (vn *VNode) LogRefs() bool {
	return false
}

// checkAlive returns ESTALE unless vn and its Filesystem are ALIVE. The
// caller must hold vn.fs.opLock for reading.
func (vn *VNode) checkAlive() error {
	if vn.state.load() != StateAlive || vn.fs.state.load() != StateAlive {
		return linuxerr.ESTALE
	}
	return nil
}

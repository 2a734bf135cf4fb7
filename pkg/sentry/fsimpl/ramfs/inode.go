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


package ramfs

import (
	"sync"
	"time"

	"github.com/google/btree"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sentry/device"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// inode is a ramfs file. Fields other than data are protected by
// filesystem.mu.
type inode struct {
	fs  *filesystem
	ino uint64
	typ vfs.NodeType

	mode  uint32
	nlink uint32
	atime time.Time
	mtime time.Time
	ctime time.Time

	// vnode is the VNode currently representing this inode, if any. It is
	// not a reference: the VFS owns VNode lifetimes, and evict clears it.
	vnode *vfs.VNode

	// Exactly one of the following is meaningful, depending on typ.
	dir    *directory
	target string
	rdev   device.ID

	// dataMu protects data. The VFS also serializes writers through the
	// VNode data lock, but memory mappings read data without it.
	dataMu sync.RWMutex
	data   []byte
}

// newInodeLocked allocates an inode of typ, charging it against the
// filesystem's inode limit.
//
// Preconditions: fs.mu is locked.
func (fs *filesystem) newInodeLocked(typ vfs.NodeType, mode uint32) (*inode, error) {
	if fs.maxInodes > 0 && fs.inodes >= fs.maxInodes {
		return nil, linuxerr.ENOSPC
	}
	fs.nextIno++
	fs.inodes++
	now := fs.clock()
	return &inode{
		fs:    fs,
		ino:   fs.nextIno,
		typ:   typ,
		mode:  mode & 0o7777,
		nlink: 1,
		atime: now,
		mtime: now,
		ctime: now,
	}, nil
}

// Preconditions: fs.mu is locked.
func (fs *filesystem) newDirectoryLocked(mode uint32) (*inode, error) {
	ino, err := fs.newInodeLocked(vfs.TypeDirectory, mode)
	if err != nil {
		return nil, err
	}
	ino.nlink = 2
	ino.dir = &directory{children: btree.NewG(childDegree, direntLess)}
	return ino, nil
}

// vnodeForLocked returns a VNode for ino with a new reference, reusing the
// live VNode when it can still be revived.
//
// Preconditions: fs.mu is locked.
func (fs *filesystem) vnodeForLocked(ino *inode) *vfs.VNode {
	if ino.vnode != nil && ino.vnode.TryIncRef() {
		return ino.vnode
	}
	ino.vnode = fs.vfsfs.NewDeviceVNode(ino.typ, ino.rdev, fs, ino)
	return ino.vnode
}

// releaseLocked frees ino's resources once it has neither links nor a VNode.
//
// Preconditions: fs.mu is locked.
func (fs *filesystem) releaseLocked(ino *inode) {
	if ino.nlink != 0 || ino.vnode != nil {
		return
	}
	fs.inodes--
	ino.dataMu.Lock()
	ino.data = nil
	ino.dataMu.Unlock()
	if ino.dir != nil {
		ino.dir.children.Clear(false)
	}
}

// inodeOf returns the inode represented by vn.
func inodeOf(vn *vfs.VNode) *inode {
	return vn.Private().(*inode)
}

// touchLocked updates the modification and change times of ino.
//
// Preconditions: ino.fs.mu is locked.
func (ino *inode) touchLocked() {
	now := ino.fs.clock()
	ino.mtime = now
	ino.ctime = now
}

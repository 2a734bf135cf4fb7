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


// Package ramfs provides an in-memory filesystem driver for the VFS core. The
// inode tree owned by a filesystem is the sole source of truth; VNodes are
// created on demand and dropped when the VFS releases them.
//
// Lock order:
//
//	filesystem.mu
//	  inode.dataMu
package ramfs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sentry/device"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// Name is the default filesystem name.
const Name = "ramfs"

// FilesystemType implements vfs.FilesystemType.
type FilesystemType struct {
	// MaxInodes bounds the number of live inodes per filesystem; creation
	// beyond it fails with ENOSPC. Zero means unlimited.
	MaxInodes int

	// Clock returns the time used for timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// Name implements vfs.FilesystemType.Name.
func (FilesystemType) Name() string {
	return Name
}

// RequiresDevice implements vfs.FilesystemType.RequiresDevice.
func (FilesystemType) RequiresDevice() bool {
	return false
}

// NewFilesystem implements vfs.FilesystemType.NewFilesystem.
func (fstype FilesystemType) NewFilesystem(ctx context.Context, vfsfs *vfs.Filesystem, _ device.Device) (*vfs.VNode, error) {
	clock := fstype.Clock
	if clock == nil {
		clock = time.Now
	}
	fs := &filesystem{
		vfsfs:     vfsfs,
		clock:     clock,
		maxInodes: fstype.MaxInodes,
	}
	vfsfs.SetPrivate(fs)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	root, err := fs.newDirectoryLocked(0o755)
	if err != nil {
		return nil, err
	}
	// The root has no parent entry; its own "." accounts for the extra link.
	root.nlink = 2
	fs.root = root
	return fs.vnodeForLocked(root), nil
}

// Release implements vfs.FilesystemType.Release.
func (FilesystemType) Release(ctx context.Context, vfsfs *vfs.Filesystem) {
	fs, ok := vfsfs.Private().(*filesystem)
	if !ok {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.inodes != 0 {
		log.Debugf("ramfs %d released with %d inodes", vfsfs.ID(), fs.inodes)
	}
	fs.root = nil
	fs.inodes = 0
}

// filesystem implements vfs.VNodeOperations for all of its VNodes.
type filesystem struct {
	vfsfs *vfs.Filesystem
	clock func() time.Time

	// mu serializes changes to the inode tree and inode metadata.
	mu sync.Mutex

	// The following fields are protected by mu.
	root      *inode
	nextIno   uint64
	inodes    int
	maxInodes int
}

// fromVFS returns the ramfs filesystem backing vfsfs.
func fromVFS(vfsfs *vfs.Filesystem) *filesystem {
	fs, ok := vfsfs.Private().(*filesystem)
	if !ok {
		panic(fmt.Sprintf("filesystem %d is not a ramfs", vfsfs.ID()))
	}
	return fs
}

// Inodes returns the number of live inodes in vfsfs, which must be a ramfs.
func Inodes(vfsfs *vfs.Filesystem) int {
	fs := fromVFS(vfsfs)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.inodes
}

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
	"context"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sentry/device"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// Lookup implements vfs.VNodeOperations.Lookup.
func (fs *filesystem) Lookup(ctx context.Context, dir *vfs.VNode, name string) (*vfs.VNode, error) {
	parent, err := checkDir(dir)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	child, ok := parent.dir.lookup(name)
	if !ok {
		return nil, linuxerr.ENOENT
	}
	return fs.vnodeForLocked(child), nil
}

// createChild links a new inode returned by newChild into dir under name and
// returns its VNode.
func (fs *filesystem) createChild(dir *vfs.VNode, name string, newChild func() (*inode, error)) (*vfs.VNode, error) {
	parent, err := checkDir(dir)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if parent.nlink == 0 {
		// Creating files in a removed directory.
		return nil, linuxerr.ENOENT
	}
	if _, ok := parent.dir.lookup(name); ok {
		return nil, linuxerr.EEXIST
	}
	child, err := newChild()
	if err != nil {
		return nil, err
	}
	parent.insertLocked(name, child)
	return fs.vnodeForLocked(child), nil
}

// Create implements vfs.VNodeOperations.Create.
func (fs *filesystem) Create(ctx context.Context, dir *vfs.VNode, name string, mode uint32) (*vfs.VNode, error) {
	return fs.createChild(dir, name, func() (*inode, error) {
		return fs.newInodeLocked(vfs.TypeRegular, mode)
	})
}

// Mknod implements vfs.VNodeOperations.Mknod.
func (fs *filesystem) Mknod(ctx context.Context, dir *vfs.VNode, name string, typ vfs.NodeType, mode uint32, rdev device.ID) (*vfs.VNode, error) {
	switch typ {
	case vfs.TypeBlockDevice, vfs.TypeCharDevice, vfs.TypeFIFO, vfs.TypeSocket:
	default:
		return nil, linuxerr.EINVAL
	}
	return fs.createChild(dir, name, func() (*inode, error) {
		ino, err := fs.newInodeLocked(typ, mode)
		if err != nil {
			return nil, err
		}
		if typ == vfs.TypeBlockDevice || typ == vfs.TypeCharDevice {
			ino.rdev = rdev
		}
		return ino, nil
	})
}

// Mkdir implements vfs.VNodeOperations.Mkdir.
func (fs *filesystem) Mkdir(ctx context.Context, dir *vfs.VNode, name string, mode uint32) (*vfs.VNode, error) {
	return fs.createChild(dir, name, func() (*inode, error) {
		return fs.newDirectoryLocked(mode)
	})
}

// Symlink implements vfs.VNodeOperations.Symlink.
func (fs *filesystem) Symlink(ctx context.Context, dir *vfs.VNode, name, target string) (*vfs.VNode, error) {
	return fs.createChild(dir, name, func() (*inode, error) {
		ino, err := fs.newInodeLocked(vfs.TypeSymlink, 0o777)
		if err != nil {
			return nil, err
		}
		ino.target = target
		return ino, nil
	})
}

// Link implements vfs.VNodeOperations.Link.
func (fs *filesystem) Link(ctx context.Context, dir *vfs.VNode, name string, target *vfs.VNode) error {
	parent, err := checkDir(dir)
	if err != nil {
		return err
	}
	child := inodeOf(target)
	if child.typ == vfs.TypeDirectory {
		return linuxerr.EPERM
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if parent.nlink == 0 || child.nlink == 0 {
		return linuxerr.ENOENT
	}
	if _, ok := parent.dir.lookup(name); ok {
		return linuxerr.EEXIST
	}
	child.nlink++
	child.ctime = fs.clock()
	parent.insertLocked(name, child)
	return nil
}

// Unlink implements vfs.VNodeOperations.Unlink.
func (fs *filesystem) Unlink(ctx context.Context, dir *vfs.VNode, name string, _ *vfs.VNode) error {
	parent, err := checkDir(dir)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	child, ok := parent.dir.lookup(name)
	if !ok {
		return linuxerr.ENOENT
	}
	if child.typ == vfs.TypeDirectory {
		return linuxerr.EISDIR
	}
	if _, err := parent.removeLocked(name); err != nil {
		return err
	}
	fs.releaseLocked(child)
	return nil
}

// Rmdir implements vfs.VNodeOperations.Rmdir.
func (fs *filesystem) Rmdir(ctx context.Context, dir *vfs.VNode, name string, _ *vfs.VNode) error {
	parent, err := checkDir(dir)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	child, ok := parent.dir.lookup(name)
	if !ok {
		return linuxerr.ENOENT
	}
	if child.dir == nil {
		return linuxerr.ENOTDIR
	}
	if !child.dir.empty() {
		return linuxerr.ENOTEMPTY
	}
	if _, err := parent.removeLocked(name); err != nil {
		return err
	}
	fs.releaseLocked(child)
	return nil
}

// Rename implements vfs.VNodeOperations.Rename.
func (fs *filesystem) Rename(ctx context.Context, oldDir *vfs.VNode, oldName string, newDir *vfs.VNode, newName string, _ *vfs.VNode) error {
	oldParent, err := checkDir(oldDir)
	if err != nil {
		return err
	}
	newParent, err := checkDir(newDir)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	renamed, ok := oldParent.dir.lookup(oldName)
	if !ok {
		return linuxerr.ENOENT
	}
	replaced, ok := newParent.dir.lookup(newName)
	if ok {
		if replaced == renamed {
			return nil
		}
		switch {
		case replaced.dir != nil && renamed.dir == nil:
			return linuxerr.EISDIR
		case replaced.dir == nil && renamed.dir != nil:
			return linuxerr.ENOTDIR
		case replaced.dir != nil && !replaced.dir.empty():
			return linuxerr.ENOTEMPTY
		}
		if _, err := newParent.removeLocked(newName); err != nil {
			return err
		}
		fs.releaseLocked(replaced)
	}
	oldParent.dir.children.Delete(&dirent{name: oldName})
	if renamed.dir != nil {
		oldParent.nlink--
	}
	oldParent.touchLocked()
	newParent.insertLocked(newName, renamed)
	renamed.ctime = fs.clock()
	return nil
}

// Readlink implements vfs.VNodeOperations.Readlink.
func (fs *filesystem) Readlink(ctx context.Context, vn *vfs.VNode) (string, error) {
	ino := inodeOf(vn)
	if ino.typ != vfs.TypeSymlink {
		return "", linuxerr.EINVAL
	}
	return ino.target, nil
}

// Stat implements vfs.VNodeOperations.Stat.
func (fs *filesystem) Stat(ctx context.Context, vn *vfs.VNode) (vfs.Statx, error) {
	ino := inodeOf(vn)
	fs.mu.Lock()
	stat := vfs.Statx{
		Mode:  ino.mode,
		Ino:   ino.ino,
		Nlink: ino.nlink,
		Atime: ino.atime,
		Mtime: ino.mtime,
		Ctime: ino.ctime,
	}
	switch ino.typ {
	case vfs.TypeDirectory:
		stat.Size = int64(ino.dir.children.Len())
	case vfs.TypeSymlink:
		stat.Size = int64(len(ino.target))
	}
	fs.mu.Unlock()
	if ino.typ == vfs.TypeRegular {
		stat.Size = ino.size()
	}
	return stat, nil
}

// IterDirents implements vfs.VNodeOperations.IterDirents.
func (fs *filesystem) IterDirents(ctx context.Context, dir *vfs.VNode, cb func(vfs.Dirent) bool) error {
	parent, err := checkDir(dir)
	if err != nil {
		return err
	}
	// Snapshot the children so that cb runs without fs.mu.
	fs.mu.Lock()
	dirents := make([]vfs.Dirent, 0, parent.dir.children.Len())
	parent.dir.children.Ascend(func(de *dirent) bool {
		dirents = append(dirents, vfs.Dirent{Name: de.name, Ino: de.inode.ino, Type: de.inode.typ})
		return true
	})
	parent.atime = fs.clock()
	fs.mu.Unlock()
	for _, d := range dirents {
		if !cb(d) {
			break
		}
	}
	return nil
}

// Evict implements vfs.VNodeOperations.Evict.
func (fs *filesystem) Evict(ctx context.Context, vn *vfs.VNode) {
	ino := inodeOf(vn)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino.vnode != vn {
		// A newer VNode already represents ino.
		return
	}
	ino.vnode = nil
	fs.releaseLocked(ino)
}

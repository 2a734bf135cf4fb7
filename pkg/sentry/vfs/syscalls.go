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
	"strings"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/fspath"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// retryStale runs op, and if it fails with ESTALE, invalidates the cached
// resolution of pop and runs it once more.
func (vfs *VirtualFilesystem) retryStale(ctx context.Context, pop *PathOperation, op func() error) error {
	err := op()
	if err != linuxerr.ESTALE {
		return err
	}
	vfs.metrics.RecordStaleRetry()
	log.Debugf("Retrying operation on %q after ESTALE", pop.Pathname)
	vfs.cache.Invalidate(ctx, pop.Pathname)
	return op()
}

// createAt resolves the parent of a new file at pop and calls create with
// the parent locked. The VNode create returns is linked under the parent.
func (vfs *VirtualFilesystem) createAt(ctx context.Context, pop *PathOperation, create func(dir *VNode, name string) (*VNode, error)) error {
	return vfs.retryStale(ctx, pop, func() error {
		res, err := vfs.Resolve(ctx, pop, ResolveExclusive)
		if err != nil {
			return err
		}
		defer res.Release(ctx)
		_, err = vfs.createLocked(ctx, res, create)
		return err
	})
}

// createLocked creates and links a file under the locked parent res.Entry
// and returns its entry, owned by the tree.
func (vfs *VirtualFilesystem) createLocked(ctx context.Context, res *Resolution, create func(dir *VNode, name string) (*VNode, error)) (*VEntry, error) {
	parent := res.Entry
	if err := parent.fs.checkWritable(); err != nil {
		return nil, err
	}
	vn, err := create(parent.vnode, res.Name)
	if err != nil {
		return nil, linuxerr.ToError(err)
	}
	child, err := parent.linkLocked(ctx, res.Name, vn)
	if err != nil {
		vn.DecRef(ctx)
		return nil, err
	}
	return child, nil
}

// MkdirAt creates a directory at pop.
func (vfs *VirtualFilesystem) MkdirAt(ctx context.Context, pop *PathOperation, mode uint32) error {
	return vfs.createAt(ctx, pop, func(dir *VNode, name string) (*VNode, error) {
		return dir.ops.Mkdir(ctx, dir, name, mode&0o7777)
	})
}

// MknodAt creates a regular file, device node, FIFO or socket at pop.
func (vfs *VirtualFilesystem) MknodAt(ctx context.Context, pop *PathOperation, opts MknodOptions) error {
	typ, ok := NodeTypeFromMode(opts.Mode)
	if !ok {
		return linuxerr.EINVAL
	}
	switch typ {
	case TypeDirectory:
		return linuxerr.EPERM
	case TypeSymlink:
		return linuxerr.EINVAL
	}
	perm := opts.Mode & 0o7777
	return vfs.createAt(ctx, pop, func(dir *VNode, name string) (*VNode, error) {
		if typ == TypeRegular {
			return dir.ops.Create(ctx, dir, name, perm)
		}
		var rdev device.ID
		if typ == TypeBlockDevice || typ == TypeCharDevice {
			rdev = opts.Dev
		}
		return dir.ops.Mknod(ctx, dir, name, typ, perm, rdev)
	})
}

// SymlinkAt creates a symbolic link at pop pointing to target.
func (vfs *VirtualFilesystem) SymlinkAt(ctx context.Context, target string, pop *PathOperation) error {
	if target == "" {
		return linuxerr.ENOENT
	}
	if len(target) >= fspath.MaxPathLen {
		return linuxerr.ENAMETOOLONG
	}
	return vfs.createAt(ctx, pop, func(dir *VNode, name string) (*VNode, error) {
		return dir.ops.Symlink(ctx, dir, name, target)
	})
}

// LinkAt creates a hard link at newpop to the file at oldpop. The final
// component of oldpop is not followed.
func (vfs *VirtualFilesystem) LinkAt(ctx context.Context, oldpop, newpop *PathOperation) error {
	return vfs.retryStale(ctx, newpop, func() error {
		old, err := vfs.Resolve(ctx, oldpop, ResolveNoFollow|ResolveUnlocked)
		if err != nil {
			return err
		}
		defer old.Release(ctx)
		target := old.Entry
		if target.vnode.typ.IsDir() {
			return linuxerr.EPERM
		}

		res, err := vfs.Resolve(ctx, newpop, ResolveExclusive)
		if err != nil {
			return err
		}
		defer res.Release(ctx)
		if res.Entry.fs != target.fs {
			return linuxerr.EXDEV
		}
		if target.state.load() != StateAlive {
			return linuxerr.ENOENT
		}
		vn := target.vnode
		_, err = vfs.createLocked(ctx, res, func(dir *VNode, name string) (*VNode, error) {
			if err := dir.ops.Link(ctx, dir, name, vn); err != nil {
				return nil, err
			}
			vn.IncRef()
			return vn, nil
		})
		return err
	})
}

// UnlinkAt removes the non-directory at pop. The name disappears
// immediately; the file itself survives until its last reference, e.g. an
// open File, is dropped.
func (vfs *VirtualFilesystem) UnlinkAt(ctx context.Context, pop *PathOperation) error {
	return vfs.removeAt(ctx, pop, false)
}

// RmdirAt removes the empty directory at pop.
func (vfs *VirtualFilesystem) RmdirAt(ctx context.Context, pop *PathOperation) error {
	return vfs.removeAt(ctx, pop, true)
}

func (vfs *VirtualFilesystem) removeAt(ctx context.Context, pop *PathOperation, dir bool) error {
	return vfs.retryStale(ctx, pop, func() error {
		res, err := vfs.Resolve(ctx, pop, ResolveParent)
		if err != nil {
			return err
		}
		parent := res.Entry
		var drop []*VEntry
		err = vfs.removeLocked(ctx, parent, res.Name, dir, &drop)
		res.Release(ctx)
		for _, e := range drop {
			e.DecRef(ctx)
		}
		return err
	})
}

// removeLocked removes name from parent, appending the references to drop
// once parent is unlocked.
//
// Preconditions: parent.mu must be locked.
func (vfs *VirtualFilesystem) removeLocked(ctx context.Context, parent *VEntry, name string, dir bool, drop *[]*VEntry) error {
	if err := parent.fs.checkWritable(); err != nil {
		return err
	}
	child, err := parent.lookupChildLocked(ctx, name)
	if err != nil {
		return err
	}
	*drop = append(*drop, child)
	child.mu.Lock()
	defer child.mu.Unlock()
	isDir := child.vnode.typ.IsDir()
	switch {
	case dir && !isDir:
		return linuxerr.ENOTDIR
	case !dir && isDir:
		return linuxerr.EISDIR
	case child.mounted != nil:
		return linuxerr.EBUSY
	}

	vfs.cache.BeginMutation()
	if dir {
		err = child.vnode.ops.Rmdir(ctx, parent.vnode, name, child.vnode)
	} else {
		err = child.vnode.ops.Unlink(ctx, parent.vnode, name, child.vnode)
	}
	if err != nil {
		vfs.cache.EndMutation(ctx)
		return linuxerr.ToError(err)
	}
	if dir {
		child.pruneLocked(drop)
	}
	parent.removeChildLocked(child)
	child.state.store(StateDead)
	vfs.cache.EndMutation(ctx, child)
	// The tree's reference.
	*drop = append(*drop, child)
	return nil
}

// RenameAt moves the file at oldpop to newpop, replacing any compatible file
// there. Both must be in the same Filesystem (EXDEV).
func (vfs *VirtualFilesystem) RenameAt(ctx context.Context, oldpop, newpop *PathOperation) error {
	return vfs.retryStale(ctx, oldpop, func() error {
		oldRes, err := vfs.Resolve(ctx, oldpop, ResolveParent|ResolveUnlocked)
		if err != nil {
			return err
		}
		defer oldRes.Release(ctx)
		newRes, err := vfs.Resolve(ctx, newpop, ResolveParent|ResolveUnlocked)
		if err != nil {
			return err
		}
		defer newRes.Release(ctx)
		oldDir, newDir := oldRes.Entry, newRes.Entry
		if oldDir.fs != newDir.fs {
			return linuxerr.EXDEV
		}

		fs := oldDir.fs
		fs.opLock.RLock()
		defer fs.opLock.RUnlock()
		if fs.state.load() != StateAlive {
			return linuxerr.ESTALE
		}
		if err := fs.checkWritable(); err != nil {
			return err
		}
		fs.renameMu.Lock()
		defer fs.renameMu.Unlock()

		var drop []*VEntry
		unlock := lockDirs(oldDir, newDir)
		err = vfs.renameLocked(ctx, oldDir, oldRes.Name, newDir, newRes.Name, &drop)
		unlock()
		for _, e := range drop {
			e.DecRef(ctx)
		}
		return err
	})
}

// lockDirs locks a and b, ancestor first, and returns a function that
// unlocks them.
//
// Preconditions: a.fs.renameMu must be locked.
func lockDirs(a, b *VEntry) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if b.isAncestorOf(a) {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// Preconditions: fs.renameMu, oldDir.mu and newDir.mu must be locked.
func (vfs *VirtualFilesystem) renameLocked(ctx context.Context, oldDir *VEntry, oldName string, newDir *VEntry, newName string, drop *[]*VEntry) error {
	if oldDir.state.load() != StateAlive || newDir.state.load() != StateAlive {
		return linuxerr.ENOENT
	}
	oldChild, err := oldDir.lookupChildLocked(ctx, oldName)
	if err != nil {
		return err
	}
	*drop = append(*drop, oldChild)
	newChild, err := newDir.lookupChildLocked(ctx, newName)
	switch {
	case err == nil:
		*drop = append(*drop, newChild)
	case linuxerr.Equals(linuxerr.ENOENT, err):
		newChild = nil
	default:
		return err
	}

	if newChild != nil && newChild.vnode == oldChild.vnode {
		// Both names refer to the same file.
		return nil
	}
	if oldChild.mounted != nil || (newChild != nil && newChild.mounted != nil) {
		return linuxerr.EBUSY
	}
	oldIsDir := oldChild.vnode.typ.IsDir()
	if newChild != nil {
		newIsDir := newChild.vnode.typ.IsDir()
		switch {
		case oldIsDir && !newIsDir:
			return linuxerr.ENOTDIR
		case !oldIsDir && newIsDir:
			return linuxerr.EISDIR
		}
	}
	if oldIsDir && (oldChild == newDir || oldChild.isAncestorOf(newDir)) {
		return linuxerr.EINVAL
	}
	if newChild != nil && (newChild == oldDir || newChild.isAncestorOf(oldDir)) {
		return linuxerr.ENOTEMPTY
	}

	vfs.cache.BeginMutation()
	var replaced *VNode
	if newChild != nil {
		replaced = newChild.vnode
	}
	if err := oldDir.vnode.ops.Rename(ctx, oldDir.vnode, oldName, newDir.vnode, newName, replaced); err != nil {
		vfs.cache.EndMutation(ctx)
		return linuxerr.ToError(err)
	}
	if newChild != nil {
		newChild.mu.Lock()
		newChild.pruneLocked(drop)
		newDir.removeChildLocked(newChild)
		newChild.state.store(StateDead)
		newChild.mu.Unlock()
		*drop = append(*drop, newChild)
	}
	oldChild.mu.Lock()
	oldDir.removeChildLocked(oldChild)
	oldChild.name = newName
	oldChild.hash = hashName(newName)
	if displaced := newDir.insertChildLocked(oldChild); displaced != nil {
		*drop = append(*drop, displaced)
	}
	oldChild.mu.Unlock()
	vfs.cache.EndMutation(ctx, oldChild, newChild)
	return nil
}

// ReadlinkAt returns the target of the symbolic link at pop.
func (vfs *VirtualFilesystem) ReadlinkAt(ctx context.Context, pop *PathOperation) (string, error) {
	var target string
	err := vfs.retryStale(ctx, pop, func() error {
		res, err := vfs.Resolve(ctx, pop, ResolveNoFollow|ResolveSymlink)
		if err != nil {
			return err
		}
		defer res.Release(ctx)
		vn := res.Entry.vnode
		target, err = vn.ops.Readlink(ctx, vn)
		return linuxerr.ToError(err)
	})
	return target, err
}

// StatAt returns metadata for the file at pop. flags may contain
// AT_SYMLINK_NOFOLLOW.
func (vfs *VirtualFilesystem) StatAt(ctx context.Context, pop *PathOperation, flags int) (Statx, error) {
	if flags&^unix.AT_SYMLINK_NOFOLLOW != 0 {
		return Statx{}, linuxerr.EINVAL
	}
	var rflags ResolveFlags
	if flags&unix.AT_SYMLINK_NOFOLLOW != 0 {
		rflags |= ResolveNoFollow
	}
	var stat Statx
	err := vfs.retryStale(ctx, pop, func() error {
		res, err := vfs.Resolve(ctx, pop, rflags)
		if err != nil {
			return err
		}
		defer res.Release(ctx)
		stat, err = statVNode(ctx, res.Entry.vnode)
		return err
	})
	return stat, err
}

// statVNode returns vn's metadata with the type and device fields filled in.
func statVNode(ctx context.Context, vn *VNode) (Statx, error) {
	stat, err := vn.ops.Stat(ctx, vn)
	if err != nil {
		return Statx{}, linuxerr.ToError(err)
	}
	stat.Mode = vn.typ.Mode() | stat.Mode&^unix.S_IFMT
	stat.Dev = vn.fs.devID.DeviceID()
	if vn.typ == TypeBlockDevice || vn.typ == TypeCharDevice {
		stat.Rdev = vn.rdev.DeviceID()
	}
	return stat, nil
}

// OpenAt opens the file at pop.
func (vfs *VirtualFilesystem) OpenAt(ctx context.Context, pop *PathOperation, opts OpenOptions) (*File, error) {
	var f *File
	err := vfs.retryStale(ctx, pop, func() error {
		var err error
		f, err = vfs.openAt(ctx, pop, opts)
		return err
	})
	return f, err
}

func (vfs *VirtualFilesystem) openAt(ctx context.Context, pop *PathOperation, opts OpenOptions) (*File, error) {
	var flags ResolveFlags
	if opts.Flags&unix.O_DIRECTORY != 0 {
		flags |= ResolveDir
	}
	if opts.Flags&unix.O_NOFOLLOW != 0 {
		flags |= ResolveNoFollow
	}
	if opts.Flags&unix.O_CREAT != 0 {
		if opts.Flags&unix.O_DIRECTORY != 0 {
			return nil, linuxerr.EINVAL
		}
		if strings.HasSuffix(pop.Pathname, "/") {
			return nil, linuxerr.EISDIR
		}
		if opts.Flags&unix.O_EXCL != 0 {
			return vfs.createAndOpen(ctx, pop, opts)
		}
		res, err := vfs.Resolve(ctx, pop, flags)
		if err == nil {
			defer res.Release(ctx)
			return vfs.open(ctx, res.Entry, opts)
		}
		if !linuxerr.Equals(linuxerr.ENOENT, err) {
			return nil, err
		}
		f, err := vfs.createAndOpen(ctx, pop, opts)
		if !linuxerr.Equals(linuxerr.EEXIST, err) {
			return f, err
		}
		// Either another creator won the race, or the final component is a
		// dangling symlink, which O_CREAT does not create through.
		res, err = vfs.Resolve(ctx, pop, flags)
		if err != nil {
			if linuxerr.Equals(linuxerr.ENOENT, err) {
				return nil, linuxerr.EEXIST
			}
			return nil, err
		}
		defer res.Release(ctx)
		return vfs.open(ctx, res.Entry, opts)
	}
	res, err := vfs.Resolve(ctx, pop, flags)
	if err != nil {
		return nil, err
	}
	defer res.Release(ctx)
	return vfs.open(ctx, res.Entry, opts)
}

func (vfs *VirtualFilesystem) createAndOpen(ctx context.Context, pop *PathOperation, opts OpenOptions) (*File, error) {
	res, err := vfs.Resolve(ctx, pop, ResolveExclusive)
	if err != nil {
		return nil, err
	}
	defer res.Release(ctx)
	child, err := vfs.createLocked(ctx, res, func(dir *VNode, name string) (*VNode, error) {
		return dir.ops.Create(ctx, dir, name, opts.Mode&0o7777)
	})
	if err != nil {
		return nil, err
	}
	// The file was just created, so it needs no truncation.
	opts.Flags &^= unix.O_TRUNC
	return vfs.open(ctx, child, opts)
}

// open returns a File for e.
//
// Preconditions: e is ALIVE and e.fs.opLock is held for reading.
func (vfs *VirtualFilesystem) open(ctx context.Context, e *VEntry, opts OpenOptions) (*File, error) {
	vn := e.vnode
	acc := opts.Flags & unix.O_ACCMODE
	writable := acc == unix.O_WRONLY || acc == unix.O_RDWR
	var dev device.Device
	switch vn.typ {
	case TypeSymlink:
		// Only reachable with O_NOFOLLOW.
		return nil, linuxerr.ELOOP
	case TypeDirectory, TypeMountPoint:
		if writable {
			return nil, linuxerr.EISDIR
		}
	case TypeBlockDevice, TypeCharDevice:
		if e.fs.flags&MountNoDev != 0 {
			return nil, linuxerr.EACCES
		}
		kind := device.Char
		if vn.typ == TypeBlockDevice {
			kind = device.Block
		}
		var err error
		if dev, err = vfs.devices.LookupID(kind, vn.rdev); err != nil {
			return nil, err
		}
	case TypeFIFO, TypeSocket:
		// There is no pipe or socket layer to attach to.
		return nil, linuxerr.ENXIO
	}
	if writable {
		if err := e.fs.checkWritable(); err != nil {
			return nil, err
		}
	}
	if opts.Flags&unix.O_TRUNC != 0 && writable && vn.typ == TypeRegular {
		vn.dataMu.Lock()
		err := vn.ops.Truncate(ctx, vn, 0)
		vn.dataMu.Unlock()
		if err != nil {
			return nil, linuxerr.ToError(err)
		}
	}
	if dev != nil {
		if err := dev.Open(ctx); err != nil {
			return nil, err
		}
	}
	return newFile(e, opts.Flags, dev), nil
}

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

	"github.com/google/uuid"
	"vfscore.dev/vfscore/pkg/cleanup"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/fspath"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// newFilesystem creates an ALIVE Filesystem of the named type holding one
// reference, for its mount table slot, and populates its root.
//
// Preconditions: vfs.mountMu must be locked.
func (vfs *VirtualFilesystem) newFilesystem(ctx context.Context, fsTypeName, source string, flags MountFlags) (*Filesystem, error) {
	typ, ok := vfs.getFilesystemType(fsTypeName)
	if !ok {
		return nil, linuxerr.ENODEV
	}
	var dev device.Device
	devID := vfs.devices.NewAnonID()
	if typ.RequiresDevice() {
		if source == "" {
			return nil, linuxerr.ENODEV
		}
		var err error
		if dev, err = vfs.devices.Lookup(source); err != nil {
			return nil, err
		}
		if dev.Kind() != device.Block {
			return nil, linuxerr.ENOTBLK
		}
		if err := dev.Open(ctx); err != nil {
			log.Debugf("Opening device %s for %s: %v", source, fsTypeName, err)
			return nil, linuxerr.ENODEV
		}
		devID = dev.ID()
	}

	vfs.lastMountID++
	fs := &Filesystem{
		vfs:    vfs,
		typ:    typ,
		id:     vfs.lastMountID,
		uuid:   uuid.New(),
		flags:  flags,
		source: source,
		dev:    dev,
		devID:  devID,
	}
	fs.fsRefs.InitRefs(fs)
	fs.state.store(StateAlive)

	rootVN, err := typ.NewFilesystem(ctx, fs, dev)
	if err != nil {
		fs.DecRef(ctx)
		return nil, linuxerr.ToError(err)
	}
	if !rootVN.typ.IsDir() {
		rootVN.DecRef(ctx)
		fs.DecRef(ctx)
		return nil, linuxerr.ENOTDIR
	}
	root := newVEntry(fs, "", rootVN)
	rootVN.activate()
	root.state.store(StateAlive)
	fs.root = root
	return fs, nil
}

// MountRoot mounts the root Filesystem. It fails with EBUSY if a root is
// already mounted.
func (vfs *VirtualFilesystem) MountRoot(ctx context.Context, fsTypeName, source string, flags MountFlags) (*Filesystem, error) {
	vfs.mountMu.Lock()
	defer vfs.mountMu.Unlock()
	if vfs.root.Load() != nil {
		return nil, linuxerr.EBUSY
	}
	fs, err := vfs.newFilesystem(ctx, fsTypeName, source, flags)
	if err != nil {
		return nil, err
	}
	vfs.root.Store(fs)
	vfs.mounts[fs.id] = fs
	vfs.metrics.AddMounts(1)
	log.Infof("Mounted %s filesystem %d (%s) at /", fsTypeName, fs.id, fs.uuid)
	return fs, nil
}

// MountAt mounts a new Filesystem of the named type over the directory at
// target. source names the backing block device for types that require
// one, and is otherwise a free-form label.
//
// It fails with ENODEV if the type is unknown or the device cannot be opened,
// and with EBUSY if target is already a mount point or a filesystem root.
func (vfs *VirtualFilesystem) MountAt(ctx context.Context, fsTypeName, source string, target *PathOperation, flags MountFlags) (*Filesystem, error) {
	path, err := fspath.Parse(target.Pathname)
	if err != nil {
		return nil, err
	}
	if path.Absolute && !path.HasComponents() {
		return nil, linuxerr.EBUSY
	}

	vfs.mountMu.Lock()
	defer vfs.mountMu.Unlock()
	if vfs.root.Load() == nil {
		return nil, linuxerr.ENOENT
	}
	fs, err := vfs.newFilesystem(ctx, fsTypeName, source, flags)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		fs.teardownLocked(ctx)
		fs.DecRef(ctx)
	})
	defer cu.Clean()

	res, err := vfs.Resolve(ctx, target, ResolveParent)
	if err != nil {
		return nil, err
	}
	mp, err := vfs.shadowLocked(ctx, fs, res)
	// pathOfLocked below locks entries leaf to root.
	res.Release(ctx)
	if err != nil {
		return nil, err
	}
	cu.Release()

	vfs.mounts[fs.id] = fs
	vfs.metrics.AddMounts(1)
	log.Infof("Mounted %s filesystem %d (%s) at %s", fsTypeName, fs.id, fs.uuid, vfs.pathOfLocked(mp))
	return fs, nil
}

// shadowLocked turns the child of res named res.Name into a mount point for
// fs and returns it.
//
// Preconditions: vfs.mountMu must be locked. res holds its entry locked.
func (vfs *VirtualFilesystem) shadowLocked(ctx context.Context, fs *Filesystem, res *Resolution) (*VEntry, error) {
	parent := res.Entry
	mp, err := parent.lookupChildLocked(ctx, res.Name)
	if err != nil {
		return nil, err
	}
	mp.mu.Lock()
	switch {
	case mp.mounted != nil:
		err = linuxerr.EBUSY
	case !mp.vnode.typ.IsDir():
		err = linuxerr.ENOTDIR
	}
	if err != nil {
		mp.mu.Unlock()
		mp.DecRef(ctx)
		return nil, err
	}
	vfs.cache.BeginMutation()
	// The reference from the lookup is owned by fs.mountpoint.
	fs.mountpoint = mp
	fs.parent = parent.fs
	mp.mounted = fs
	vfs.cache.EndMutation(ctx, mp)
	mp.mu.Unlock()
	return mp, nil
}

// Unmount unmounts fs. It fails with EBUSY if fs is the root Filesystem, if
// another Filesystem is mounted below it, or if any of its entries is
// referenced from outside the tree (by an open File, a caller's reference,
// or an operation in progress).
func (vfs *VirtualFilesystem) Unmount(ctx context.Context, fs *Filesystem) error {
	vfs.mountMu.Lock()
	defer vfs.mountMu.Unlock()
	if fs == vfs.root.Load() {
		return linuxerr.EBUSY
	}
	return vfs.unmountLocked(ctx, fs)
}

// UmountAt unmounts the Filesystem whose root is at pop. It fails with
// EINVAL if pop does not name a mount root.
func (vfs *VirtualFilesystem) UmountAt(ctx context.Context, pop *PathOperation) error {
	e, err := vfs.GetEntryAt(ctx, pop, 0)
	if err != nil {
		return err
	}
	fs := e.fs
	isRoot := e == fs.root
	e.DecRef(ctx)
	if !isRoot {
		return linuxerr.EINVAL
	}
	return vfs.Unmount(ctx, fs)
}

// Preconditions: vfs.mountMu must be locked.
func (vfs *VirtualFilesystem) unmountLocked(ctx context.Context, fs *Filesystem) error {
	if vfs.mounts[fs.id] != fs {
		return linuxerr.EINVAL
	}
	mp := fs.mountpoint
	vfs.cache.BeginMutation()
	fs.opLock.Lock()
	// Drop cached paths into fs before counting references.
	vfs.cache.InvalidateSubtree(ctx, mp, fs.root)
	if fs.busyLocked() {
		fs.opLock.Unlock()
		vfs.cache.EndMutation(ctx)
		return linuxerr.EBUSY
	}
	where := "/"
	if mp != nil {
		where = vfs.pathOfLocked(mp)
		parent := mp.parent
		parent.mu.Lock()
		mp.mu.Lock()
		mp.mounted = nil
		fs.state.store(StateDead)
		vfs.cache.EndMutation(ctx, mp)
		mp.mu.Unlock()
		parent.mu.Unlock()
	} else {
		fs.state.store(StateDead)
		vfs.cache.EndMutation(ctx)
		vfs.root.Store(nil)
	}
	fs.teardownLocked(ctx)
	fs.opLock.Unlock()

	if n := fs.vnodes.Load(); n != 0 {
		vfs.drainLog.Warningf("%s filesystem %d: %d vnodes not drained at unmount", fs.typ.Name(), fs.id, n)
	}
	delete(vfs.mounts, fs.id)
	vfs.metrics.AddMounts(-1)
	log.Infof("Unmounted %s filesystem %d from %s", fs.typ.Name(), fs.id, where)
	if mp != nil {
		mp.DecRef(ctx)
	}
	fs.DecRef(ctx)
	return nil
}

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
	"io"
	"sync"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// A File is an open file. It holds references on the VEntry it was opened
// through and on that entry's VNode, so the file keeps working after its name
// is unlinked.
//
// Files are reference-counted. The FileTable holds one reference per file
// descriptor; Close drops the reference the opener got from OpenAt.
type File struct {
	fileRefs refs.Refs

	// mu protects offset and closed, and serializes operations that use the
	// offset.
	mu     sync.Mutex
	offset int64
	closed bool

	// The following fields are immutable.
	flags uint32
	typ   NodeType
	vnode *VNode
	entry *VEntry
	dev   device.Device
}

// newFile returns a File for e with one reference. dev is the opened device
// for device nodes; the File takes ownership of its open.
//
// Preconditions: e is ALIVE.
func newFile(e *VEntry, flags uint32, dev device.Device) *File {
	e.IncRef()
	e.vnode.IncRef()
	f := &File{
		flags: flags &^ (unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC | unix.O_NOFOLLOW),
		typ:   e.vnode.typ,
		vnode: e.vnode,
		entry: e,
		dev:   dev,
	}
	f.fileRefs.InitRefs(f)
	return f
}

// Flags returns the flags f was opened with, minus those only meaningful to
// open.
func (f *File) Flags() uint32 {
	return f.flags
}

// VNode returns the VNode f refers to.
func (f *File) VNode() *VNode {
	return f.vnode
}

// VEntry returns the VEntry f was opened through.
func (f *File) VEntry() *VEntry {
	return f.entry
}

// Type returns the type of the open file.
func (f *File) Type() NodeType {
	return f.typ
}

// IncRef increments f's reference count.
func (f *File) IncRef() {
	f.fileRefs.IncRef()
}

// DecRef decrements f's reference count, releasing the VNode and VEntry
// when it reaches zero.
func (f *File) DecRef(ctx context.Context) {
	f.fileRefs.DecRef(func() {
		if f.dev != nil {
			if err := f.dev.Close(ctx); err != nil {
				log.Warningf("Closing device %s: %v", f.dev.Name(), err)
			}
		}
		f.vnode.DecRef(ctx)
		f.entry.DecRef(ctx)
	})
}

// RefType implements refs.CheckedObject.RefType.
func (f *File) RefType() string {
	return "vfs.File"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (f *File) LeakMessage() string {
	return fmt.Sprintf("[vfs.File %p] %s file reclaimed by the garbage collector with %d references", f, f.typ, f.fileRefs.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (f *File) LogRefs() bool {
	return false
}

// Close marks f closed and drops the opener's reference. Closing twice fails
// with EBADF.
func (f *File) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return linuxerr.EBADF
	}
	f.closed = true
	f.mu.Unlock()
	f.DecRef(ctx)
	return nil
}

func (f *File) readable() bool {
	acc := f.flags & unix.O_ACCMODE
	return acc == unix.O_RDONLY || acc == unix.O_RDWR
}

func (f *File) writable() bool {
	acc := f.flags & unix.O_ACCMODE
	return acc == unix.O_WRONLY || acc == unix.O_RDWR
}

// Preconditions: f.mu must be locked.
func (f *File) checkOpenLocked() error {
	if f.closed {
		return linuxerr.EBADF
	}
	return nil
}

// Read reads from f at its offset and advances it.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpenLocked(); err != nil {
		return 0, err
	}
	n, err := f.preadLocked(ctx, p, f.offset)
	f.offset += int64(n)
	return n, err
}

// Pread reads from f at offset without changing f's offset.
func (f *File) Pread(ctx context.Context, p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpenLocked(); err != nil {
		return 0, err
	}
	return f.preadLocked(ctx, p, offset)
}

// Preconditions: f.mu must be locked.
func (f *File) preadLocked(ctx context.Context, p []byte, offset int64) (int, error) {
	if !f.readable() {
		return 0, linuxerr.EBADF
	}
	if f.typ.IsDir() {
		return 0, linuxerr.EISDIR
	}
	if f.dev != nil {
		return f.dev.ReadAt(ctx, p, offset)
	}
	vn := f.vnode
	fs := vn.fs
	fs.opLock.RLock()
	defer fs.opLock.RUnlock()
	if err := vn.checkAlive(); err != nil {
		return 0, err
	}
	vn.dataMu.RLock()
	defer vn.dataMu.RUnlock()
	n, err := vn.ops.ReadAt(ctx, vn, p, offset)
	if err != nil && err != io.EOF {
		err = linuxerr.ToError(err)
	}
	return n, err
}

// Write writes to f at its offset, or at the end of the file if f was
// opened with O_APPEND, and advances the offset.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpenLocked(); err != nil {
		return 0, err
	}
	n, end, err := f.pwriteLocked(ctx, p, f.offset, f.flags&unix.O_APPEND != 0)
	f.offset = end
	return n, err
}

// Pwrite writes to f at offset without changing f's offset. As on Linux,
// O_APPEND takes precedence over offset.
func (f *File) Pwrite(ctx context.Context, p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpenLocked(); err != nil {
		return 0, err
	}
	n, _, err := f.pwriteLocked(ctx, p, offset, f.flags&unix.O_APPEND != 0)
	return n, err
}

// pwriteLocked writes p at offset, or at the end of the file if appending,
// and returns the offset just past the data written.
//
// Preconditions: f.mu must be locked.
func (f *File) pwriteLocked(ctx context.Context, p []byte, offset int64, appending bool) (int, int64, error) {
	if !f.writable() {
		return 0, offset, linuxerr.EBADF
	}
	if f.dev != nil {
		n, err := f.dev.WriteAt(ctx, p, offset)
		return n, offset + int64(n), err
	}
	vn := f.vnode
	fs := vn.fs
	fs.opLock.RLock()
	defer fs.opLock.RUnlock()
	if err := vn.checkAlive(); err != nil {
		return 0, offset, err
	}
	vn.dataMu.Lock()
	defer vn.dataMu.Unlock()
	if appending {
		stat, err := vn.ops.Stat(ctx, vn)
		if err != nil {
			return 0, offset, linuxerr.ToError(err)
		}
		offset = stat.Size
	}
	n, err := vn.ops.WriteAt(ctx, vn, p, offset)
	return n, offset + int64(n), linuxerr.ToError(err)
}

// Seek sets f's offset as lseek(2) does and returns the new offset. For
// directories the offset counts entries and only SEEK_SET to zero or
// SEEK_CUR are meaningful.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpenLocked(); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		if f.typ.IsDir() {
			return 0, linuxerr.EINVAL
		}
		size, err := f.sizeLocked(ctx)
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, linuxerr.EINVAL
	}
	n := base + offset
	if n < 0 {
		return 0, linuxerr.EINVAL
	}
	f.offset = n
	return n, nil
}

func (f *File) sizeLocked(ctx context.Context) (int64, error) {
	if rd, ok := f.dev.(interface{ Size() int64 }); ok {
		return rd.Size(), nil
	}
	stat, err := f.Stat(ctx)
	if err != nil {
		return 0, err
	}
	return stat.Size, nil
}

// Stat returns metadata for the open file.
func (f *File) Stat(ctx context.Context) (Statx, error) {
	vn := f.vnode
	vn.fs.opLock.RLock()
	defer vn.fs.opLock.RUnlock()
	if err := vn.checkAlive(); err != nil {
		return Statx{}, err
	}
	vn.dataMu.RLock()
	defer vn.dataMu.RUnlock()
	return statVNode(ctx, vn)
}

// ReadDir returns up to n entries of the directory f, starting at f's
// offset, and advances the offset past them. If n is not positive, all
// remaining entries are returned. At the end of the directory it returns no
// entries and a nil error.
func (f *File) ReadDir(ctx context.Context, n int) ([]Dirent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpenLocked(); err != nil {
		return nil, err
	}
	if !f.typ.IsDir() {
		return nil, linuxerr.ENOTDIR
	}
	vn := f.vnode
	vn.fs.opLock.RLock()
	defer vn.fs.opLock.RUnlock()
	if err := vn.checkAlive(); err != nil {
		return nil, err
	}
	vn.dataMu.RLock()
	defer vn.dataMu.RUnlock()
	var (
		out []Dirent
		idx int64
	)
	err := vn.ops.IterDirents(ctx, vn, func(d Dirent) bool {
		if idx >= f.offset {
			out = append(out, d)
		}
		idx++
		return n <= 0 || len(out) < n
	})
	f.offset += int64(len(out))
	return out, linuxerr.ToError(err)
}

// Mmap returns the memory backing a regular file.
func (f *File) Mmap(ctx context.Context) (MemoryBacking, error) {
	if f.typ != TypeRegular {
		return nil, linuxerr.ENODEV
	}
	if !f.readable() {
		return nil, linuxerr.EACCES
	}
	vn := f.vnode
	vn.fs.opLock.RLock()
	defer vn.fs.opLock.RUnlock()
	if err := vn.checkAlive(); err != nil {
		return nil, err
	}
	m, err := vn.ops.Mmap(ctx, vn)
	return m, linuxerr.ToError(err)
}

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
	"io"
	"math"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// maxFileSize bounds regular file sizes.
const maxFileSize = math.MaxInt32

func (ino *inode) size() int64 {
	ino.dataMu.RLock()
	defer ino.dataMu.RUnlock()
	return int64(len(ino.data))
}

// readAt copies data at off into p, returning io.EOF at or past the end.
func (ino *inode) readAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	ino.dataMu.RLock()
	defer ino.dataMu.RUnlock()
	if off >= int64(len(ino.data)) {
		return 0, io.EOF
	}
	n := copy(p, ino.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadAt implements vfs.VNodeOperations.ReadAt.
func (fs *filesystem) ReadAt(ctx context.Context, vn *vfs.VNode, p []byte, off int64) (int, error) {
	ino := inodeOf(vn)
	if ino.typ != vfs.TypeRegular {
		return 0, linuxerr.EINVAL
	}
	return ino.readAt(p, off)
}

// WriteAt implements vfs.VNodeOperations.WriteAt.
func (fs *filesystem) WriteAt(ctx context.Context, vn *vfs.VNode, p []byte, off int64) (int, error) {
	ino := inodeOf(vn)
	if ino.typ != vfs.TypeRegular {
		return 0, linuxerr.EINVAL
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	end := off + int64(len(p))
	if end > maxFileSize || end < off {
		return 0, linuxerr.EFBIG
	}
	ino.dataMu.Lock()
	if end > int64(len(ino.data)) {
		ino.data = append(ino.data, make([]byte, end-int64(len(ino.data)))...)
	}
	n := copy(ino.data[off:], p)
	ino.dataMu.Unlock()

	fs.mu.Lock()
	ino.touchLocked()
	fs.mu.Unlock()
	return n, nil
}

// Truncate implements vfs.VNodeOperations.Truncate.
func (fs *filesystem) Truncate(ctx context.Context, vn *vfs.VNode, size int64) error {
	ino := inodeOf(vn)
	switch {
	case ino.typ == vfs.TypeDirectory:
		return linuxerr.EISDIR
	case ino.typ != vfs.TypeRegular, size < 0:
		return linuxerr.EINVAL
	case size > maxFileSize:
		return linuxerr.EFBIG
	}
	ino.dataMu.Lock()
	if cur := int64(len(ino.data)); size <= cur {
		clear(ino.data[size:])
		ino.data = ino.data[:size]
	} else {
		ino.data = append(ino.data, make([]byte, size-cur)...)
	}
	ino.dataMu.Unlock()

	fs.mu.Lock()
	ino.touchLocked()
	fs.mu.Unlock()
	return nil
}

// Mmap implements vfs.VNodeOperations.Mmap.
func (fs *filesystem) Mmap(ctx context.Context, vn *vfs.VNode) (vfs.MemoryBacking, error) {
	ino := inodeOf(vn)
	if ino.typ != vfs.TypeRegular {
		return nil, linuxerr.ENODEV
	}
	return mapping{ino}, nil
}

// mapping implements vfs.MemoryBacking over a regular file's data. It keeps
// the inode reachable but not linked; reads after the file is released
// observe an empty file.
type mapping struct {
	ino *inode
}

// ReadAt implements vfs.MemoryBacking.ReadAt.
func (m mapping) ReadAt(p []byte, off int64) (int, error) {
	return m.ino.readAt(p, off)
}

// Size implements vfs.MemoryBacking.Size.
func (m mapping) Size() int64 {
	return m.ino.size()
}

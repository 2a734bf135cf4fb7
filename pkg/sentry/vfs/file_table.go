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
	"math"
	"sort"
	"strings"
	"sync"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// FileTable maps file descriptors to Files. It holds one reference on each
// installed File.
type FileTable struct {
	mu    sync.Mutex
	files map[int32]*File
	limit int32
}

// NewFileTable returns an empty FileTable admitting descriptors below limit.
// A limit that is not positive means no limit.
func NewFileTable(limit int) *FileTable {
	end := int32(math.MaxInt32)
	if limit > 0 && limit < math.MaxInt32 {
		end = int32(limit)
	}
	return &FileTable{
		files: make(map[int32]*File),
		limit: end,
	}
}

// NewFD installs f at the lowest free descriptor greater than or equal to
// minFD and returns it. The table takes its own reference on f.
func (t *FileTable) NewFD(ctx context.Context, minFD int32, f *File) (int32, error) {
	if minFD < 0 {
		// Don't accept negative FDs.
		return -1, linuxerr.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := minFD; fd < t.limit; fd++ {
		if _, ok := t.files[fd]; ok {
			continue
		}
		f.IncRef()
		t.files[fd] = f
		return fd, nil
	}
	return -1, linuxerr.EMFILE
}

// Get returns the File at fd with a new reference, or EBADF.
func (t *FileTable) Get(fd int32) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, linuxerr.EBADF
	}
	f.IncRef()
	return f, nil
}

// Remove uninstalls fd and returns the File that was there. The table's
// reference passes to the caller.
func (t *FileTable) Remove(fd int32) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, linuxerr.EBADF
	}
	delete(t.files, fd)
	return f, nil
}

// Close uninstalls fd and drops the table's reference, as close(2) does.
func (t *FileTable) Close(ctx context.Context, fd int32) error {
	f, err := t.Remove(fd)
	if err != nil {
		return err
	}
	f.DecRef(ctx)
	return nil
}

// RemoveAll uninstalls every descriptor and drops the table's references.
func (t *FileTable) RemoveAll(ctx context.Context) {
	t.mu.Lock()
	files := t.files
	t.files = make(map[int32]*File)
	t.mu.Unlock()

	for _, f := range files {
		f.DecRef(ctx)
	}
}

// Len returns the number of installed descriptors.
func (t *FileTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// FDs returns the installed descriptors in increasing order.
func (t *FileTable) FDs() []int32 {
	t.mu.Lock()
	fds := make([]int32, 0, len(t.files))
	for fd := range t.files {
		fds = append(fds, fd)
	}
	t.mu.Unlock()
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// String is a stringer for FileTable.
func (t *FileTable) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	fds := make([]int32, 0, len(t.files))
	for fd := range t.files {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	var b strings.Builder
	for _, fd := range fds {
		f := t.files[fd]
		fmt.Fprintf(&b, "\tfd:%d => type:%s flags:%#x\n", fd, f.typ, f.flags)
	}
	return b.String()
}

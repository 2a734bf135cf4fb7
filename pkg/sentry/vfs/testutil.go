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
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// MockFilesystemType is a minimal in-memory FilesystemType for tests of the
// VFS itself. It counts driver lookups so tests can observe caching.
type MockFilesystemType struct {
	// TypeName is the registered name; "mockfs" if empty.
	TypeName string

	// NeedsDevice makes mounts require a block device.
	NeedsDevice bool

	// Lookups counts calls to VNodeOperations.Lookup across all instances.
	Lookups atomic.Int64

	// Released counts destroyed instances.
	Released atomic.Int64
}

// Name implements FilesystemType.Name.
func (t *MockFilesystemType) Name() string {
	if t.TypeName == "" {
		return "mockfs"
	}
	return t.TypeName
}

// RequiresDevice implements FilesystemType.RequiresDevice.
func (t *MockFilesystemType) RequiresDevice() bool {
	return t.NeedsDevice
}

// NewFilesystem implements FilesystemType.NewFilesystem.
func (t *MockFilesystemType) NewFilesystem(ctx context.Context, fs *Filesystem, dev device.Device) (*VNode, error) {
	m := &mockFS{typ: t, fs: fs, nextIno: 1}
	fs.SetPrivate(m)
	root := m.newNode(TypeDirectory)
	root.nlink = 2
	return m.vnodeFor(root), nil
}

// Release implements FilesystemType.Release.
func (t *MockFilesystemType) Release(ctx context.Context, fs *Filesystem) {
	t.Released.Add(1)
}

type mockNode struct {
	ino      uint64
	typ      NodeType
	nlink    uint32
	children map[string]*mockNode
	target   string
	data     []byte
	rdev     device.ID

	// vn is the live VNode for this node, if any. It is not a reference.
	vn *VNode
}

// mockFS implements VNodeOperations. A single mutex serializes everything.
type mockFS struct {
	typ     *MockFilesystemType
	fs      *Filesystem
	mu      sync.Mutex
	nextIno uint64
}

func (m *mockFS) newNode(typ NodeType) *mockNode {
	n := &mockNode{ino: m.nextIno, typ: typ, nlink: 1}
	m.nextIno++
	if typ == TypeDirectory {
		n.children = make(map[string]*mockNode)
	}
	return n
}

// vnodeFor returns a VNode for n with a new reference.
//
// Preconditions: m.mu is locked, or m is not yet shared.
func (m *mockFS) vnodeFor(n *mockNode) *VNode {
	if n.vn != nil && n.vn.TryIncRef() {
		return n.vn
	}
	n.vn = m.fs.NewDeviceVNode(n.typ, n.rdev, m, n)
	return n.vn
}

func node(vn *VNode) *mockNode {
	return vn.Private().(*mockNode)
}

func (m *mockFS) Lookup(ctx context.Context, dir *VNode, name string) (*VNode, error) {
	m.typ.Lookups.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := node(dir).children[name]
	if !ok {
		return nil, linuxerr.ENOENT
	}
	return m.vnodeFor(c), nil
}

func (m *mockFS) add(dir *VNode, name string, n *mockNode) (*VNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := node(dir)
	if _, ok := d.children[name]; ok {
		return nil, linuxerr.EEXIST
	}
	d.children[name] = n
	if n.typ == TypeDirectory {
		d.nlink++
	}
	return m.vnodeFor(n), nil
}

func (m *mockFS) Create(ctx context.Context, dir *VNode, name string, mode uint32) (*VNode, error) {
	m.mu.Lock()
	n := m.newNode(TypeRegular)
	m.mu.Unlock()
	return m.add(dir, name, n)
}

func (m *mockFS) Mknod(ctx context.Context, dir *VNode, name string, typ NodeType, mode uint32, rdev device.ID) (*VNode, error) {
	m.mu.Lock()
	n := m.newNode(typ)
	n.rdev = rdev
	m.mu.Unlock()
	return m.add(dir, name, n)
}

func (m *mockFS) Mkdir(ctx context.Context, dir *VNode, name string, mode uint32) (*VNode, error) {
	m.mu.Lock()
	n := m.newNode(TypeDirectory)
	n.nlink = 2
	m.mu.Unlock()
	return m.add(dir, name, n)
}

func (m *mockFS) Symlink(ctx context.Context, dir *VNode, name, target string) (*VNode, error) {
	m.mu.Lock()
	n := m.newNode(TypeSymlink)
	n.target = target
	m.mu.Unlock()
	return m.add(dir, name, n)
}

func (m *mockFS) Link(ctx context.Context, dir *VNode, name string, target *VNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := node(dir)
	if _, ok := d.children[name]; ok {
		return linuxerr.EEXIST
	}
	t := node(target)
	t.nlink++
	d.children[name] = t
	return nil
}

func (m *mockFS) Unlink(ctx context.Context, dir *VNode, name string, child *VNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := node(dir)
	c, ok := d.children[name]
	if !ok {
		return linuxerr.ENOENT
	}
	delete(d.children, name)
	c.nlink--
	return nil
}

func (m *mockFS) Rmdir(ctx context.Context, dir *VNode, name string, child *VNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := node(dir)
	c, ok := d.children[name]
	if !ok {
		return linuxerr.ENOENT
	}
	if len(c.children) != 0 {
		return linuxerr.ENOTEMPTY
	}
	delete(d.children, name)
	d.nlink--
	c.nlink = 0
	return nil
}

func (m *mockFS) Rename(ctx context.Context, oldDir *VNode, oldName string, newDir *VNode, newName string, replaced *VNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	od, nd := node(oldDir), node(newDir)
	c, ok := od.children[oldName]
	if !ok {
		return linuxerr.ENOENT
	}
	if r, ok := nd.children[newName]; ok {
		if len(r.children) != 0 {
			return linuxerr.ENOTEMPTY
		}
		r.nlink--
	}
	delete(od.children, oldName)
	nd.children[newName] = c
	return nil
}

func (m *mockFS) Readlink(ctx context.Context, vn *VNode) (string, error) {
	if vn.Type() != TypeSymlink {
		return "", linuxerr.EINVAL
	}
	return node(vn).target, nil
}

func (m *mockFS) Stat(ctx context.Context, vn *VNode) (Statx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := node(vn)
	return Statx{
		Mode:  0o644,
		Ino:   n.ino,
		Nlink: n.nlink,
		Size:  int64(len(n.data)),
		Mtime: time.Unix(0, 0),
	}, nil
}

func (m *mockFS) ReadAt(ctx context.Context, vn *VNode, p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := node(vn).data
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	return copy(p, data[off:]), nil
}

func (m *mockFS) WriteAt(ctx context.Context, vn *VNode, p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := node(vn)
	if end := off + int64(len(p)); end > int64(len(n.data)) {
		n.data = append(n.data, make([]byte, end-int64(len(n.data)))...)
	}
	return copy(n.data[off:], p), nil
}

func (m *mockFS) Truncate(ctx context.Context, vn *VNode, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := node(vn)
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, size-int64(len(n.data)))...)
	}
	return nil
}

func (m *mockFS) IterDirents(ctx context.Context, dir *VNode, cb func(Dirent) bool) error {
	m.mu.Lock()
	d := node(dir)
	ents := make([]Dirent, 0, len(d.children))
	for name, c := range d.children {
		ents = append(ents, Dirent{Name: name, Ino: c.ino, Type: c.typ})
	}
	m.mu.Unlock()
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name < ents[j].Name })
	for _, e := range ents {
		if !cb(e) {
			break
		}
	}
	return nil
}

func (m *mockFS) Mmap(ctx context.Context, vn *VNode) (MemoryBacking, error) {
	return nil, linuxerr.ENODEV
}

func (m *mockFS) Evict(ctx context.Context, vn *VNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := node(vn); n.vn == vn {
		n.vn = nil
	}
}

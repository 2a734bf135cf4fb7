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
	"github.com/google/btree"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// childDegree is the B-tree degree of directory child sets.
const childDegree = 8

// dirent links a child inode into a directory under a name.
type dirent struct {
	name  string
	inode *inode
}

func direntLess(a, b *dirent) bool {
	return a.name < b.name
}

// directory holds the children of a directory inode, ordered by name so that
// IterDirents is stable across calls.
type directory struct {
	children *btree.BTreeG[*dirent]
}

// Preconditions: the filesystem mutex is locked.
func (d *directory) lookup(name string) (*inode, bool) {
	de, ok := d.children.Get(&dirent{name: name})
	if !ok {
		return nil, false
	}
	return de.inode, true
}

// Preconditions: the filesystem mutex is locked.
func (d *directory) empty() bool {
	return d.children.Len() == 0
}

// insertLocked links child into parent under name.
//
// Preconditions: parent.fs.mu is locked. name is not present in parent.
func (parent *inode) insertLocked(name string, child *inode) {
	parent.dir.children.ReplaceOrInsert(&dirent{name: name, inode: child})
	if child.typ == vfs.TypeDirectory {
		parent.nlink++
	}
	parent.touchLocked()
}

// removeLocked unlinks name from parent and returns the child.
//
// Preconditions: parent.fs.mu is locked.
func (parent *inode) removeLocked(name string) (*inode, error) {
	de, ok := parent.dir.children.Delete(&dirent{name: name})
	if !ok {
		return nil, linuxerr.ENOENT
	}
	child := de.inode
	if child.typ == vfs.TypeDirectory {
		parent.nlink--
		child.nlink = 0
	} else {
		child.nlink--
	}
	child.ctime = parent.fs.clock()
	parent.touchLocked()
	return child, nil
}

// checkDir returns the directory of vn, or ENOTDIR.
func checkDir(vn *vfs.VNode) (*inode, error) {
	ino := inodeOf(vn)
	if ino.dir == nil {
		return nil, linuxerr.ENOTDIR
	}
	return ino, nil
}

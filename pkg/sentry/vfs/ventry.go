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
	"sync"

	"github.com/cespare/xxhash/v2"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/refs"
)

// VEntry is a name in the namespace tree, bound to a VNode or, for negative
// entries, to nothing. It is loosely analogous to Linux's struct dentry.
//
// Ownership runs from parent to child: a linked VEntry holds one reference
// owned by its parent (or, for a filesystem root, by the Filesystem). The
// parent pointer is a weak back-reference used only for traversal.
//
// Unless otherwise specified, all VEntry methods require that a reference is
// held.
type VEntry struct {
	entryRefs refs.Refs

	// mu guards the tree structure below this entry and mount shadowing.
	mu sync.Mutex

	state stateField

	// fs is the Filesystem this entry belongs to. fs is immutable.
	fs *Filesystem

	// vnode is the file this entry names, or nil for a negative entry. vnode
	// is immutable after the entry is linked; an entry that gains a file is
	// replaced rather than updated. The entry holds a reference on vnode.
	vnode *VNode

	// name, hash and parent are protected by both mu and parent.mu, so they
	// may be read while holding either.
	name   string
	hash   uint64
	parent *VEntry

	// children maps name hashes to the live children with that hash.
	// children and nchildren are protected by mu.
	children  map[uint64][]*VEntry
	nchildren int

	// negatives lists negative children, oldest first. It may still hold
	// entries that were since displaced; nnegative counts the linked ones.
	// Both are protected by mu.
	negatives []*VEntry
	nnegative int

	// mounted is the Filesystem mounted over this entry, if any. It is
	// written with both mu and parent.mu held.
	mounted *Filesystem
}

// maxNegativeChildren bounds the negative entries cached under one
// directory. The oldest are dropped first.
const maxNegativeChildren = 128

func hashName(name string) uint64 {
	return xxhash.Sum64String(name)
}

// newVEntry allocates an EMPTY entry with one reference. Ownership of the
// caller's reference on vn, if any, passes to the entry.
func newVEntry(fs *Filesystem, name string, vn *VNode) *VEntry {
	e := &VEntry{
		fs:    fs,
		vnode: vn,
		name:  name,
		hash:  hashName(name),
	}
	e.entryRefs.InitRefs(e)
	fs.entries.Add(1)
	return e
}

// Name returns the current name of e.
func (e *VEntry) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// VNode returns the file e names, or nil for a negative entry. No reference
// is taken.
func (e *VEntry) VNode() *VNode {
	return e.vnode
}

// Filesystem returns the Filesystem e belongs to.
func (e *VEntry) Filesystem() *Filesystem {
	return e.fs
}

// State returns the lifecycle state of e.
func (e *VEntry) State() State {
	return e.state.load()
}

// IsNegative returns true if e caches a known-nonexistent name.
func (e *VEntry) IsNegative() bool {
	return e.vnode == nil
}

// IsMountpoint returns true if a Filesystem is mounted over e.
func (e *VEntry) IsMountpoint() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounted != nil
}

func (e *VEntry) isDir() bool {
	return e.vnode != nil && e.vnode.typ.IsDir()
}

// IncRef increments e's reference count.
func (e *VEntry) IncRef() {
	e.entryRefs.IncRef()
}

// TryIncRef increments e's reference count unless it has already dropped to
// zero.
func (e *VEntry) TryIncRef() bool {
	return e.entryRefs.TryIncRef()
}

// ReadRefs returns the current reference count.
func (e *VEntry) ReadRefs() int64 {
	return e.entryRefs.ReadRefs()
}

// DecRef decrements e's reference count. Linked entries are never released:
// the tree's reference is only dropped after the entry is made DEAD.
func (e *VEntry) DecRef(ctx context.Context) {
	e.entryRefs.DecRef(func() {
		if e.state.load() == StateAlive {
			panic(fmt.Sprintf("vfs.VEntry %q released while still linked", e.name))
		}
		e.state.store(StateDead)
		if e.vnode != nil {
			e.vnode.DecRef(ctx)
		}
		e.fs.entries.Add(-1)
	})
}

// RefType implements refs.CheckedObject.RefType.
func (e *VEntry) RefType() string {
	return "vfs.VEntry"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (e *VEntry) LeakMessage() string {
	return fmt.Sprintf("[vfs.VEntry %p] %q (%s) reclaimed by the garbage collector with %d references", e, e.name, e.state.load(), e.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (e *VEntry) LogRefs() bool {
	return false
}

// childLocked returns the live child of e named name, or nil.
//
// Preconditions: e.mu must be locked.
func (e *VEntry) childLocked(name string) *VEntry {
	for _, c := range e.children[hashName(name)] {
		if c.name == name {
			return c
		}
	}
	return nil
}

// insertChildLocked adds child under e. A negative sibling with the same
// name is displaced, made DEAD and returned so the caller can drop the
// tree's reference on it once locks are released.
//
// Preconditions: e.mu must be locked. No live positive sibling named
// child.name may exist.
func (e *VEntry) insertChildLocked(child *VEntry) *VEntry {
	displaced := e.childLocked(child.name)
	if displaced != nil {
		if displaced.vnode != nil {
			panic(fmt.Sprintf("vfs.VEntry %q already has a child named %q", e.name, child.name))
		}
		e.removeChildLocked(displaced)
		displaced.state.store(StateDead)
	}
	if e.children == nil {
		e.children = make(map[uint64][]*VEntry)
	}
	child.parent = e
	e.children[child.hash] = append(e.children[child.hash], child)
	e.nchildren++
	if child.vnode == nil {
		e.negatives = append(e.negatives, child)
		e.nnegative++
	}
	return displaced
}

// removeChildLocked detaches child from e without changing its state.
//
// Preconditions: e.mu must be locked.
func (e *VEntry) removeChildLocked(child *VEntry) {
	bucket := e.children[child.hash]
	for i, c := range bucket {
		if c != child {
			continue
		}
		bucket[i] = bucket[len(bucket)-1]
		bucket[len(bucket)-1] = nil
		bucket = bucket[:len(bucket)-1]
		if len(bucket) == 0 {
			delete(e.children, child.hash)
		} else {
			e.children[child.hash] = bucket
		}
		e.nchildren--
		if child.vnode == nil {
			e.nnegative--
		}
		return
	}
	panic(fmt.Sprintf("vfs.VEntry %q is not a child of %q", child.name, e.name))
}

// linkLocked binds name under e to vn and returns the new ALIVE entry. The
// returned entry is owned by the tree; the caller gets no reference. On
// success, ownership of the caller's reference on vn passes to the entry.
//
// It fails with ENOENT if e has been removed, ENOTDIR if e is not a
// directory and EEXIST if a live entry named name already exists. A negative
// entry named name is replaced.
//
// Preconditions: e.mu must be locked.
func (e *VEntry) linkLocked(ctx context.Context, name string, vn *VNode) (*VEntry, error) {
	if e.state.load() != StateAlive {
		return nil, linuxerr.ENOENT
	}
	if !e.isDir() {
		return nil, linuxerr.ENOTDIR
	}
	if c := e.childLocked(name); c != nil && c.vnode != nil {
		return nil, linuxerr.EEXIST
	}
	child := newVEntry(e.fs, name, vn)
	displaced := e.insertChildLocked(child)
	if vn != nil {
		vn.activate()
	}
	child.state.store(StateAlive)
	if displaced != nil {
		displaced.DecRef(ctx)
	}
	return child, nil
}

// lookupChildLocked returns the child of e named name with a new reference.
// On a miss it asks the driver and links the result; if the driver reports
// ENOENT, a negative entry is cached. Negative entries yield ENOENT. Mount
// shadowing is not applied.
//
// Preconditions: e.mu must be locked and e must be ALIVE.
func (e *VEntry) lookupChildLocked(ctx context.Context, name string) (*VEntry, error) {
	if !e.isDir() {
		return nil, linuxerr.ENOTDIR
	}
	if c := e.childLocked(name); c != nil {
		if c.vnode == nil {
			return nil, linuxerr.ENOENT
		}
		c.IncRef()
		return c, nil
	}
	vn, err := e.vnode.ops.Lookup(ctx, e.vnode, name)
	if err != nil {
		err = linuxerr.ToError(err)
		if linuxerr.Equals(linuxerr.ENOENT, err) {
			if _, lerr := e.linkLocked(ctx, name, nil); lerr == nil {
				e.trimNegativesLocked(ctx)
			}
		}
		return nil, err
	}
	c, err := e.linkLocked(ctx, name, vn)
	if err != nil {
		vn.DecRef(ctx)
		return nil, err
	}
	c.IncRef()
	return c, nil
}

// pruneLocked detaches every descendant of e, making each DEAD, and appends
// them to drop so the caller can release the tree's references after locks
// are dropped. Locks are taken root to leaf.
//
// Preconditions: e.mu must be locked.
func (e *VEntry) pruneLocked(drop *[]*VEntry) {
	for _, bucket := range e.children {
		for _, c := range bucket {
			c.mu.Lock()
			c.pruneLocked(drop)
			c.state.store(StateDead)
			c.mu.Unlock()
			*drop = append(*drop, c)
		}
	}
	e.children = nil
	e.nchildren = 0
	e.negatives = nil
	e.nnegative = 0
}

// trimNegativesLocked unlinks the oldest negative children of e until at
// most maxNegativeChildren remain. Negative entries never appear in cache
// records, so no invalidation is needed.
//
// Preconditions: e.mu must be locked.
func (e *VEntry) trimNegativesLocked(ctx context.Context) {
	for e.nnegative > maxNegativeChildren {
		c := e.negatives[0]
		e.negatives[0] = nil
		e.negatives = e.negatives[1:]
		if c.state.load() != StateAlive {
			continue
		}
		e.removeChildLocked(c)
		c.state.store(StateDead)
		c.DecRef(ctx)
	}
	if len(e.negatives) > 2*maxNegativeChildren {
		linked := e.negatives[:0]
		for _, c := range e.negatives {
			if c.state.load() == StateAlive {
				linked = append(linked, c)
			}
		}
		clear(e.negatives[len(linked):])
		e.negatives = linked
	}
}

// isAncestorOf returns true if e is a strict ancestor of other within the
// same Filesystem.
//
// Preconditions: e.fs.renameMu must be locked.
func (e *VEntry) isAncestorOf(other *VEntry) bool {
	for p := other.parent; p != nil; p = p.parent {
		if p == e {
			return true
		}
	}
	return false
}

// release unlocks a resolved entry, releases its Filesystem's op lock, and
// drops the reference.
func (e *VEntry) release(ctx context.Context) {
	e.mu.Unlock()
	e.fs.opLock.RUnlock()
	e.DecRef(ctx)
}

// GetRef takes a new reference on ref and returns it.
func GetRef[T interface{ IncRef() }](ref T) T {
	ref.IncRef()
	return ref
}

// PutRef drops the reference in *ref, if any, and clears it.
func PutRef[T interface {
	comparable
	DecRef(context.Context)
}](ctx context.Context, ref *T) {
	var zero T
	if *ref == zero {
		return
	}
	(*ref).DecRef(ctx)
	*ref = zero
}

// MoveRef transfers the reference in *ref to the caller and clears *ref.
func MoveRef[T any](ref *T) T {
	v := *ref
	var zero T
	*ref = zero
	return v
}

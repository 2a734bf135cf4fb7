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
	"time"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/fspath"
	"vfscore.dev/vfscore/pkg/log"
)

// Resolution is the result of resolving a path.
//
// Unless ResolveUnlocked was given, Entry is returned locked and its
// Filesystem's op lock is held for reading; Release drops both along with the
// reference on Entry.
type Resolution struct {
	// Entry is the resolved entry, or the parent of the final component if
	// IsParent is true.
	Entry *VEntry

	// Name is the final path component.
	Name string

	// IsParent is true if Entry is the parent of the final component.
	IsParent bool

	locked bool
}

// Locked returns true if Entry is locked.
func (r *Resolution) Locked() bool {
	return r.locked
}

// Unlock releases Entry's lock and its Filesystem's op lock, keeping the
// reference.
func (r *Resolution) Unlock() {
	if r.locked {
		r.Entry.mu.Unlock()
		r.Entry.fs.opLock.RUnlock()
		r.locked = false
	}
}

// Release unlocks the resolution if needed and drops the reference on Entry.
func (r *Resolution) Release(ctx context.Context) {
	if r.Entry == nil {
		return
	}
	r.Unlock()
	r.Entry.DecRef(ctx)
	r.Entry = nil
}

// resolver is the state of one resolution, shared by the nested walks of
// symbolic link targets.
//
// A walk holds at most one Filesystem op lock (for reading) and, between
// steps, one entry lock. Stepping to a child locks the child before
// unlocking the parent. Every other transition (crossing a mount, stepping
// to "..", following a symlink) drops all locks first, keeping only
// references, and re-verifies state after locking.
type resolver struct {
	vfs   *VirtualFilesystem
	root  *VEntry
	flags ResolveFlags

	// budget is the remaining symlink expansion budget.
	budget int

	// chain records the entries traversed, for the cache. It is nil when
	// the result will not be cached.
	chain []*VEntry
}

func (r *resolver) record(e *VEntry) {
	if r.chain != nil {
		r.chain = append(r.chain, e)
	}
}

// enter takes ownership of a reference on e, acquires e's Filesystem op lock
// and e's lock, and verifies both are ALIVE. On failure the reference is
// dropped and nothing is held.
func (r *resolver) enter(ctx context.Context, e *VEntry) (*VEntry, error) {
	fs := e.fs
	fs.opLock.RLock()
	if fs.state.load() != StateAlive {
		fs.opLock.RUnlock()
		e.DecRef(ctx)
		return nil, linuxerr.ESTALE
	}
	e.mu.Lock()
	if e.state.load() != StateAlive {
		e.mu.Unlock()
		fs.opLock.RUnlock()
		e.DecRef(ctx)
		return nil, linuxerr.ESTALE
	}
	r.record(e)
	return e, nil
}

// walk resolves path starting at start. If final is true, the last component
// of path is the last component of the whole resolution, so ResolveParent,
// ResolveExclusive and ResolveNoFollow apply to it. On success the result is
// locked as described by Resolution; on failure nothing is held.
func (r *resolver) walk(ctx context.Context, start *VEntry, path fspath.Path, final bool) (*Resolution, error) {
	start.IncRef()
	cur, err := r.enter(ctx, start)
	if err != nil {
		return nil, err
	}
	parentOp := final && r.flags&(ResolveParent|ResolveExclusive) != 0
	if !path.HasComponents() {
		if parentOp {
			cur.release(ctx)
			return nil, r.dotErr()
		}
		return &Resolution{Entry: cur, locked: true}, nil
	}
	for it := path.Begin; ; it = it.Next() {
		name := it.String()
		last := !it.NextOk()
		if last && parentOp {
			return r.finishParent(ctx, cur, name)
		}
		switch name {
		case ".":
			if !cur.isDir() {
				cur.release(ctx)
				return nil, linuxerr.ENOTDIR
			}
		case "..":
			cur, err = r.stepUp(ctx, cur)
		default:
			cur, err = r.stepDown(ctx, cur, name, last && final)
		}
		if err != nil {
			return nil, err
		}
		if last {
			return &Resolution{Entry: cur, Name: name, locked: true}, nil
		}
	}
}

// dotErr is the error for a parent operation whose final component is ".",
// ".." or absent.
func (r *resolver) dotErr() error {
	if r.flags&ResolveExclusive != 0 {
		return linuxerr.EEXIST
	}
	return linuxerr.EINVAL
}

// finishParent completes a ResolveParent or ResolveExclusive resolution at
// the last component name, with cur its locked parent.
func (r *resolver) finishParent(ctx context.Context, cur *VEntry, name string) (*Resolution, error) {
	if name == "." || name == ".." {
		cur.release(ctx)
		return nil, r.dotErr()
	}
	if !cur.isDir() {
		cur.release(ctx)
		return nil, linuxerr.ENOTDIR
	}
	if r.flags&ResolveParent == 0 {
		child, err := cur.lookupChildLocked(ctx, name)
		if err == nil {
			child.DecRef(ctx)
			cur.release(ctx)
			return nil, linuxerr.EEXIST
		}
		if !linuxerr.Equals(linuxerr.ENOENT, err) {
			cur.release(ctx)
			return nil, err
		}
	}
	return &Resolution{Entry: cur, Name: name, IsParent: true, locked: true}, nil
}

// stepDown moves from the locked directory cur to its child name, crossing
// into a mounted Filesystem and following a symbolic link as needed.
func (r *resolver) stepDown(ctx context.Context, cur *VEntry, name string, final bool) (*VEntry, error) {
	child, err := cur.lookupChildLocked(ctx, name)
	if err != nil {
		cur.release(ctx)
		return nil, err
	}
	// child cannot be unlinked without cur.mu, so it is still ALIVE once
	// locked.
	child.mu.Lock()
	cur.mu.Unlock()
	cur.DecRef(ctx)
	r.record(child)

	if child.mounted != nil {
		if child, err = r.crossMount(ctx, child); err != nil {
			return nil, err
		}
	}
	if child.vnode.typ == TypeSymlink && (!final || r.flags&(ResolveNoFollow|ResolveDir) != ResolveNoFollow) {
		return r.followSymlink(ctx, child, final)
	}
	return child, nil
}

// crossMount moves from the locked mount point mp to the root of the
// Filesystem mounted over it.
func (r *resolver) crossMount(ctx context.Context, mp *VEntry) (*VEntry, error) {
	root := mp.mounted.root
	// root is owned by its ALIVE Filesystem while mp.mounted is set.
	root.IncRef()
	mp.release(ctx)
	return r.enter(ctx, root)
}

// stepUp moves from the locked entry cur to its parent. It stays put at the
// effective root and at the global root, and leaves a mounted Filesystem
// through its mount point.
func (r *resolver) stepUp(ctx context.Context, cur *VEntry) (*VEntry, error) {
	for cur != r.root && cur.parent == nil {
		mp := cur.fs.mountpoint
		if mp == nil {
			// The global root.
			return cur, nil
		}
		// mp cannot be unmounted from under cur while cur.fs.opLock is
		// held.
		mp.IncRef()
		cur.release(ctx)
		var err error
		if cur, err = r.enter(ctx, mp); err != nil {
			return nil, err
		}
	}
	if cur == r.root {
		return cur, nil
	}
	p := cur.parent
	p.IncRef()
	cur.mu.Unlock()
	cur.DecRef(ctx)
	// Locks are taken root to leaf, so the child is released before the
	// parent is locked, and the parent must be re-verified.
	p.mu.Lock()
	if p.state.load() != StateAlive {
		p.release(ctx)
		return nil, linuxerr.ESTALE
	}
	r.record(p)
	return p, nil
}

// followSymlink resolves the target of the locked symbolic link link. The
// target is walked with all of link's locks dropped.
func (r *resolver) followSymlink(ctx context.Context, link *VEntry, final bool) (*VEntry, error) {
	r.budget--
	if r.budget <= 0 {
		link.release(ctx)
		return nil, linuxerr.ELOOP
	}
	target, err := link.vnode.ops.Readlink(ctx, link.vnode)
	if err != nil {
		link.release(ctx)
		return nil, linuxerr.ToError(err)
	}
	dir := link.parent
	dir.IncRef()
	link.release(ctx)
	defer dir.DecRef(ctx)

	if target == "" {
		return nil, linuxerr.ENOENT
	}
	path, err := fspath.Parse(target)
	if err != nil {
		return nil, err
	}
	r.vfs.metrics.RecordSymlinkFollow()
	start := dir
	if path.Absolute {
		start = r.root
	}
	res, err := r.walk(ctx, start, path, final)
	if err != nil {
		return nil, err
	}
	if res.IsParent {
		// Symlinks are never followed as the final component of a parent
		// operation.
		panic("vfs: parent resolution through a final symlink")
	}
	return res.Entry, nil
}

// checkTerminal applies the type assertions in flags to the resolved entry.
func checkTerminal(e *VEntry, flags ResolveFlags) error {
	t := e.vnode.typ
	switch {
	case flags&ResolveDir != 0 && !t.IsDir():
		return linuxerr.ENOTDIR
	case flags&ResolveNotDir != 0 && t.IsDir():
		return linuxerr.EISDIR
	case flags&ResolveBlock != 0 && t != TypeBlockDevice:
		return linuxerr.ENOTBLK
	case flags&ResolveSymlink != 0 && t != TypeSymlink:
		return linuxerr.EINVAL
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errno, ok := linuxerr.ToUnixOK(err); ok {
		if name := unix.ErrnoName(errno); name != "" {
			return name
		}
	}
	return "other"
}

// Resolve resolves pop.Pathname. See ResolveFlags for the meaning of flags
// and Resolution for the locking of the result. Any failure releases every
// lock and reference taken.
func (vfs *VirtualFilesystem) Resolve(ctx context.Context, pop *PathOperation, flags ResolveFlags) (*Resolution, error) {
	begin := time.Now()
	res, err := vfs.resolve(ctx, pop, flags)
	vfs.metrics.RecordResolve(outcome(err), time.Since(begin))
	return res, err
}

func (vfs *VirtualFilesystem) resolve(ctx context.Context, pop *PathOperation, flags ResolveFlags) (*Resolution, error) {
	if pop.Pathname == "" {
		return nil, linuxerr.ENOENT
	}
	path, err := fspath.Parse(pop.Pathname)
	if err != nil {
		return nil, err
	}
	globalRoot := vfs.rootEntry()
	if globalRoot == nil {
		return nil, linuxerr.ENOENT
	}
	defer globalRoot.DecRef(ctx)
	root := pop.Root
	if root == nil {
		root = globalRoot
	}
	start := pop.Start
	if start == nil || path.Absolute {
		start = root
	}
	// An anchor removed before the call is a miss. ESTALE is reserved for
	// entries that die during the walk.
	if start.state.load() == StateDead || start.fs.state.load() == StateDead {
		return nil, linuxerr.ENOENT
	}
	if path.Dir {
		flags |= ResolveDir
	}
	r := resolver{
		vfs:    vfs,
		root:   root,
		flags:  flags,
		budget: vfs.symlinkBudget,
	}
	if pop.SymlinkBudget > 0 {
		r.budget = pop.SymlinkBudget
	}

	// Cached results carry no record of the symlink expansions they took,
	// so resolutions with their own budget always walk.
	cacheable := vfs.cache.Enabled() && path.Absolute && root == globalRoot &&
		pop.SymlinkBudget == 0 && flags&(ResolveParent|ResolveExclusive|ResolveNoFollow) == 0
	var seq uint64
	if cacheable {
		if res, hit, err := vfs.resolveCached(ctx, pop.Pathname, flags); hit {
			return res, err
		}
		var ok bool
		if seq, ok = vfs.cache.Seq(); ok {
			r.chain = make([]*VEntry, 0, 8)
		}
	}

	res, err := r.walk(ctx, start, path, true)
	if err != nil {
		return nil, err
	}
	if !res.IsParent {
		if err := checkTerminal(res.Entry, flags); err != nil {
			res.Release(ctx)
			return nil, err
		}
		if r.chain != nil {
			vfs.cache.Put(ctx, pop.Pathname, seq, res.Entry, r.chain)
		}
	}
	if flags&ResolveUnlocked != 0 {
		res.Unlock()
	}
	return res, nil
}

// resolveCached attempts to satisfy a resolution from the cache. hit is false
// if the walk must be performed.
func (vfs *VirtualFilesystem) resolveCached(ctx context.Context, key string, flags ResolveFlags) (res *Resolution, hit bool, err error) {
	e := vfs.cache.Get(ctx, key)
	if e == nil {
		return nil, false, nil
	}
	fs := e.fs
	fs.opLock.RLock()
	if fs.state.load() == StateAlive {
		e.mu.Lock()
		if e.state.load() == StateAlive && e.mounted == nil {
			res := &Resolution{Entry: e, Name: e.name, locked: true}
			if err := checkTerminal(e, flags); err != nil {
				res.Release(ctx)
				return nil, true, err
			}
			if flags&ResolveUnlocked != 0 {
				res.Unlock()
			}
			return res, true, nil
		}
		e.mu.Unlock()
	}
	fs.opLock.RUnlock()
	e.DecRef(ctx)
	log.Debugf("VCache: hit for %q failed validation", key)
	vfs.cache.Invalidate(ctx, key)
	return nil, false, nil
}

// GetEntryAt resolves pop and returns the entry with a reference, unlocked.
func (vfs *VirtualFilesystem) GetEntryAt(ctx context.Context, pop *PathOperation, flags ResolveFlags) (*VEntry, error) {
	var e *VEntry
	err := vfs.retryStale(ctx, pop, func() error {
		res, err := vfs.Resolve(ctx, pop, flags|ResolveUnlocked)
		if err != nil {
			return err
		}
		if res.IsParent {
			res.Release(ctx)
			return linuxerr.EINVAL
		}
		e = MoveRef(&res.Entry)
		return nil
	})
	return e, err
}

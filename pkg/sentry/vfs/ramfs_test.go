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


package vfs_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/refs"
	"vfscore.dev/vfscore/pkg/sentry/fsimpl/ramfs"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// newVFS returns a VirtualFilesystem with a ramfs root. At cleanup it
// releases everything and checks that no reference counted object created by
// the test is still alive.
func newVFS(t *testing.T, opts vfs.Options) *vfs.VirtualFilesystem {
	t.Helper()
	ctx := context.Background()
	prevMode := refs.GetLeakMode()
	refs.SetLeakMode(refs.LeaksLogWarning)
	live := refs.LiveObjects()

	vfsObj := vfs.New(opts)
	if err := vfsObj.RegisterFilesystemType(ramfs.FilesystemType{}); err != nil {
		t.Fatalf("RegisterFilesystemType: %v", err)
	}
	if _, err := vfsObj.MountRoot(ctx, ramfs.Name, "", 0); err != nil {
		t.Fatalf("MountRoot: %v", err)
	}
	t.Cleanup(func() {
		defer refs.SetLeakMode(prevMode)
		if err := vfsObj.Release(ctx); err != nil {
			t.Errorf("Release: %v", err)
			return
		}
		if got := refs.LiveObjects(); got != live {
			t.Errorf("live objects after Release: got %d, wanted %d", got, live)
			refs.DoRepeatedLeakCheck()
		}
	})
	return vfsObj
}

func pop(pathname string) *vfs.PathOperation {
	return &vfs.PathOperation{Pathname: pathname}
}

func mkdirs(t *testing.T, vfsObj *vfs.VirtualFilesystem, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := vfsObj.MkdirAt(context.Background(), pop(p), 0o755); err != nil {
			t.Fatalf("MkdirAt(%q): %v", p, err)
		}
	}
}

func mknods(t *testing.T, vfsObj *vfs.VirtualFilesystem, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := vfsObj.MknodAt(context.Background(), pop(p), vfs.MknodOptions{Mode: unix.S_IFREG | 0o644}); err != nil {
			t.Fatalf("MknodAt(%q): %v", p, err)
		}
	}
}

func TestConcurrentLookupsShareIdentity(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{})
	mkdirs(t, vfsObj, "/a", "/a/b")

	const workers, iters = 8, 50
	var (
		mu   sync.Mutex
		seen = make(map[*vfs.VEntry]int)
	)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < iters; j++ {
				// Alternate between cached and uncached resolutions.
				p := pop("/a/b")
				if j%2 == 1 {
					p.SymlinkBudget = vfs.DefaultSymlinkBudget
				}
				e, err := vfsObj.GetEntryAt(ctx, p, 0)
				if err != nil {
					return err
				}
				mu.Lock()
				seen[e]++
				mu.Unlock()
				e.DecRef(ctx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetEntryAt: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("got %d distinct entries for /a/b, wanted 1", len(seen))
	}
	for e, n := range seen {
		if n != workers*iters {
			t.Errorf("entry %p seen %d times, wanted %d", e, n, workers*iters)
		}
	}
}

func TestConcurrentCreateRenameUnlink(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{})
	const dirs, workers, iters = 4, 8, 30
	for d := 0; d < dirs; d++ {
		mkdirs(t, vfsObj, fmt.Sprintf("/d%d", d))
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < iters; i++ {
				name := fmt.Sprintf("w%d-%d", w, i)
				from := fmt.Sprintf("/d%d/%s", i%dirs, name)
				to := fmt.Sprintf("/d%d/%s", (i+1)%dirs, name)
				if err := vfsObj.MknodAt(ctx, pop(from), vfs.MknodOptions{Mode: unix.S_IFREG | 0o600}); err != nil {
					return fmt.Errorf("MknodAt(%q): %w", from, err)
				}
				if err := vfsObj.RenameAt(ctx, pop(from), pop(to)); err != nil {
					return fmt.Errorf("RenameAt(%q, %q): %w", from, to, err)
				}
				if _, err := vfsObj.StatAt(ctx, pop(from), 0); err != linuxerr.ENOENT {
					return fmt.Errorf("StatAt(%q) after rename: got %v, wanted ENOENT", from, err)
				}
				// Keep every other file.
				if i%2 == 0 {
					if err := vfsObj.UnlinkAt(ctx, pop(to)); err != nil {
						return fmt.Errorf("UnlinkAt(%q): %w", to, err)
					}
				}
			}
			return nil
		})
	}
	// Readers walk the same directories while they change.
	for r := 0; r < 2; r++ {
		g.Go(func() error {
			for i := 0; i < iters*2; i++ {
				p := fmt.Sprintf("/d%d/w%d-%d", i%dirs, i%workers, i%iters)
				if _, err := vfsObj.StatAt(ctx, pop(p), 0); err != nil && err != linuxerr.ENOENT {
					return fmt.Errorf("StatAt(%q): %w", p, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	want := make(map[string]bool)
	for w := 0; w < workers; w++ {
		for i := 1; i < iters; i += 2 {
			want[fmt.Sprintf("/d%d/w%d-%d", (i+1)%dirs, w, i)] = true
		}
	}
	got := make(map[string]bool)
	for d := 0; d < dirs; d++ {
		dir := fmt.Sprintf("/d%d", d)
		f, err := vfsObj.OpenAt(ctx, pop(dir), vfs.OpenOptions{Flags: unix.O_RDONLY | unix.O_DIRECTORY})
		if err != nil {
			t.Fatalf("OpenAt(%q): %v", dir, err)
		}
		ents, err := f.ReadDir(ctx, 0)
		f.Close(ctx)
		if err != nil {
			t.Fatalf("ReadDir(%q): %v", dir, err)
		}
		for _, e := range ents {
			got[dir+"/"+e.Name] = true
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("final tree mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentDirectoryMoves(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{})
	mkdirs(t, vfsObj, "/x", "/y", "/x/m")
	mknods(t, vfsObj, "/x/m/f")

	const moves = 50
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < moves; i++ {
			from, to := "/x/m", "/y/m"
			if i%2 == 1 {
				from, to = to, from
			}
			if err := vfsObj.RenameAt(ctx, pop(from), pop(to)); err != nil {
				return fmt.Errorf("RenameAt(%q, %q): %w", from, to, err)
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < moves*2; i++ {
				for _, p := range []string{"/x/m/f", "/y/m/f", "/x/m/../m/f"} {
					if _, err := vfsObj.StatAt(ctx, pop(p), 0); err != nil && err != linuxerr.ENOENT {
						return fmt.Errorf("StatAt(%q): %w", p, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// An even number of moves leaves the directory where it started, and
	// the cache must agree.
	for _, tc := range []struct {
		path string
		want error
	}{
		{"/x/m/f", nil},
		{"/y/m/f", linuxerr.ENOENT},
		{"/y/m", linuxerr.ENOENT},
	} {
		for i := 0; i < 2; i++ {
			if _, err := vfsObj.StatAt(ctx, pop(tc.path), 0); err != tc.want {
				t.Errorf("StatAt(%q) #%d: got %v, wanted %v", tc.path, i, err, tc.want)
			}
		}
	}
}

func TestRenameIntoOwnSubtree(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{})
	mkdirs(t, vfsObj, "/a", "/a/b", "/a/b/c")

	var g errgroup.Group
	g.Go(func() error {
		if err := vfsObj.RenameAt(ctx, pop("/a"), pop("/a/b/c/a")); err != linuxerr.EINVAL {
			return fmt.Errorf("RenameAt(/a, /a/b/c/a): got %v, wanted EINVAL", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := vfsObj.RenameAt(ctx, pop("/a/b/c"), pop("/a/b")); err != linuxerr.ENOTEMPTY {
			return fmt.Errorf("RenameAt(/a/b/c, /a/b): got %v, wanted ENOTEMPTY", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
	if _, err := vfsObj.StatAt(ctx, pop("/a/b/c"), 0); err != nil {
		t.Errorf("StatAt(/a/b/c): %v", err)
	}
}

func TestEffectiveRoot(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{})
	mkdirs(t, vfsObj, "/etc", "/jail", "/jail/etc")
	if err := vfsObj.SymlinkAt(ctx, "/etc", pop("/jail/abs")); err != nil {
		t.Fatalf("SymlinkAt: %v", err)
	}
	jail, err := vfsObj.GetEntryAt(ctx, pop("/jail"), 0)
	if err != nil {
		t.Fatalf("GetEntryAt(/jail): %v", err)
	}
	defer jail.DecRef(ctx)

	for _, p := range []string{"/etc", "../etc", "../../../etc", "abs", "/abs/../etc"} {
		e, err := vfsObj.GetEntryAt(ctx, &vfs.PathOperation{Root: jail, Start: jail, Pathname: p}, 0)
		if err != nil {
			t.Errorf("GetEntryAt(%q) under /jail: %v", p, err)
			continue
		}
		if got := vfsObj.PathOf(e); got != "/jail/etc" {
			t.Errorf("GetEntryAt(%q) under /jail: got %q, wanted /jail/etc", p, got)
		}
		e.DecRef(ctx)
	}
}

func TestMountShadowing(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{})
	mkdirs(t, vfsObj, "/mnt")
	mknods(t, vfsObj, "/mnt/under")

	fs, err := vfsObj.MountAt(ctx, ramfs.Name, "", pop("/mnt"), 0)
	if err != nil {
		t.Fatalf("MountAt: %v", err)
	}
	mknods(t, vfsObj, "/mnt/over")
	if _, err := vfsObj.StatAt(ctx, pop("/mnt/under"), 0); err != linuxerr.ENOENT {
		t.Errorf("StatAt(/mnt/under) while mounted: got %v, wanted ENOENT", err)
	}
	// ".." from the mounted root leaves the mount.
	up, err := vfsObj.GetEntryAt(ctx, pop("/mnt/.."), 0)
	if err != nil {
		t.Fatalf("GetEntryAt(/mnt/..): %v", err)
	}
	root, err := vfsObj.RootEntry()
	if err != nil {
		t.Fatalf("RootEntry: %v", err)
	}
	if up != root {
		t.Errorf("GetEntryAt(/mnt/..): got %q, wanted the global root", vfsObj.PathOf(up))
	}
	up.DecRef(ctx)
	root.DecRef(ctx)

	f, err := vfsObj.OpenAt(ctx, pop("/mnt/over"), vfs.OpenOptions{Flags: unix.O_RDONLY})
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if err := vfsObj.Unmount(ctx, fs); err != linuxerr.EBUSY {
		t.Errorf("Unmount with an open file: got %v, wanted EBUSY", err)
	}
	f.Close(ctx)
	if err := vfsObj.UmountAt(ctx, pop("/mnt")); err != nil {
		t.Fatalf("UmountAt: %v", err)
	}
	if _, err := vfsObj.StatAt(ctx, pop("/mnt/under"), 0); err != nil {
		t.Errorf("StatAt(/mnt/under) after unmount: %v", err)
	}
	if _, err := vfsObj.StatAt(ctx, pop("/mnt/over"), 0); err != linuxerr.ENOENT {
		t.Errorf("StatAt(/mnt/over) after unmount: got %v, wanted ENOENT", err)
	}
}

func TestCrossMountOperations(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{})
	mkdirs(t, vfsObj, "/mnt")
	mknods(t, vfsObj, "/f")
	if _, err := vfsObj.MountAt(ctx, ramfs.Name, "", pop("/mnt"), 0); err != nil {
		t.Fatalf("MountAt: %v", err)
	}
	if err := vfsObj.RenameAt(ctx, pop("/f"), pop("/mnt/f")); err != linuxerr.EXDEV {
		t.Errorf("RenameAt across mounts: got %v, wanted EXDEV", err)
	}
	if err := vfsObj.LinkAt(ctx, pop("/f"), pop("/mnt/f")); err != linuxerr.EXDEV {
		t.Errorf("LinkAt across mounts: got %v, wanted EXDEV", err)
	}
	if err := vfsObj.RmdirAt(ctx, pop("/mnt")); err != linuxerr.EBUSY {
		t.Errorf("RmdirAt(/mnt): got %v, wanted EBUSY", err)
	}
}

func TestErrorPathsDoNotLeak(t *testing.T) {
	ctx := context.Background()
	vfsObj := newVFS(t, vfs.Options{SymlinkBudget: 8})
	mkdirs(t, vfsObj, "/d", "/d/sub")
	mknods(t, vfsObj, "/f")
	if err := vfsObj.SymlinkAt(ctx, "loop", pop("/loop")); err != nil {
		t.Fatalf("SymlinkAt: %v", err)
	}

	for _, tc := range []struct {
		name string
		op   func() error
		want error
	}{
		{"mkdir existing", func() error { return vfsObj.MkdirAt(ctx, pop("/d"), 0o755) }, linuxerr.EEXIST},
		{"mkdir under file", func() error { return vfsObj.MkdirAt(ctx, pop("/f/x"), 0o755) }, linuxerr.ENOTDIR},
		{"mkdir missing parent", func() error { return vfsObj.MkdirAt(ctx, pop("/nope/x"), 0o755) }, linuxerr.ENOENT},
		{"rmdir non-empty", func() error { return vfsObj.RmdirAt(ctx, pop("/d")) }, linuxerr.ENOTEMPTY},
		{"rmdir file", func() error { return vfsObj.RmdirAt(ctx, pop("/f")) }, linuxerr.ENOTDIR},
		{"unlink dir", func() error { return vfsObj.UnlinkAt(ctx, pop("/d")) }, linuxerr.EISDIR},
		{"stat loop", func() error { _, err := vfsObj.StatAt(ctx, pop("/loop/x"), 0); return err }, linuxerr.ELOOP},
		{"open loop", func() error {
			_, err := vfsObj.OpenAt(ctx, pop("/loop"), vfs.OpenOptions{Flags: unix.O_RDONLY})
			return err
		}, linuxerr.ELOOP},
		{"rename dir over file", func() error { return vfsObj.RenameAt(ctx, pop("/d/sub"), pop("/f")) }, linuxerr.ENOTDIR},
		{"rename file over dir", func() error { return vfsObj.RenameAt(ctx, pop("/f"), pop("/d/sub")) }, linuxerr.EISDIR},
		{"link dir", func() error { return vfsObj.LinkAt(ctx, pop("/d"), pop("/d2")) }, linuxerr.EPERM},
		{"exclusive create", func() error {
			_, err := vfsObj.OpenAt(ctx, pop("/f"), vfs.OpenOptions{Flags: unix.O_CREAT | unix.O_EXCL | unix.O_RDWR})
			return err
		}, linuxerr.EEXIST},
		{"readlink file", func() error { _, err := vfsObj.ReadlinkAt(ctx, pop("/f")); return err }, linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.op(); err != tc.want {
				t.Errorf("got %v, wanted %v", err, tc.want)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	vfsObj := newVFS(t, vfs.Options{Registerer: reg})
	mkdirs(t, vfsObj, "/mnt", "/d")
	if _, err := vfsObj.MountAt(ctx, ramfs.Name, "", pop("/mnt"), 0); err != nil {
		t.Fatalf("MountAt: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := vfsObj.StatAt(ctx, pop("/d"), 0); err != nil {
			t.Fatalf("StatAt: %v", err)
		}
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				got[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetCounter() != nil && mf.GetName() == "vfs_cache_lookups_total":
				for _, l := range m.GetLabel() {
					got[mf.GetName()+"/"+l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	if got["vfs_mounted_filesystems"] != 2 {
		t.Errorf("vfs_mounted_filesystems: got %v, wanted 2", got["vfs_mounted_filesystems"])
	}
	if got["vfs_cache_lookups_total/hit"] < 2 {
		t.Errorf("vfs_cache_lookups_total{result=hit}: got %v, wanted at least 2", got["vfs_cache_lookups_total/hit"])
	}
}

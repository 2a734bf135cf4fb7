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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// newTestVFS returns a VirtualFilesystem with a mockfs root. Everything the
// test leaves mounted is unmounted at cleanup, which fails the test if any
// reference was leaked.
func newTestVFS(t *testing.T, opts Options) (*VirtualFilesystem, *MockFilesystemType) {
	t.Helper()
	ctx := context.Background()
	vfs := New(opts)
	typ := &MockFilesystemType{}
	if err := vfs.RegisterFilesystemType(typ); err != nil {
		t.Fatalf("RegisterFilesystemType: %v", err)
	}
	if _, err := vfs.MountRoot(ctx, typ.Name(), "", 0); err != nil {
		t.Fatalf("MountRoot: %v", err)
	}
	t.Cleanup(func() {
		if err := vfs.Release(ctx); err != nil {
			t.Errorf("Release: got %v, wanted nil (leaked reference?)", err)
		}
	})
	return vfs, typ
}

func pop(pathname string) *PathOperation {
	return &PathOperation{Pathname: pathname}
}

func mustMkdir(t *testing.T, vfs *VirtualFilesystem, pathname string) {
	t.Helper()
	if err := vfs.MkdirAt(context.Background(), pop(pathname), 0o755); err != nil {
		t.Fatalf("MkdirAt(%q): %v", pathname, err)
	}
}

func mustMknod(t *testing.T, vfs *VirtualFilesystem, pathname string) {
	t.Helper()
	if err := vfs.MknodAt(context.Background(), pop(pathname), MknodOptions{Mode: unix.S_IFREG | 0o644}); err != nil {
		t.Fatalf("MknodAt(%q): %v", pathname, err)
	}
}

func mustSymlink(t *testing.T, vfs *VirtualFilesystem, target, pathname string) {
	t.Helper()
	if err := vfs.SymlinkAt(context.Background(), target, pop(pathname)); err != nil {
		t.Fatalf("SymlinkAt(%q, %q): %v", target, pathname, err)
	}
}

func wantErr(t *testing.T, op string, got error, want error) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got error %v, wanted %v", op, got, want)
	}
}

func TestMkdirAt(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/a")
	mustMknod(t, vfs, "/f")

	for _, tc := range []struct {
		path string
		want error
	}{
		{"/a", linuxerr.EEXIST},
		{"/a/b/c", linuxerr.ENOENT},
		{"/f/b", linuxerr.ENOTDIR},
		{"/", linuxerr.EEXIST},
		{"/a/.", linuxerr.EEXIST},
		{"/a/b/", nil},
	} {
		wantErr(t, "MkdirAt("+tc.path+")", vfs.MkdirAt(ctx, pop(tc.path), 0o755), tc.want)
	}
	stat, err := vfs.StatAt(ctx, pop("/a/b"), 0)
	if err != nil {
		t.Fatalf("StatAt: %v", err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFDIR {
		t.Errorf("StatAt(/a/b) mode: got %#o, wanted directory", stat.Mode)
	}
}

func TestMknodAt(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	for _, tc := range []struct {
		path string
		opts MknodOptions
		want error
	}{
		{"/reg", MknodOptions{Mode: 0o644}, nil},
		{"/blk", MknodOptions{Mode: unix.S_IFBLK | 0o600, Dev: device.ID{Major: 1, Minor: 2}}, nil},
		{"/fifo", MknodOptions{Mode: unix.S_IFIFO | 0o600}, nil},
		{"/dir", MknodOptions{Mode: unix.S_IFDIR | 0o755}, linuxerr.EPERM},
		{"/lnk", MknodOptions{Mode: unix.S_IFLNK | 0o777}, linuxerr.EINVAL},
		{"/reg", MknodOptions{Mode: 0o644}, linuxerr.EEXIST},
	} {
		wantErr(t, "MknodAt("+tc.path+")", vfs.MknodAt(ctx, pop(tc.path), tc.opts), tc.want)
	}
	stat, err := vfs.StatAt(ctx, pop("/blk"), 0)
	if err != nil {
		t.Fatalf("StatAt: %v", err)
	}
	if want := unix.Mkdev(1, 2); stat.Rdev != want {
		t.Errorf("StatAt(/blk) rdev: got %#x, wanted %#x", stat.Rdev, want)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFBLK {
		t.Errorf("StatAt(/blk) mode: got %#o, wanted block device", stat.Mode)
	}
}

func TestUnlinkAndRmdir(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/d")
	mustMkdir(t, vfs, "/d/sub")
	mustMknod(t, vfs, "/d/f")

	wantErr(t, "UnlinkAt(dir)", vfs.UnlinkAt(ctx, pop("/d/sub")), linuxerr.EISDIR)
	wantErr(t, "RmdirAt(file)", vfs.RmdirAt(ctx, pop("/d/f")), linuxerr.ENOTDIR)
	wantErr(t, "RmdirAt(nonempty)", vfs.RmdirAt(ctx, pop("/d")), linuxerr.ENOTEMPTY)
	wantErr(t, "RmdirAt(.)", vfs.RmdirAt(ctx, pop("/d/.")), linuxerr.EINVAL)
	wantErr(t, "UnlinkAt(missing)", vfs.UnlinkAt(ctx, pop("/d/missing")), linuxerr.ENOENT)

	wantErr(t, "UnlinkAt", vfs.UnlinkAt(ctx, pop("/d/f")), nil)
	wantErr(t, "RmdirAt", vfs.RmdirAt(ctx, pop("/d/sub")), nil)
	wantErr(t, "RmdirAt", vfs.RmdirAt(ctx, pop("/d")), nil)
	_, err := vfs.StatAt(ctx, pop("/d"), 0)
	wantErr(t, "StatAt after rmdir", err, linuxerr.ENOENT)
}

func TestRenameAt(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/a")
	mustMkdir(t, vfs, "/a/sub")
	mustMkdir(t, vfs, "/b")
	mustMkdir(t, vfs, "/full")
	mustMknod(t, vfs, "/full/x")
	mustMknod(t, vfs, "/a/f")
	mustMknod(t, vfs, "/g")

	for _, tc := range []struct {
		name     string
		old, new string
		want     error
	}{
		{"into own subtree", "/a", "/a/sub/a", linuxerr.EINVAL},
		{"dir over file", "/a", "/g", linuxerr.ENOTDIR},
		{"file over dir", "/g", "/b", linuxerr.EISDIR},
		{"missing source", "/nope", "/b/nope", linuxerr.ENOENT},
		{"dir over nonempty dir", "/b", "/full", linuxerr.ENOTEMPTY},
		{"over ancestor", "/a/sub", "/a", linuxerr.ENOTEMPTY},
		{"self", "/a/f", "/a/f", nil},
		{"file", "/a/f", "/b/f", nil},
		{"file over file", "/g", "/b/f", nil},
		{"dir", "/a", "/b/a", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			wantErr(t, "RenameAt", vfs.RenameAt(ctx, pop(tc.old), pop(tc.new)), tc.want)
		})
	}

	for _, p := range []string{"/a", "/g", "/a/f"} {
		_, err := vfs.StatAt(ctx, pop(p), 0)
		wantErr(t, "StatAt("+p+")", err, linuxerr.ENOENT)
	}
	for _, p := range []string{"/b/f", "/b/a/sub"} {
		if _, err := vfs.StatAt(ctx, pop(p), 0); err != nil {
			t.Errorf("StatAt(%q): %v", p, err)
		}
	}
}

func TestSymlinkAndReadlink(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/d")
	mustMknod(t, vfs, "/d/f")
	mustSymlink(t, vfs, "d/f", "/rel")
	mustSymlink(t, vfs, "/d", "/abs")
	mustSymlink(t, vfs, "/missing", "/dangling")

	wantErr(t, "SymlinkAt(empty)", vfs.SymlinkAt(ctx, "", pop("/e")), linuxerr.ENOENT)
	wantErr(t, "SymlinkAt(exists)", vfs.SymlinkAt(ctx, "x", pop("/rel")), linuxerr.EEXIST)

	target, err := vfs.ReadlinkAt(ctx, pop("/rel"))
	if err != nil || target != "d/f" {
		t.Errorf("ReadlinkAt(/rel): got (%q, %v), wanted (\"d/f\", nil)", target, err)
	}
	_, err = vfs.ReadlinkAt(ctx, pop("/d/f"))
	wantErr(t, "ReadlinkAt(regular)", err, linuxerr.EINVAL)

	if _, err := vfs.StatAt(ctx, pop("/abs/f"), 0); err != nil {
		t.Errorf("StatAt(/abs/f): %v", err)
	}
	stat, err := vfs.StatAt(ctx, pop("/rel"), unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		t.Fatalf("StatAt(/rel, NOFOLLOW): %v", err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFLNK {
		t.Errorf("StatAt(/rel, NOFOLLOW) mode: got %#o, wanted symlink", stat.Mode)
	}
	stat, err = vfs.StatAt(ctx, pop("/rel"), 0)
	if err != nil {
		t.Fatalf("StatAt(/rel): %v", err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		t.Errorf("StatAt(/rel) mode: got %#o, wanted regular", stat.Mode)
	}
	_, err = vfs.StatAt(ctx, pop("/dangling"), 0)
	wantErr(t, "StatAt(/dangling)", err, linuxerr.ENOENT)
	_, err = vfs.StatAt(ctx, pop("/rel"), unix.AT_REMOVEDIR)
	wantErr(t, "StatAt(bad flags)", err, linuxerr.EINVAL)
}

func TestLinkAt(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/d")
	mustMknod(t, vfs, "/f")

	wantErr(t, "LinkAt(dir)", vfs.LinkAt(ctx, pop("/d"), pop("/d2")), linuxerr.EPERM)
	wantErr(t, "LinkAt(exists)", vfs.LinkAt(ctx, pop("/f"), pop("/d")), linuxerr.EEXIST)
	wantErr(t, "LinkAt", vfs.LinkAt(ctx, pop("/f"), pop("/d/g")), nil)

	a, err := vfs.GetEntryAt(ctx, pop("/f"), 0)
	if err != nil {
		t.Fatalf("GetEntryAt(/f): %v", err)
	}
	defer a.DecRef(ctx)
	b, err := vfs.GetEntryAt(ctx, pop("/d/g"), 0)
	if err != nil {
		t.Fatalf("GetEntryAt(/d/g): %v", err)
	}
	defer b.DecRef(ctx)
	if a == b || a.VNode() != b.VNode() {
		t.Errorf("hard links: got entries %p, %p with vnodes %p, %p; wanted distinct entries sharing a vnode", a, b, a.VNode(), b.VNode())
	}
	stat, err := vfs.StatAt(ctx, pop("/f"), 0)
	if err != nil {
		t.Fatalf("StatAt: %v", err)
	}
	if stat.Nlink != 2 {
		t.Errorf("nlink: got %d, wanted 2", stat.Nlink)
	}
}

func TestOpenAt(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/d")
	mustMknod(t, vfs, "/d/f")
	mustSymlink(t, vfs, "/d/f", "/lnk")
	mustSymlink(t, vfs, "/d/new", "/dangling")
	if err := vfs.MknodAt(ctx, pop("/fifo"), MknodOptions{Mode: unix.S_IFIFO | 0o600}); err != nil {
		t.Fatalf("MknodAt: %v", err)
	}

	for _, tc := range []struct {
		path  string
		flags uint32
		want  error
	}{
		{"/d/f", unix.O_RDONLY, nil},
		{"/d/f", unix.O_RDWR | unix.O_CREAT, nil},
		{"/d/f", unix.O_RDWR | unix.O_CREAT | unix.O_EXCL, linuxerr.EEXIST},
		{"/d/g", unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL, nil},
		{"/d/h", unix.O_RDONLY, linuxerr.ENOENT},
		{"/d", unix.O_RDWR, linuxerr.EISDIR},
		{"/d", unix.O_RDONLY | unix.O_DIRECTORY, nil},
		{"/d/f", unix.O_RDONLY | unix.O_DIRECTORY, linuxerr.ENOTDIR},
		{"/d/f/", unix.O_RDONLY, linuxerr.ENOTDIR},
		{"/lnk", unix.O_RDONLY, nil},
		{"/lnk", unix.O_RDONLY | unix.O_NOFOLLOW, linuxerr.ELOOP},
		{"/dangling", unix.O_RDWR | unix.O_CREAT, linuxerr.EEXIST},
		{"/d/x", unix.O_RDONLY | unix.O_CREAT | unix.O_DIRECTORY, linuxerr.EINVAL},
		{"/fifo", unix.O_RDONLY, linuxerr.ENXIO},
	} {
		f, err := vfs.OpenAt(ctx, pop(tc.path), OpenOptions{Flags: tc.flags, Mode: 0o644})
		if err != tc.want {
			t.Errorf("OpenAt(%q, %#x): got error %v, wanted %v", tc.path, tc.flags, err, tc.want)
		}
		if f != nil {
			f.Close(ctx)
		}
	}
}

func TestOpenTruncates(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	f, err := vfs.OpenAt(ctx, pop("/f"), OpenOptions{Flags: unix.O_RDWR | unix.O_CREAT, Mode: 0o644})
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if _, err := f.Write(ctx, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close(ctx)

	f, err = vfs.OpenAt(ctx, pop("/f"), OpenOptions{Flags: unix.O_WRONLY | unix.O_TRUNC})
	if err != nil {
		t.Fatalf("OpenAt(O_TRUNC): %v", err)
	}
	defer f.Close(ctx)
	stat, err := f.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.Size != 0 {
		t.Errorf("size after O_TRUNC: got %d, wanted 0", stat.Size)
	}
}

func TestReadOnlyMount(t *testing.T) {
	ctx := context.Background()
	vfs, typ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/ro")
	mustMkdir(t, vfs, "/rw")
	if _, err := vfs.MountAt(ctx, typ.Name(), "", pop("/ro"), MountReadOnly); err != nil {
		t.Fatalf("MountAt: %v", err)
	}
	if _, err := vfs.MountAt(ctx, typ.Name(), "", pop("/rw"), 0); err != nil {
		t.Fatalf("MountAt: %v", err)
	}
	wantErr(t, "MkdirAt", vfs.MkdirAt(ctx, pop("/ro/d"), 0o755), linuxerr.EROFS)
	wantErr(t, "SymlinkAt", vfs.SymlinkAt(ctx, "x", pop("/ro/l")), linuxerr.EROFS)
	_, err := vfs.OpenAt(ctx, pop("/ro/f"), OpenOptions{Flags: unix.O_RDWR | unix.O_CREAT})
	wantErr(t, "OpenAt(O_CREAT)", err, linuxerr.EROFS)
	f, err := vfs.OpenAt(ctx, pop("/ro"), OpenOptions{Flags: unix.O_RDONLY})
	if err != nil {
		t.Fatalf("OpenAt(read-only root): %v", err)
	}
	f.Close(ctx)

	mustMknod(t, vfs, "/rw/f")
	wantErr(t, "RenameAt across mounts", vfs.RenameAt(ctx, pop("/rw/f"), pop("/f")), linuxerr.EXDEV)
	wantErr(t, "LinkAt across mounts", vfs.LinkAt(ctx, pop("/rw/f"), pop("/f")), linuxerr.EXDEV)
}

func TestDeviceNodes(t *testing.T) {
	ctx := context.Background()
	devices := device.NewRegistry()
	disk := device.NewRAMDisk("ram0", 0, 4096)
	if err := devices.Register(disk); err != nil {
		t.Fatalf("Register: %v", err)
	}
	vfs, typ := newTestVFS(t, Options{Devices: devices})
	mknod := func(path string, mode uint32, id device.ID) {
		t.Helper()
		if err := vfs.MknodAt(ctx, pop(path), MknodOptions{Mode: mode | 0o600, Dev: id}); err != nil {
			t.Fatalf("MknodAt(%q): %v", path, err)
		}
	}
	mknod("/ram0", unix.S_IFBLK, disk.ID())
	mknod("/nodev", unix.S_IFBLK, device.ID{Major: 99, Minor: 99})

	f, err := vfs.OpenAt(ctx, pop("/ram0"), OpenOptions{Flags: unix.O_RDWR})
	if err != nil {
		t.Fatalf("OpenAt(/ram0): %v", err)
	}
	if _, err := f.Pwrite(ctx, []byte("boot"), 512); err != nil {
		t.Errorf("Pwrite: %v", err)
	}
	if got := disk.Opens(); got != 1 {
		t.Errorf("disk opens: got %d, wanted 1", got)
	}
	buf := make([]byte, 4)
	if _, err := f.Pread(ctx, buf, 512); err != nil || string(buf) != "boot" {
		t.Errorf("Pread: got (%q, %v), wanted (\"boot\", nil)", buf, err)
	}
	f.Close(ctx)
	if got := disk.Opens(); got != 0 {
		t.Errorf("disk opens after close: got %d, wanted 0", got)
	}

	_, err = vfs.OpenAt(ctx, pop("/nodev"), OpenOptions{Flags: unix.O_RDONLY})
	wantErr(t, "OpenAt(unregistered device)", err, linuxerr.ENXIO)

	mustMkdir(t, vfs, "/mnt")
	if _, err := vfs.MountAt(ctx, typ.Name(), "", pop("/mnt"), MountNoDev); err != nil {
		t.Fatalf("MountAt: %v", err)
	}
	if err := vfs.MknodAt(ctx, pop("/mnt/ram0"), MknodOptions{Mode: unix.S_IFBLK | 0o600, Dev: disk.ID()}); err != nil {
		t.Fatalf("MknodAt: %v", err)
	}
	_, err = vfs.OpenAt(ctx, pop("/mnt/ram0"), OpenOptions{Flags: unix.O_RDONLY})
	wantErr(t, "OpenAt(nodev mount)", err, linuxerr.EACCES)
}

func TestGetEntryAtRejectsParent(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	_, err := vfs.GetEntryAt(ctx, pop("/x"), ResolveParent)
	wantErr(t, "GetEntryAt(ResolveParent)", err, linuxerr.EINVAL)
}

func TestFilesystemTypes(t *testing.T) {
	vfs, typ := newTestVFS(t, Options{})
	if err := vfs.RegisterFilesystemType(typ); err != linuxerr.EEXIST {
		t.Errorf("duplicate RegisterFilesystemType: got %v, wanted EEXIST", err)
	}
	if err := vfs.RegisterFilesystemType(&MockFilesystemType{TypeName: "another"}); err != nil {
		t.Fatalf("RegisterFilesystemType: %v", err)
	}
	if diff := cmp.Diff([]string{"another", "mockfs"}, vfs.FilesystemTypes()); diff != "" {
		t.Errorf("FilesystemTypes mismatch (-want +got):\n%s", diff)
	}
}

func TestRemovedStartDirectory(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	mustMkdir(t, vfs, "/d")
	d, err := vfs.GetEntryAt(ctx, pop("/d"), 0)
	if err != nil {
		t.Fatalf("GetEntryAt(/d): %v", err)
	}
	defer d.DecRef(ctx)
	if err := vfs.RmdirAt(ctx, pop("/d")); err != nil {
		t.Fatalf("RmdirAt(/d): %v", err)
	}

	for _, name := range []string{".", "x", "../d"} {
		_, err := vfs.StatAt(ctx, &PathOperation{Start: d, Pathname: name}, 0)
		wantErr(t, "StatAt("+name+") from a removed directory", err, linuxerr.ENOENT)
	}
	err = vfs.MkdirAt(ctx, &PathOperation{Start: d, Pathname: "new"}, 0o755)
	wantErr(t, "MkdirAt(new) from a removed directory", err, linuxerr.ENOENT)

	// Absolute paths do not use the start directory.
	if _, err := vfs.StatAt(ctx, &PathOperation{Start: d, Pathname: "/"}, 0); err != nil {
		t.Errorf("StatAt(/) from a removed directory: %v", err)
	}
}

func TestOpenCreateRace(t *testing.T) {
	ctx := context.Background()
	vfs, _ := newTestVFS(t, Options{})
	const openers = 16
	files := make([]*File, openers)
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close(ctx)
			}
		}
	}()

	// Losers of the creation race open the winner's file.
	var g errgroup.Group
	for i := range files {
		i := i
		g.Go(func() error {
			f, err := vfs.OpenAt(ctx, pop("/racy"), OpenOptions{Flags: unix.O_RDWR | unix.O_CREAT, Mode: 0o644})
			files[i] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("OpenAt(O_CREAT): %v", err)
	}
	for i, f := range files {
		if f.VNode() != files[0].VNode() {
			t.Errorf("file %d: opened a different vnode than file 0", i)
		}
	}
}

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


// Package script runs YAML described sequences of path operations against a
// VirtualFilesystem and checks their outcomes. A script looks like:
//
//	name: rename-over-file
//	steps:
//	  - {op: mkdir, path: /a}
//	  - {op: write, path: /a/f, data: hello}
//	  - {op: rename, path: /a/f, target: /a/g}
//	  - {op: stat, path: /a/f, err: ENOENT}
//	  - {op: read, path: /a/g, want: hello}
package script

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sentry/device"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

// Script is a named sequence of steps.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one operation and its expected outcome.
type Step struct {
	// Op is one of the names in ops.
	Op string `yaml:"op"`

	// Path is the path operated on.
	Path string `yaml:"path,omitempty"`

	// Target is the symlink target for symlink, and the destination for
	// link and rename.
	Target string `yaml:"target,omitempty"`

	// Type is the filesystem type for mount, and the node type for mknod
	// ("reg", "fifo", "sock", "chr" or "blk").
	Type string `yaml:"type,omitempty"`

	// Source is the device name for mount.
	Source string `yaml:"source,omitempty"`

	// Options are mount options, e.g. "ro,nodev".
	Options string `yaml:"options,omitempty"`

	// Mode holds permission bits for creating operations.
	Mode uint32 `yaml:"mode,omitempty"`

	// Major and Minor are the device number for mknod.
	Major uint64 `yaml:"major,omitempty"`
	Minor uint64 `yaml:"minor,omitempty"`

	// Data is written by write and append.
	Data string `yaml:"data,omitempty"`

	// NoFollow does not follow a final symbolic link for stat.
	NoFollow bool `yaml:"nofollow,omitempty"`

	// Want is the expected output: file content for read, the target for
	// readlink, the node type for stat.
	Want *string `yaml:"want,omitempty"`

	// Entries are the expected names for readdir, in order.
	Entries []string `yaml:"entries,omitempty"`

	// Err is the expected errno name, e.g. "ENOENT". Empty means success.
	Err string `yaml:"err,omitempty"`
}

// String renders s for logs.
func (s *Step) String() string {
	var b strings.Builder
	b.WriteString(s.Op)
	if s.Path != "" {
		fmt.Fprintf(&b, " %s", s.Path)
	}
	if s.Target != "" {
		fmt.Fprintf(&b, " -> %s", s.Target)
	}
	return b.String()
}

// Parse decodes a script, rejecting unknown fields and operations.
func Parse(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("unable to decode script: %w", err)
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		if _, ok := ops[st.Op]; !ok {
			return nil, fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		if st.Err != "" {
			if _, ok := linuxerr.FromName(st.Err); !ok {
				return nil, fmt.Errorf("step %d: unknown error %q", i, st.Err)
			}
		}
	}
	return &s, nil
}

// Load parses the script in filename.
func Load(filename string) (*Script, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to open script: %w", err)
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if s.Name == "" {
		s.Name = filename
	}
	return s, nil
}

// Result is the outcome of one executed step.
type Result struct {
	Index  int
	Step   *Step
	Output string
	Err    error
}

// String renders r in a single line.
func (r Result) String() string {
	out := "ok"
	if r.Err != nil {
		out = linuxerr.Describe(r.Err)
	}
	if r.Output != "" {
		out += fmt.Sprintf(" %q", r.Output)
	}
	return fmt.Sprintf("[%d] %s: %s", r.Index, r.Step, out)
}

// MismatchError is returned by Run when a step does not have its expected
// outcome.
type MismatchError struct {
	Result Result
	Reason string
}

// Error implements error.Error.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("step %s: %s", e.Result, e.Reason)
}

// Run executes the steps of s in order against vfsObj and returns their
// results. It stops at the first step whose outcome differs from the
// expected one and returns a *MismatchError describing it.
func Run(ctx context.Context, vfsObj *vfs.VirtualFilesystem, s *Script) ([]Result, error) {
	results := make([]Result, 0, len(s.Steps))
	for i := range s.Steps {
		st := &s.Steps[i]
		out, err := ops[st.Op](ctx, vfsObj, st)
		res := Result{Index: i, Step: st, Output: out, Err: err}
		results = append(results, res)
		log.Debugf("script %s: %s", s.Name, res)
		if reason := check(st, out, err); reason != "" {
			return results, &MismatchError{Result: res, Reason: reason}
		}
	}
	return results, nil
}

// check returns why the outcome of st differs from the expected one, or "".
func check(st *Step, out string, err error) string {
	if got := linuxerr.Name(err); got != st.Err {
		if err != nil && got == "" {
			return fmt.Sprintf("unexpected error %v", err)
		}
		want := st.Err
		if want == "" {
			want = "success"
		}
		if got == "" {
			got = "success"
		}
		return fmt.Sprintf("got %s, wanted %s", got, want)
	}
	if err != nil {
		return ""
	}
	if st.Want != nil && out != *st.Want {
		return fmt.Sprintf("got output %q, wanted %q", out, *st.Want)
	}
	if st.Entries != nil {
		got := strings.Split(out, "\n")
		if out == "" {
			got = nil
		}
		if len(st.Entries) != 0 || len(got) != 0 {
			if !slices.Equal(got, st.Entries) {
				return fmt.Sprintf("got entries %q, wanted %q", got, st.Entries)
			}
		}
	}
	return ""
}

// opFunc executes a step and returns its output.
type opFunc func(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error)

var ops = map[string]opFunc{
	"mkdir":    mkdir,
	"mknod":    mknod,
	"symlink":  symlink,
	"link":     link,
	"rename":   rename,
	"unlink":   unlink,
	"rmdir":    rmdir,
	"readlink": readlink,
	"stat":     stat,
	"write":    write,
	"append":   write,
	"read":     read,
	"readdir":  readdir,
	"mount":    mount,
	"umount":   umount,
}

func mkdir(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return "", vfsObj.MkdirAt(ctx, pop(st.Path), modeOr(st.Mode, 0o755))
}

func symlink(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return "", vfsObj.SymlinkAt(ctx, st.Target, pop(st.Path))
}

func link(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return "", vfsObj.LinkAt(ctx, pop(st.Path), pop(st.Target))
}

func rename(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return "", vfsObj.RenameAt(ctx, pop(st.Path), pop(st.Target))
}

func unlink(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return "", vfsObj.UnlinkAt(ctx, pop(st.Path))
}

func rmdir(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return "", vfsObj.RmdirAt(ctx, pop(st.Path))
}

func readlink(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return vfsObj.ReadlinkAt(ctx, pop(st.Path))
}

func mount(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	flags, err := vfs.ParseMountFlags(st.Options)
	if err != nil {
		return "", linuxerr.EINVAL
	}
	_, err = vfsObj.MountAt(ctx, st.Type, st.Source, pop(st.Path), flags)
	return "", err
}

func umount(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	return "", vfsObj.UmountAt(ctx, pop(st.Path))
}

func pop(pathname string) *vfs.PathOperation {
	return &vfs.PathOperation{Pathname: pathname}
}

func modeOr(mode, def uint32) uint32 {
	if mode == 0 {
		return def
	}
	return mode
}

var mknodTypes = map[string]vfs.NodeType{
	"":     vfs.TypeRegular,
	"reg":  vfs.TypeRegular,
	"fifo": vfs.TypeFIFO,
	"sock": vfs.TypeSocket,
	"chr":  vfs.TypeCharDevice,
	"blk":  vfs.TypeBlockDevice,
}

func mknod(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	typ, ok := mknodTypes[st.Type]
	if !ok {
		return "", linuxerr.EINVAL
	}
	return "", vfsObj.MknodAt(ctx, pop(st.Path), vfs.MknodOptions{
		Mode: typ.Mode() | modeOr(st.Mode, 0o644),
		Dev:  device.ID{Major: st.Major, Minor: st.Minor},
	})
}

func stat(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	var flags int
	if st.NoFollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	sx, err := vfsObj.StatAt(ctx, pop(st.Path), flags)
	if err != nil {
		return "", err
	}
	typ, _ := vfs.NodeTypeFromMode(sx.Mode)
	return typ.String(), nil
}

// write opens the file, creating it if needed, and writes st.Data. It
// truncates the file unless the op is "append".
func write(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	flags := uint32(unix.O_WRONLY | unix.O_CREAT)
	if st.Op == "append" {
		flags |= unix.O_APPEND
	} else {
		flags |= unix.O_TRUNC
	}
	f, err := vfsObj.OpenAt(ctx, pop(st.Path), vfs.OpenOptions{Flags: flags, Mode: modeOr(st.Mode, 0o644)})
	if err != nil {
		return "", err
	}
	defer f.Close(ctx)
	if _, err := f.Write(ctx, []byte(st.Data)); err != nil {
		return "", err
	}
	return "", nil
}

func read(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	f, err := vfsObj.OpenAt(ctx, pop(st.Path), vfs.OpenOptions{Flags: unix.O_RDONLY})
	if err != nil {
		return "", err
	}
	defer f.Close(ctx)
	var (
		b   strings.Builder
		buf = make([]byte, 4096)
	)
	for {
		n, err := f.Read(ctx, buf)
		b.Write(buf[:n])
		if err == io.EOF || (err == nil && n == 0) {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func readdir(ctx context.Context, vfsObj *vfs.VirtualFilesystem, st *Step) (string, error) {
	f, err := vfsObj.OpenAt(ctx, pop(st.Path), vfs.OpenOptions{Flags: unix.O_RDONLY | unix.O_DIRECTORY})
	if err != nil {
		return "", err
	}
	defer f.Close(ctx)
	ents, err := f.ReadDir(ctx, 0)
	if err != nil {
		return "", err
	}
	names := make([]string, len(ents))
	for i, e := range ents {
		names[i] = e.Name
	}
	return strings.Join(names, "\n"), nil
}

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


package script

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/sentry/fsimpl/ramfs"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
)

func newVFS(t *testing.T) *vfs.VirtualFilesystem {
	t.Helper()
	ctx := context.Background()
	vfsObj := vfs.New(vfs.Options{})
	if err := vfsObj.RegisterFilesystemType(ramfs.FilesystemType{}); err != nil {
		t.Fatalf("RegisterFilesystemType: %v", err)
	}
	if _, err := vfsObj.MountRoot(ctx, ramfs.Name, "", 0); err != nil {
		t.Fatalf("MountRoot: %v", err)
	}
	t.Cleanup(func() {
		if err := vfsObj.Release(ctx); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	return vfsObj
}

func TestScripts(t *testing.T) {
	files, err := filepath.Glob("testdata/*.yaml")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("no scripts in testdata")
	}
	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			s, err := Load(file)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			results, err := Run(context.Background(), newVFS(t), s)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(results) != len(s.Steps) {
				t.Errorf("got %d results, wanted %d", len(results), len(s.Steps))
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		script string
		want   string
	}{
		{"unknown field", "steps:\n  - {op: mkdir, paht: /a}\n", "paht"},
		{"unknown op", "steps:\n  - {op: chmod, path: /a}\n", `unknown op "chmod"`},
		{"unknown error", "steps:\n  - {op: mkdir, path: /a, err: ENOPE}\n", `unknown error "ENOPE"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.script))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse: got %v, wanted an error containing %q", err, tc.want)
			}
		})
	}
}

func TestRunStopsAtMismatch(t *testing.T) {
	s, err := Parse(strings.NewReader(`
name: mismatch
steps:
  - {op: mkdir, path: /a}
  - {op: stat, path: /a, want: regular}
  - {op: mkdir, path: /b}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	vfsObj := newVFS(t)
	results, err := Run(context.Background(), vfsObj, s)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Run: got %v, wanted a *MismatchError", err)
	}
	if mismatch.Result.Index != 1 {
		t.Errorf("mismatch at step %d, wanted 1", mismatch.Result.Index)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, wanted 2", len(results))
	}
	if _, err := vfsObj.StatAt(context.Background(), pop("/b"), 0); err != linuxerr.ENOENT {
		t.Errorf("StatAt(/b): got %v, wanted ENOENT", err)
	}
}

func TestCheck(t *testing.T) {
	hello := "hello"
	for _, tc := range []struct {
		name string
		step Step
		out  string
		err  error
		want string
	}{
		{"success", Step{Op: "read", Want: &hello}, "hello", nil, ""},
		{"wrong output", Step{Op: "read", Want: &hello}, "bye", nil, `got output "bye", wanted "hello"`},
		{"expected error", Step{Op: "stat", Err: "ENOENT"}, "", linuxerr.ENOENT, ""},
		{"missing error", Step{Op: "stat", Err: "ENOENT"}, "regular", nil, "got success, wanted ENOENT"},
		{"wrong error", Step{Op: "stat", Err: "ENOENT"}, "", linuxerr.ELOOP, "got ELOOP, wanted ENOENT"},
		{"entries", Step{Op: "readdir", Entries: []string{"a", "b"}}, "a\nb", nil, ""},
		{"empty entries", Step{Op: "readdir", Entries: []string{}}, "", nil, ""},
		{"extra entries", Step{Op: "readdir", Entries: []string{}}, "a", nil, `got entries ["a"], wanted []`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, check(&tc.step, tc.out, tc.err)); diff != "" {
				t.Errorf("check mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

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


package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vfscore.dev/vfscore/pkg/refs"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "vfsctl.toml")
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return name
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if c.LogFormat != "text" {
		t.Errorf("LogFormat=%q, want: text", c.LogFormat)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t, "--debug", "--symlink-budget=8", "--ref-leak-mode=log-names", "--cache-capacity=-1"))
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 8; c.SymlinkBudget != want {
		t.Errorf("SymlinkBudget=%v, want: %v", c.SymlinkBudget, want)
	}
	if want := refs.LeaksLogWarning; c.ReferenceLeak != want {
		t.Errorf("ReferenceLeak=%v, want: %v", c.ReferenceLeak, want)
	}
	if opts := c.VFSOptions(); opts.CacheCapacity != -1 || opts.SymlinkBudget != 8 {
		t.Errorf("VFSOptions()=%+v, want cache capacity -1 and symlink budget 8", opts)
	}

	flags := c.ToFlags()
	want := []string{"--debug=true", "--symlink-budget=8", "--cache-capacity=-1", "--ref-leak-mode=log-names"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestFile(t *testing.T) {
	name := writeFile(t, `
debug = true
symlink_budget = 12
max_inodes = 100
ref_leak_mode = "panic"

[[ramdisk]]
name = "ram0"
minor = 0
size = 65536

[[mount]]
type = "ramfs"
target = "/tmp"

[[mount]]
type = "ramfs"
target = "/mnt/ro"
options = "ro,nodev"
`)
	// Explicit flags override the file.
	c, err := NewFromFlags(newFlagSet(t, "--config="+name, "--symlink-budget=4"))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:    name,
		Debug:         true,
		LogFormat:     "text",
		SymlinkBudget: 4,
		MaxInodes:     100,
		ReferenceLeak: refs.LeaksPanic,
		RAMDisks:      []RAMDisk{{Name: "ram0", Size: 65536}},
		Mounts: []Mount{
			{Type: "ramfs", Target: "/tmp"},
			{Type: "ramfs", Target: "/mnt/ro", Options: "ro,nodev"},
		},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		file string
		args []string
		want string
	}{
		{name: "log format", args: []string{"--log-format=xml"}, want: "invalid log format"},
		{name: "budget", args: []string{"--symlink-budget=-1"}, want: "symlink-budget"},
		{name: "unknown key", file: "cache = 3\n", want: "unknown keys"},
		{name: "relative target", file: "[[mount]]\ntype = \"ramfs\"\ntarget = \"mnt\"\n", want: "must be an absolute path"},
		{name: "root target", file: "[[mount]]\ntype = \"ramfs\"\ntarget = \"/\"\n", want: "must be an absolute path"},
		{name: "options", file: "[[mount]]\ntype = \"ramfs\"\ntarget = \"/m\"\noptions = \"noexec\"\n", want: "unknown mount option"},
		{name: "ramdisk", file: "[[ramdisk]]\nname = \"ram0\"\n", want: "positive size"},
		{name: "leak mode", file: "ref_leak_mode = \"always\"\n", want: "invalid ref leak mode"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := tc.args
			if tc.file != "" {
				args = append(args, "--config="+writeFile(t, tc.file))
			}
			_, err := NewFromFlags(newFlagSet(t, args...))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags: got %v, wanted an error containing %q", err, tc.want)
			}
		})
	}
}

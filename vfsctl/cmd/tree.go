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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/script"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
	"vfscore.dev/vfscore/vfsctl/config"
)

// Tree implements subcommands.Command for the "tree" command.
type Tree struct {
	root   string
	mounts bool

	// out is where the tree is written; os.Stdout if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Tree) Name() string {
	return "tree"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Tree) Synopsis() string {
	return "print the namespace of a VFS"
}

// Usage implements subcommands.Command.Usage.
func (*Tree) Usage() string {
	return `tree [flags] [script.yaml]... - boot a VFS from the configuration, run the given scripts to populate it, and print its namespace.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Tree) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.root, "root", "/", "directory to print.")
	f.BoolVar(&t.mounts, "mounts", false, "also print the mount table.")
}

// Execute implements subcommands.Command.Execute.
func (t *Tree) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	out := t.out
	if out == nil {
		out = os.Stdout
	}
	env, err := newEnvironment(ctx, conf)
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer func() {
		if err := env.release(ctx); err != nil {
			Errorf("%v", err)
		}
	}()

	for _, file := range f.Args() {
		s, err := script.Load(file)
		if err != nil {
			Errorf("%v", err)
			return subcommands.ExitFailure
		}
		if _, err := script.Run(ctx, env.vfs, s); err != nil {
			Errorf("%s: %v", file, err)
			return subcommands.ExitFailure
		}
	}

	fmt.Fprintln(out, t.root)
	err = walk(ctx, env.vfs, t.root, 1, func(p string, d vfs.Dirent, depth int) error {
		line := fmt.Sprintf("%*s%s", 2*depth, "", d.Name)
		switch d.Type {
		case vfs.TypeDirectory:
			line += "/"
		case vfs.TypeSymlink:
			target, err := env.vfs.ReadlinkAt(ctx, &vfs.PathOperation{Pathname: p})
			if err != nil {
				return err
			}
			line += " -> " + target
		case vfs.TypeRegular:
		default:
			line += fmt.Sprintf(" [%s]", d.Type)
		}
		_, err := fmt.Fprintln(out, line)
		return err
	})
	if err != nil {
		Errorf("walking %q: %s", t.root, linuxerr.Describe(err))
		return subcommands.ExitFailure
	}

	if t.mounts {
		fmt.Fprintln(out)
		printMounts(out, env.vfs.Mounts())
	}
	return subcommands.ExitSuccess
}

func printMounts(out io.Writer, mounts []vfs.MountInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPARENT\tMOUNTPOINT\tTYPE\tSOURCE\tOPTIONS\tVNODES")
	for _, m := range mounts {
		source := m.Source
		if source == "" {
			source = "none"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%d\n", m.ID, m.ParentID, m.MountPoint, m.Type, source, m.Flags, m.VNodes)
	}
	w.Flush()
}

// walk calls fn for every entry below the directory dir, depth first in
// directory order. Directories are entered after fn is called for them.
func walk(ctx context.Context, vfsObj *vfs.VirtualFilesystem, dir string, depth int, fn func(p string, d vfs.Dirent, depth int) error) error {
	f, err := vfsObj.OpenAt(ctx, &vfs.PathOperation{Pathname: dir}, vfs.OpenOptions{Flags: unix.O_RDONLY | unix.O_DIRECTORY})
	if err != nil {
		return err
	}
	ents, err := f.ReadDir(ctx, 0)
	f.Close(ctx)
	if err != nil {
		return err
	}
	for _, d := range ents {
		p := path.Join(dir, d.Name)
		if err := fn(p, d, depth); err != nil {
			return err
		}
		if d.Type == vfs.TypeDirectory {
			if err := walk(ctx, vfsObj, p, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

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

	"github.com/google/subcommands"
	"vfscore.dev/vfscore/pkg/script"
	"vfscore.dev/vfscore/vfsctl/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	verbose bool
	shared  bool

	// out is where results are written; os.Stdout if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run operation scripts against a VFS"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <script.yaml>... - run each script against a freshly booted VFS and report whether every step had its expected outcome.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.verbose, "v", false, "print the result of every step.")
	f.BoolVar(&r.shared, "shared", false, "run all scripts against a single VFS, in order.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := r.out
	if out == nil {
		out = os.Stdout
	}

	var shared *environment
	if r.shared {
		env, err := newEnvironment(ctx, conf)
		if err != nil {
			Errorf("%v", err)
			return subcommands.ExitFailure
		}
		shared = env
	}

	status := subcommands.ExitSuccess
	for _, file := range f.Args() {
		if err := r.runOne(ctx, conf, shared, file, out); err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", file, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(out, "PASS %s\n", file)
	}
	if shared != nil {
		if err := shared.release(ctx); err != nil {
			Errorf("%v", err)
			status = subcommands.ExitFailure
		}
	}
	return status
}

// runOne runs the script in file, against env if it is not nil and against a
// new environment otherwise.
func (r *Run) runOne(ctx context.Context, conf *config.Config, env *environment, file string, out io.Writer) (err error) {
	s, err := script.Load(file)
	if err != nil {
		return err
	}
	if env == nil {
		env, err = newEnvironment(ctx, conf)
		if err != nil {
			return err
		}
		defer func() {
			if rerr := env.release(ctx); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}
	results, err := script.Run(ctx, env.vfs, s)
	if r.verbose {
		for _, res := range results {
			fmt.Fprintf(out, "  %s\n", res)
		}
	}
	return err
}

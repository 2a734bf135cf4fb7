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
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
	"vfscore.dev/vfscore/vfsctl/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers int
	ops     int
	dirs    int
	names   int
	seed    uint64
	metrics bool

	// out is where the report is written; os.Stdout if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random concurrent operations and check the VFS stays consistent"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run random path operations from concurrent workers over a small namespace, then check that every listed name resolves and that no reference leaked.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.ops, "ops", 1000, "operations per worker.")
	f.IntVar(&s.dirs, "dirs", 4, "number of top level directories.")
	f.IntVar(&s.names, "names", 8, "number of distinct names per directory.")
	f.Uint64Var(&s.seed, "seed", 1, "random seed; worker i uses (seed, i).")
	f.BoolVar(&s.metrics, "metrics", false, "print VFS metrics in Prometheus text format.")
}

// stressOp performs one random operation.
type stressOp struct {
	name string
	fn   func(ctx context.Context, w *stressWorker) error
}

var stressOps = []stressOp{
	{"mkdir", func(ctx context.Context, w *stressWorker) error {
		return w.vfs.MkdirAt(ctx, w.pop(), 0o755)
	}},
	{"mknod", func(ctx context.Context, w *stressWorker) error {
		return w.vfs.MknodAt(ctx, w.pop(), vfs.MknodOptions{Mode: unix.S_IFREG | 0o644})
	}},
	{"symlink", func(ctx context.Context, w *stressWorker) error {
		return w.vfs.SymlinkAt(ctx, w.path(), w.pop())
	}},
	{"link", func(ctx context.Context, w *stressWorker) error {
		return w.vfs.LinkAt(ctx, w.pop(), w.pop())
	}},
	{"rename", func(ctx context.Context, w *stressWorker) error {
		return w.vfs.RenameAt(ctx, w.pop(), w.pop())
	}},
	{"unlink", func(ctx context.Context, w *stressWorker) error {
		return w.vfs.UnlinkAt(ctx, w.pop())
	}},
	{"rmdir", func(ctx context.Context, w *stressWorker) error {
		return w.vfs.RmdirAt(ctx, w.pop())
	}},
	{"stat", func(ctx context.Context, w *stressWorker) error {
		_, err := w.vfs.StatAt(ctx, w.pop(), 0)
		return err
	}},
	{"write", func(ctx context.Context, w *stressWorker) error {
		f, err := w.vfs.OpenAt(ctx, w.pop(), vfs.OpenOptions{Flags: unix.O_CREAT | unix.O_WRONLY | unix.O_APPEND, Mode: 0o644})
		if err != nil {
			return err
		}
		defer f.Close(ctx)
		_, err = f.Write(ctx, []byte("stress\n"))
		return err
	}},
	{"readdir", func(ctx context.Context, w *stressWorker) error {
		f, err := w.vfs.OpenAt(ctx, w.pop(), vfs.OpenOptions{Flags: unix.O_RDONLY | unix.O_DIRECTORY})
		if err != nil {
			return err
		}
		defer f.Close(ctx)
		_, err = f.ReadDir(ctx, 0)
		return err
	}},
}

// stressWorker issues random operations over the shared namespace.
type stressWorker struct {
	vfs    *vfs.VirtualFilesystem
	rand   *rand.Rand
	dirs   int
	names  int
	counts map[string]map[string]int
}

// path returns a random path one or two levels below a top level directory.
func (w *stressWorker) path() string {
	p := fmt.Sprintf("/s%d/n%d", w.rand.IntN(w.dirs), w.rand.IntN(w.names))
	if w.rand.IntN(3) == 0 {
		p += fmt.Sprintf("/n%d", w.rand.IntN(w.names))
	}
	return p
}

func (w *stressWorker) pop() *vfs.PathOperation {
	return &vfs.PathOperation{Pathname: w.path()}
}

func (w *stressWorker) run(ctx context.Context, ops int) error {
	for i := 0; i < ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := stressOps[w.rand.IntN(len(stressOps))]
		err := op.fn(ctx, w)
		result := "ok"
		if err != nil {
			if result = linuxerr.Name(err); result == "" {
				return fmt.Errorf("%s: %w", op.name, err)
			}
		}
		if w.counts[op.name] == nil {
			w.counts[op.name] = make(map[string]int)
		}
		w.counts[op.name][result]++
	}
	return nil
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	out := s.out
	if out == nil {
		out = os.Stdout
	}
	if s.workers <= 0 || s.dirs <= 0 || s.names <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	env, err := newEnvironment(ctx, conf)
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	status := s.stress(ctx, env, out)
	if err := env.release(ctx); err != nil {
		Errorf("%v", err)
		status = subcommands.ExitFailure
	}
	return status
}

func (s *Stress) stress(ctx context.Context, env *environment, out io.Writer) subcommands.ExitStatus {
	for i := 0; i < s.dirs; i++ {
		if err := mkdirAll(ctx, env.vfs, fmt.Sprintf("/s%d", i)); err != nil {
			Errorf("creating /s%d: %v", i, err)
			return subcommands.ExitFailure
		}
	}

	var (
		mu     sync.Mutex
		totals = make(map[string]map[string]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		w := &stressWorker{
			vfs:    env.vfs,
			rand:   rand.New(rand.NewPCG(s.seed, uint64(i))),
			dirs:   s.dirs,
			names:  s.names,
			counts: make(map[string]map[string]int),
		}
		g.Go(func() error {
			err := w.run(gctx, s.ops)
			mu.Lock()
			defer mu.Unlock()
			for op, results := range w.counts {
				if totals[op] == nil {
					totals[op] = make(map[string]int)
				}
				for r, n := range results {
					totals[op][r] += n
				}
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		Errorf("stress: %v", err)
		return subcommands.ExitFailure
	}
	printCounts(out, totals)

	// Every name a directory lists must resolve.
	checked := 0
	err := walk(ctx, env.vfs, "/", 0, func(p string, d vfs.Dirent, _ int) error {
		checked++
		if _, err := env.vfs.StatAt(ctx, &vfs.PathOperation{Pathname: p}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fmt.Errorf("listed entry %q does not resolve: %s", p, linuxerr.Describe(err))
		}
		return nil
	})
	if err != nil {
		Errorf("consistency check: %v", err)
		return subcommands.ExitFailure
	}
	log.Infof("stress: %d entries checked", checked)
	fmt.Fprintf(out, "checked %d entries\n", checked)

	if s.metrics {
		if err := writeMetrics(out, env); err != nil {
			Errorf("writing metrics: %v", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func printCounts(out io.Writer, totals map[string]map[string]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OP\tRESULT\tCOUNT")
	ops := make([]string, 0, len(totals))
	for op := range totals {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		results := make([]string, 0, len(totals[op]))
		for r := range totals[op] {
			results = append(results, r)
		}
		sort.Strings(results)
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%d\n", op, r, totals[op][r])
		}
	}
	w.Flush()
}

// writeMetrics writes the metrics gathered from env in the Prometheus text
// exposition format.
func writeMetrics(out io.Writer, env *environment) error {
	mfs, err := env.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}

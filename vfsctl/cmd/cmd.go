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


// Package cmd holds implementations of the vfsctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
	"vfscore.dev/vfscore/pkg/log"
	"vfscore.dev/vfscore/pkg/sentry/device"
	"vfscore.dev/vfscore/pkg/sentry/fsimpl/ramfs"
	"vfscore.dev/vfscore/pkg/sentry/vfs"
	"vfscore.dev/vfscore/vfsctl/config"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user of vfsctl, in addition to the debug log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs an error to the debug log and ErrorLogger.
func Errorf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, "vfsctl: "+format+"\n", args...)
}

// Fatalf logs the same way as Errorf and exits the process with status 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// environment is a VirtualFilesystem set up as a Config describes: the
// configured devices, a ramfs root and the static mount table.
type environment struct {
	vfs      *vfs.VirtualFilesystem
	devices  *device.Registry
	registry *prometheus.Registry
}

func newEnvironment(ctx context.Context, conf *config.Config) (*environment, error) {
	env := &environment{
		devices:  device.NewRegistry(),
		registry: prometheus.NewRegistry(),
	}
	devs := []device.Device{device.NewNull(), device.NewZero()}
	for _, d := range conf.RAMDisks {
		devs = append(devs, device.NewRAMDisk(d.Name, d.Minor, d.Size))
	}
	for _, d := range devs {
		if err := env.devices.Register(d); err != nil {
			return nil, fmt.Errorf("registering device %q: %w", d.Name(), err)
		}
	}

	opts := conf.VFSOptions()
	opts.Devices = env.devices
	opts.Registerer = env.registry
	env.vfs = vfs.New(opts)
	if err := env.vfs.RegisterFilesystemType(ramfs.FilesystemType{MaxInodes: conf.MaxInodes}); err != nil {
		return nil, err
	}
	if _, err := env.vfs.MountRoot(ctx, ramfs.Name, "", 0); err != nil {
		return nil, fmt.Errorf("mounting root: %w", err)
	}
	for _, m := range conf.Mounts {
		if err := env.mount(ctx, m); err != nil {
			env.release(ctx)
			return nil, err
		}
	}
	return env, nil
}

// mount creates the target of m if needed and mounts m over it.
func (env *environment) mount(ctx context.Context, m config.Mount) error {
	flags, err := vfs.ParseMountFlags(m.Options)
	if err != nil {
		return err
	}
	if err := mkdirAll(ctx, env.vfs, m.Target); err != nil {
		return fmt.Errorf("creating mount point %q: %w", m.Target, err)
	}
	if _, err := env.vfs.MountAt(ctx, m.Type, m.Source, &vfs.PathOperation{Pathname: m.Target}, flags); err != nil {
		return fmt.Errorf("mounting %s on %q: %s", m.Type, m.Target, linuxerr.Describe(err))
	}
	return nil
}

// release unmounts everything. It fails if a reference is still held.
func (env *environment) release(ctx context.Context) error {
	if err := env.vfs.Release(ctx); err != nil {
		return fmt.Errorf("releasing the VFS: %s", linuxerr.Describe(err))
	}
	return nil
}

// mkdirAll creates the directory at p and any missing parents.
func mkdirAll(ctx context.Context, vfsObj *vfs.VirtualFilesystem, p string) error {
	cur := ""
	for _, name := range strings.Split(strings.TrimPrefix(path.Clean(p), "/"), "/") {
		cur += "/" + name
		err := vfsObj.MkdirAt(ctx, &vfs.PathOperation{Pathname: cur}, 0o755)
		if err != nil && err != linuxerr.EEXIST {
			return err
		}
	}
	return nil
}

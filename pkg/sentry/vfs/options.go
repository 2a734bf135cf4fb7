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
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"vfscore.dev/vfscore/pkg/sentry/device"
)

// Defaults for Options.
const (
	// DefaultSymlinkBudget is the number of symbolic link expansions
	// allowed per resolution, matching Linux's MAXSYMLINKS.
	DefaultSymlinkBudget = 40

	// DefaultCacheCapacity is the default number of VCache records.
	DefaultCacheCapacity = 4096
)

// Options configures a VirtualFilesystem.
type Options struct {
	// SymlinkBudget is the per-resolution symlink expansion budget. Zero
	// means DefaultSymlinkBudget.
	SymlinkBudget int

	// CacheCapacity is the number of VCache records. Zero means
	// DefaultCacheCapacity; a negative value disables the cache.
	CacheCapacity int

	// Registerer receives the VFS metrics. If nil, metrics are not
	// collected.
	Registerer prometheus.Registerer

	// Devices is the device registry used to mount block devices and open
	// device nodes. If nil, an empty registry is created.
	Devices *device.Registry
}

// ResolveFlags control path resolution.
type ResolveFlags uint32

const (
	// ResolveParent returns the parent of the final component, whether or
	// not the final component exists. It takes precedence over
	// ResolveExclusive.
	ResolveParent ResolveFlags = 1 << iota

	// ResolveExclusive returns the parent of the final component if it does
	// not exist, and fails with EEXIST if it does.
	ResolveExclusive

	// ResolveNoFollow does not follow a symbolic link in the final
	// component.
	ResolveNoFollow

	// ResolveDir requires the result to be a directory (ENOTDIR).
	ResolveDir

	// ResolveNotDir requires the result not to be a directory (EISDIR).
	ResolveNotDir

	// ResolveBlock requires the result to be a block device (ENOTBLK).
	ResolveBlock

	// ResolveSymlink requires the result to be a symbolic link (EINVAL).
	ResolveSymlink

	// ResolveUnlocked returns the result unlocked, holding only a
	// reference.
	ResolveUnlocked
)

var resolveFlagNames = []string{"PARENT", "EXCLUSV", "NOFOLLOW", "DIR", "NOTDIR", "BLK", "LNK", "UNLOCKED"}

// String implements fmt.Stringer.
func (f ResolveFlags) String() string {
	var names []string
	for i, name := range resolveFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// PathOperation specifies the path operated on by a VirtualFilesystem method.
type PathOperation struct {
	// Root is the effective root: absolute paths and absolute symlink
	// targets start here, and ".." never moves above it. If nil, the global
	// root is used.
	Root *VEntry

	// Start is the starting point for relative paths. If nil, Root is used.
	Start *VEntry

	// Pathname is the path to resolve.
	Pathname string

	// SymlinkBudget, if positive, overrides Options.SymlinkBudget for this
	// operation.
	SymlinkBudget int
}

// OpenOptions contains options to VirtualFilesystem.OpenAt.
type OpenOptions struct {
	// Flags contains access mode and flags as specified for open(2). The
	// VFS implements O_RDONLY, O_WRONLY, O_RDWR, O_APPEND, O_CREAT, O_EXCL,
	// O_TRUNC, O_DIRECTORY and O_NOFOLLOW.
	Flags uint32

	// If OpenAt creates a file, Mode is its permission bits.
	Mode uint32
}

// MknodOptions contains options to VirtualFilesystem.MknodAt.
type MknodOptions struct {
	// Mode is the file type and permission bits.
	Mode uint32

	// Dev is the device number for block and character devices.
	Dev device.ID
}

// Copyright 2018 The gVisor Authors.
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

// Package device defines the device layer boundary consumed by the VFS core:
// block and character devices addressed by name or by major/minor number.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// Kind distinguishes block devices from character devices.
type Kind uint8

// Device kinds.
const (
	Block Kind = iota
	Char
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Block:
		return "block"
	case Char:
		return "char"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ID identifies a device.
type ID struct {
	Major uint64
	Minor uint64
}

// DeviceID formats a major and minor device number into a standard device
// number.
func (i ID) DeviceID() uint64 {
	return unix.Mkdev(uint32(i.Major), uint32(i.Minor))
}

// String implements fmt.Stringer.
func (i ID) String() string {
	return fmt.Sprintf("%d:%d", i.Major, i.Minor)
}

// Device is a block or character device. Implementations must be safe for
// concurrent use.
type Device interface {
	// Name returns the registry name of the device, e.g. "ram0".
	Name() string

	// ID returns the device number.
	ID() ID

	// Kind returns whether this is a block or character device.
	Kind() Kind

	// Open prepares the device for I/O. Every successful Open is paired
	// with a Close.
	Open(ctx context.Context) error

	// Close releases a reference taken by Open.
	Close(ctx context.Context) error

	// ReadAt reads len(p) bytes at offset off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// WriteAt writes len(p) bytes at offset off.
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
}

// Registry tracks the devices known to a VirtualFilesystem.
type Registry struct {
	// lastAnonDeviceMinor is the last minor device number used for an
	// anonymous device.
	lastAnonDeviceMinor atomic.Uint64

	// mu protects the fields below.
	mu sync.Mutex

	byName map[string]Device
	byID   map[ID]Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Device),
		byID:   make(map[ID]Device),
	}
}

// NewAnonID assigns a major and minor number to an anonymous device ID, as
// used by filesystems without a backing device.
func (r *Registry) NewAnonID() ID {
	return ID{
		// Anon devices always have a major number of 0.
		Major: 0,
		Minor: r.lastAnonDeviceMinor.Add(1),
	}
}

// Register adds d to the registry. It fails with EEXIST if a device with the
// same name or number is already registered.
func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name()]; ok {
		return linuxerr.EEXIST
	}
	if _, ok := r.byID[d.ID()]; ok {
		return linuxerr.EEXIST
	}
	r.byName[d.Name()] = d
	r.byID[d.ID()] = d
	return nil
}

// Unregister removes the device with the given name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return linuxerr.ENODEV
	}
	delete(r.byName, name)
	delete(r.byID, d.ID())
	return nil
}

// Lookup returns the device registered under name, or ENODEV.
func (r *Registry) Lookup(name string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byName[name]; ok {
		return d, nil
	}
	return nil, linuxerr.ENODEV
}

// LookupID returns the device of the given kind with number id. Device nodes
// naming an unknown number fail with ENXIO, as on Linux.
func (r *Registry) LookupID(kind Kind, id ID) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byID[id]; ok && d.Kind() == kind {
		return d, nil
	}
	return nil, linuxerr.ENXIO
}

// Names returns the sorted names of all registered devices.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

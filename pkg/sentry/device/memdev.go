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

package device

import (
	"context"
	"io"
	"sync"

	"vfscore.dev/vfscore/pkg/errors/linuxerr"
)

// Well-known character device numbers.
const (
	memDevMajor  = 1
	nullDevMinor = 3
	zeroDevMinor = 5

	// RAMDiskMajor is the major number of RAM disks.
	RAMDiskMajor = 1
)

// nullDevice implements Device for /dev/null.
type nullDevice struct{}

// NewNull returns the null character device, 1:3.
func NewNull() Device { return nullDevice{} }

// Name implements Device.Name.
func (nullDevice) Name() string { return "null" }

// ID implements Device.ID.
func (nullDevice) ID() ID { return ID{Major: memDevMajor, Minor: nullDevMinor} }

// Kind implements Device.Kind.
func (nullDevice) Kind() Kind { return Char }

// Open implements Device.Open.
func (nullDevice) Open(context.Context) error { return nil }

// Close implements Device.Close.
func (nullDevice) Close(context.Context) error { return nil }

// ReadAt implements Device.ReadAt.
func (nullDevice) ReadAt(context.Context, []byte, int64) (int, error) {
	return 0, io.EOF
}

// WriteAt implements Device.WriteAt.
func (nullDevice) WriteAt(_ context.Context, p []byte, _ int64) (int, error) {
	return len(p), nil
}

// zeroDevice implements Device for /dev/zero.
type zeroDevice struct{}

// NewZero returns the zero character device, 1:5.
func NewZero() Device { return zeroDevice{} }

// Name implements Device.Name.
func (zeroDevice) Name() string { return "zero" }

// ID implements Device.ID.
func (zeroDevice) ID() ID { return ID{Major: memDevMajor, Minor: zeroDevMinor} }

// Kind implements Device.Kind.
func (zeroDevice) Kind() Kind { return Char }

// Open implements Device.Open.
func (zeroDevice) Open(context.Context) error { return nil }

// Close implements Device.Close.
func (zeroDevice) Close(context.Context) error { return nil }

// ReadAt implements Device.ReadAt.
func (zeroDevice) ReadAt(_ context.Context, p []byte, _ int64) (int, error) {
	clear(p)
	return len(p), nil
}

// WriteAt implements Device.WriteAt.
func (zeroDevice) WriteAt(_ context.Context, p []byte, _ int64) (int, error) {
	return len(p), nil
}

// RAMDisk is a fixed-size block device backed by memory.
type RAMDisk struct {
	name string
	id   ID

	mu    sync.RWMutex
	data  []byte
	opens int
}

// NewRAMDisk returns a RAM disk of size bytes with the given RAMDiskMajor
// minor number.
func NewRAMDisk(name string, minor uint64, size int) *RAMDisk {
	return &RAMDisk{
		name: name,
		id:   ID{Major: RAMDiskMajor, Minor: minor},
		data: make([]byte, size),
	}
}

// Name implements Device.Name.
func (d *RAMDisk) Name() string { return d.name }

// ID implements Device.ID.
func (d *RAMDisk) ID() ID { return d.id }

// Kind implements Device.Kind.
func (d *RAMDisk) Kind() Kind { return Block }

// Open implements Device.Open.
func (d *RAMDisk) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return nil
}

// Close implements Device.Close.
func (d *RAMDisk) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opens == 0 {
		return linuxerr.EBADF
	}
	d.opens--
	return nil
}

// Opens returns the number of outstanding opens.
func (d *RAMDisk) Opens() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opens
}

// Size returns the capacity of the disk in bytes.
func (d *RAMDisk) Size() int64 {
	return int64(len(d.data))
}

// ReadAt implements Device.ReadAt.
func (d *RAMDisk) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements Device.WriteAt.
func (d *RAMDisk) WriteAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if off >= int64(len(d.data)) {
		return 0, linuxerr.ENOSPC
	}
	n := copy(d.data[off:], p)
	if n < len(p) {
		return n, linuxerr.ENOSPC
	}
	return n, nil
}

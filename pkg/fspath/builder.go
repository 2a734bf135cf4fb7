// Copyright 2019 The gVisor Authors.
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

package fspath

// Builder produces a pathname from components supplied leaf first, as they
// are found when walking from a VEntry up to the namespace root.
type Builder struct {
	// buf is filled from the end; the pathname is buf[start:].
	buf        []byte
	start      int
	components int
	suffix     string
}

// Reset empties b, keeping its buffer.
func (b *Builder) Reset() {
	b.start = len(b.buf)
	b.components = 0
	b.suffix = ""
}

// Len returns the length of the accumulated pathname, without the suffix.
func (b *Builder) Len() int {
	return len(b.buf) - b.start
}

// Components returns the number of components prepended since the last Reset.
func (b *Builder) Components() int {
	return b.components
}

// PrependComponent prepends name, inserting a separator before the
// components already accumulated.
func (b *Builder) PrependComponent(name string) {
	if b.components > 0 {
		b.prepend("/")
	}
	b.prepend(name)
	b.components++
}

// SetSuffix sets a string emitted after the pathname, such as " (deleted)".
func (b *Builder) SetSuffix(s string) {
	b.suffix = s
}

func (b *Builder) prepend(s string) {
	if b.start < len(s) {
		b.grow(len(s))
	}
	b.start -= len(s)
	copy(b.buf[b.start:], s)
}

func (b *Builder) grow(n int) {
	size := max(2*len(b.buf), 64)
	for size-b.Len() < n {
		size *= 2
	}
	buf := make([]byte, size)
	start := size - b.Len()
	copy(buf[start:], b.buf[b.start:])
	b.buf, b.start = buf, start
}

// String returns the relative pathname followed by the suffix.
func (b *Builder) String() string {
	return string(b.buf[b.start:]) + b.suffix
}

// AbsoluteString returns the pathname rooted at "/" followed by the suffix.
func (b *Builder) AbsoluteString() string {
	return "/" + string(b.buf[b.start:]) + b.suffix
}

// PrependPath walks upward from n, prepending names until up reports the top
// of the namespace. up returns the name of n, the node above it, and false if
// n is the top. An empty name moves upward without adding a component, as when
// crossing from a mounted root to its mount point. PrependPath returns the
// number of components added.
func PrependPath[N any](b *Builder, n N, up func(N) (name string, next N, ok bool)) int {
	added := 0
	for {
		name, next, ok := up(n)
		if !ok {
			return added
		}
		if name != "" {
			b.PrependComponent(name)
			added++
		}
		n = next
	}
}

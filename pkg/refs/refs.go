// Copyright 2020 The gVisor Authors.
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

package refs

import (
	"fmt"
	"sync/atomic"
)

// Refs keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero. It is embedded by value in
// reference-counted filesystem objects; owner supplies leak-check messages.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop. See IncRef, DecRef and TryIncRef for details of
	// how these fields are used.
	refCount atomic.Int64

	// owner is the object that embeds Refs. It is immutable after InitRefs.
	owner CheckedObject
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking for owner.
func (r *Refs) InitRefs(owner CheckedObject) {
	r.owner = owner
	r.refCount.Store(1)
	Register(owner)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count. The caller must already hold a
// reference.
func (r *Refs) IncRef() {
	v := r.refCount.Add(1)
	LogIncRef(r.owner, v)
	if int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.owner.RefType()))
	}
}

// TryIncRef increments the reference count if it is non-zero.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to
// distinguish other TryIncRef calls from genuine references held.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	v := r.refCount.Add(-speculativeRef + 1)
	LogTryIncRef(r.owner, v)
	return true
}

// DecRef decrements the reference count and calls destroy when it reaches
// zero. destroy may be nil.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. In other words, we see speculative references only in the
// following case:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	LogDecRef(r.owner, v)
	switch {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.owner.RefType()))

	case int32(v) == 0:
		Unregister(r.owner)
		if destroy != nil {
			destroy()
		}
	}
}

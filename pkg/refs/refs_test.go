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

package refs

import (
	"fmt"
	"testing"
)

type testObject struct {
	Refs
	destroyed int
}

func (o *testObject) RefType() string     { return "testObject" }
func (o *testObject) LeakMessage() string { return fmt.Sprintf("[testObject %p] %d refs", o, o.ReadRefs()) }
func (o *testObject) LogRefs() bool       { return false }

func newTestObject() *testObject {
	o := &testObject{}
	o.InitRefs(o)
	return o
}

func TestDecRefDestroysAtZero(t *testing.T) {
	o := newTestObject()
	o.IncRef()
	if got := o.ReadRefs(); got != 2 {
		t.Fatalf("ReadRefs() = %d, want 2", got)
	}
	destroy := func() { o.destroyed++ }
	o.DecRef(destroy)
	if o.destroyed != 0 {
		t.Fatalf("destroyed with a reference outstanding")
	}
	o.DecRef(destroy)
	if o.destroyed != 1 {
		t.Fatalf("destroyed %d times, want 1", o.destroyed)
	}
}

func TestTryIncRef(t *testing.T) {
	o := newTestObject()
	if !o.TryIncRef() {
		t.Fatalf("TryIncRef() on live object = false")
	}
	o.DecRef(nil)
	o.DecRef(nil)
	if o.TryIncRef() {
		t.Fatalf("TryIncRef() on released object = true")
	}
	if got := o.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs() after failed TryIncRef = %d, want 0", got)
	}
}

func TestDecRefUnderflowPanics(t *testing.T) {
	o := newTestObject()
	o.DecRef(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on released object did not panic")
		}
	}()
	o.DecRef(nil)
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	before := LiveObjects()
	leaked := newTestObject()
	released := newTestObject()
	released.DecRef(nil)

	if got := LiveObjects() - before; got != 1 {
		t.Errorf("LiveObjects() grew by %d, want 1", got)
	}
	leaked.DecRef(nil)
	if got := LiveObjects(); got != before {
		t.Errorf("LiveObjects() = %d after release, want %d", got, before)
	}
}

func TestLeakModeFlag(t *testing.T) {
	for _, s := range []string{"disabled", "log-names", "panic"} {
		var m LeakMode
		if err := m.Set(s); err != nil {
			t.Errorf("Set(%q) failed: %v", s, err)
			continue
		}
		if got := m.String(); got != s {
			t.Errorf("String() = %q, want %q", got, s)
		}
	}
	var m LeakMode
	if err := m.Set("sometimes"); err == nil {
		t.Errorf("Set(sometimes) succeeded, want error")
	}
}

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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanReverseOrder(t *testing.T) {
	var order []int
	cu := Make(func() { order = append(order, 1) })
	cu.Add(func() { order = append(order, 2) })
	cu.Add(func() { order = append(order, 3) })
	cu.Clean()
	if diff := cmp.Diff([]int{3, 2, 1}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
	// A second Clean is a no-op.
	cu.Clean()
	if len(order) != 3 {
		t.Errorf("second Clean ran cleaners again: %v", order)
	}
}

func TestReleaseDefersCleaners(t *testing.T) {
	called := 0
	release := func() func() {
		cu := Make(func() { called++ })
		defer cu.Clean()
		cu.Add(func() { called++ })
		return cu.Release()
	}()
	if called != 0 {
		t.Fatalf("cleaners ran after Release: %d", called)
	}
	release()
	if called != 2 {
		t.Errorf("released cleaners ran %d times, want 2", called)
	}
}

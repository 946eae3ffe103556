// Copyright 2024 Voxmesh Labs
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

package allocator

import (
	"time"

	"github.com/gammazero/deque"
)

// AllocationSnapshot is one completed allocation pass, kept for
// diagnostics.
type AllocationSnapshot struct {
	At               time.Time
	TargetBitrateBps uint32
	Allocations      map[string]uint32 // by track id
}

type allocationHistory struct {
	depth   int
	entries deque.Deque[AllocationSnapshot]
}

func newAllocationHistory(depth int) *allocationHistory {
	return &allocationHistory{
		depth: depth,
	}
}

func (h *allocationHistory) add(snapshot AllocationSnapshot) {
	if h.depth <= 0 {
		return
	}

	for h.entries.Len() >= h.depth {
		h.entries.PopFront()
	}
	h.entries.PushBack(snapshot)
}

func (h *allocationHistory) snapshots() []AllocationSnapshot {
	out := make([]AllocationSnapshot, 0, h.entries.Len())
	for i := 0; i < h.entries.Len(); i++ {
		out = append(out, h.entries.At(i))
	}
	return out
}

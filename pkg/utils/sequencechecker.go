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

package utils

import (
	"bytes"
	"runtime"
	"strconv"

	"go.uber.org/atomic"
)

// SequenceChecker verifies that a group of calls stays on a single
// goroutine. It attaches to the first goroutine that calls Check and
// reports a violation for every other goroutine until Detach is called,
// after which the next Check re-attaches.
//
// The zero value is ready to use.
type SequenceChecker struct {
	attachedID atomic.Int64
}

// Check returns true if the call is on the attached goroutine, attaching
// to the current goroutine if none is attached yet.
func (s *SequenceChecker) Check() bool {
	id := CurrentGoroutineID()
	if s.attachedID.CompareAndSwap(0, id) {
		return true
	}
	return s.attachedID.Load() == id
}

// Detach unbinds the checker so that the next Check attaches to whichever
// goroutine makes it.
func (s *SequenceChecker) Detach() {
	s.attachedID.Store(0)
}

var goroutinePrefix = []byte("goroutine ")

// CurrentGoroutineID returns the id of the calling goroutine as printed
// in stack traces. The runtime does not expose the id directly, the first
// line of the stack header is the only stable way to get it.
func CurrentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	header := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if idx := bytes.IndexByte(header, ' '); idx > 0 {
		header = header[:idx]
	}

	id, err := strconv.ParseInt(string(header), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

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

// TrackConfig is the strategy-visible view of a registered stream.
type TrackConfig struct {
	MinBitrateBps     uint32
	MaxBitrateBps     uint32
	EnforceMinBitrate bool
	TrackID           string
}

// AllocationStrategy replaces the built-in tiered distribution when
// installed via SetAllocationStrategy. It may be swapped at any time
// without disrupting registered streams.
//
// The returned map must cover every input track exactly once, keyed by
// track id. A missing or unknown track id is a caller defect and makes
// the allocator panic. Track ids must be unique across registered streams
// while a strategy is installed.
type AllocationStrategy interface {
	AllocateBitrates(availableBitrateBps uint32, trackConfigs []TrackConfig) map[string]uint32
}

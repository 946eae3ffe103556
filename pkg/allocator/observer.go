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

// Observer is implemented by send streams with adaptive bitrate to receive
// the currently allocated bitrate for the stream. The current network
// properties are given at the same time, to let the stream decide about
// possible loss protection.
type Observer interface {
	// OnBitrateUpdated returns the amount of the allocation the stream is
	// reserving for loss protection, as bitrate in bps.
	OnBitrateUpdated(bitrateBps uint32, fractionLoss uint8, rttMs int64, bwePeriodMs int64) uint32
}

// LimitObserver is notified when aggregate stream limits, the minimum send
// bitrate and the maximum padding bitrate, change. Upstream probing logic
// uses these to size probes.
type LimitObserver interface {
	OnAllocationLimitsChanged(minSendBitrateBps uint32, maxPaddingBitrateBps uint32)
}

// observerConfig is the registry entry for one registered stream.
// All bitrates are in bps.
type observerConfig struct {
	observer Observer

	minBitrateBps     uint32 // 0 = no floor
	maxBitrateBps     uint32 // 0 = no ceiling
	padUpBitrateBps   uint32
	enforceMinBitrate bool
	trackID           string

	// hasAllocation distinguishes "never allocated" from a zero
	// allocation, there is no sentinel bitrate value
	hasAllocation       bool
	allocatedBitrateBps uint32

	// part of the allocation used for media [0.0, 1.0], the rest is the
	// stream's protection overhead as reported by OnBitrateUpdated
	mediaRatio float64
}

func newObserverConfig(
	observer Observer,
	minBitrateBps uint32,
	maxBitrateBps uint32,
	padUpBitrateBps uint32,
	enforceMinBitrate bool,
	trackID string,
) *observerConfig {
	return &observerConfig{
		observer:          observer,
		minBitrateBps:     minBitrateBps,
		maxBitrateBps:     maxBitrateBps,
		padUpBitrateBps:   padUpBitrateBps,
		enforceMinBitrate: enforceMinBitrate,
		trackID:           trackID,
		mediaRatio:        1.0,
	}
}

// lastAllocatedBitrate returns the configured minimum for streams that have
// never been through an allocation pass, so a newly added stream is not
// treated as paused and does not need to clear the resume hysteresis.
func (oc *observerConfig) lastAllocatedBitrate() uint32 {
	if !oc.hasAllocation {
		return oc.minBitrateBps
	}
	return oc.allocatedBitrateBps
}

func mediaRatio(allocatedBitrateBps uint32, protectionBitrateBps uint32) float64 {
	if protectionBitrateBps == 0 || allocatedBitrateBps < protectionBitrateBps {
		return 1.0
	}

	return float64(allocatedBitrateBps-protectionBitrateBps) / float64(allocatedBitrateBps)
}

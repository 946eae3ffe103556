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
	"fmt"
	"math"
)

type observerAllocation map[Observer]uint32

// allocateBitrates maps the total supply to a per-stream allocation. It
// never fails, every input including zero has a well-defined output. The
// only failure-shaped outcome is a stream driven to zero, which shows up
// in the pause-event counter, not on an error path.
func (b *BitrateAllocator) allocateBitrates(bitrateBps uint32) observerAllocation {
	if b.observers.Len() == 0 {
		return observerAllocation{}
	}

	if b.strategy != nil {
		return b.runStrategy(bitrateBps)
	}

	if bitrateBps == 0 {
		return b.zeroRateAllocation()
	}

	sumMinBitrateBps := uint32(0)
	sumMaxBitrateBps := uint32(0)
	hasUnbounded := false
	for el := b.observers.Front(); el != nil; el = el.Next() {
		sumMinBitrateBps += el.Value.minBitrateBps
		sumMaxBitrateBps += el.Value.maxBitrateBps
		if el.Value.maxBitrateBps == 0 {
			hasUnbounded = true
		}
	}

	// not enough for everyone, allocate by enforced floors, then streams
	// that were running last round, then paused streams over hysteresis
	if !b.enoughBitrateForAllObservers(bitrateBps, sumMinBitrateBps) {
		return b.lowRateAllocation(bitrateBps)
	}

	// a stream without a declared maximum can absorb any surplus
	if hasUnbounded || bitrateBps <= sumMaxBitrateBps {
		return b.normalRateAllocation(bitrateBps)
	}

	return b.maxRateAllocation(bitrateBps)
}

func (b *BitrateAllocator) runStrategy(bitrateBps uint32) observerAllocation {
	trackConfigs := make([]TrackConfig, 0, b.observers.Len())
	seen := make(map[string]bool, b.observers.Len())
	for el := b.observers.Front(); el != nil; el = el.Next() {
		oc := el.Value
		if seen[oc.trackID] {
			b.params.Logger.Errorw("duplicate track id with external strategy", nil, "trackID", oc.trackID)
			panic(fmt.Sprintf("allocator: track ids must be unique with an external strategy, trackID: %s", oc.trackID))
		}
		seen[oc.trackID] = true
		trackConfigs = append(trackConfigs, TrackConfig{
			MinBitrateBps:     oc.minBitrateBps,
			MaxBitrateBps:     oc.maxBitrateBps,
			EnforceMinBitrate: oc.enforceMinBitrate,
			TrackID:           oc.trackID,
		})
	}

	trackAllocations := b.strategy.AllocateBitrates(bitrateBps, trackConfigs)
	if len(trackAllocations) != len(trackConfigs) {
		b.params.Logger.Errorw(
			"strategy returned wrong number of tracks", nil,
			"expected", len(trackConfigs),
			"got", len(trackAllocations),
		)
		panic("allocator: strategy must allocate every track exactly once")
	}

	allocation := make(observerAllocation, len(trackConfigs))
	for el := b.observers.Front(); el != nil; el = el.Next() {
		allocatedBitrateBps, ok := trackAllocations[el.Value.trackID]
		if !ok {
			b.params.Logger.Errorw("strategy result missing track", nil, "trackID", el.Value.trackID)
			panic(fmt.Sprintf("allocator: strategy result missing track, trackID: %s", el.Value.trackID))
		}
		allocation[el.Key] = allocatedBitrateBps
	}
	return allocation
}

func (b *BitrateAllocator) zeroRateAllocation() observerAllocation {
	allocation := make(observerAllocation, b.observers.Len())
	for el := b.observers.Front(); el != nil; el = el.Next() {
		if b.params.Config.HonorEnforcedFloorsAtZero && el.Value.enforceMinBitrate {
			allocation[el.Key] = el.Value.minBitrateBps
		} else {
			allocation[el.Key] = 0
		}
	}
	return allocation
}

func (b *BitrateAllocator) lowRateAllocation(bitrateBps uint32) observerAllocation {
	allocation := make(observerAllocation, b.observers.Len())

	// enforced floors first, in registration order, even when that
	// overcommits the supply. The excess is bounded by the sum of the
	// enforced minimums.
	remainingBitrateBps := bitrateBps
	for el := b.observers.Front(); el != nil; el = el.Next() {
		oc := el.Value
		allocatedBitrateBps := uint32(0)
		if oc.enforceMinBitrate {
			allocatedBitrateBps = oc.minBitrateBps
			if remainingBitrateBps < oc.minBitrateBps {
				remainingBitrateBps = 0
			} else {
				remainingBitrateBps -= oc.minBitrateBps
			}
		}
		allocation[el.Key] = allocatedBitrateBps
	}

	// then streams that were running last round
	if remainingBitrateBps > 0 {
		for el := b.observers.Front(); el != nil; el = el.Next() {
			oc := el.Value
			if oc.enforceMinBitrate || oc.lastAllocatedBitrate() == 0 {
				continue
			}
			requiredBitrateBps := b.minBitrateWithHysteresis(oc)
			if remainingBitrateBps >= requiredBitrateBps {
				allocation[el.Key] = requiredBitrateBps
				remainingBitrateBps -= requiredBitrateBps
			}
		}
	}

	// finally paused streams, these have to clear the resume hysteresis
	if remainingBitrateBps > 0 {
		for el := b.observers.Front(); el != nil; el = el.Next() {
			oc := el.Value
			if oc.enforceMinBitrate || oc.lastAllocatedBitrate() != 0 {
				continue
			}
			requiredBitrateBps := b.minBitrateWithHysteresis(oc)
			if remainingBitrateBps >= requiredBitrateBps {
				allocation[el.Key] = requiredBitrateBps
				remainingBitrateBps -= requiredBitrateBps
			}
		}
	}

	// split a possible remainder over the streams that got an allocation
	if remainingBitrateBps > 0 {
		b.distributeBitrateEvenly(remainingBitrateBps, false, 1, allocation)
	}

	return allocation
}

func (b *BitrateAllocator) normalRateAllocation(bitrateBps uint32) observerAllocation {
	allocation := make(observerAllocation, b.observers.Len())
	remainingBitrateBps := bitrateBps
	for el := b.observers.Front(); el != nil; el = el.Next() {
		allocation[el.Key] = el.Value.minBitrateBps
		remainingBitrateBps -= el.Value.minBitrateBps
	}

	if remainingBitrateBps > 0 {
		b.distributeBitrateEvenly(remainingBitrateBps, true, b.params.Config.TransmissionOverflowMultiplier, allocation)
	}

	return allocation
}

func (b *BitrateAllocator) maxRateAllocation(bitrateBps uint32) observerAllocation {
	allocation := make(observerAllocation, b.observers.Len())
	remainingBitrateBps := bitrateBps
	for el := b.observers.Front(); el != nil; el = el.Next() {
		allocation[el.Key] = el.Value.maxBitrateBps
		remainingBitrateBps -= el.Value.maxBitrateBps
	}

	// surplus beyond everyone's maximum is left unallocated for padding
	// and probing, unless overshoot is configured
	if remainingBitrateBps > 0 && b.params.Config.TransmissionOverflowMultiplier > 1 {
		b.distributeBitrateEvenly(remainingBitrateBps, true, b.params.Config.TransmissionOverflowMultiplier, allocation)
	}

	return allocation
}

// distributeBitrateEvenly splits bitrateBps over the streams already in
// allocation, in rounds of equal integer shares with the division
// remainder carried forward one bps at a time in registration order.
// Streams are capped at maxMultiplier x their declared maximum (0 meaning
// unbounded), whatever a capped stream cannot absorb is carried into the
// next round for the remaining streams. Supply left when every stream is
// capped stays unallocated.
func (b *BitrateAllocator) distributeBitrateEvenly(bitrateBps uint32, includeZeroAllocations bool, maxMultiplier uint32, allocation observerAllocation) {
	eligible := make([]*observerConfig, 0, b.observers.Len())
	for el := b.observers.Front(); el != nil; el = el.Next() {
		if includeZeroAllocations || allocation[el.Key] != 0 {
			eligible = append(eligible, el.Value)
		}
	}

	remainingBitrateBps := bitrateBps
	for remainingBitrateBps > 0 && len(eligible) > 0 {
		share := remainingBitrateBps / uint32(len(eligible))
		carry := remainingBitrateBps % uint32(len(eligible))
		remainingBitrateBps = 0

		uncapped := make([]*observerConfig, 0, len(eligible))
		for i, oc := range eligible {
			grant := share
			if uint32(i) < carry {
				grant++
			}

			total := allocation[oc.observer] + grant
			capBitrateBps := cappedBitrate(oc, maxMultiplier)
			if capBitrateBps > 0 && total >= capBitrateBps {
				remainingBitrateBps += total - capBitrateBps
				total = capBitrateBps
			} else {
				uncapped = append(uncapped, oc)
			}
			allocation[oc.observer] = total
		}

		eligible = uncapped
	}
}

// cappedBitrate returns the absorption limit for a stream, 0 meaning
// unbounded.
func cappedBitrate(oc *observerConfig, maxMultiplier uint32) uint32 {
	if oc.maxBitrateBps == 0 {
		return 0
	}
	return oc.maxBitrateBps * maxMultiplier
}

// minBitrateWithHysteresis is the minimum a stream needs before it may
// run, inflated for paused streams so a marginal estimate does not flap
// the stream between paused and active.
func (b *BitrateAllocator) minBitrateWithHysteresis(oc *observerConfig) uint32 {
	minBitrateBps := oc.minBitrateBps
	if oc.lastAllocatedBitrate() == 0 {
		minBitrateBps += uint32(math.Max(
			b.params.Config.ToggleFactor*float64(minBitrateBps),
			float64(b.params.Config.MinToggleBitrateBps),
		))
	}

	// account for the protection overhead this stream carried while it
	// was last active. The ratio is only updated while the stream runs,
	// a paused stream may wait slightly longer than strictly necessary,
	// which is preferable to toggling.
	if oc.mediaRatio > 0.0 && oc.mediaRatio < 1.0 {
		minBitrateBps += uint32(float64(minBitrateBps) * (1.0 - oc.mediaRatio))
	}

	return minBitrateBps
}

func (b *BitrateAllocator) enoughBitrateForAllObservers(bitrateBps uint32, sumMinBitrateBps uint32) bool {
	if bitrateBps < sumMinBitrateBps {
		return false
	}

	extraBitratePerObserver := (bitrateBps - sumMinBitrateBps) / uint32(b.observers.Len())
	for el := b.observers.Front(); el != nil; el = el.Next() {
		oc := el.Value
		if oc.minBitrateBps+extraBitratePerObserver < b.minBitrateWithHysteresis(oc) {
			return false
		}
	}
	return true
}

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
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/voxmesh/bitrate-allocator/pkg/config"
	"github.com/voxmesh/bitrate-allocator/pkg/telemetry/prometheus"
	"github.com/voxmesh/bitrate-allocator/pkg/utils"
)

const bweLogInterval = 5 * time.Second

type BitrateAllocatorParams struct {
	Config        config.AllocatorConfig
	LimitObserver LimitObserver
	Logger        logger.Logger
}

// BitrateAllocator distributes one total bitrate estimate across the
// registered streams. Registration order is preserved and used as the
// tie-break when supply cannot cover everyone.
//
// All methods must be called from a single goroutine. That invariant is
// checked at runtime, violating it panics. Callbacks to streams and to the
// limit observer run synchronously on the caller's stack.
type BitrateAllocator struct {
	params BitrateAllocatorParams

	sequence utils.SequenceChecker

	// insertion order is a documented fairness rule, the registry has to
	// stay an ordered map
	observers *orderedmap.OrderedMap[Observer, *observerConfig]

	lastBitrateBps        uint32
	lastNonZeroBitrateBps uint32
	lastFractionLoss      uint8
	lastRttMs             int64
	lastBwePeriodMs       int64

	totalRequestedMinBitrateBps     uint32
	totalRequestedPaddingBitrateBps uint32

	// nil selects the built-in tiered algorithm
	strategy AllocationStrategy

	// streams driven to zero by a too-low estimate, not network up/down
	// and not removal
	numPauseEvents atomic.Int32

	lastBweLogTime time.Time

	history *allocationHistory
}

func NewBitrateAllocator(params BitrateAllocatorParams) *BitrateAllocator {
	params.Config = params.Config.WithDefaults()

	return &BitrateAllocator{
		params:                params,
		observers:             orderedmap.NewOrderedMap[Observer, *observerConfig](),
		lastNonZeroBitrateBps: params.Config.DefaultStartBitrateBps,
		history:               newAllocationHistory(params.Config.HistoryDepth),
	}
}

// OnNetworkChanged distributes targetBitrateBps across the registered
// streams. Every stream gets its OnBitrateUpdated callback in registration
// order even when its allocation did not change, streams consume the
// loss/RTT fields regardless of bitrate.
func (b *BitrateAllocator) OnNetworkChanged(targetBitrateBps uint32, fractionLoss uint8, rttMs int64, bwePeriodMs int64) {
	b.checkSequence()

	b.lastBitrateBps = targetBitrateBps
	if targetBitrateBps > 0 {
		b.lastNonZeroBitrateBps = targetBitrateBps
	}
	b.lastFractionLoss = fractionLoss
	b.lastRttMs = rttMs
	b.lastBwePeriodMs = bwePeriodMs

	now := time.Now()
	if now.Sub(b.lastBweLogTime) > bweLogInterval {
		b.params.Logger.Debugw(
			"current BWE",
			"targetBitrateBps", targetBitrateBps,
			"fractionLoss", fractionLoss,
			"rttMs", rttMs,
		)
		b.lastBweLogTime = now
	}
	prometheus.RecordTargetBitrate(targetBitrateBps)

	allocation := b.allocateBitrates(targetBitrateBps)
	for el := b.observers.Front(); el != nil; el = el.Next() {
		oc := el.Value
		allocatedBitrateBps := allocation[oc.observer]
		protectionBitrateBps := oc.observer.OnBitrateUpdated(allocatedBitrateBps, fractionLoss, rttMs, bwePeriodMs)

		if allocatedBitrateBps == 0 && oc.hasAllocation && oc.allocatedBitrateBps > 0 {
			// an estimate of zero is the network going away, only count
			// pauses caused by a live but insufficient estimate
			if targetBitrateBps > 0 {
				b.numPauseEvents.Inc()
				prometheus.IncPauseEvent()
			}
			b.params.Logger.Infow(
				"pausing stream",
				"trackID", oc.trackID,
				"minBitrateBps", oc.minBitrateBps,
				"targetBitrateBps", targetBitrateBps,
			)
		} else if allocatedBitrateBps > 0 && oc.hasAllocation && oc.allocatedBitrateBps == 0 {
			b.params.Logger.Infow(
				"resuming stream",
				"trackID", oc.trackID,
				"allocatedBitrateBps", allocatedBitrateBps,
				"protectionBitrateBps", protectionBitrateBps,
			)
		}

		// a paused stream keeps its last known media ratio
		if allocatedBitrateBps > 0 {
			oc.mediaRatio = mediaRatio(allocatedBitrateBps, protectionBitrateBps)
		}
		oc.allocatedBitrateBps = allocatedBitrateBps
		oc.hasAllocation = true
	}

	b.history.add(b.snapshot(now, targetBitrateBps, allocation))
	b.updateAllocationLimits()
}

// AddObserver registers a stream and synchronously delivers its first
// allocation, computed against the most recent network state. Streams
// already flowing are left untouched, a late joiner re-balances everyone
// only on the next network update. That is a deliberate simplification
// over full re-optimization on registration.
//
// Registering the same observer twice is a caller defect and panics.
func (b *BitrateAllocator) AddObserver(
	observer Observer,
	minBitrateBps uint32,
	maxBitrateBps uint32,
	padUpBitrateBps uint32,
	enforceMinBitrate bool,
	trackID string,
) {
	b.checkSequence()

	if _, ok := b.observers.Get(observer); ok {
		b.params.Logger.Errorw("duplicate observer registration", nil, "trackID", trackID)
		panic(fmt.Sprintf("allocator: observer already registered, trackID: %s", trackID))
	}

	oc := newObserverConfig(observer, minBitrateBps, maxBitrateBps, padUpBitrateBps, enforceMinBitrate, trackID)
	b.observers.Set(observer, oc)
	prometheus.AddStream()

	if b.lastBitrateBps > 0 {
		allocation := b.allocateBitrates(b.lastBitrateBps)
		allocatedBitrateBps := allocation[observer]
		protectionBitrateBps := observer.OnBitrateUpdated(allocatedBitrateBps, b.lastFractionLoss, b.lastRttMs, b.lastBwePeriodMs)
		if allocatedBitrateBps > 0 {
			oc.mediaRatio = mediaRatio(allocatedBitrateBps, protectionBitrateBps)
		}
		oc.allocatedBitrateBps = allocatedBitrateBps
		oc.hasAllocation = true
	} else {
		// no usable estimate, the stream may not send yet but still
		// learns the current loss/RTT
		observer.OnBitrateUpdated(0, b.lastFractionLoss, b.lastRttMs, b.lastBwePeriodMs)
	}

	b.updateAllocationLimits()
}

// RemoveObserver unregisters a stream. It does not trigger a new
// allocation for the remaining streams, only the aggregate limits are
// recomputed. Removing an unknown observer is a no-op.
func (b *BitrateAllocator) RemoveObserver(observer Observer) {
	b.checkSequence()

	if _, ok := b.observers.Get(observer); !ok {
		return
	}

	b.observers.Delete(observer)
	prometheus.SubStream()
	b.updateAllocationLimits()
}

// GetStartBitrate returns the bitrate a stream should start sending at.
// A stream with a prior allocation gets that back, otherwise a fair share
// of the last usable estimate.
func (b *BitrateAllocator) GetStartBitrate(observer Observer) int64 {
	b.checkSequence()

	oc, ok := b.observers.Get(observer)
	if !ok {
		// not added yet, its fair share if it joined now
		return int64(b.lastNonZeroBitrateBps) / int64(b.observers.Len()+1)
	}
	if !oc.hasAllocation {
		return int64(b.lastNonZeroBitrateBps) / int64(b.observers.Len())
	}
	return int64(oc.allocatedBitrateBps)
}

// SetAllocationStrategy installs an external allocation strategy, nil
// restores the built-in tiered algorithm. Takes effect on the next
// OnNetworkChanged, it does not re-run allocation retroactively.
func (b *BitrateAllocator) SetAllocationStrategy(strategy AllocationStrategy) {
	b.checkSequence()

	if strategy == nil {
		b.params.Logger.Debugw("restoring default allocation strategy")
	} else {
		b.params.Logger.Debugw("installing external allocation strategy")
	}
	b.strategy = strategy
}

// NumPauseEvents is safe to read from any goroutine.
func (b *BitrateAllocator) NumPauseEvents() int32 {
	return b.numPauseEvents.Load()
}

// History returns the most recent allocation passes, newest last.
func (b *BitrateAllocator) History() []AllocationSnapshot {
	b.checkSequence()

	return b.history.snapshots()
}

func (b *BitrateAllocator) updateAllocationLimits() {
	totalRequestedPaddingBitrateBps := uint32(0)
	totalRequestedMinBitrateBps := uint32(0)
	for el := b.observers.Front(); el != nil; el = el.Next() {
		// non-enforced streams still contribute, the aggregate is what
		// would be needed to keep everyone running, not what is guaranteed
		totalRequestedMinBitrateBps += el.Value.minBitrateBps
		totalRequestedPaddingBitrateBps += el.Value.padUpBitrateBps
	}

	if totalRequestedMinBitrateBps == b.totalRequestedMinBitrateBps &&
		totalRequestedPaddingBitrateBps == b.totalRequestedPaddingBitrateBps {
		return
	}

	b.totalRequestedMinBitrateBps = totalRequestedMinBitrateBps
	b.totalRequestedPaddingBitrateBps = totalRequestedPaddingBitrateBps

	b.params.Logger.Debugw(
		"allocation limits changed",
		"minSendBitrateBps", totalRequestedMinBitrateBps,
		"maxPaddingBitrateBps", totalRequestedPaddingBitrateBps,
	)
	prometheus.RecordAllocationLimits(totalRequestedMinBitrateBps, totalRequestedPaddingBitrateBps)

	if b.params.LimitObserver != nil {
		b.params.LimitObserver.OnAllocationLimitsChanged(totalRequestedMinBitrateBps, totalRequestedPaddingBitrateBps)
	}
}

func (b *BitrateAllocator) checkSequence() {
	if !b.sequence.Check() {
		b.params.Logger.Errorw("bitrate allocator called off its sequence", nil, "goroutineID", utils.CurrentGoroutineID())
		panic("allocator: called from the wrong goroutine")
	}
}

func (b *BitrateAllocator) snapshot(at time.Time, targetBitrateBps uint32, allocation observerAllocation) AllocationSnapshot {
	allocations := make(map[string]uint32, b.observers.Len())
	for el := b.observers.Front(); el != nil; el = el.Next() {
		allocations[el.Value.trackID] = allocation[el.Key]
	}
	return AllocationSnapshot{
		At:               at,
		TargetBitrateBps: targetBitrateBps,
		Allocations:      allocations,
	}
}

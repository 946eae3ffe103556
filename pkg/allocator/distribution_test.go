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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/voxmesh/bitrate-allocator/pkg/config"
)

func TestRemainderIsCarriedNotDropped(t *testing.T) {
	b := newTestAllocator(nil)

	observers := make([]*testObserver, 3)
	for i, id := range []string{"a", "b", "c"} {
		observers[i] = &testObserver{}
		b.AddObserver(observers[i], 0, 0, 0, false, id)
	}

	b.OnNetworkChanged(100_000, 0, 0, 0)

	// 100000 does not divide by three, the leftover bps land on the
	// earliest registered streams
	require.Equal(t, uint32(33_334), observers[0].lastBitrate())
	require.Equal(t, uint32(33_333), observers[1].lastBitrate())
	require.Equal(t, uint32(33_333), observers[2].lastBitrate())

	sum := uint32(0)
	for _, o := range observers {
		sum += o.lastBitrate()
	}
	require.Equal(t, uint32(100_000), sum)
}

func TestCappedResidueGoesToUncappedStreams(t *testing.T) {
	b := newTestAllocator(nil)

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 0, 10_000, 0, false, "a")
	b.AddObserver(bb, 0, 0, 0, false, "b")

	b.OnNetworkChanged(100_000, 0, 0, 0)
	require.Equal(t, uint32(10_000), a.lastBitrate())
	require.Equal(t, uint32(90_000), bb.lastBitrate())
}

func TestMaxRateLeavesSurplusUnallocated(t *testing.T) {
	b := newTestAllocator(nil)

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 10_000, 20_000, 0, false, "a")
	b.AddObserver(bb, 10_000, 20_000, 0, false, "b")

	// supply way beyond everyone's maximum, the surplus is left for
	// padding and probing
	b.OnNetworkChanged(100_000, 0, 0, 0)
	require.Equal(t, uint32(20_000), a.lastBitrate())
	require.Equal(t, uint32(20_000), bb.lastBitrate())
}

func TestMaxRateOvershootWhenConfigured(t *testing.T) {
	cfg := config.DefaultConfig.Allocator
	cfg.TransmissionOverflowMultiplier = 2
	b := NewBitrateAllocator(BitrateAllocatorParams{
		Config: cfg,
		Logger: logger.GetLogger(),
	})

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 10_000, 20_000, 0, false, "a")
	b.AddObserver(bb, 10_000, 20_000, 0, false, "b")

	b.OnNetworkChanged(100_000, 0, 0, 0)
	require.Equal(t, uint32(40_000), a.lastBitrate())
	require.Equal(t, uint32(40_000), bb.lastBitrate())
}

func TestCompetingEnforcedFloorsAreBothHonored(t *testing.T) {
	b := newTestAllocator(nil)

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 10_000, 20_000, 0, true, "a")
	b.AddObserver(bb, 10_000, 20_000, 0, true, "b")

	// enforced floors overcommit a 5 kbps estimate, the excess is bounded
	// by the sum of the enforced minimums
	b.OnNetworkChanged(5_000, 0, 0, 0)
	require.Equal(t, uint32(10_000), a.lastBitrate())
	require.Equal(t, uint32(10_000), bb.lastBitrate())
}

func TestLowRateLeftoverStaysWithinCaps(t *testing.T) {
	b := newTestAllocator(nil)

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 10_000, 12_000, 0, false, "a")
	b.AddObserver(bb, 10_000, 50_000, 0, false, "b")

	// low tier: a gets its minimum, the leftover may not push it past its
	// own maximum
	b.OnNetworkChanged(15_000, 0, 0, 0)
	require.Equal(t, uint32(12_000), a.lastBitrate())
	require.Equal(t, uint32(0), bb.lastBitrate())
}

type fixedStrategy struct {
	allocations map[string]uint32
	calls       int
}

func (s *fixedStrategy) AllocateBitrates(availableBitrateBps uint32, trackConfigs []TrackConfig) map[string]uint32 {
	s.calls++
	return s.allocations
}

func TestExternalStrategyReplacesDefault(t *testing.T) {
	b := newTestAllocator(nil)

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 0, 0, 0, false, "a")
	b.AddObserver(bb, 0, 0, 0, false, "b")

	strategy := &fixedStrategy{
		allocations: map[string]uint32{"a": 70_000, "b": 30_000},
	}
	b.SetAllocationStrategy(strategy)

	b.OnNetworkChanged(100_000, 0, 0, 0)
	require.Equal(t, 1, strategy.calls)
	require.Equal(t, uint32(70_000), a.lastBitrate())
	require.Equal(t, uint32(30_000), bb.lastBitrate())

	// nil restores the built-in algorithm
	b.SetAllocationStrategy(nil)
	b.OnNetworkChanged(100_000, 0, 0, 0)
	require.Equal(t, 1, strategy.calls)
	require.Equal(t, uint32(50_000), a.lastBitrate())
	require.Equal(t, uint32(50_000), bb.lastBitrate())
}

func TestStrategyMissingTrackPanics(t *testing.T) {
	b := newTestAllocator(nil)

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 0, 0, 0, false, "a")
	b.AddObserver(bb, 0, 0, 0, false, "b")

	b.SetAllocationStrategy(&fixedStrategy{
		allocations: map[string]uint32{"a": 70_000, "x": 30_000},
	})
	require.Panics(t, func() {
		b.OnNetworkChanged(100_000, 0, 0, 0)
	})
}

func TestStrategyWithDuplicateTrackIDsPanics(t *testing.T) {
	b := newTestAllocator(nil)

	a := &testObserver{}
	bb := &testObserver{}
	b.AddObserver(a, 0, 0, 0, false, "same")
	b.AddObserver(bb, 0, 0, 0, false, "same")

	b.SetAllocationStrategy(&fixedStrategy{
		allocations: map[string]uint32{"same": 100_000},
	})
	require.Panics(t, func() {
		b.OnNetworkChanged(100_000, 0, 0, 0)
	})
}

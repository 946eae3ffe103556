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
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/voxmesh/bitrate-allocator/pkg/config"
)

type syncObserver struct {
	lock  sync.Mutex
	last  bitrateUpdate
	count int
}

func (o *syncObserver) OnBitrateUpdated(bitrateBps uint32, fractionLoss uint8, rttMs int64, bwePeriodMs int64) uint32 {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.last = bitrateUpdate{bitrateBps, fractionLoss, rttMs, bwePeriodMs}
	o.count++
	return 0
}

func (o *syncObserver) snapshot() (bitrateUpdate, int) {
	o.lock.Lock()
	defer o.lock.Unlock()

	return o.last, o.count
}

type fakeBWE struct {
	lock       sync.Mutex
	onTarget   func(int)
	rtcpWrites int
}

func (f *fakeBWE) AddStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	return writer
}

func (f *fakeBWE) WriteRTCP(pkts []rtcp.Packet, attributes interceptor.Attributes) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.rtcpWrites++
	return nil
}

func (f *fakeBWE) GetTargetBitrate() int {
	return 0
}

func (f *fakeBWE) OnTargetBitrateChange(fn func(bitrate int)) {
	f.onTarget = fn
}

func (f *fakeBWE) GetStats() map[string]interface{} {
	return nil
}

func (f *fakeBWE) Close() error {
	return nil
}

func newTestWorker(t *testing.T) *Worker {
	w := NewWorker(WorkerParams{
		Config: config.DefaultConfig,
		Logger: logger.GetLogger(),
	})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerDrivesAllocatorFromEstimator(t *testing.T) {
	w := newTestWorker(t)

	o := &syncObserver{}
	w.AddObserver(o, 0, 0, 0, false, "t1")

	bwe := &fakeBWE{}
	w.SetBandwidthEstimator(bwe)
	require.NotNil(t, bwe.onTarget)

	bwe.onTarget(100_000)
	require.Eventually(t, func() bool {
		last, _ := o.snapshot()
		return last.bitrateBps == 100_000
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerFoldsReceiverReportIntoPasses(t *testing.T) {
	w := newTestWorker(t)

	o := &syncObserver{}
	w.AddObserver(o, 0, 0, 0, false, "t1")

	w.OnRTCPReceiverReport(rtcp.ReceptionReport{FractionLost: 64})
	w.PostEstimate(50_000)

	require.Eventually(t, func() bool {
		last, _ := o.snapshot()
		return last.bitrateBps == 50_000 &&
			last.fractionLoss == 64 &&
			last.bwePeriodMs == config.DefaultConfig.Worker.BwePeriodMs
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerGetStartBitrate(t *testing.T) {
	w := newTestWorker(t)

	o := &syncObserver{}
	w.AddObserver(o, 0, 0, 0, false, "t1")

	// queued behind the registration, so the observer is visible
	require.Equal(t, int64(300_000), w.GetStartBitrate(o))

	w.PostEstimate(90_000)
	require.Eventually(t, func() bool {
		return w.GetStartBitrate(o) == 90_000
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerForwardsTransportCCFeedback(t *testing.T) {
	w := newTestWorker(t)

	bwe := &fakeBWE{}
	w.SetBandwidthEstimator(bwe)

	w.OnTransportCCFeedback(&rtcp.TransportLayerCC{})

	bwe.lock.Lock()
	writes := bwe.rtcpWrites
	bwe.lock.Unlock()
	require.Equal(t, 1, writes)
}

func TestWorkerStop(t *testing.T) {
	w := NewWorker(WorkerParams{
		Config: config.DefaultConfig,
		Logger: logger.GetLogger(),
	})
	w.Start()

	w.Stop()
	w.Stop()

	// posts after stop are dropped, queries fall back to the default
	w.PostEstimate(100_000)
	require.Equal(t, int64(300_000), w.GetStartBitrate(&syncObserver{}))
}

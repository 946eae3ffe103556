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

	"github.com/frostbyte73/core"
	"github.com/livekit/mediatransportutil"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtcp"

	"github.com/livekit/protocol/logger"

	"github.com/voxmesh/bitrate-allocator/pkg/config"
	"github.com/voxmesh/bitrate-allocator/pkg/utils"
)

type WorkerParams struct {
	Config        config.Config
	LimitObserver LimitObserver
	Logger        logger.Logger
}

// Worker is the event-loop front end of the allocator. The allocator core
// requires every call on a single goroutine, the worker owns that
// goroutine and marshals estimator callbacks, RTCP feedback and stream
// registration onto it, so callers on any goroutine can drive one
// allocator safely.
type Worker struct {
	params WorkerParams

	allocator *BitrateAllocator
	ops       *utils.OpsQueue
	stop      core.Fuse

	bwe cc.BandwidthEstimator

	lock         sync.Mutex
	fractionLoss uint8
	rttMs        int64
	bwePeriodMs  int64
}

func NewWorker(params WorkerParams) *Worker {
	params.Config.Worker = params.Config.Worker.WithDefaults()

	w := &Worker{
		params:      params,
		ops:         utils.NewOpsQueue(params.Logger, "bitrate-allocator", params.Config.Worker.OpsQueueSize),
		bwePeriodMs: params.Config.Worker.BwePeriodMs,
	}
	w.allocator = NewBitrateAllocator(BitrateAllocatorParams{
		Config:        params.Config.Allocator,
		LimitObserver: params.LimitObserver,
		Logger:        params.Logger,
	})
	return w
}

func (w *Worker) Start() {
	w.ops.Start()
}

func (w *Worker) Stop() {
	w.stop.Once(func() {
		w.ops.Stop()
	})
}

// SetBandwidthEstimator hooks a send side bandwidth estimator up as the
// source of total-bitrate updates.
func (w *Worker) SetBandwidthEstimator(bwe cc.BandwidthEstimator) {
	if bwe != nil {
		bwe.OnTargetBitrateChange(w.onTargetBitrateChange)
	}
	w.bwe = bwe
}

// OnTransportCCFeedback forwards transport-wide congestion control
// feedback to the bandwidth estimator, which reacts with a target bitrate
// change when warranted.
func (w *Worker) OnTransportCCFeedback(fb *rtcp.TransportLayerCC) {
	if w.bwe != nil {
		if err := w.bwe.WriteRTCP([]rtcp.Packet{fb}, nil); err != nil {
			w.params.Logger.Warnw("could not feed transport-cc feedback", err)
		}
	}
}

// OnRTCPReceiverReport folds the report's loss fraction and RTT into the
// network state delivered with subsequent allocation passes.
func (w *Worker) OnRTCPReceiverReport(rr rtcp.ReceptionReport) {
	rttMs := int64(0)
	if rtt, err := mediatransportutil.GetRttMsFromReceiverReportOnly(&rr); err == nil {
		rttMs = int64(rtt)
	}

	w.lock.Lock()
	w.fractionLoss = rr.FractionLost
	if rttMs > 0 {
		w.rttMs = rttMs
	}
	w.lock.Unlock()
}

// PostEstimate runs an allocation pass for a new total-bitrate estimate,
// combined with the last known loss/RTT/period. It returns without
// waiting for the pass to run.
func (w *Worker) PostEstimate(targetBitrateBps uint32) {
	fractionLoss, rttMs, bwePeriodMs := w.networkState()
	w.ops.Enqueue(func() {
		w.allocator.OnNetworkChanged(targetBitrateBps, fractionLoss, rttMs, bwePeriodMs)
	})
}

// AddObserver registers a stream with the allocator. The stream's first
// OnBitrateUpdated callback is delivered on the worker goroutine.
func (w *Worker) AddObserver(
	observer Observer,
	minBitrateBps uint32,
	maxBitrateBps uint32,
	padUpBitrateBps uint32,
	enforceMinBitrate bool,
	trackID string,
) {
	w.ops.Enqueue(func() {
		w.allocator.AddObserver(observer, minBitrateBps, maxBitrateBps, padUpBitrateBps, enforceMinBitrate, trackID)
	})
}

func (w *Worker) RemoveObserver(observer Observer) {
	w.ops.Enqueue(func() {
		w.allocator.RemoveObserver(observer)
	})
}

func (w *Worker) SetAllocationStrategy(strategy AllocationStrategy) {
	w.ops.Enqueue(func() {
		w.allocator.SetAllocationStrategy(strategy)
	})
}

// GetStartBitrate runs the allocator's start bitrate query on the worker
// goroutine and waits for the answer. After Stop it returns the
// configured default start bitrate.
func (w *Worker) GetStartBitrate(observer Observer) int64 {
	result := make(chan int64, 1)
	posted := w.ops.Enqueue(func() {
		result <- w.allocator.GetStartBitrate(observer)
	})
	if !posted {
		return int64(w.allocator.params.Config.DefaultStartBitrateBps)
	}
	return <-result
}

func (w *Worker) onTargetBitrateChange(bitrateBps int) {
	if w.stop.IsBroken() || bitrateBps < 0 {
		return
	}
	w.PostEstimate(uint32(bitrateBps))
}

func (w *Worker) networkState() (uint8, int64, int64) {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.fractionLoss, w.rttMs, w.bwePeriodMs
}

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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const allocatorNamespace = "voxmesh"

var (
	initialized atomic.Bool

	streamsCurrent   atomic.Int32
	pauseEventsTotal atomic.Int64

	promStreamsCurrent  prometheus.Gauge
	promPauseEvents     prometheus.Counter
	promTargetBitrate   prometheus.Gauge
	promAllocationLimit *prometheus.GaugeVec
)

// Init registers the allocator collectors. It is optional, all record
// functions are no-ops until it is called.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	constLabels := prometheus.Labels{"node_id": nodeID}

	promStreamsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   allocatorNamespace,
		Subsystem:   "allocator",
		Name:        "streams",
		ConstLabels: constLabels,
	})
	promPauseEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   allocatorNamespace,
		Subsystem:   "allocator",
		Name:        "pause_events_total",
		ConstLabels: constLabels,
	})
	promTargetBitrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   allocatorNamespace,
		Subsystem:   "allocator",
		Name:        "target_bitrate_bps",
		ConstLabels: constLabels,
	})
	promAllocationLimit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   allocatorNamespace,
		Subsystem:   "allocator",
		Name:        "allocation_limit_bps",
		ConstLabels: constLabels,
	}, []string{"limit"})

	prometheus.MustRegister(promStreamsCurrent)
	prometheus.MustRegister(promPauseEvents)
	prometheus.MustRegister(promTargetBitrate)
	prometheus.MustRegister(promAllocationLimit)
}

func AddStream() {
	streamsCurrent.Inc()
	if promStreamsCurrent != nil {
		promStreamsCurrent.Inc()
	}
}

func SubStream() {
	streamsCurrent.Dec()
	if promStreamsCurrent != nil {
		promStreamsCurrent.Dec()
	}
}

func IncPauseEvent() {
	pauseEventsTotal.Inc()
	if promPauseEvents != nil {
		promPauseEvents.Inc()
	}
}

func RecordTargetBitrate(bitrateBps uint32) {
	if promTargetBitrate != nil {
		promTargetBitrate.Set(float64(bitrateBps))
	}
}

func RecordAllocationLimits(minSendBitrateBps uint32, maxPaddingBitrateBps uint32) {
	if promAllocationLimit != nil {
		promAllocationLimit.WithLabelValues("min_send").Set(float64(minSendBitrateBps))
		promAllocationLimit.WithLabelValues("max_padding").Set(float64(maxPaddingBitrateBps))
	}
}

func StreamsCurrent() int32 {
	return streamsCurrent.Load()
}

func PauseEventsTotal() int64 {
	return pauseEventsTotal.Load()
}

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

package config

import (
	"fmt"
	"strings"

	"github.com/livekit/protocol/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Allocator AllocatorConfig `yaml:"allocator,omitempty"`
	Worker    WorkerConfig    `yaml:"worker,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

// AllocatorConfig tunes the default allocation algorithm.
type AllocatorConfig struct {
	// a paused stream resumes only once supply exceeds its minimum by
	// max(ToggleFactor * min, MinToggleBitrateBps)
	ToggleFactor        float64 `yaml:"toggle_factor,omitempty"`
	MinToggleBitrateBps uint32  `yaml:"min_toggle_bitrate_bps,omitempty"`

	// per-stream cap is max_bitrate * multiplier when distributing surplus,
	// 1 keeps streams strictly at their declared maximum
	TransmissionOverflowMultiplier uint32 `yaml:"transmission_overflow_multiplier,omitempty"`

	// stands in for the last seen estimate until one arrives, used for
	// start bitrate guesses
	DefaultStartBitrateBps uint32 `yaml:"default_start_bitrate_bps,omitempty"`

	// grant enforce-min streams their literal floor even when the
	// estimate is zero, off keeps everyone silent on a dead network
	HonorEnforcedFloorsAtZero bool `yaml:"honor_enforced_floors_at_zero,omitempty"`

	// number of allocation passes retained for diagnostics
	HistoryDepth int `yaml:"history_depth,omitempty"`
}

// WorkerConfig tunes the event-loop front end.
type WorkerConfig struct {
	OpsQueueSize int `yaml:"ops_queue_size,omitempty"`

	// reported to streams as the BWE update period when the estimator
	// does not supply one
	BwePeriodMs int64 `yaml:"bwe_period_ms,omitempty"`
}

var DefaultConfig = Config{
	Allocator: AllocatorConfig{
		ToggleFactor:                   0.1,
		MinToggleBitrateBps:            20_000,
		TransmissionOverflowMultiplier: 1,
		DefaultStartBitrateBps:         300_000,
		HonorEnforcedFloorsAtZero:      false,
		HistoryDepth:                   10,
	},
	Worker: WorkerConfig{
		OpsQueueSize: 512,
		BwePeriodMs:  3_000,
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			Level: "info",
		},
	},
}

func NewConfig(confString string, strictMode bool) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	return &conf, nil
}

// WithDefaults fills zero-valued tunables so a literal AllocatorConfig{}
// behaves like DefaultConfig.Allocator.
func (c AllocatorConfig) WithDefaults() AllocatorConfig {
	def := DefaultConfig.Allocator
	if c.ToggleFactor == 0 {
		c.ToggleFactor = def.ToggleFactor
	}
	if c.MinToggleBitrateBps == 0 {
		c.MinToggleBitrateBps = def.MinToggleBitrateBps
	}
	if c.TransmissionOverflowMultiplier == 0 {
		c.TransmissionOverflowMultiplier = def.TransmissionOverflowMultiplier
	}
	if c.DefaultStartBitrateBps == 0 {
		c.DefaultStartBitrateBps = def.DefaultStartBitrateBps
	}
	if c.HistoryDepth == 0 {
		c.HistoryDepth = def.HistoryDepth
	}
	return c
}

// WithDefaults fills zero-valued tunables so a literal WorkerConfig{}
// behaves like DefaultConfig.Worker.
func (c WorkerConfig) WithDefaults() WorkerConfig {
	def := DefaultConfig.Worker
	if c.OpsQueueSize == 0 {
		c.OpsQueueSize = def.OpsQueueSize
	}
	if c.BwePeriodMs == 0 {
		c.BwePeriodMs = def.BwePeriodMs
	}
	return c
}

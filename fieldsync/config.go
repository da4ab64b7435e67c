// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds configuration for the sync engine
type Config struct {
	SweepInterval    time.Duration // periodic sweep started by Start; 0 disables it
	BackoffMin       time.Duration // first retry delay after a failed push
	BackoffMax       time.Duration // retry delay cap
	PushInBackground bool          // Save returns before the immediate push completes
	Logger           *slog.Logger
	Clock            clock.Clock // time source and timers for retries and sweeps; nil means the wall clock

	StageMetrics    StageMetricsRecorder // optional per-stage timings of pushes, sweeps and reads
	LogStageTimings bool                 // also log stage timings at debug level
}

// DefaultConfig returns the configuration used when none is supplied
func DefaultConfig() *Config {
	return &Config{
		SweepInterval: 30 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
	}
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	MetricsOpPush  = "push"
	MetricsOpSweep = "sweep"
	MetricsOpRead  = "read"

	MetricsStageTotal = "total"

	// Push stages.
	MetricsStageInsert         = "insert"
	MetricsStageUpdate         = "update"
	MetricsStageConflictLookup = "conflict_lookup"
	MetricsStageChildren       = "children"

	// Read stages.
	MetricsStageFetchByID    = "fetch_by_id"
	MetricsStageFetchByRoute = "fetch_by_route"
)

type StageTiming struct {
	Operation string
	Stage     string
	Kind      Kind
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is shared by the engine and its reader
type stageObserver struct {
	recorder   StageMetricsRecorder
	logTimings bool
	clock      clock.Clock
	logger     *slog.Logger
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.logTimings)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return o.clock.Now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage string, kind Kind, start time.Time, count int, hadError bool) {
	if start.IsZero() || !o.enabled() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Kind:      kind,
		Duration:  o.clock.Now().Sub(start),
		Count:     count,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimings {
		o.logger.Debug("stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"kind", timing.Kind,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}

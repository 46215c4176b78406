// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"time"
)

const (
	MetricsOpSubmit  = "submit"
	MetricsOpRebuild = "rebuild"

	MetricsStageTotal = "total"

	// Processing stages, shared by the submit and rebuild operations.
	MetricsStageParse     = "parse"
	MetricsStageLoadCases = "load_cases"
	MetricsStageApply     = "apply"
	MetricsStageReconcile = "reconcile"
	MetricsStageSave      = "save"
	MetricsStagePublish   = "publish"
)

// StageTiming is one observed processing stage.
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

// StageMetricsRecorder receives per-stage timings from the processor.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function into a recorder.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// observeStage records one stage timing if a recorder is configured.
func observeStage(ctx context.Context, rec StageMetricsRecorder, op, stage string, start time.Time, count int, failed bool) {
	if rec == nil {
		return
	}
	rec.ObserveStage(ctx, StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     failed,
	})
}

func (p *Processor) observeStage(ctx context.Context, op, stage string, start time.Time, count int, failed bool) {
	observeStage(ctx, p.metrics, op, stage, start, count, failed)
}

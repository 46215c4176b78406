// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// Processor drives the normal form-processing path: extract case updates
// from a submitted form, apply them to the touched cases inside a locked
// cache scope, reconcile where needed, save everything, and publish case
// change events for the sync/ledger collaborators.
type Processor struct {
	cases   CaseStore
	forms   FormStore
	locks   LockService
	bus     *SignalBus
	config  *ProcessorConfig
	logger  *slog.Logger
	metrics StageMetricsRecorder
}

// ProcessorConfig holds configuration for form processing.
type ProcessorConfig struct {
	// LockCases serializes processing per case id via the lock service.
	LockCases bool
	// MaxCaseBlocks rejects forms carrying more case blocks than this
	// (0 = unlimited).
	MaxCaseBlocks int
	// SaveRetryAttempts bounds retries of transient storage errors.
	SaveRetryAttempts int
	// SaveRetryBackoff is the pause between such retries.
	SaveRetryBackoff time.Duration
	// Metrics optionally receives per-stage timings.
	Metrics StageMetricsRecorder
}

// NewProcessor creates a form processor over the given stores.
func NewProcessor(cases CaseStore, forms FormStore, locks LockService, bus *SignalBus, config *ProcessorConfig, logger *slog.Logger) *Processor {
	if config == nil {
		config = &ProcessorConfig{LockCases: true}
	}
	if config.SaveRetryAttempts == 0 {
		config.SaveRetryAttempts = 3
	}
	if config.SaveRetryBackoff == 0 {
		config.SaveRetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cases:   cases,
		forms:   forms,
		locks:   locks,
		bus:     bus,
		config:  config,
		logger:  logger,
		metrics: config.Metrics,
	}
}

// CaseStatus is the per-case-block outcome of processing one form.
type CaseStatus struct {
	CaseID  string `json:"case_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// SubmissionResult summarizes processing of one form.
type SubmissionResult struct {
	FormID   string       `json:"form_id"`
	Accepted bool         `json:"accepted"`
	Statuses []CaseStatus `json:"statuses"`
	CaseIDs  []string     `json:"case_ids"`
}

// ProcessForm applies one submitted form to every case it touches and
// persists the form plus the touched cases. A malformed case block fails
// only itself; identity violations and storage failures fail the
// submission so the device retries it.
func (p *Processor) ProcessForm(ctx context.Context, domain string, form *Form) (*SubmissionResult, error) {
	total := time.Now()
	result := &SubmissionResult{FormID: form.ID}

	parseStart := time.Now()
	updates, parseErrs := ExtractCaseUpdates(form)
	p.observeStage(ctx, MetricsOpSubmit, MetricsStageParse, parseStart, len(updates), len(parseErrs) > 0)
	for _, perr := range parseErrs {
		reason := ReasonInternalError
		var cve *CaseValueError
		if errors.As(perr, &cve) {
			reason = cve.Reason
		}
		result.Statuses = append(result.Statuses, CaseStatus{
			Status: StCaseInvalid, Reason: reason, Message: perr.Error(),
		})
	}

	if p.config.MaxCaseBlocks > 0 && len(updates) > p.config.MaxCaseBlocks {
		return nil, fmt.Errorf("form %s carries %d case blocks, limit %d",
			form.ID, len(updates), p.config.MaxCaseBlocks)
	}

	caseDB := NewCaseDB(domain, p.cases, p.locks, CaseDBConfig{Lock: p.config.LockCases}, p.logger)
	defer caseDB.Close()

	loadStart := time.Now()
	var ids []string
	for _, u := range updates {
		if !slices.Contains(ids, u.ID) {
			ids = append(ids, u.ID)
		}
	}
	touched, statuses := p.applyUpdates(ctx, caseDB, updates, form)
	p.observeStage(ctx, MetricsOpSubmit, MetricsStageApply, loadStart, len(ids), false)
	result.Statuses = append(result.Statuses, statuses...)

	saveStart := time.Now()
	if err := p.saveAll(ctx, form, touched); err != nil {
		p.observeStage(ctx, MetricsOpSubmit, MetricsStageSave, saveStart, len(touched), true)
		return nil, err
	}
	p.observeStage(ctx, MetricsOpSubmit, MetricsStageSave, saveStart, len(touched), false)

	publishStart := time.Now()
	if p.bus != nil {
		for _, c := range touched {
			p.bus.Publish(ctx, CaseChange{Case: c, FormIDs: []string{form.ID}})
		}
	}
	p.observeStage(ctx, MetricsOpSubmit, MetricsStagePublish, publishStart, len(touched), false)

	for _, c := range touched {
		result.CaseIDs = append(result.CaseIDs, c.ID)
	}
	result.Accepted = true
	for _, st := range result.Statuses {
		if st.Status != StCaseApplied {
			result.Accepted = false
		}
	}
	p.observeStage(ctx, MetricsOpSubmit, MetricsStageTotal, total, len(updates), !result.Accepted)
	return result, nil
}

// applyUpdates folds every case update into its case through the cache
// scope, creating cases lazily on their first create block.
func (p *Processor) applyUpdates(ctx context.Context, caseDB *CaseDB, updates []*CaseUpdate, form *Form) ([]*Case, []CaseStatus) {
	var touched []*Case
	var statuses []CaseStatus

	for _, update := range updates {
		c, err := caseDB.Get(ctx, update.ID)
		if err != nil {
			statuses = append(statuses, statusFromError(update.ID, err))
			continue
		}
		if c == nil {
			if !update.CreatesCase() {
				statuses = append(statuses, CaseStatus{
					CaseID: update.ID, Status: StCaseInvalid,
					Reason:  ReasonCaseNotFound,
					Message: "update to a case that does not exist",
				})
				continue
			}
			// Materialized lazily; the document exists in storage only
			// after the first successful save.
			c = NewCase(update.ID, caseDB.domain)
			caseDB.Set(update.ID, c)
		}

		strategy := NewUpdateStrategy(c, p.forms, p.logger)
		if err := strategy.UpdateFromCaseUpdate(ctx, update, form, nil); err != nil {
			statuses = append(statuses, statusFromError(update.ID, err))
			continue
		}

		reconcileStart := time.Now()
		strategy.ReconcileActionsIfNecessary(ctx, form)
		p.observeStage(ctx, MetricsOpSubmit, MetricsStageReconcile, reconcileStart, 1, false)

		if !slices.ContainsFunc(touched, func(t *Case) bool { return t.ID == c.ID }) {
			touched = append(touched, c)
		}
		statuses = append(statuses, CaseStatus{CaseID: update.ID, Status: StCaseApplied})
	}
	return touched, statuses
}

// saveAll commits the form and every touched case. The bulk save is not
// atomic across documents; transient failures are retried and revision
// conflicts resolved by ForceSave's merge loop.
func (p *Processor) saveAll(ctx context.Context, form *Form, touched []*Case) error {
	if err := p.withRetry(ctx, func() error { return p.forms.SaveForm(ctx, form) }); err != nil {
		return fmt.Errorf("save form %s: %w", form.ID, err)
	}

	var caseIDs []string
	for _, c := range touched {
		caseIDs = append(caseIDs, c.ID)
	}
	if len(caseIDs) > 0 {
		if err := p.withRetry(ctx, func() error { return p.forms.IndexCaseForms(ctx, form.ID, caseIDs) }); err != nil {
			return fmt.Errorf("index form %s: %w", form.ID, err)
		}
	}

	for _, c := range touched {
		c.ServerModifiedOn = time.Now().UTC()
		if err := p.withRetry(ctx, func() error { return ForceSave(ctx, p.cases, c) }); err != nil {
			return fmt.Errorf("save case %s: %w", c.ID, err)
		}
	}
	return nil
}

// withRetry re-runs fn across transient storage errors with a bounded
// backoff.
func (p *Processor) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.config.SaveRetryAttempts; attempt++ {
		if err = fn(); err == nil || !isRetryableStorageError(err) {
			return err
		}
		p.logger.Warn("Retrying transient storage error", "attempt", attempt+1, "error", err)
		if serr := sleepWithContext(ctx, p.config.SaveRetryBackoff); serr != nil {
			return serr
		}
	}
	return err
}

func statusFromError(caseID string, err error) CaseStatus {
	var illegal *IllegalCaseIDError
	if errors.As(err, &illegal) {
		return CaseStatus{CaseID: caseID, Status: StCaseInvalid, Reason: ReasonIllegalCaseID, Message: err.Error()}
	}
	var cve *CaseValueError
	if errors.As(err, &cve) {
		return CaseStatus{CaseID: caseID, Status: StCaseInvalid, Reason: cve.Reason, Message: err.Error()}
	}
	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		return CaseStatus{CaseID: caseID, Status: StCaseError, Reason: ReasonReconcileFailed, Message: err.Error()}
	}
	return CaseStatus{CaseID: caseID, Status: StCaseError, Reason: ReasonInternalError, Message: err.Error()}
}

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

// RebuildCase is the disaster-recovery entry point: it re-derives a case
// from scratch out of every form that ever referenced it, used when a
// case's state is suspected corrupt or was deleted.
//
// It returns (nil, nil) when the case never existed and no forms reference
// it. When the case existed but all contributing forms are gone it is
// tombstoned, not physically deleted, and the tombstone is returned.
func RebuildCase(ctx context.Context, cases CaseStore, forms FormStore, domain, caseID, reason string, logger *slog.Logger, metrics StageMetricsRecorder) (*Case, error) {
	if logger == nil {
		logger = slog.Default()
	}
	total := time.Now()

	found := true
	c, err := cases.GetCase(ctx, caseID)
	if errors.Is(err, ErrCaseNotFound) {
		found = false
		c = NewCase(caseID, domain)
	} else if err != nil {
		return nil, err
	}

	// Reset everything mutable, preserving only the identity.
	c.Actions = nil
	c.XFormIDs = nil
	c.Closed = false
	strategy := NewUpdateStrategy(c, forms, logger)
	strategy.ResetCaseState()

	loadStart := time.Now()
	formIDs, err := forms.FormIDsForCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list forms for case %s: %w", caseID, err)
	}
	fetched, err := forms.GetForms(ctx, formIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch forms for case %s: %w", caseID, err)
	}
	observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageLoadCases, loadStart, len(fetched), false)

	var surviving []*Form
	for _, f := range fetched {
		if f.IsNormalInstance() {
			surviving = append(surviving, f)
		}
	}
	slices.SortStableFunc(surviving, func(a, b *Form) int {
		return a.ReceivedOn.Compare(b.ReceivedOn)
	})

	if len(surviving) == 0 {
		if !found {
			return nil, nil
		}
		logger.Info("Tombstoning case with no contributing forms", "case_id", caseID)
		c.DocType = DocTypeCaseDeleted
		c.LastRebuildDate = time.Now().UTC()
		c.LastRebuildReason = reason
		saveStart := time.Now()
		if err := ForceSave(ctx, cases, c); err != nil {
			observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageSave, saveStart, 1, true)
			return nil, err
		}
		observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageSave, saveStart, 1, false)
		observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageTotal, total, 1, false)
		return c, nil
	}

	applyStart := time.Now()
	for _, f := range surviving {
		if c.Domain == "" {
			c.Domain = f.Domain
		}
		if f.Domain != c.Domain {
			// Cross-domain history is corruption, never tolerated.
			return nil, &DomainMismatchError{
				CaseID:     caseID,
				CaseDomain: c.Domain,
				FormID:     f.ID,
				FormDomain: f.Domain,
			}
		}
		updates, parseErrs := ExtractCaseUpdates(f)
		for _, perr := range parseErrs {
			logger.Warn("Skipping malformed case block during rebuild",
				"case_id", caseID, "form_id", f.ID, "error", perr)
		}
		for _, update := range updates {
			if update.ID != caseID {
				continue
			}
			if err := strategy.UpdateFromCaseUpdate(ctx, update, f, nil); err != nil {
				return nil, fmt.Errorf("reapply form %s to case %s: %w", f.ID, caseID, err)
			}
		}
	}

	observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageApply, applyStart, len(surviving), false)

	// Recompute the form list from the surviving, ordered forms.
	c.XFormIDs = nil
	for _, f := range surviving {
		if !slices.Contains(c.XFormIDs, f.ID) {
			c.XFormIDs = append(c.XFormIDs, f.ID)
		}
	}

	c.LastRebuildDate = time.Now().UTC()
	c.LastRebuildReason = reason
	c.ServerModifiedOn = time.Now().UTC()
	saveStart := time.Now()
	if err := ForceSave(ctx, cases, c); err != nil {
		observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageSave, saveStart, 1, true)
		return nil, err
	}
	observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageSave, saveStart, 1, false)
	observeStage(ctx, metrics, MetricsOpRebuild, MetricsStageTotal, total, 1, false)
	return c, nil
}

// ArchiveForm retires one submitted form from case history: the stored
// document is re-typed so rebuilds stop counting it, then every case the
// form touched is rebuilt without its contribution. Archiving an already
// archived form is a no-op.
func ArchiveForm(ctx context.Context, cases CaseStore, forms FormStore, domain, formID string, logger *slog.Logger, metrics StageMetricsRecorder) error {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := forms.GetForm(ctx, formID)
	if err != nil {
		return err
	}
	if f.Domain != domain {
		return fmt.Errorf("form %s belongs to domain %s, not %s", formID, f.Domain, domain)
	}
	if f.DocType == DocTypeFormArchived {
		return nil
	}
	f.DocType = DocTypeFormArchived
	if err := forms.SaveForm(ctx, f); err != nil {
		return fmt.Errorf("archive form %s: %w", formID, err)
	}

	updates, parseErrs := ExtractCaseUpdates(f)
	for _, perr := range parseErrs {
		logger.Warn("Skipping malformed case block while archiving",
			"form_id", formID, "error", perr)
	}
	var ids []string
	for _, u := range updates {
		if !slices.Contains(ids, u.ID) {
			ids = append(ids, u.ID)
		}
	}
	for _, id := range ids {
		if _, err := RebuildCase(ctx, cases, forms, domain, id, ReasonUserArchived, logger, metrics); err != nil {
			return fmt.Errorf("rebuild case %s after archiving form %s: %w", id, formID, err)
		}
	}
	logger.Info("Form archived", "form_id", formID, "cases_rebuilt", len(ids))
	return nil
}

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

// UpdateStrategy replays a case's action log into its materialized state.
// Forms is used only by attachment replay, which needs the originating
// form's stored attachment content; it may be nil when no attachment
// actions can occur (pure in-memory replays, most tests).
type UpdateStrategy struct {
	Case   *Case
	Forms  FormStore
	Logger *slog.Logger
}

// NewUpdateStrategy returns a strategy bound to the case.
func NewUpdateStrategy(c *Case, forms FormStore, logger *slog.Logger) *UpdateStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateStrategy{Case: c, Forms: forms, Logger: logger}
}

// UpdateFromCaseUpdate folds one parsed case block into the case.
//
// Three paths exist depending on the form's edit status:
//   - a deprecated form (superseded by an edit) only flags its prior
//     actions as deprecated; they are dropped on the next rebuild
//   - an override form (the replacement for a deprecated one) inserts its
//     actions right after the last action it already owns, preserving
//     relative order
//   - a normal form appends its actions at the tail
//
// The case is then soft-rebuilt in place.
func (s *UpdateStrategy) UpdateFromCaseUpdate(ctx context.Context, update *CaseUpdate, form *Form, otherForms map[string]*Form) error {
	c := s.Case

	if update.HasReferrals {
		return &CaseValueError{
			Reason: "referrals",
			Detail: fmt.Sprintf("form %s touching case %s still uses referrals", form.ID, update.ID),
		}
	}

	if form.IsDeprecated() {
		// A second update from the replacement form will reapply the
		// equivalent actions; nothing else to do here.
		for i := range c.Actions {
			if c.Actions[i].XFormID == form.OrigID {
				c.Actions[i].Deprecated = true
			}
		}
		return nil
	}

	actions := update.CaseActions(form)
	if form.IsOverride() {
		insertAt := -1
		for i, a := range c.Actions {
			if a.XFormID == form.ID {
				insertAt = i + 1
			}
		}
		if insertAt >= 0 {
			c.Actions = slices.Insert(c.Actions, insertAt, actions...)
		} else {
			c.Actions = append(c.Actions, actions...)
		}
	} else {
		c.Actions = append(c.Actions, actions...)
	}

	localForms := map[string]*Form{form.ID: form}
	for id, f := range otherForms {
		localForms[id] = f
	}
	if err := s.SoftRebuild(ctx, localForms); err != nil {
		return err
	}
	if form.IsOverride() {
		// The replacement made this a rebuild-after-edit; record the
		// provenance the same way operator rebuilds do.
		c.LastRebuildDate = time.Now().UTC()
		c.LastRebuildReason = ReasonFormEdit
	}

	if update.Version != "" {
		c.Version = update.Version
	}
	return nil
}

// ReconcileActionsIfNecessary checks the action order and, when it is
// inconsistent, reconciles through the lenient rebuild path. Failures are
// logged and swallowed: one bad case must not block new, valid edits.
func (s *UpdateStrategy) ReconcileActionsIfNecessary(ctx context.Context, form *Form) {
	if s.CheckActionOrder() {
		return
	}
	err := s.ReconcileActions(ctx, true, map[string]*Form{form.ID: form})
	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		s.Logger.Warn("Case reconciliation failed, leaving actions as-is",
			"case_id", s.Case.ID, "error", err)
	} else if err != nil {
		s.Logger.Error("Case reconciliation aborted", "case_id", s.Case.ID, "error", err)
	}
}

// ResetCaseState clears everything about the case that originates from an
// action: dynamic properties seen in any action payload, indices,
// attachments, reserved properties, and the lifecycle flags. A case that
// was explicitly tombstoned keeps its deleted doc type so a rebuild cannot
// resurrect a purposely-deleted case.
func (s *UpdateStrategy) ResetCaseState() {
	c := s.Case

	for _, a := range c.Actions {
		for name := range a.UpdatedUnknownProperties {
			c.Dynamic.Delete(name)
		}
	}
	if c.Dynamic == nil {
		c.Dynamic = NewProperties()
	}
	c.Indices = nil
	c.Attachments = nil

	explicitlyDeleted := c.IsDeleted() && len(c.PrimaryActions()) > 0
	if !explicitlyDeleted {
		c.DocType = DocTypeCase
	}

	c.Name = ""
	c.Type = ""
	c.OwnerID = ""
	c.ExternalID = ""
	c.OpenedOn = time.Time{}
	c.OpenedBy = ""
	c.Closed = false
	c.ModifiedOn = time.Time{}
	c.ClosedOn = time.Time{}
	c.ClosedBy = ""
}

// SoftRebuild re-derives the case state in place from its actions: reset,
// lenient re-sort (a missing-date failure keeps the existing order),
// discard deprecated actions, replay, and recompute the form id list from
// the surviving actions in first-seen order.
func (s *UpdateStrategy) SoftRebuild(ctx context.Context, xforms map[string]*Form) error {
	c := s.Case
	s.ResetCaseState()

	if sorted, err := sortedActions(c, true); err == nil {
		c.Actions = sorted
	}

	c.Actions = slices.DeleteFunc(c.Actions, func(a CaseAction) bool {
		return a.Deprecated
	})

	for _, a := range c.Actions {
		var form *Form
		if xforms != nil {
			form = xforms[a.XFormID]
		}
		if err := s.applyAction(ctx, a, form); err != nil {
			return err
		}
	}

	c.XFormIDs = nil
	for _, a := range c.Actions {
		if a.XFormID != "" && !slices.Contains(c.XFormIDs, a.XFormID) {
			c.XFormIDs = append(c.XFormIDs, a.XFormID)
		}
	}
	return nil
}

// applyAction is the per-type state transition. Unknown action types are a
// hard error; everything else degrades gracefully so a single malformed
// historical action cannot prevent the rest of a case's history from
// being reconstructed.
func (s *UpdateStrategy) applyAction(ctx context.Context, a CaseAction, form *Form) error {
	c := s.Case

	switch a.ActionType {
	case ActionCreate:
		s.applyCreate(a)
	case ActionUpdate:
		s.applyUpdate(a)
	case ActionIndex:
		c.UpdateIndices(a.Indices)
	case ActionClose:
		c.Closed = true
		c.ClosedOn = a.Date
		c.ClosedBy = a.UserID
	case ActionAttachment:
		s.applyAttachments(ctx, a, form)
	case ActionCommtrack, ActionRebuild:
		// Placeholder stubs; ledger side effects live in a separate
		// subsystem keyed off the same action log.
	default:
		return fmt.Errorf("can't apply action of type %q on case %s", a.ActionType, c.ID)
	}

	if a.UserID != "" {
		c.UserID = a.UserID
	}
	// Monotonic forward-only: an older action never walks modified_on back.
	if c.ModifiedOn.IsZero() || a.Date.After(c.ModifiedOn) {
		c.ModifiedOn = a.Date
	}
	return nil
}

// applyCreate sets every reserved property present in the action. The
// first create wins for opened_on/opened_by even when duplicate create
// actions exist; unexpected attributes are thrown away.
func (s *UpdateStrategy) applyCreate(a CaseAction) {
	c := s.Case
	for k, v := range a.UpdatedKnownProperties {
		c.setKnownProperty(k, v)
	}
	if c.OpenedOn.IsZero() {
		c.OpenedOn = a.Date
	}
	if c.OpenedBy == "" {
		c.OpenedBy = a.UserID
	}
}

// applyUpdate sets reserved properties, then dynamic properties. Dynamic
// names colliding with reserved tags are dropped.
func (s *UpdateStrategy) applyUpdate(a CaseAction) {
	c := s.Case
	for k, v := range a.UpdatedKnownProperties {
		c.setKnownProperty(k, v)
	}
	for name, value := range a.UpdatedUnknownProperties {
		if restrictedProperties[name] {
			continue
		}
		c.Dynamic.Set(name, value)
	}
}

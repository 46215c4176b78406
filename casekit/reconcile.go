// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"
)

// Reconciliation puts a case's action log back into a deterministic order
// when it may have been populated out of order: concurrent multi-device
// edits, duplicate submissions, and historical data saved before the
// server receipt timestamp became the canonical ordering key.

// actionSorter compares actions with the composite replay key. For actions
// by different users, ordering follows server arrival strictly. For
// actions by the same user the chain is finer and more forgiving:
// the date portion of server_date (collapsing same-day noise from rapid
// phone submissions), then the claimed device time, then the position of
// the owning form in the case's form list (unknown forms sort last), then
// the form id, then the fixed action-type rank.
type actionSorter struct {
	formIndex map[string]int
	missing   bool // set when a same-user comparison lacked dates
}

func newActionSorter(c *Case) *actionSorter {
	idx := make(map[string]int, len(c.XFormIDs))
	for i, id := range c.XFormIDs {
		idx[id] = i
	}
	return &actionSorter{formIndex: idx}
}

func (s *actionSorter) formPosition(formID string) int {
	if i, ok := s.formIndex[formID]; ok {
		return i
	}
	return math.MaxInt
}

func (s *actionSorter) compare(a, b CaseAction) int {
	if a.UserID != b.UserID {
		return a.ServerDate.Compare(b.ServerDate)
	}
	if a.XFormID != "" && a.XFormID == b.XFormID {
		// Same form: only the type rank can order them.
		return cmp.Compare(caseActionOrder[a.ActionType], caseActionOrder[b.ActionType])
	}
	if a.ServerDate.IsZero() || b.ServerDate.IsZero() || a.Date.IsZero() || b.Date.IsZero() {
		s.missing = true
		return 0
	}
	if c := dayOf(a.ServerDate).Compare(dayOf(b.ServerDate)); c != 0 {
		return c
	}
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	if c := cmp.Compare(s.formPosition(a.XFormID), s.formPosition(b.XFormID)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.XFormID, b.XFormID); c != 0 {
		return c
	}
	return cmp.Compare(caseActionOrder[a.ActionType], caseActionOrder[b.ActionType])
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// sortedActions returns the actions in replay order. When strict and two
// same-user actions cannot be ordered for lack of dates it returns
// MissingServerDateError and the original order.
func sortedActions(c *Case, strict bool) ([]CaseAction, error) {
	sorter := newActionSorter(c)
	out := slices.Clone(c.Actions)
	slices.SortStableFunc(out, sorter.compare)
	if sorter.missing && strict {
		return slices.Clone(c.Actions), &MissingServerDateError{CaseID: c.ID}
	}
	return out, nil
}

// CheckActionOrder reports whether the case's actions are already in
// canonical replay order.
func (s *UpdateStrategy) CheckActionOrder() bool {
	sorted, err := sortedActions(s.Case, false)
	if err != nil {
		return true
	}
	if len(sorted) != len(s.Case.Actions) {
		return false
	}
	for i := range sorted {
		if !sorted[i].Equal(s.Case.Actions[i]) {
			return false
		}
	}
	return true
}

// ReconcileActions runs through the action list and repairs what it can:
// out-of-order submissions, exact duplicates, and near-duplicate actions
// recorded twice with different timestamps. Anything it cannot repair
// deterministically raises a ReconciliationError. When rebuild is true the
// repaired log is replayed through the lenient soft-rebuild path so one
// bad case cannot block new, valid edits.
func (s *UpdateStrategy) ReconcileActions(ctx context.Context, rebuild bool, xforms map[string]*Form) error {
	c := s.Case

	for _, a := range c.Actions {
		if a.ServerDate.IsZero() {
			return &ReconciliationError{CaseID: c.ID, Detail: "action has no server_date"}
		}
		if a.XFormID == "" {
			return &ReconciliationError{CaseID: c.ID, Detail: "action has no xform_id"}
		}
	}

	deduplicated := dedupExact(c.Actions)
	deduplicated, err := dedupNearMatches(c.ID, deduplicated)
	if err != nil {
		return err
	}

	original := c.Actions
	c.Actions = deduplicated
	sorted, err := sortedActions(c, true)
	if err != nil {
		c.Actions = original
		return &ReconciliationError{CaseID: c.ID, Detail: err.Error()}
	}
	if len(sorted) > 0 && sorted[0].ActionType != ActionCreate {
		c.Actions = original
		return &ReconciliationError{
			CaseID: c.ID,
			Detail: "first action is " + sorted[0].ActionType + ", not create",
		}
	}
	c.Actions = sorted

	if rebuild {
		// It's important not to block new case changes just because
		// previous case changes have been bad.
		return s.SoftRebuild(ctx, xforms)
	}
	return nil
}

// dedupExact drops actions that are field-for-field duplicates, keeping
// first occurrences in order.
func dedupExact(actions []CaseAction) []CaseAction {
	var out []CaseAction
	for _, a := range actions {
		dup := false
		for _, kept := range out {
			if kept.Equal(a) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

// dedupNearMatches merges actions that agree on every field except their
// timestamps: the same underlying action recorded twice. When the copies
// disagree the one with the earlier server_date wins, as it is more likely
// to carry the form's authoritative timestamp rather than a reprocessing
// artifact. An action matching more than one other action is ambiguous and
// fails reconciliation.
func dedupNearMatches(caseID string, actions []CaseAction) ([]CaseAction, error) {
	drop := make([]bool, len(actions))
	for i, a := range actions {
		var matches []int
		for j, b := range actions {
			if i != j && a.equalExceptDates(b) {
				matches = append(matches, j)
			}
		}
		switch len(matches) {
		case 0:
		case 1:
			// Keep whichever copy has the earlier server_date.
			j := matches[0]
			if actions[j].ServerDate.Before(a.ServerDate) {
				drop[i] = true
			} else if a.ServerDate.Before(actions[j].ServerDate) {
				drop[j] = true
			} else if j < i {
				drop[i] = true
			}
		default:
			return nil, &ReconciliationError{
				CaseID: caseID,
				Detail: "action conflicts with multiple other actions",
			}
		}
	}
	var out []CaseAction
	for i, a := range actions {
		if !drop[i] {
			out = append(out, a)
		}
	}
	return out, nil
}

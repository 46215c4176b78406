// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import "time"

// CaseUpdate is the normalized, ephemeral record parsed from one case
// block in one form submission. Exactly one CaseUpdate is produced per
// case block; a block with no case id never becomes a CaseUpdate.
type CaseUpdate struct {
	ID            string // Target case id
	Version       string // Case XML protocol version ("1.0" or "2.0")
	UserID        string
	ModifiedOnStr string

	CreateBlock map[string]string
	UpdateBlock map[string]string
	CloseBlock  bool
	Indices     []CaseIndex
	Attachments []CaseAttachment

	// HasReferrals marks the long-retired v1 referral sub-block; blocks
	// still carrying one are rejected outright.
	HasReferrals bool
}

// CreatesCase reports whether this update opens a new case.
func (u *CaseUpdate) CreatesCase() bool {
	return u.CreateBlock != nil
}

// Updates reports whether this update carries property changes.
func (u *CaseUpdate) Updates() bool {
	return len(u.UpdateBlock) > 0
}

// ClosesCase reports whether this update closes the case.
func (u *CaseUpdate) ClosesCase() bool {
	return u.CloseBlock
}

// ModifiedOn parses the claimed device modification time. Zero when the
// block carried none or it is unparseable.
func (u *CaseUpdate) ModifiedOn() time.Time {
	if u.ModifiedOnStr == "" {
		return time.Time{}
	}
	t, err := parseCaseTime(u.ModifiedOnStr)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CaseActions converts the update into its ordered action records for the
// given enclosing form: create, update, index, attachment, close. Only
// the sub-blocks actually present produce actions.
func (u *CaseUpdate) CaseActions(form *Form) []CaseAction {
	base := func(actionType string) CaseAction {
		userID := u.UserID
		if userID == "" {
			userID = form.UserID
		}
		date := u.ModifiedOn()
		if date.IsZero() {
			date = form.ReceivedOn
		}
		return CaseAction{
			ActionType: actionType,
			UserID:     userID,
			Date:       date,
			ServerDate: form.ReceivedOn,
			XFormID:    form.ID,
			XFormXMLNS: form.XMLNS,
		}
	}

	var actions []CaseAction

	if u.CreatesCase() {
		a := base(ActionCreate)
		a.UpdatedKnownProperties = knownProperties(u.CreateBlock)
		actions = append(actions, a)
	}
	if u.Updates() {
		a := base(ActionUpdate)
		a.UpdatedKnownProperties = knownProperties(u.UpdateBlock)
		a.UpdatedUnknownProperties = unknownProperties(u.UpdateBlock)
		actions = append(actions, a)
	}
	if len(u.Indices) > 0 {
		a := base(ActionIndex)
		a.Indices = append([]CaseIndex(nil), u.Indices...)
		actions = append(actions, a)
	}
	if len(u.Attachments) > 0 {
		a := base(ActionAttachment)
		a.Attachments = append([]CaseAttachment(nil), u.Attachments...)
		actions = append(actions, a)
	}
	if u.ClosesCase() {
		actions = append(actions, base(ActionClose))
	}
	return actions
}

// knownProperties extracts the reserved-property subset of a sub-block.
func knownProperties(block map[string]string) map[string]string {
	var out map[string]string
	for k, v := range block {
		if knownPropertyName(k) {
			if out == nil {
				out = make(map[string]string)
			}
			out[k] = v
		}
	}
	return out
}

// unknownProperties extracts the dynamic-property subset of a sub-block.
func unknownProperties(block map[string]string) map[string]string {
	var out map[string]string
	for k, v := range block {
		if !knownPropertyName(k) {
			if out == nil {
				out = make(map[string]string)
			}
			out[k] = v
		}
	}
	return out
}

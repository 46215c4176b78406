// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import "time"

// REST/JSON models for the form receiver's HTTP API.

// SubmitResponse is the receiver's answer to a form submission.
type SubmitResponse struct {
	FormID   string       `json:"form_id"`
	Accepted bool         `json:"accepted"`
	Statuses []CaseStatus `json:"statuses"`
	CaseIDs  []string     `json:"case_ids,omitempty"`
}

// RebuildRequest asks for an operator rebuild of one case.
type RebuildRequest struct {
	CaseID string `json:"case_id"`
	Reason string `json:"reason,omitempty"`
}

// RebuildResponse reports the outcome of an operator rebuild.
type RebuildResponse struct {
	CaseID    string `json:"case_id"`
	Found     bool   `json:"found"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// CaseResponse is the read-only projection returned by the case endpoint.
type CaseResponse struct {
	CaseID     string            `json:"case_id"`
	Domain     string            `json:"domain"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	OwnerID    string            `json:"owner_id"`
	UserID     string            `json:"user_id"`
	Closed     bool              `json:"closed"`
	OpenedOn   time.Time         `json:"opened_on,omitzero"`
	ModifiedOn time.Time         `json:"modified_on,omitzero"`
	ClosedOn   time.Time         `json:"closed_on,omitzero"`
	Properties map[string]string `json:"properties"`
	Indices    []CaseIndex       `json:"indices"`
	XFormIDs   []string          `json:"xform_ids"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// caseResponseFrom projects a case into its read-only API shape.
func caseResponseFrom(c *Case) *CaseResponse {
	props := make(map[string]string, c.Dynamic.Len())
	for _, name := range c.Dynamic.Names() {
		v, _ := c.Dynamic.Get(name)
		props[name] = v
	}
	return &CaseResponse{
		CaseID:     c.ID,
		Domain:     c.Domain,
		Type:       c.Type,
		Name:       c.Name,
		OwnerID:    c.OwnerID,
		UserID:     c.UserID,
		Closed:     c.Closed,
		OpenedOn:   c.OpenedOn,
		ModifiedOn: c.ModifiedOn,
		ClosedOn:   c.ClosedOn,
		Properties: props,
		Indices:    c.Indices,
		XFormIDs:   c.XFormIDs,
	}
}

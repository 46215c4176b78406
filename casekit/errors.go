// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"errors"
	"fmt"
)

// ErrCaseNotFound is returned by stores when no document exists for an id.
var ErrCaseNotFound = errors.New("case not found")

// ErrFormNotFound is returned by form stores when no document exists for an id.
var ErrFormNotFound = errors.New("form not found")

// CaseValueError reports a malformed case block discovered at parse time.
// It aborts processing of that single case block only.
type CaseValueError struct {
	Reason string
	Detail string
}

func (e *CaseValueError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invalid case block (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("invalid case block (%s)", e.Reason)
}

// IllegalCaseIDError is an identity/security failure: a case id that is
// empty, belongs to another domain, or resolves to a document of the wrong
// type. These are never silently coerced.
type IllegalCaseIDError struct {
	CaseID string
	Detail string
}

func (e *IllegalCaseIDError) Error() string {
	return fmt.Sprintf("illegal case id %q: %s", e.CaseID, e.Detail)
}

// ReconciliationError reports an action log that cannot be put into a
// consistent order: ambiguous duplicates, a missing create action, or
// missing ordering metadata. Callers may retry in the lenient rebuild path.
type ReconciliationError struct {
	CaseID string
	Detail string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("cannot reconcile case %s: %s", e.CaseID, e.Detail)
}

// MissingServerDateError is raised when sorting actions strictly and two
// same-user actions cannot be ordered because one lacks a server date or a
// device date. The lenient rebuild path tolerates it and keeps the
// existing order.
type MissingServerDateError struct {
	CaseID string
}

func (e *MissingServerDateError) Error() string {
	return fmt.Sprintf("case %s has actions without server dates", e.CaseID)
}

// SaveConflictError is an optimistic-concurrency failure: the stored
// revision no longer matches the revision the save was based on.
type SaveConflictError struct {
	DocID       string
	ExpectedRev int64
	ActualRev   int64
}

func (e *SaveConflictError) Error() string {
	return fmt.Sprintf("save conflict on %s: expected rev %d, found %d",
		e.DocID, e.ExpectedRev, e.ActualRev)
}

// DomainMismatchError reports a form whose domain does not match the case
// it touches. Always a hard failure, never silently tolerated.
type DomainMismatchError struct {
	CaseID     string
	CaseDomain string
	FormID     string
	FormDomain string
}

func (e *DomainMismatchError) Error() string {
	return fmt.Sprintf("form %s in domain %q touches case %s in domain %q",
		e.FormID, e.FormDomain, e.CaseID, e.CaseDomain)
}

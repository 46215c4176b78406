// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Persistence collaborators. The engine only needs a schema-flexible
// document store providing get-by-id, bulk get, revisioned saves with
// conflict detection, and a secondary index from case id to the forms
// that touched it.

// CaseStore persists case documents.
type CaseStore interface {
	// GetCase returns the case or ErrCaseNotFound.
	GetCase(ctx context.Context, id string) (*Case, error)

	// GetCases bulk-fetches the given ids; missing ids are simply absent
	// from the result.
	GetCases(ctx context.Context, ids []string) ([]*Case, error)

	// SaveCase writes the case if its Rev still matches the stored
	// revision (zero Rev inserts). On success the case's Rev is advanced
	// in place. A stale revision returns SaveConflictError.
	SaveCase(ctx context.Context, c *Case) error
}

// FormStore persists form documents, their attachments, and the case→form
// secondary index.
type FormStore interface {
	// GetForm returns the form or ErrFormNotFound.
	GetForm(ctx context.Context, id string) (*Form, error)

	// GetForms bulk-fetches the given ids; missing ids are absent from
	// the result.
	GetForms(ctx context.Context, ids []string) ([]*Form, error)

	// SaveForm writes the form with the same revision semantics as
	// CaseStore.SaveCase.
	SaveForm(ctx context.Context, f *Form) error

	// FormIDsForCase returns every form id that has ever referenced the
	// case, via the secondary index.
	FormIDsForCase(ctx context.Context, caseID string) ([]string, error)

	// IndexCaseForms records that the form touched the given cases.
	IndexCaseForms(ctx context.Context, formID string, caseIDs []string) error

	// FetchAttachment returns the stored content of a form attachment.
	FetchAttachment(ctx context.Context, formID, name string) ([]byte, error)

	// PutAttachment stores form attachment content.
	PutAttachment(ctx context.Context, formID, name string, contentType string, content []byte) error
}

// ForceSave writes the case, resolving optimistic-concurrency conflicts by
// re-fetching the latest revision, merging in any form ids the retrying
// process doesn't yet know about, and retrying. An unresolvable conflict
// after maxForceSaveAttempts is returned to the caller.
const maxForceSaveAttempts = 3

func ForceSave(ctx context.Context, store CaseStore, c *Case) error {
	var lastErr error
	for attempt := 0; attempt < maxForceSaveAttempts; attempt++ {
		err := store.SaveCase(ctx, c)
		if err == nil {
			return nil
		}
		var conflict *SaveConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		lastErr = err

		latest, getErr := store.GetCase(ctx, c.ID)
		if getErr != nil {
			if errors.Is(getErr, ErrCaseNotFound) {
				// Document vanished under us; retry as an insert.
				c.Rev = 0
				continue
			}
			return fmt.Errorf("refetch during conflicted save of case %s: %w", c.ID, getErr)
		}

		// Stitch: adopt the stored revision and keep any form references
		// a concurrent writer added that we don't know about.
		c.Rev = latest.Rev
		for _, id := range latest.XFormIDs {
			if !slices.Contains(c.XFormIDs, id) {
				c.XFormIDs = append(c.XFormIDs, id)
			}
		}
	}
	return fmt.Errorf("unresolvable save conflict on case %s: %w", c.ID, lastErr)
}

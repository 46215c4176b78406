// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"slices"
	"testing"
)

func TestForceSaveResolvesConflictAndMergesForms(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	base := NewCase("case-1", "test-domain")
	base.XFormIDs = []string{"form-1"}
	if err := store.SaveCase(ctx, base); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	// Writer A and writer B both start from revision 1.
	a, _ := store.GetCase(ctx, "case-1")
	b, _ := store.GetCase(ctx, "case-1")

	a.XFormIDs = append(a.XFormIDs, "form-2")
	if err := store.SaveCase(ctx, a); err != nil {
		t.Fatalf("writer A save: %v", err)
	}

	b.XFormIDs = append(b.XFormIDs, "form-3")
	if err := ForceSave(ctx, store, b); err != nil {
		t.Fatalf("ForceSave did not resolve conflict: %v", err)
	}

	final, err := store.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatalf("final fetch: %v", err)
	}
	for _, id := range []string{"form-1", "form-2", "form-3"} {
		if !slices.Contains(final.XFormIDs, id) {
			t.Fatalf("merge lost %s: %v", id, final.XFormIDs)
		}
	}
}

func TestForceSaveRetriesAsInsertWhenDocVanished(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	c := NewCase("case-1", "test-domain")
	c.Rev = 7 // stale revision of a document that no longer exists
	if err := ForceSave(ctx, store, c); err != nil {
		t.Fatalf("ForceSave should retry as insert: %v", err)
	}
	if _, err := store.GetCase(ctx, "case-1"); err != nil {
		t.Fatalf("case not inserted after vanish retry: %v", err)
	}
}

func TestSaveCaseConflictDetection(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	c := NewCase("case-1", "test-domain")
	if err := store.SaveCase(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale := NewCase("case-1", "test-domain")
	stale.Rev = 99
	if err := store.SaveCase(ctx, stale); err == nil {
		t.Fatalf("stale save must conflict")
	}
}

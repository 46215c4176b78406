// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedCase(t *testing.T, store *memStore, id, domain string) *Case {
	t.Helper()
	c := NewCase(id, domain)
	c.Actions = []CaseAction{createAction("form-1", "u-1", testEpoch, testEpoch, nil)}
	if err := store.SaveCase(context.Background(), c); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	return c
}

func TestCaseDBEmptyIDFails(t *testing.T) {
	db := NewCaseDB("test-domain", newMemStore(), nil, CaseDBConfig{}, nil)
	defer db.Close()

	_, err := db.Get(context.Background(), "")
	var illegal *IllegalCaseIDError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalCaseIDError for empty id, got %v", err)
	}
}

func TestCaseDBMissingCaseIsNilNil(t *testing.T) {
	db := NewCaseDB("test-domain", newMemStore(), nil, CaseDBConfig{}, nil)
	defer db.Close()

	c, err := db.Get(context.Background(), "no-such-case")
	if err != nil || c != nil {
		t.Fatalf("expected (nil, nil) for a missing case, got (%v, %v)", c, err)
	}
}

func TestCaseDBDomainIsolation(t *testing.T) {
	store := newMemStore()
	domains := []string{"domain-a", "domain-b", "domain-c"}
	for i, d := range domains {
		seedCase(t, store, "case-"+string(rune('a'+i)), d)
	}

	for _, bound := range domains {
		db := NewCaseDB(bound, store, nil, CaseDBConfig{}, nil)
		for i, owner := range domains {
			id := "case-" + string(rune('a'+i))
			c, err := db.Get(context.Background(), id)
			if owner == bound {
				if err != nil || c == nil {
					t.Fatalf("same-domain fetch failed: bound=%s id=%s err=%v", bound, id, err)
				}
				continue
			}
			var illegal *IllegalCaseIDError
			if !errors.As(err, &illegal) {
				t.Fatalf("cross-domain fetch must fail: bound=%s owner=%s got (%v, %v)",
					bound, owner, c, err)
			}
		}
		db.Close()
	}
}

func TestCaseDBDeletedOK(t *testing.T) {
	store := newMemStore()
	c := seedCase(t, store, "case-1", "test-domain")
	c.DocType = DocTypeCaseDeleted
	if err := store.SaveCase(context.Background(), c); err != nil {
		t.Fatalf("tombstone save failed: %v", err)
	}

	strict := NewCaseDB("test-domain", store, nil, CaseDBConfig{}, nil)
	defer strict.Close()
	_, err := strict.Get(context.Background(), "case-1")
	var illegal *IllegalCaseIDError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalCaseIDError for tombstone, got %v", err)
	}

	lenient := NewCaseDB("test-domain", store, nil, CaseDBConfig{DeletedOK: true}, nil)
	defer lenient.Close()
	got, err := lenient.Get(context.Background(), "case-1")
	if err != nil || got == nil {
		t.Fatalf("deleted_ok fetch failed: (%v, %v)", got, err)
	}
	if !got.IsDeleted() {
		t.Fatalf("tombstone lost its doc type through the cache")
	}
}

func TestCaseDBStripHistory(t *testing.T) {
	store := newMemStore()
	seedCase(t, store, "case-1", "test-domain")

	db := NewCaseDB("test-domain", store, nil, CaseDBConfig{StripHistory: true}, nil)
	defer db.Close()
	got, err := db.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got.Actions) != 0 {
		t.Fatalf("strip_history kept %d actions", len(got.Actions))
	}
}

func TestCaseDBReadThroughCaching(t *testing.T) {
	store := newMemStore()
	seedCase(t, store, "case-1", "test-domain")

	db := NewCaseDB("test-domain", store, nil, CaseDBConfig{}, nil)
	defer db.Close()
	first, err := db.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	second, err := db.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if first != second {
		t.Fatalf("second get did not hit the cache")
	}
	if !db.InCache("case-1") {
		t.Fatalf("InCache disagrees with a cached fetch")
	}
}

func TestCaseDBSetAndPopulate(t *testing.T) {
	store := newMemStore()
	seedCase(t, store, "case-1", "test-domain")
	seedCase(t, store, "case-2", "test-domain")

	db := NewCaseDB("test-domain", store, nil, CaseDBConfig{}, nil)
	defer db.Close()

	fresh := NewCase("case-3", "test-domain")
	db.Set("case-3", fresh)

	if err := db.Populate(context.Background(), []string{"case-1", "case-2", "case-3", ""}); err != nil {
		t.Fatalf("populate failed: %v", err)
	}
	for _, id := range []string{"case-1", "case-2", "case-3"} {
		if !db.InCache(id) {
			t.Fatalf("populate missed %s", id)
		}
	}
	got, err := db.Get(context.Background(), "case-3")
	if err != nil || got != fresh {
		t.Fatalf("Set entry not honored by Get: (%v, %v)", got, err)
	}
	if len(db.Cached()) != 3 {
		t.Fatalf("Cached returned %d cases, want 3", len(db.Cached()))
	}
}

func TestCaseDBLockLifecycle(t *testing.T) {
	store := newMemStore()
	seedCase(t, store, "case-1", "test-domain")
	locks := NewLocalLockService()

	db := NewCaseDB("test-domain", store, locks, CaseDBConfig{Lock: true}, nil)
	if _, err := db.Get(context.Background(), "case-1"); err != nil {
		t.Fatalf("locked fetch failed: %v", err)
	}
	db.Close()

	// With the scope closed the lock must be reacquirable immediately.
	release, err := locks.Acquire(context.Background(), "case-case-1")
	if err != nil {
		t.Fatalf("lock not released on Close: %v", err)
	}
	release()
}

func TestCaseDBLocksMissingCaseOnce(t *testing.T) {
	locks := NewLocalLockService()
	db := NewCaseDB("test-domain", newMemStore(), locks, CaseDBConfig{Lock: true}, nil)

	c, err := db.Get(context.Background(), "no-such-case")
	if err != nil || c != nil {
		t.Fatalf("expected (nil, nil) for a missing case, got (%v, %v)", c, err)
	}

	// A miss is not cached, so the second read goes to the store again. It
	// must not try to take the lock the scope already holds.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if c, err := db.Get(context.Background(), "no-such-case"); err != nil || c != nil {
			t.Errorf("repeat fetch of a missing case got (%v, %v)", c, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second fetch of the same missing case blocked on the scope's own lock")
	}

	db.Close()
	release, err := locks.Acquire(context.Background(), "case-no-such-case")
	if err != nil {
		t.Fatalf("lock not released on Close: %v", err)
	}
	release()
}

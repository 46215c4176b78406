// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"errors"
	"log/slog"
)

// CaseDB is a scoped, in-memory read-through cache of materialized cases,
// keyed by case id and bound to one domain. It avoids redundant fetches
// while a batch of forms is processed and enforces domain ownership on
// every fetch: a case from another domain, or a document that is not an
// acceptable case representation, is an IllegalCaseIDError rather than a
// silent type confusion.
type CaseDB struct {
	domain string
	store  CaseStore
	locks  LockService
	config CaseDBConfig
	logger *slog.Logger

	cache    map[string]*Case
	locked   map[string]bool
	releases []func()
}

// CaseDBConfig holds the recognized cache options.
type CaseDBConfig struct {
	// StripHistory returns abbreviated projections without the action
	// log, for cheaper bulk reads.
	StripHistory bool
	// DeletedOK permits tombstoned documents.
	DeletedOK bool
	// Lock acquires a per-case mutual-exclusion lock for the duration of
	// the scope, releasing all locks on Close. Lock backend failures are
	// tolerated by falling back to an unlocked read.
	Lock bool
}

// NewCaseDB opens a cache scope bound to the domain. Callers that enable
// Lock must Close the scope to release held locks, including on error.
func NewCaseDB(domain string, store CaseStore, locks LockService, config CaseDBConfig, logger *slog.Logger) *CaseDB {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaseDB{
		domain: domain,
		store:  store,
		locks:  locks,
		config: config,
		logger: logger,
		cache:  make(map[string]*Case),
		locked: make(map[string]bool),
	}
}

// Get returns the case for id, reading through to the store on a miss.
// A missing document propagates as (nil, nil); an empty id, a wrong-domain
// case, or an unacceptable document type is an IllegalCaseIDError.
func (db *CaseDB) Get(ctx context.Context, id string) (*Case, error) {
	if id == "" {
		return nil, &IllegalCaseIDError{CaseID: id, Detail: "case id is empty"}
	}
	if c, ok := db.cache[id]; ok {
		return c, nil
	}

	if db.config.Lock {
		db.acquireLock(ctx, id)
	}

	c, err := db.store.GetCase(ctx, id)
	if errors.Is(err, ErrCaseNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.validate(c); err != nil {
		return nil, err
	}
	if db.config.StripHistory {
		c = stripHistory(c)
	}
	db.cache[id] = c
	return c, nil
}

// Set populates the cache directly, for cases created or updated in
// memory without a round-trip fetch.
func (db *CaseDB) Set(id string, c *Case) {
	db.cache[id] = c
}

// Populate bulk-preloads ids not already cached.
func (db *CaseDB) Populate(ctx context.Context, ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := db.cache[id]; !ok && id != "" {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	cases, err := db.store.GetCases(ctx, missing)
	if err != nil {
		return err
	}
	for _, c := range cases {
		if err := db.validate(c); err != nil {
			return err
		}
		if db.config.StripHistory {
			c = stripHistory(c)
		}
		db.cache[c.ID] = c
	}
	return nil
}

// InCache reports whether the id has been loaded or set in this scope.
func (db *CaseDB) InCache(id string) bool {
	_, ok := db.cache[id]
	return ok
}

// Cached returns every case currently held by the scope.
func (db *CaseDB) Cached() []*Case {
	out := make([]*Case, 0, len(db.cache))
	for _, c := range db.cache {
		out = append(out, c)
	}
	return out
}

// Close releases every lock held by the scope. Safe to call multiple
// times; meant to run on scope exit including exception paths.
func (db *CaseDB) Close() {
	for _, release := range db.releases {
		release()
	}
	db.releases = nil
	db.locked = make(map[string]bool)
}

// acquireLock takes the per-case lock at most once per scope. A missing
// case is not cached, so repeated reads of the same absent id would
// otherwise re-acquire a lock the scope already holds and deadlock on it.
func (db *CaseDB) acquireLock(ctx context.Context, id string) {
	if db.locks == nil || db.locked[id] {
		return
	}
	release, err := db.locks.Acquire(ctx, "case-"+id)
	if err != nil {
		// Strict serialization traded for availability.
		db.logger.Warn("Case lock unavailable, proceeding unlocked",
			"case_id", id, "error", err)
		return
	}
	db.locked[id] = true
	db.releases = append(db.releases, release)
}

func (db *CaseDB) validate(c *Case) error {
	switch c.DocType {
	case DocTypeCase:
	case DocTypeCaseDeleted:
		if !db.config.DeletedOK {
			return &IllegalCaseIDError{CaseID: c.ID, Detail: "case is deleted"}
		}
	default:
		return &IllegalCaseIDError{
			CaseID: c.ID,
			Detail: "document type " + c.DocType + " is not a case",
		}
	}
	if c.Domain != db.domain {
		return &IllegalCaseIDError{
			CaseID: c.ID,
			Detail: "case belongs to another domain",
		}
	}
	return nil
}

// stripHistory returns a shallow projection without the action log.
func stripHistory(c *Case) *Case {
	abbrev := *c
	abbrev.Actions = nil
	return &abbrev
}

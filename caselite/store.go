// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

// Package caselite provides a SQLite-backed document store for the case
// engine, for embedded deployments and tests where Postgres is not
// available. It implements the same store contracts as the Postgres
// store; the engine cannot tell them apart.
package caselite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dimagi/go-casekit/casekit"
)

// Store persists cases, forms, attachments, and the case→form index in a
// single SQLite database. Writes are serialized through a mutex to avoid
// SQLite locking issues.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for advanced callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initializeSchema(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			case_id            TEXT PRIMARY KEY,
			domain             TEXT NOT NULL,
			doc                TEXT NOT NULL,
			rev                INTEGER NOT NULL DEFAULT 0,
			closed             INTEGER NOT NULL DEFAULT 0,
			server_modified_on TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS cases_domain_idx ON cases (domain)`,
		`CREATE TABLE IF NOT EXISTS forms (
			form_id     TEXT PRIMARY KEY,
			domain      TEXT NOT NULL,
			doc_type    TEXT NOT NULL,
			doc         TEXT NOT NULL,
			received_on TEXT NOT NULL,
			rev         INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS case_forms (
			case_id TEXT NOT NULL,
			form_id TEXT NOT NULL,
			PRIMARY KEY (case_id, form_id)
		)`,
		`CREATE INDEX IF NOT EXISTS case_forms_form_idx ON case_forms (form_id)`,
		`CREATE TABLE IF NOT EXISTS form_attachments (
			form_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			content      BLOB NOT NULL,
			PRIMARY KEY (form_id, name)
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// GetCase implements casekit.CaseStore.
func (s *Store) GetCase(ctx context.Context, id string) (*casekit.Case, error) {
	var doc string
	var rev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, rev FROM cases WHERE case_id = ?`, id).Scan(&doc, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, casekit.ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", id, err)
	}
	c := &casekit.Case{}
	if err := json.Unmarshal([]byte(doc), c); err != nil {
		return nil, fmt.Errorf("decode case %s: %w", id, err)
	}
	c.Rev = rev
	return c, nil
}

// GetCases implements casekit.CaseStore.
func (s *Store) GetCases(ctx context.Context, ids []string) ([]*casekit.Case, error) {
	var out []*casekit.Case
	for _, id := range ids {
		c, err := s.GetCase(ctx, id)
		if errors.Is(err, casekit.ErrCaseNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SaveCase implements casekit.CaseStore with the expected-revision write.
func (s *Store) SaveCase(ctx context.Context, c *casekit.Case) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case %s: %w", c.ID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if c.Rev == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO cases (case_id, domain, doc, rev, closed, server_modified_on)
			VALUES (?, ?, ?, 1, ?, ?)`,
			c.ID, c.Domain, string(doc), boolInt(c.Closed), now)
		if err != nil {
			return fmt.Errorf("insert case %s: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &casekit.SaveConflictError{DocID: c.ID, ExpectedRev: 0, ActualRev: s.currentCaseRev(ctx, c.ID)}
		}
		c.Rev = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cases
		SET domain = ?, doc = ?, rev = rev + 1, closed = ?, server_modified_on = ?
		WHERE case_id = ? AND rev = ?`,
		c.Domain, string(doc), boolInt(c.Closed), now, c.ID, c.Rev)
	if err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &casekit.SaveConflictError{DocID: c.ID, ExpectedRev: c.Rev, ActualRev: s.currentCaseRev(ctx, c.ID)}
	}
	c.Rev++
	return nil
}

func (s *Store) currentCaseRev(ctx context.Context, id string) int64 {
	var rev int64
	_ = s.db.QueryRowContext(ctx, `SELECT rev FROM cases WHERE case_id = ?`, id).Scan(&rev)
	return rev
}

// GetForm implements casekit.FormStore.
func (s *Store) GetForm(ctx context.Context, id string) (*casekit.Form, error) {
	var doc string
	var rev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, rev FROM forms WHERE form_id = ?`, id).Scan(&doc, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, casekit.ErrFormNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", id, err)
	}
	f := &casekit.Form{}
	if err := json.Unmarshal([]byte(doc), f); err != nil {
		return nil, fmt.Errorf("decode form %s: %w", id, err)
	}
	f.Rev = rev
	return f, nil
}

// GetForms implements casekit.FormStore.
func (s *Store) GetForms(ctx context.Context, ids []string) ([]*casekit.Form, error) {
	var out []*casekit.Form
	for _, id := range ids {
		f, err := s.GetForm(ctx, id)
		if errors.Is(err, casekit.ErrFormNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// SaveForm implements casekit.FormStore.
func (s *Store) SaveForm(ctx context.Context, f *casekit.Form) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode form %s: %w", f.ID, err)
	}
	received := f.ReceivedOn.UTC().Format(time.RFC3339Nano)

	if f.Rev == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO forms (form_id, domain, doc_type, doc, received_on, rev)
			VALUES (?, ?, ?, ?, ?, 1)`,
			f.ID, f.Domain, f.DocType, string(doc), received)
		if err != nil {
			return fmt.Errorf("insert form %s: %w", f.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &casekit.SaveConflictError{DocID: f.ID, ExpectedRev: 0}
		}
		f.Rev = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE forms
		SET domain = ?, doc_type = ?, doc = ?, received_on = ?, rev = rev + 1
		WHERE form_id = ? AND rev = ?`,
		f.Domain, f.DocType, string(doc), received, f.ID, f.Rev)
	if err != nil {
		return fmt.Errorf("update form %s: %w", f.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &casekit.SaveConflictError{DocID: f.ID, ExpectedRev: f.Rev}
	}
	f.Rev++
	return nil
}

// FormIDsForCase implements casekit.FormStore.
func (s *Store) FormIDsForCase(ctx context.Context, caseID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT form_id FROM case_forms WHERE case_id = ?`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list forms for case %s: %w", caseID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IndexCaseForms implements casekit.FormStore.
func (s *Store) IndexCaseForms(ctx context.Context, formID string, caseIDs []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, caseID := range caseIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO case_forms (case_id, form_id) VALUES (?, ?)`,
			caseID, formID); err != nil {
			return fmt.Errorf("index form %s against case %s: %w", formID, caseID, err)
		}
	}
	return tx.Commit()
}

// FetchAttachment implements casekit.FormStore.
func (s *Store) FetchAttachment(ctx context.Context, formID, name string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM form_attachments WHERE form_id = ? AND name = ?`,
		formID, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("form %s has no attachment %q: %w", formID, name, casekit.ErrFormNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s/%s: %w", formID, name, err)
	}
	return content, nil
}

// PutAttachment implements casekit.FormStore.
func (s *Store) PutAttachment(ctx context.Context, formID, name, contentType string, content []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO form_attachments (form_id, name, content_type, content)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (form_id, name) DO UPDATE
		SET content_type = excluded.content_type, content = excluded.content`,
		formID, name, contentType, content)
	if err != nil {
		return fmt.Errorf("put attachment %s/%s: %w", formID, name, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists cases, forms, attachments, and the case→form secondary
// index in Postgres. Documents are stored as JSON with a revision column
// providing the optimistic-concurrency check.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates the store and initializes its schema.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{pool: pool, logger: logger}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize case store schema: %w", err)
	}
	logger.Debug("Case store schema initialized")
	return s, nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// GetCase implements CaseStore.
func (s *PGStore) GetCase(ctx context.Context, id string) (*Case, error) {
	var doc []byte
	var rev int64
	err := s.pool.QueryRow(ctx, `
		SELECT doc, rev FROM casekit.cases WHERE case_id = $1`, id).Scan(&doc, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", id, err)
	}
	c := &Case{}
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("decode case %s: %w", id, err)
	}
	c.Rev = rev
	return c, nil
}

// GetCases implements CaseStore. Missing ids are absent from the result.
func (s *PGStore) GetCases(ctx context.Context, ids []string) ([]*Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc, rev FROM casekit.cases WHERE case_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("bulk get cases: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		var doc []byte
		var rev int64
		if err := rows.Scan(&doc, &rev); err != nil {
			return nil, err
		}
		c := &Case{}
		if err := json.Unmarshal(doc, c); err != nil {
			return nil, fmt.Errorf("decode case: %w", err)
		}
		c.Rev = rev
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCase implements CaseStore with an expected-revision write. Rev zero
// inserts; anything else updates only if the stored revision still
// matches, returning SaveConflictError otherwise.
func (s *PGStore) SaveCase(ctx context.Context, c *Case) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case %s: %w", c.ID, err)
	}

	if c.Rev == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO casekit.cases (case_id, domain, doc, rev, closed, server_modified_on)
			VALUES ($1, $2, $3, 1, $4, now())
			ON CONFLICT (case_id) DO NOTHING`,
			c.ID, c.Domain, doc, c.Closed)
		if err != nil {
			return fmt.Errorf("insert case %s: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			actual := s.currentCaseRev(ctx, c.ID)
			return &SaveConflictError{DocID: c.ID, ExpectedRev: 0, ActualRev: actual}
		}
		c.Rev = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE casekit.cases
		SET domain = $2, doc = $3, rev = rev + 1, closed = $4, server_modified_on = now()
		WHERE case_id = $1 AND rev = $5`,
		c.ID, c.Domain, doc, c.Closed, c.Rev)
	if err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		actual := s.currentCaseRev(ctx, c.ID)
		return &SaveConflictError{DocID: c.ID, ExpectedRev: c.Rev, ActualRev: actual}
	}
	c.Rev++
	return nil
}

func (s *PGStore) currentCaseRev(ctx context.Context, id string) int64 {
	var rev int64
	_ = s.pool.QueryRow(ctx, `SELECT rev FROM casekit.cases WHERE case_id = $1`, id).Scan(&rev)
	return rev
}

// GetForm implements FormStore.
func (s *PGStore) GetForm(ctx context.Context, id string) (*Form, error) {
	var doc []byte
	var rev int64
	err := s.pool.QueryRow(ctx, `
		SELECT doc, rev FROM casekit.forms WHERE form_id = $1`, id).Scan(&doc, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFormNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", id, err)
	}
	f := &Form{}
	if err := json.Unmarshal(doc, f); err != nil {
		return nil, fmt.Errorf("decode form %s: %w", id, err)
	}
	f.Rev = rev
	return f, nil
}

// GetForms implements FormStore.
func (s *PGStore) GetForms(ctx context.Context, ids []string) ([]*Form, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc, rev FROM casekit.forms WHERE form_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("bulk get forms: %w", err)
	}
	defer rows.Close()

	var out []*Form
	for rows.Next() {
		var doc []byte
		var rev int64
		if err := rows.Scan(&doc, &rev); err != nil {
			return nil, err
		}
		f := &Form{}
		if err := json.Unmarshal(doc, f); err != nil {
			return nil, fmt.Errorf("decode form: %w", err)
		}
		f.Rev = rev
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveForm implements FormStore.
func (s *PGStore) SaveForm(ctx context.Context, f *Form) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode form %s: %w", f.ID, err)
	}

	if f.Rev == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO casekit.forms (form_id, domain, doc_type, doc, received_on, rev)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (form_id) DO NOTHING`,
			f.ID, f.Domain, f.DocType, doc, f.ReceivedOn)
		if err != nil {
			return fmt.Errorf("insert form %s: %w", f.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return &SaveConflictError{DocID: f.ID, ExpectedRev: 0}
		}
		f.Rev = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE casekit.forms
		SET domain = $2, doc_type = $3, doc = $4, received_on = $5, rev = rev + 1
		WHERE form_id = $1 AND rev = $6`,
		f.ID, f.Domain, f.DocType, doc, f.ReceivedOn, f.Rev)
	if err != nil {
		return fmt.Errorf("update form %s: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &SaveConflictError{DocID: f.ID, ExpectedRev: f.Rev}
	}
	f.Rev++
	return nil
}

// FormIDsForCase implements FormStore via the secondary index table.
func (s *PGStore) FormIDsForCase(ctx context.Context, caseID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT form_id FROM casekit.case_forms WHERE case_id = $1`, caseID)
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

// IndexCaseForms implements FormStore.
func (s *PGStore) IndexCaseForms(ctx context.Context, formID string, caseIDs []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, caseID := range caseIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO casekit.case_forms (case_id, form_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, caseID, formID); err != nil {
				return fmt.Errorf("index form %s against case %s: %w", formID, caseID, err)
			}
		}
		return nil
	})
}

// FetchAttachment implements FormStore.
func (s *PGStore) FetchAttachment(ctx context.Context, formID, name string) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx, `
		SELECT content FROM casekit.form_attachments
		WHERE form_id = $1 AND name = $2`, formID, name).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("form %s has no attachment %q: %w", formID, name, ErrFormNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s/%s: %w", formID, name, err)
	}
	return content, nil
}

// PutAttachment implements FormStore.
func (s *PGStore) PutAttachment(ctx context.Context, formID, name, contentType string, content []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO casekit.form_attachments (form_id, name, content_type, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (form_id, name) DO UPDATE
		SET content_type = EXCLUDED.content_type, content = EXCLUDED.content`,
		formID, name, contentType, content)
	if err != nil {
		return fmt.Errorf("put attachment %s/%s: %w", formID, name, err)
	}
	return nil
}

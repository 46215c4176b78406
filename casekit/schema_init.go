// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required tables within an existing
// transaction. All statements are idempotent so repeated startup is safe.
func (s *PGStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for the case engine's documents
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS casekit`,

		// 1) Case documents with revisioned optimistic concurrency
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casekit.cases (
			case_id            TEXT        PRIMARY KEY,
			domain             TEXT        NOT NULL,
			doc                JSON        NOT NULL,
			rev                BIGINT      NOT NULL DEFAULT 0,
			closed             BOOLEAN     NOT NULL DEFAULT FALSE,
			server_modified_on TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS cases_domain_modified_idx
			ON casekit.cases (domain, server_modified_on)`,

		// 2) Form documents
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casekit.forms (
			form_id     TEXT        PRIMARY KEY,
			domain      TEXT        NOT NULL,
			doc_type    TEXT        NOT NULL,
			doc         JSON        NOT NULL,
			received_on TIMESTAMPTZ NOT NULL,
			rev         BIGINT      NOT NULL DEFAULT 0
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS forms_domain_received_idx
			ON casekit.forms (domain, received_on)`,

		// 3) Secondary index: case id -> referencing form ids
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casekit.case_forms (
			case_id TEXT NOT NULL,
			form_id TEXT NOT NULL,
			PRIMARY KEY (case_id, form_id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS case_forms_form_idx
			ON casekit.case_forms (form_id)`,

		// 4) Form attachment content
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casekit.form_attachments (
			form_id      TEXT  NOT NULL,
			name         TEXT  NOT NULL,
			content_type TEXT  NOT NULL DEFAULT '',
			content      BYTEA NOT NULL,
			PRIMARY KEY (form_id, name)
		)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

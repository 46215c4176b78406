// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import "time"

// Form is a submitted XML form instance as the case engine sees it: the
// provenance metadata plus the raw body the case blocks are extracted from.
type Form struct {
	DocType    string    `json:"doc_type"`
	ID         string    `json:"form_id"`
	Domain     string    `json:"domain"`
	XMLNS      string    `json:"xmlns,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	ReceivedOn time.Time `json:"received_on"`

	// OrigID is set on a deprecated form and names the id it was
	// originally submitted under. DeprecatedFormID is set on the
	// replacement form (the override) and names the form it supersedes.
	OrigID           string `json:"orig_id,omitempty"`
	DeprecatedFormID string `json:"deprecated_form_id,omitempty"`

	RawXML []byte `json:"raw_xml,omitempty"`

	// Rev is the optimistic-concurrency revision assigned by the store.
	Rev int64 `json:"-"`
}

// IsDeprecated reports whether this form has been superseded by an edit.
func (f *Form) IsDeprecated() bool {
	return f.DocType == DocTypeFormDeprecated
}

// IsOverride reports whether this form replaces a previously deprecated form.
func (f *Form) IsOverride() bool {
	return f.DeprecatedFormID != ""
}

// IsNormalInstance reports whether the form counts as a genuine,
// non-deleted form instance for rebuild purposes.
func (f *Form) IsNormalInstance() bool {
	return f.DocType == DocTypeForm
}

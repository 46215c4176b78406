// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory CaseStore + FormStore used by the engine tests.
type memStore struct {
	mu          sync.Mutex
	cases       map[string]*Case
	forms       map[string]*Form
	caseForms   map[string][]string
	attachments map[string][]byte // formID/name -> content
}

func newMemStore() *memStore {
	return &memStore{
		cases:       make(map[string]*Case),
		forms:       make(map[string]*Form),
		caseForms:   make(map[string][]string),
		attachments: make(map[string][]byte),
	}
}

func deepCopyCase(c *Case) *Case {
	cp := *c
	cp.Actions = append([]CaseAction(nil), c.Actions...)
	cp.XFormIDs = append([]string(nil), c.XFormIDs...)
	cp.Indices = append([]CaseIndex(nil), c.Indices...)
	if c.Attachments != nil {
		cp.Attachments = make(map[string]CaseAttachment, len(c.Attachments))
		for k, v := range c.Attachments {
			cp.Attachments[k] = v
		}
	}
	cp.Dynamic = c.Dynamic.Clone()
	return &cp
}

func (m *memStore) GetCase(ctx context.Context, id string) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return deepCopyCase(c), nil
}

func (m *memStore) GetCases(ctx context.Context, ids []string) ([]*Case, error) {
	var out []*Case
	for _, id := range ids {
		if c, err := m.GetCase(ctx, id); err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) SaveCase(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, exists := m.cases[c.ID]
	if exists && stored.Rev != c.Rev {
		return &SaveConflictError{DocID: c.ID, ExpectedRev: c.Rev, ActualRev: stored.Rev}
	}
	if !exists && c.Rev != 0 {
		return &SaveConflictError{DocID: c.ID, ExpectedRev: c.Rev}
	}
	c.Rev++
	m.cases[c.ID] = deepCopyCase(c)
	return nil
}

func (m *memStore) GetForm(ctx context.Context, id string) (*Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forms[id]
	if !ok {
		return nil, ErrFormNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memStore) GetForms(ctx context.Context, ids []string) ([]*Form, error) {
	var out []*Form
	for _, id := range ids {
		if f, err := m.GetForm(ctx, id); err == nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memStore) SaveForm(ctx context.Context, f *Form) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Rev++
	cp := *f
	m.forms[f.ID] = &cp
	return nil
}

func (m *memStore) FormIDsForCase(ctx context.Context, caseID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.caseForms[caseID]...), nil
}

func (m *memStore) IndexCaseForms(ctx context.Context, formID string, caseIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, caseID := range caseIDs {
		found := false
		for _, id := range m.caseForms[caseID] {
			if id == formID {
				found = true
			}
		}
		if !found {
			m.caseForms[caseID] = append(m.caseForms[caseID], formID)
		}
	}
	return nil
}

func (m *memStore) FetchAttachment(ctx context.Context, formID, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.attachments[formID+"/"+name]
	if !ok {
		return nil, fmt.Errorf("form %s has no attachment %q: %w", formID, name, ErrFormNotFound)
	}
	return content, nil
}

func (m *memStore) PutAttachment(ctx context.Context, formID, name, contentType string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[formID+"/"+name] = content
	return nil
}

// Test fixture helpers

var testEpoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testForm(id, domain string, receivedOn time.Time) *Form {
	return &Form{
		DocType:    DocTypeForm,
		ID:         id,
		Domain:     domain,
		UserID:     "user-1",
		ReceivedOn: receivedOn,
	}
}

func createAction(formID, userID string, date, serverDate time.Time, props map[string]string) CaseAction {
	return CaseAction{
		ActionType:             ActionCreate,
		UserID:                 userID,
		Date:                   date,
		ServerDate:             serverDate,
		XFormID:                formID,
		UpdatedKnownProperties: props,
	}
}

func updateAction(formID, userID string, date, serverDate time.Time, props map[string]string) CaseAction {
	return CaseAction{
		ActionType:               ActionUpdate,
		UserID:                   userID,
		Date:                     date,
		ServerDate:               serverDate,
		XFormID:                  formID,
		UpdatedUnknownProperties: props,
	}
}

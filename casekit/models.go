// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Core data model for the case engine.
// A case is a materialized projection over an ordered, append-only log of
// actions; everything mutable about a case can be re-derived by replaying
// that log from scratch.

// CaseIndex is an outgoing typed reference from one case to another.
// At most one index exists per identifier; an empty ReferencedID deletes
// the slot, a non-empty one upserts it.
type CaseIndex struct {
	Identifier     string `json:"identifier"`      // Slot name, e.g. "parent"
	ReferencedType string `json:"referenced_type"` // Expected case type of the target
	ReferencedID   string `json:"referenced_id"`   // Target case id
}

// CaseAttachment is binary attachment metadata carried on a case.
// Removing an attachment purges it from the materialized case but the
// action log keeps the historical record.
type CaseAttachment struct {
	Identifier  string `json:"identifier"`            // Attachment slot name
	Src         string `json:"attachment_src"`        // Content source reference on the form
	From        string `json:"attachment_from"`       // Source kind, e.g. "local"
	ContentType string `json:"server_mime,omitempty"` // MIME type as stored
	Size        int    `json:"attachment_size"`       // Content length in bytes
	Width       int    `json:"width,omitempty"`       // Image width, if image
	Height      int    `json:"height,omitempty"`      // Image height, if image
	IsPresent   bool   `json:"is_present"`            // False = removal marker
}

// IsImage reports whether the attachment content type denotes an image.
func (a CaseAttachment) IsImage() bool {
	return len(a.ContentType) > 6 && a.ContentType[:6] == "image/"
}

// CaseAction is one normalized record of a case block's effect, permanently
// appended to a case's history. Actions are immutable once recorded except
// for the Deprecated flag, set when the originating form is superseded.
type CaseAction struct {
	ActionType string    `json:"action_type"`
	UserID     string    `json:"user_id,omitempty"`
	Date       time.Time `json:"date"`        // Claimed device time
	ServerDate time.Time `json:"server_date"` // Authoritative receipt time
	XFormID    string    `json:"xform_id"`
	XFormXMLNS string    `json:"xform_xmlns,omitempty"`
	Deprecated bool      `json:"deprecated,omitempty"`

	UpdatedKnownProperties   map[string]string `json:"updated_known_properties,omitempty"`
	UpdatedUnknownProperties map[string]string `json:"updated_unknown_properties,omitempty"`
	Indices                  []CaseIndex       `json:"indices,omitempty"`
	Attachments              []CaseAttachment  `json:"attachments,omitempty"`
}

// Equal reports field-for-field equality, used to drop exact duplicate
// actions during reconciliation.
func (a CaseAction) Equal(b CaseAction) bool {
	return a.Date.Equal(b.Date) &&
		a.ServerDate.Equal(b.ServerDate) &&
		a.equalExceptDates(b)
}

// equalExceptDates reports whether two actions agree on every field other
// than Date/ServerDate. Such actions are the same underlying action that
// was recorded twice with different timestamps.
func (a CaseAction) equalExceptDates(b CaseAction) bool {
	return a.ActionType == b.ActionType &&
		a.UserID == b.UserID &&
		a.XFormID == b.XFormID &&
		a.XFormXMLNS == b.XFormXMLNS &&
		a.Deprecated == b.Deprecated &&
		maps.Equal(a.UpdatedKnownProperties, b.UpdatedKnownProperties) &&
		maps.Equal(a.UpdatedUnknownProperties, b.UpdatedUnknownProperties) &&
		slices.Equal(a.Indices, b.Indices) &&
		slices.Equal(a.Attachments, b.Attachments)
}

// Properties is an insertion-ordered string map used for the dynamic
// (user-defined) half of a case's property bag. JSON round-trips preserve
// the order so serialized documents stay stable across saves.
type Properties struct {
	keys   []string
	values map[string]string
}

// NewProperties returns an empty ordered property map.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Get returns the value for name and whether it is set.
func (p *Properties) Get(name string) (string, bool) {
	if p == nil || p.values == nil {
		return "", false
	}
	v, ok := p.values[name]
	return v, ok
}

// Set upserts a property, keeping first-insertion order for existing keys.
func (p *Properties) Set(name, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[name]; !ok {
		p.keys = append(p.keys, name)
	}
	p.values[name] = value
}

// Delete removes a property if present.
func (p *Properties) Delete(name string) {
	if p == nil || p.values == nil {
		return
	}
	if _, ok := p.values[name]; !ok {
		return
	}
	delete(p.values, name)
	p.keys = slices.DeleteFunc(p.keys, func(k string) bool { return k == name })
}

// Names returns the property names in insertion order.
func (p *Properties) Names() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.keys)
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Clone returns a deep copy.
func (p *Properties) Clone() *Properties {
	c := NewProperties()
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// Equal reports whether two property bags hold the same pairs, ignoring order.
func (p *Properties) Equal(o *Properties) bool {
	if p.Len() != o.Len() {
		return false
	}
	for _, k := range p.Names() {
		ov, ok := o.Get(k)
		if !ok {
			return false
		}
		v, _ := p.Get(k)
		if v != ov {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the properties as a JSON object in insertion order.
func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		v, _ := p.Get(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (p *Properties) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.values = make(map[string]string)
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("properties: expected object, got %v", tok)
	}
	for dec.More() {
		kTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kTok.(string)
		if !ok {
			return fmt.Errorf("properties: non-string key %v", kTok)
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return err
		}
		p.Set(key, val)
	}
	_, err = dec.Token() // closing brace
	return err
}

// Case is the materialized projection of an action log: the long-lived
// mutable record (a patient, household, task) whose current state is
// derived entirely from replaying the forms that touched it.
type Case struct {
	DocType string `json:"doc_type"`
	ID      string `json:"case_id"`
	Domain  string `json:"domain"`

	Type       string `json:"type"`
	Name       string `json:"name"`
	OwnerID    string `json:"owner_id"`
	UserID     string `json:"user_id"`
	ExternalID string `json:"external_id"`
	Version    string `json:"version,omitempty"`

	OpenedOn   time.Time `json:"opened_on,omitzero"`
	OpenedBy   string    `json:"opened_by"`
	ModifiedOn time.Time `json:"modified_on,omitzero"`
	ClosedOn   time.Time `json:"closed_on,omitzero"`
	ClosedBy   string    `json:"closed_by"`
	Closed     bool      `json:"closed"`

	ServerModifiedOn time.Time `json:"server_modified_on,omitzero"`

	Actions     []CaseAction              `json:"actions"`
	XFormIDs    []string                  `json:"xform_ids"`
	Indices     []CaseIndex               `json:"indices"`
	Attachments map[string]CaseAttachment `json:"case_attachments,omitempty"`

	// Dynamic holds user-defined properties alongside the reserved fields
	// above. The two views merge at serialization time.
	Dynamic *Properties `json:"dynamic_properties,omitempty"`

	// Operator rebuild provenance
	LastRebuildDate   time.Time `json:"last_rebuild_date,omitzero"`
	LastRebuildReason string    `json:"last_rebuild_reason,omitempty"`

	// Rev is the optimistic-concurrency revision assigned by the store.
	// Zero means the document has never been saved.
	Rev int64 `json:"-"`
}

// NewCase returns an empty case shell with just the target identity set.
func NewCase(id, domain string) *Case {
	return &Case{
		DocType: DocTypeCase,
		ID:      id,
		Domain:  domain,
		Dynamic: NewProperties(),
	}
}

// IsDeleted reports whether the case is tombstoned.
func (c *Case) IsDeleted() bool {
	return c.DocType == DocTypeCaseDeleted
}

// PrimaryActions returns the actions excluding rebuild bookkeeping entries.
func (c *Case) PrimaryActions() []CaseAction {
	var out []CaseAction
	for _, a := range c.Actions {
		if a.ActionType != ActionRebuild {
			out = append(out, a)
		}
	}
	return out
}

// HasIndex reports whether an index exists for the identifier.
func (c *Case) HasIndex(identifier string) bool {
	for _, ix := range c.Indices {
		if ix.Identifier == identifier {
			return true
		}
	}
	return false
}

// Index returns the index for the identifier, if any.
func (c *Case) Index(identifier string) (CaseIndex, bool) {
	for _, ix := range c.Indices {
		if ix.Identifier == identifier {
			return ix, true
		}
	}
	return CaseIndex{}, false
}

// UpdateIndices applies the index upsert/delete rule for each entry: an
// empty referenced id deletes the slot, anything else upserts it. For any
// sequence of index updates the final state equals applying only the last
// update per identifier.
func (c *Case) UpdateIndices(indices []CaseIndex) {
	for _, ix := range indices {
		if ix.ReferencedID == "" {
			c.Indices = slices.DeleteFunc(c.Indices, func(cur CaseIndex) bool {
				return cur.Identifier == ix.Identifier
			})
			continue
		}
		replaced := false
		for i := range c.Indices {
			if c.Indices[i].Identifier == ix.Identifier {
				c.Indices[i] = ix
				replaced = true
				break
			}
		}
		if !replaced {
			c.Indices = append(c.Indices, ix)
		}
	}
}

// Property reads a dynamic property.
func (c *Case) Property(name string) (string, bool) {
	return c.Dynamic.Get(name)
}

// setKnownProperty assigns one reserved property from an action payload.
// Unexpected names are ignored rather than failing the replay.
func (c *Case) setKnownProperty(name, value string) {
	switch name {
	case PropertyName, "name":
		c.Name = value
	case PropertyType, PropertyTypeV1, "type":
		c.Type = value
	case PropertyOwnerID:
		c.OwnerID = value
	case PropertyExternalID:
		c.ExternalID = value
	case PropertyDateOpened, "opened_on":
		if t, err := parseCaseTime(value); err == nil {
			c.OpenedOn = t
		}
	}
}

// knownPropertyName reports whether a case-block element name addresses a
// reserved property (for the split between known and dynamic updates).
func knownPropertyName(name string) bool {
	switch name {
	case PropertyName, PropertyType, PropertyTypeV1, PropertyOwnerID,
		PropertyExternalID, PropertyDateOpened:
		return true
	}
	return false
}

// parseCaseTime parses the timestamp formats devices put in case blocks:
// full RFC3339, a naive datetime, or a bare date (coerced to midnight).
func parseCaseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable case timestamp %q", s)
}

// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"encoding/json"
	"testing"
	"time"
)

// Action equality drives deduplication during reconciliation, so it has
// to notice every field.
func TestCaseActionEquality(t *testing.T) {
	orig := updateAction("form-1", "user-1", testEpoch, testEpoch,
		map[string]string{"p1": "p1"})

	copied := orig
	if !copied.Equal(orig) {
		t.Fatalf("identical actions should be equal")
	}

	copied.ServerDate = orig.ServerDate.Add(time.Second)
	if copied.Equal(orig) {
		t.Fatalf("server_date change should break equality")
	}
	if !copied.equalExceptDates(orig) {
		t.Fatalf("server_date change alone should still near-match")
	}

	copied = orig
	copied.UpdatedUnknownProperties = map[string]string{"p1": "not-p1"}
	if copied.Equal(orig) {
		t.Fatalf("property change should break equality")
	}
	if copied.equalExceptDates(orig) {
		t.Fatalf("property change should break the near-match too")
	}

	copied = orig
	copied.UpdatedUnknownProperties = map[string]string{"p1": "p1", "pnew": ""}
	if copied.Equal(orig) {
		t.Fatalf("extra property should break equality")
	}
}

func TestPropertiesInsertionOrder(t *testing.T) {
	p := NewProperties()
	p.Set("b", "1")
	p.Set("a", "2")
	p.Set("c", "3")
	p.Set("a", "updated") // re-set keeps original position

	names := p.Names()
	want := []string{"b", "a", "c"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected name %q at %d, got %q", want[i], i, names[i])
		}
	}
	if v, _ := p.Get("a"); v != "updated" {
		t.Fatalf("expected updated value, got %q", v)
	}

	p.Delete("a")
	if _, ok := p.Get("a"); ok {
		t.Fatalf("deleted property still present")
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 properties after delete, got %d", p.Len())
	}
}

func TestPropertiesJSONRoundTrip(t *testing.T) {
	p := NewProperties()
	p.Set("zeta", "z")
	p.Set("alpha", "a")

	encoded, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `{"zeta":"z","alpha":"a"}` {
		t.Fatalf("order not preserved in JSON: %s", encoded)
	}

	decoded := NewProperties()
	if err := json.Unmarshal(encoded, decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Equal(p) {
		t.Fatalf("round trip lost data: %v vs %v", decoded.Names(), p.Names())
	}
	names := decoded.Names()
	if names[0] != "zeta" || names[1] != "alpha" {
		t.Fatalf("round trip lost order: %v", names)
	}
}

// For all sequences of index updates, the final state equals applying
// only the last update per identifier.
func TestUpdateIndicesUpsertAndDelete(t *testing.T) {
	c := NewCase("case-1", "test-domain")

	c.UpdateIndices([]CaseIndex{{Identifier: "parent", ReferencedType: "household", ReferencedID: "hh-1"}})
	ix, ok := c.Index("parent")
	if !ok || ix.ReferencedID != "hh-1" {
		t.Fatalf("expected parent index to hh-1, got %#v", ix)
	}

	// Overwrite the same identifier
	c.UpdateIndices([]CaseIndex{{Identifier: "parent", ReferencedType: "household", ReferencedID: "hh-2"}})
	ix, _ = c.Index("parent")
	if ix.ReferencedID != "hh-2" {
		t.Fatalf("expected overwrite to hh-2, got %q", ix.ReferencedID)
	}
	if len(c.Indices) != 1 {
		t.Fatalf("upsert duplicated the slot: %v", c.Indices)
	}

	// New identifier
	c.UpdateIndices([]CaseIndex{{Identifier: "referral", ReferencedType: "case", ReferencedID: "r-1"}})
	if len(c.Indices) != 2 {
		t.Fatalf("expected two indices, got %v", c.Indices)
	}

	// Empty referenced id deletes the slot
	c.UpdateIndices([]CaseIndex{{Identifier: "parent", ReferencedType: "household", ReferencedID: ""}})
	if c.HasIndex("parent") {
		t.Fatalf("expected parent index to be deleted")
	}
	if !c.HasIndex("referral") {
		t.Fatalf("unrelated index was deleted")
	}
}

func TestCaseJSONKeepsDynamicProperties(t *testing.T) {
	c := NewCase("case-1", "test-domain")
	c.Name = "Maria"
	c.Dynamic.Set("village", "Springfield")

	encoded, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded := &Case{}
	if err := json.Unmarshal(encoded, decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Name != "Maria" {
		t.Fatalf("reserved field lost: %q", decoded.Name)
	}
	if v, _ := decoded.Property("village"); v != "Springfield" {
		t.Fatalf("dynamic property lost: %q", v)
	}
}

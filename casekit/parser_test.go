// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"errors"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseBlock(t *testing.T, xml string) (*CaseUpdate, error) {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(xml))
	return ParseCaseBlock(doc.Root())
}

func TestParseV2CaseBlock(t *testing.T) {
	update, err := parseBlock(t, `
		<case case_id="abc-123" user_id="u-9" date_modified="2024-03-01T10:00:00Z"
		      xmlns="http://commcarehq.org/case/transaction/v2">
			<create>
				<case_type>patient</case_type>
				<case_name>Maria</case_name>
				<owner_id>village-7</owner_id>
			</create>
			<update>
				<age>31</age>
			</update>
		</case>`)
	require.NoError(t, err)

	assert.Equal(t, "abc-123", update.ID)
	assert.Equal(t, CaseVersion2, update.Version)
	assert.Equal(t, "u-9", update.UserID)
	assert.True(t, update.CreatesCase())
	assert.Equal(t, "patient", update.CreateBlock["case_type"])
	assert.Equal(t, "Maria", update.CreateBlock["case_name"])
	assert.Equal(t, "31", update.UpdateBlock["age"])
	assert.False(t, update.ClosesCase())
}

func TestParseV1CaseBlock(t *testing.T) {
	update, err := parseBlock(t, `
		<case>
			<case_id>old-1</case_id>
			<date_modified>2024-03-01T10:00:00</date_modified>
			<create>
				<case_type_id>patient</case_type_id>
				<case_name>Jo</case_name>
			</create>
			<close/>
		</case>`)
	require.NoError(t, err)

	assert.Equal(t, "old-1", update.ID)
	assert.Equal(t, CaseVersion1, update.Version)
	assert.Equal(t, "patient", update.CreateBlock["case_type_id"])
	assert.True(t, update.ClosesCase())
}

func TestParseMissingCaseIDFails(t *testing.T) {
	_, err := parseBlock(t, `
		<case xmlns="http://commcarehq.org/case/transaction/v2">
			<create><case_name>x</case_name></create>
		</case>`)
	var cve *CaseValueError
	require.ErrorAs(t, err, &cve)
	assert.Equal(t, ReasonMissingCaseID, cve.Reason)

	_, err = parseBlock(t, `<case><create><case_name>x</case_name></create></case>`)
	require.ErrorAs(t, err, &cve)
}

func TestParseUnknownNamespaceFails(t *testing.T) {
	_, err := parseBlock(t, `<case case_id="x" xmlns="http://example.com/not-a-case"/>`)
	var cve *CaseValueError
	require.ErrorAs(t, err, &cve)
	assert.Equal(t, ReasonBadNamespace, cve.Reason)
}

func TestParseIndexAndAttachmentBlocks(t *testing.T) {
	update, err := parseBlock(t, `
		<case case_id="abc" xmlns="http://commcarehq.org/case/transaction/v2">
			<index>
				<parent case_type="household">hh-1</parent>
			</index>
			<attachment>
				<photo src="photo.jpg" from="local"/>
				<scan src=""/>
			</attachment>
		</case>`)
	require.NoError(t, err)

	require.Len(t, update.Indices, 1)
	assert.Equal(t, CaseIndex{Identifier: "parent", ReferencedType: "household", ReferencedID: "hh-1"}, update.Indices[0])

	require.Len(t, update.Attachments, 2)
	assert.True(t, update.Attachments[0].IsPresent)
	assert.Equal(t, "photo.jpg", update.Attachments[0].Src)
	assert.False(t, update.Attachments[1].IsPresent, "empty src is a removal marker")
}

func TestExtractCaseUpdatesWalksFormBody(t *testing.T) {
	form := testForm("form-1", "test-domain", testEpoch)
	form.RawXML = []byte(`
		<data xmlns="http://example.com/form">
			<name>visit</name>
			<subgroup>
				<case case_id="abc" xmlns="http://commcarehq.org/case/transaction/v2">
					<update><visited>yes</visited></update>
				</case>
			</subgroup>
			<case>
				<case_id>legacy-1</case_id>
				<update><seen>yes</seen></update>
			</case>
			<log xmlns="http://code.javarosa.org/devicereport">
				<case case_id="should-be-skipped"/>
			</log>
		</data>`)

	updates, errs := ExtractCaseUpdates(form)
	require.Empty(t, errs)
	require.Len(t, updates, 2)
	assert.Equal(t, "abc", updates[0].ID)
	assert.Equal(t, CaseVersion2, updates[0].Version)
	assert.Equal(t, "legacy-1", updates[1].ID, "inherited namespace parses as v1")
	assert.Equal(t, CaseVersion1, updates[1].Version)
}

func TestExtractCaseUpdatesReportsBadBlocksOnly(t *testing.T) {
	form := testForm("form-1", "test-domain", testEpoch)
	form.RawXML = []byte(`
		<data xmlns="http://example.com/form">
			<case xmlns="http://commcarehq.org/case/transaction/v2">
				<create><case_name>missing id</case_name></create>
			</case>
			<case case_id="good-1" xmlns="http://commcarehq.org/case/transaction/v2">
				<update><p>1</p></update>
			</case>
		</data>`)

	updates, errs := ExtractCaseUpdates(form)
	require.Len(t, errs, 1)
	var cve *CaseValueError
	assert.True(t, errors.As(errs[0], &cve))
	require.Len(t, updates, 1)
	assert.Equal(t, "good-1", updates[0].ID)
}

// One CaseUpdate per case block; the sub-blocks present decide which
// actions come out.
func TestCaseActionsFromUpdate(t *testing.T) {
	form := testForm("form-1", "test-domain", testEpoch)
	update := &CaseUpdate{
		ID:      "abc",
		Version: CaseVersion2,
		UserID:  "u-1",
		CreateBlock: map[string]string{
			"case_type": "patient",
			"case_name": "Maria",
		},
		UpdateBlock: map[string]string{
			"case_name": "Maria G",
			"age":       "31",
		},
		CloseBlock: true,
	}

	actions := update.CaseActions(form)
	require.Len(t, actions, 3)
	assert.Equal(t, ActionCreate, actions[0].ActionType)
	assert.Equal(t, ActionUpdate, actions[1].ActionType)
	assert.Equal(t, ActionClose, actions[2].ActionType)

	assert.Equal(t, "Maria", actions[0].UpdatedKnownProperties["case_name"])
	assert.Equal(t, "Maria G", actions[1].UpdatedKnownProperties["case_name"])
	assert.Equal(t, "31", actions[1].UpdatedUnknownProperties["age"])
	assert.Empty(t, actions[1].UpdatedUnknownProperties["case_name"],
		"reserved names stay out of the dynamic payload")

	for _, a := range actions {
		assert.Equal(t, "form-1", a.XFormID)
		assert.Equal(t, testEpoch, a.ServerDate)
	}
}

// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

// Action type constants for case actions.
// The declaration order here is also the canonical replay tie-break order:
// when everything else about two actions compares equal, a create sorts
// before an update, an update before an index, and so on.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionIndex      = "index"
	ActionClose      = "close"
	ActionAttachment = "attachment"
	ActionCommtrack  = "commtrack"
	ActionRebuild    = "rebuild"
)

// caseActionOrder ranks action types for the final sort tie-break.
var caseActionOrder = map[string]int{
	ActionCreate:     0,
	ActionUpdate:     1,
	ActionIndex:      2,
	ActionClose:      3,
	ActionAttachment: 4,
	ActionCommtrack:  5,
	ActionRebuild:    6,
}

// Case XML protocol versions
const (
	CaseVersion1 = "1.0"
	CaseVersion2 = "2.0"
)

// XML namespaces governing case block version dispatch.
// An absent namespace selects v1; the v2 namespace selects v2; anything
// else is a hard parse error.
const (
	NamespaceCaseV2    = "http://commcarehq.org/case/transaction/v2"
	NamespaceDeviceLog = "http://code.javarosa.org/devicereport"
)

// namespaceVersionMap maps a case block namespace to its protocol version.
var namespaceVersionMap = map[string]string{
	"":              CaseVersion1,
	NamespaceCaseV2: CaseVersion2,
}

// Document type constants for stored case documents. A tombstoned case
// keeps its document around under the deleted doc type rather than being
// physically removed.
const (
	DocTypeCase        = "CommCareCase"
	DocTypeCaseDeleted = "CommCareCase-Deleted"
)

// Document type constants for stored form documents. Only DocTypeForm
// counts as a genuine, non-deleted form instance during rebuild.
const (
	DocTypeForm           = "XFormInstance"
	DocTypeFormDeprecated = "XFormDeprecated"
	DocTypeFormDeleted    = "XFormInstance-Deleted"
	DocTypeFormArchived   = "XFormArchived"
)

// Reserved case properties that may appear in create/update blocks.
// Everything else in an update block is a dynamic property.
const (
	PropertyName       = "case_name"
	PropertyType       = "case_type"
	PropertyTypeV1     = "case_type_id"
	PropertyNameV1     = "case_name" // v1 and v2 share the name element
	PropertyOwnerID    = "owner_id"
	PropertyExternalID = "external_id"
	PropertyDateOpened = "date_opened"
)

// restrictedProperties are case-block tag names that may never be set as
// dynamic properties; updates naming them are dropped during replay.
var restrictedProperties = map[string]bool{
	"case_id":        true,
	"@case_id":       true,
	"case_type":      true,
	"case_type_id":   true,
	"case_name":      true,
	"date_modified":  true,
	"@date_modified": true,
	"user_id":        true,
	"@user_id":       true,
	"actions":        true,
	"indices":        true,
	"closed":         true,
	"type":           true,
	"name":           true,
}

// Status constants returned per case by the form processor.
const (
	StCaseApplied = "applied"
	StCaseInvalid = "invalid"
	StCaseError   = "error"
)

// Rebuild reason constants recorded as provenance on rebuilt cases.
const (
	ReasonUserRequested = "user_requested"
	ReasonUserArchived  = "user_archived"
	ReasonFormEdit      = "form_edit"
)

// Invalid reason constants
const (
	ReasonMissingCaseID   = "missing_case_id"
	ReasonBadNamespace    = "bad_namespace"
	ReasonCaseNotFound    = "case_not_found"
	ReasonIllegalCaseID   = "illegal_case_id"
	ReasonReconcileFailed = "reconcile_failed"
	ReasonInternalError   = "internal_error"
)

// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// ClientAuthenticator extracts the submitting identity from HTTP requests.
// Implementations should validate auth (e.g. JWT) and provide all three
// identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
	GetDomain(r *http.Request) (string, error)
}

// HTTPHandlers provides the HTTP surface of the form receiver: form
// submission, the operator rebuild endpoint, and a read-only case view.
type HTTPHandlers struct {
	processor     *Processor
	cases         CaseStore
	forms         FormStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the receiver handlers.
func NewHTTPHandlers(processor *Processor, cases CaseStore, forms FormStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		processor:     processor,
		cases:         cases,
		forms:         forms,
		authenticator: authenticator,
		logger:        logger,
	}
}

// maxSubmissionBytes bounds the accepted form body.
const maxSubmissionBytes = 16 << 20

// HandleSubmit receives one XML form submission and processes its case
// blocks. A rejected submission is retried by the device later.
func (h *HTTPHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	domain, err := h.authenticator.GetDomain(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read submission body")
		return
	}

	form := &Form{
		DocType:    DocTypeForm,
		ID:         formIDFromBody(body),
		Domain:     domain,
		UserID:     userID,
		ReceivedOn: time.Now().UTC(),
		RawXML:     body,
	}
	form.XMLNS = rootNamespace(body)

	result, err := h.processor.ProcessForm(r.Context(), domain, form)
	if err != nil {
		h.logger.Error("Failed to process submission", "form_id", form.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "submission_failed", "Failed to process submission")
		return
	}

	h.writeJSON(w, http.StatusOK, &SubmitResponse{
		FormID:   result.FormID,
		Accepted: result.Accepted,
		Statuses: result.Statuses,
		CaseIDs:  result.CaseIDs,
	})
}

// HandleRebuildCase is the operator-invoked repair endpoint for known-bad
// cases.
func (h *HTTPHandlers) HandleRebuildCase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	domain, err := h.authenticator.GetDomain(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse rebuild request")
		return
	}
	if req.CaseID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "case_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = ReasonUserRequested
	}

	c, err := RebuildCase(r.Context(), h.cases, h.forms, domain, req.CaseID, req.Reason, h.logger, h.processor.metrics)
	if err != nil {
		var mismatch *DomainMismatchError
		if errors.As(err, &mismatch) {
			h.writeError(w, http.StatusConflict, "domain_mismatch", err.Error())
			return
		}
		h.logger.Error("Failed to rebuild case", "case_id", req.CaseID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "rebuild_failed", "Failed to rebuild case")
		return
	}

	resp := &RebuildResponse{CaseID: req.CaseID}
	if c != nil {
		resp.Found = true
		resp.Tombstone = c.IsDeleted()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGetCase returns a read-only projection of one case.
func (h *HTTPHandlers) HandleGetCase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	domain, err := h.authenticator.GetDomain(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	caseID := r.URL.Query().Get("case_id")
	if caseID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "case_id is required")
		return
	}

	caseDB := NewCaseDB(domain, h.cases, nil, CaseDBConfig{}, h.logger)
	c, err := caseDB.Get(r.Context(), caseID)
	if err != nil {
		var illegal *IllegalCaseIDError
		if errors.As(err, &illegal) {
			h.writeError(w, http.StatusForbidden, "illegal_case_id", err.Error())
			return
		}
		h.logger.Error("Failed to fetch case", "case_id", caseID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch case")
		return
	}
	if c == nil {
		h.writeError(w, http.StatusNotFound, "case_not_found", "No such case")
		return
	}
	h.writeJSON(w, http.StatusOK, caseResponseFrom(c))
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, &ErrorResponse{Error: code, Message: message})
}

// formIDFromBody extracts the device-assigned instance id from the form's
// meta block, falling back to a fresh uuid when absent.
func formIDFromBody(body []byte) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err == nil {
		if root := doc.Root(); root != nil {
			if meta := childElement(root, "meta"); meta != nil {
				if inst := childElement(meta, "instanceID"); inst != nil {
					if id := strings.TrimSpace(inst.Text()); id != "" {
						return id
					}
				}
			}
		}
	}
	return uuid.NewString()
}

// rootNamespace returns the form body's root namespace, if any.
func rootNamespace(body []byte) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return ""
	}
	if root := doc.Root(); root != nil {
		return root.NamespaceURI()
	}
	return ""
}

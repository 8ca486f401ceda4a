/**
 * @description
 * HTTP handlers for the referrer-initiated payout request lifecycle: submit,
 * cancel, approve, deny, complete-as-batch, and the request report surfaces.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/domain: Request payloads and models.
 */

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sparklecrew/affiliate-service/internal/domain"
)

// CreateRequestHandler submits a payout request over the caller's own locked
// entries and tags each one with the new request id.
func (h *AffiliateHandlers) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}

	var payload domain.CreateRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	request, err := h.service.CreateRequest(r.Context(), caller, payload.LedgerEntryIDs, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, request)
}

// CancelRequestHandler withdraws the caller's own submitted request.
func (h *AffiliateHandlers) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	requestID, ok := h.idParam(w, r, "requestID")
	if !ok {
		return
	}

	var payload domain.ResolveRequestPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	request, err := h.service.CancelRequest(r.Context(), caller, requestID, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// ApproveRequestHandler moves a submitted request to approved. Administrator only.
func (h *AffiliateHandlers) ApproveRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	requestID, ok := h.idParam(w, r, "requestID")
	if !ok {
		return
	}

	var payload domain.ResolveRequestPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	request, err := h.service.ApproveRequest(r.Context(), caller, requestID, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// DenyRequestHandler denies a request with a mandatory reason and releases its
// entries back to plain locked. Administrator only.
func (h *AffiliateHandlers) DenyRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	requestID, ok := h.idParam(w, r, "requestID")
	if !ok {
		return
	}

	var payload domain.ResolveRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	request, err := h.service.DenyRequest(r.Context(), caller, requestID, payload.Reason)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// CompleteRequestHandler fulfils an approved (or submitted) request by
// recording a payout batch over its still-eligible entries. Administrator only.
func (h *AffiliateHandlers) CompleteRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	requestID, ok := h.idParam(w, r, "requestID")
	if !ok {
		return
	}

	var payload domain.ResolveRequestPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	completed, err := h.service.CompleteRequestAsBatch(r.Context(), caller, requestID, payload.Method, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, completed)
}

// GetRequestHandler returns a request annotated with per-member eligibility.
// Administrator only; used by the review screen before completion.
func (h *AffiliateHandlers) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	requestID, ok := h.idParam(w, r, "requestID")
	if !ok {
		return
	}

	request, err := h.service.GetRequestWithEligibility(r.Context(), caller, requestID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// ListMyRequestsHandler returns the caller's own requests, newest first.
func (h *AffiliateHandlers) ListMyRequestsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}

	requests, err := h.service.ListMyRequests(r.Context(), caller, listOptions(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// ListRequestsHandler returns all requests across referrers. Administrator only.
func (h *AffiliateHandlers) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}

	requests, err := h.service.ListRequestsAdmin(r.Context(), caller, listOptions(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

/**
 * @description
 * HTTP handlers for administrator payout batches: direct batch creation over
 * locked statements, voiding with full revert, and the batch report surface.
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

// CreateBatchHandler records a payout batch over a set of locked entries and
// marks every member paid in the same transaction.
func (h *AffiliateHandlers) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}

	var payload domain.CreateBatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	batch, err := h.service.CreateBatch(r.Context(), caller, payload.LedgerEntryIDs, payload.Method, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, batch)
}

// VoidBatchHandler voids a recorded batch and reverts its members to locked.
// Voiding an already voided batch is an idempotent success.
func (h *AffiliateHandlers) VoidBatchHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	batchID, ok := h.idParam(w, r, "batchID")
	if !ok {
		return
	}

	var payload domain.LedgerNotePayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	batch, err := h.service.VoidBatch(r.Context(), caller, batchID, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// GetBatchHandler returns a single batch by id.
func (h *AffiliateHandlers) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	batchID, ok := h.idParam(w, r, "batchID")
	if !ok {
		return
	}

	batch, err := h.service.GetBatch(r.Context(), caller, batchID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// ListBatchesHandler returns all batches, newest first. Administrator only.
func (h *AffiliateHandlers) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}

	batches, err := h.service.ListBatches(r.Context(), caller, listOptions(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batches)
}

// ListReferrerBatchesHandler returns the batches paying a given referrer.
func (h *AffiliateHandlers) ListReferrerBatchesHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	referrerID, ok := h.idParam(w, r, "referrerID")
	if !ok {
		return
	}

	batches, err := h.service.ListBatchesForReferrer(r.Context(), caller, referrerID, listOptions(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batches)
}

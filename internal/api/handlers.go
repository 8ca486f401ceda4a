/**
 * @description
 * This file contains the HTTP handlers for the affiliate-service's ledger
 * endpoints, plus the shared helpers every handler file leans on: caller
 * resolution, error-to-status mapping, pagination parsing, and JSON writing.
 * Handlers parse the request, call the application service, and write the
 * response; they hold no business logic of their own.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sparklecrew/affiliate-service/internal/app"
	"github.com/sparklecrew/affiliate-service/internal/domain"
	"github.com/sparklecrew/affiliate-service/internal/store"
)

// AffiliateHandlers holds the application service that handlers will use.
type AffiliateHandlers struct {
	service *app.Service
}

// NewAffiliateHandlers creates a new instance of AffiliateHandlers.
func NewAffiliateHandlers(service *app.Service) *AffiliateHandlers {
	return &AffiliateHandlers{service: service}
}

// callerFromRequest resolves the authenticated subject into a Caller. It
// returns false after writing the error response when resolution fails.
func (h *AffiliateHandlers) callerFromRequest(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return domain.Caller{}, false
	}

	caller, err := h.service.ResolveCaller(r.Context(), subject)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusUnauthorized, "Unknown caller")
			return domain.Caller{}, false
		}
		log.Printf("level=error component=api msg=\"caller resolution failed\" subject=%s err=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to resolve caller")
		return domain.Caller{}, false
	}
	return caller, true
}

// idParam parses a UUID path parameter, writing a 400 on failure.
func (h *AffiliateHandlers) idParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// listOptions reads cursor/limit query parameters. Absent or malformed values
// fall back to defaults rather than rejecting the request.
func listOptions(r *http.Request) domain.ListOptions {
	var opts domain.ListOptions
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		if cursor, err := strconv.ParseInt(raw, 10, 64); err == nil && cursor > 0 {
			opts.Cursor = cursor
		}
	}
	return opts
}

// handleServiceError maps application and store errors onto HTTP statuses.
// State-shape conflicts become 409 so clients re-fetch instead of retrying.
func (h *AffiliateHandlers) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrLedgerEntryNotFound),
		errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrPayoutRequestNotFound),
		errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrAccessDenied):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrInvalidState),
		errors.Is(err, app.ErrAlreadyBatched),
		errors.Is(err, app.ErrAlreadyRequested),
		errors.Is(err, store.ErrEntryIneligible),
		errors.Is(err, store.ErrTransferInFlight),
		errors.Is(err, store.ErrLedgerStateChanged),
		errors.Is(err, store.ErrRequestStateChanged):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrEmptySelection),
		errors.Is(err, app.ErrMissingReason),
		errors.Is(err, app.ErrInvalidPeriodType):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// parsePeriodAnchor resolves the optional period_start body field. Any date
// inside the target period selects that period; absent means now.
func parsePeriodAnchor(raw *string) (time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return time.Now().UTC(), nil
	}
	anchor, err := time.Parse("2006-01-02", strings.TrimSpace(*raw))
	if err != nil {
		return time.Time{}, err
	}
	return anchor, nil
}

// UpsertMyLedgerHandler recomputes the caller's own commission statement for
// the period enclosing the supplied (or current) date.
func (h *AffiliateHandlers) UpsertMyLedgerHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}

	var payload domain.UpsertLedgerPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	anchor, err := parsePeriodAnchor(payload.PeriodStart)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid period_start; expected YYYY-MM-DD")
		return
	}

	entry, err := h.service.UpsertLedger(r.Context(), caller, caller.ID, payload.PeriodType, anchor)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// UpsertReferrerLedgerHandler recomputes a referrer's statement on their
// behalf. The service enforces owner-or-admin access.
func (h *AffiliateHandlers) UpsertReferrerLedgerHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	referrerID, ok := h.idParam(w, r, "referrerID")
	if !ok {
		return
	}

	var payload domain.UpsertLedgerPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	anchor, err := parsePeriodAnchor(payload.PeriodStart)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid period_start; expected YYYY-MM-DD")
		return
	}

	entry, err := h.service.UpsertLedger(r.Context(), caller, referrerID, payload.PeriodType, anchor)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// LockLedgerEntryHandler freezes an open statement. Locking an already frozen
// entry is an idempotent success.
func (h *AffiliateHandlers) LockLedgerEntryHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	entryID, ok := h.idParam(w, r, "entryID")
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

	entry, err := h.service.Lock(r.Context(), caller, entryID, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// MarkLedgerPaidHandler records a manual out-of-band payment against a locked
// statement.
func (h *AffiliateHandlers) MarkLedgerPaidHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	entryID, ok := h.idParam(w, r, "entryID")
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

	entry, err := h.service.MarkPaidManually(r.Context(), caller, entryID, payload.Method, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// UnmarkLedgerPaidHandler reverts an erroneous paid mark back to locked.
// Administrator only.
func (h *AffiliateHandlers) UnmarkLedgerPaidHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	entryID, ok := h.idParam(w, r, "entryID")
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

	entry, err := h.service.UnmarkPaid(r.Context(), caller, entryID, payload.Note)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// ListMyLedgerHandler returns the caller's statements, newest period first.
func (h *AffiliateHandlers) ListMyLedgerHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetLedgerForReferrer(r.Context(), caller, caller.ID, listOptions(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// ListReferrerLedgerHandler returns another referrer's statements. The service
// enforces owner-or-admin access.
func (h *AffiliateHandlers) ListReferrerLedgerHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.callerFromRequest(w, r)
	if !ok {
		return
	}
	referrerID, ok := h.idParam(w, r, "referrerID")
	if !ok {
		return
	}

	entries, err := h.service.GetLedgerForReferrer(r.Context(), caller, referrerID, listOptions(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// writeJSON is a helper for writing JSON responses.
func (h *AffiliateHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *AffiliateHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

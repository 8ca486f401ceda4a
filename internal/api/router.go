/**
 * @description
 * This file sets up the HTTP router for the affiliate-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AffiliateRoutes creates and returns a new router for the affiliate service.
func AffiliateRoutes(h *AffiliateHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		// Commission ledger endpoints.
		r.Post("/ledger", h.UpsertMyLedgerHandler)
		r.Get("/me/ledger", h.ListMyLedgerHandler)
		r.Post("/ledger/{entryID}/lock", h.LockLedgerEntryHandler)
		r.Post("/ledger/{entryID}/mark-paid", h.MarkLedgerPaidHandler)
		r.Post("/ledger/{entryID}/unmark-paid", h.UnmarkLedgerPaidHandler)

		// Per-referrer surfaces; the service enforces owner-or-admin access.
		r.Post("/referrers/{referrerID}/ledger", h.UpsertReferrerLedgerHandler)
		r.Get("/referrers/{referrerID}/ledger", h.ListReferrerLedgerHandler)
		r.Get("/referrers/{referrerID}/payout-batches", h.ListReferrerBatchesHandler)

		// Administrator payout batches.
		r.Post("/payout-batches", h.CreateBatchHandler)
		r.Get("/payout-batches", h.ListBatchesHandler)
		r.Get("/payout-batches/{batchID}", h.GetBatchHandler)
		r.Post("/payout-batches/{batchID}/void", h.VoidBatchHandler)

		// Payout request lifecycle.
		r.Post("/payout-requests", h.CreateRequestHandler)
		r.Get("/payout-requests", h.ListRequestsHandler)
		r.Get("/me/payout-requests", h.ListMyRequestsHandler)
		r.Get("/payout-requests/{requestID}", h.GetRequestHandler)
		r.Post("/payout-requests/{requestID}/cancel", h.CancelRequestHandler)
		r.Post("/payout-requests/{requestID}/approve", h.ApproveRequestHandler)
		r.Post("/payout-requests/{requestID}/deny", h.DenyRequestHandler)
		r.Post("/payout-requests/{requestID}/complete", h.CompleteRequestHandler)
	})

	// Service-to-service endpoints guarded by the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/internal/webhooks/processor-transfer", h.ProcessorTransferWebhookHandler)
	})

	return r
}

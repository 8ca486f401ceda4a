/**
 * @description
 * Payout request lifecycle: the referrer-initiated counterpart to batch
 * payment. submitted -> {approved, denied, cancelled}; approved -> {denied,
 * completed}; submitted -> completed.
 *
 * Member eligibility is re-validated at every administrator transition, not
 * only at submission: entries can be invalidated out-of-band (paid through
 * another channel, absorbed into a batch) between submission and resolution.
 * GetRequestWithEligibility is the read-only echo of exactly that validation.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sparklecrew/affiliate-service/internal/domain"
	"github.com/sparklecrew/affiliate-service/internal/store"
	"github.com/sparklecrew/affiliate-service/pkg/rabbitmq"
)

// CompletedRequest pairs the completed request with the batch it produced.
type CompletedRequest struct {
	Request *domain.PayoutRequest
	Batch   *domain.PayoutBatch
}

// entryEligibilityProblem reports why an entry cannot flow into a payout
// completion, or "" when it can. allowedRequestID permits the entry's own
// request back-reference during completion. CompleteRequestAsBatch and
// GetRequestWithEligibility both run exactly this check.
func entryEligibilityProblem(entry domain.LedgerEntry, allowedRequestID *uuid.UUID) string {
	if entry.Status != domain.LedgerStatusLocked {
		return fmt.Sprintf("entry is %s", entry.Status)
	}
	if entry.PayoutBatchID != nil {
		return fmt.Sprintf("already paid through batch %s", entry.PayoutBatchID)
	}
	if entry.PayoutRequestID != nil && (allowedRequestID == nil || *entry.PayoutRequestID != *allowedRequestID) {
		return fmt.Sprintf("claimed by payout request %s", entry.PayoutRequestID)
	}
	return ""
}

// CreateRequest submits a referrer's cash-out request over a set of their own
// locked entries. Commission and revenue totals are snapshotted at submission.
func (s *Service) CreateRequest(ctx context.Context, caller domain.Caller, entryIDs []uuid.UUID, note *string) (*domain.PayoutRequest, error) {
	if s.rateLimiter != nil && s.requestSubmitLimit > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "payout_request_submit", caller.ID.String(), s.requestSubmitLimit, s.requestSubmitWindow)
		if err != nil {
			log.Printf("level=warn component=payout_request msg=\"rate limiter unavailable; allowing\" err=%v", err)
		} else if count > s.requestSubmitLimit {
			return nil, fmt.Errorf("%w: retry in %ds", ErrRateLimited, retryAfter)
		}
	}

	ids := dedupeIDs(entryIDs)
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}

	byID, err := s.entriesByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	var totalCommission, totalRevenue int64
	for _, id := range ids {
		entry := byID[id]
		if entry.ReferrerID != caller.ID {
			return nil, ErrAccessDenied
		}
		if entry.Status != domain.LedgerStatusLocked {
			return nil, fmt.Errorf("%w: entry %s is %s", ErrInvalidState, entry.ID, entry.Status)
		}
		if entry.PayoutBatchID != nil {
			return nil, fmt.Errorf("%w: entry %s (batch %s)", ErrAlreadyBatched, entry.ID, entry.PayoutBatchID)
		}
		if entry.PayoutRequestID != nil {
			return nil, fmt.Errorf("%w: entry %s (request %s)", ErrAlreadyRequested, entry.ID, entry.PayoutRequestID)
		}
		totalCommission += entry.CommissionCents
		totalRevenue += entry.AttributedRevenueCents
	}

	request := &domain.PayoutRequest{
		ID:                   uuid.New(),
		ReferrerID:           caller.ID,
		TotalCommissionCents: totalCommission,
		TotalRevenueCents:    totalRevenue,
		ReferrerNote:         normalizeNote(note),
	}
	created, err := s.repo.CreatePayoutRequestAndTag(ctx, request, ids)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=payout_request msg=\"request submitted\" request_id=%s referrer_id=%s entries=%d", created.ID, caller.ID, len(ids))
	s.publishPayoutEvent(ctx, rabbitmq.PayoutEvent{
		EventType:   rabbitmq.EventRequestSubmitted,
		RequestID:   created.ID.String(),
		ActorID:     caller.ID.String(),
		AmountCents: created.TotalCommissionCents,
		Timestamp:   time.Now().UTC(),
	})
	return created, nil
}

// CancelRequest withdraws a submitted request. Owner only; cancellation is the
// referrer's edge, administrators resolve through deny instead. Cancelling an
// already-cancelled request is an idempotent success.
func (s *Service) CancelRequest(ctx context.Context, caller domain.Caller, requestID uuid.UUID, note *string) (*domain.PayoutRequest, error) {
	request, err := s.repo.FindPayoutRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.ReferrerID != caller.ID {
		return nil, ErrAccessDenied
	}
	if request.Status == domain.RequestStatusCancelled {
		log.Printf("level=info component=payout_request msg=\"cancel no-op\" request_id=%s", request.ID)
		return request, nil
	}
	if request.Status != domain.RequestStatusSubmitted {
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidState, request.ID, request.Status)
	}

	cancelled, err := s.repo.CancelPayoutRequest(ctx, requestID, normalizeNote(note), time.Now().UTC())
	if err != nil {
		return nil, s.mapRequestStateError(err)
	}
	return cancelled, nil
}

// ApproveRequest moves a submitted request to approved. Approving an
// already-approved request is an idempotent success.
func (s *Service) ApproveRequest(ctx context.Context, caller domain.Caller, requestID uuid.UUID, note *string) (*domain.PayoutRequest, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	request, err := s.repo.FindPayoutRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status == domain.RequestStatusApproved {
		log.Printf("level=info component=payout_request msg=\"approve no-op\" request_id=%s", request.ID)
		return request, nil
	}
	if request.Status != domain.RequestStatusSubmitted {
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidState, request.ID, request.Status)
	}

	approved, err := s.repo.ApprovePayoutRequest(ctx, requestID, normalizeNote(note), time.Now().UTC())
	if err != nil {
		return nil, s.mapRequestStateError(err)
	}
	return approved, nil
}

// DenyRequest refuses a submitted or approved request. The reason is mandatory
// and denied is terminal: there is no path back to approved.
func (s *Service) DenyRequest(ctx context.Context, caller domain.Caller, requestID uuid.UUID, reason string) (*domain.PayoutRequest, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	trimmedReason := strings.TrimSpace(reason)
	if trimmedReason == "" {
		return nil, ErrMissingReason
	}
	if normalized := normalizeNote(&trimmedReason); normalized != nil {
		trimmedReason = *normalized
	}

	request, err := s.repo.FindPayoutRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status == domain.RequestStatusDenied {
		log.Printf("level=info component=payout_request msg=\"deny no-op\" request_id=%s", request.ID)
		return request, nil
	}
	if request.Status != domain.RequestStatusSubmitted && request.Status != domain.RequestStatusApproved {
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidState, request.ID, request.Status)
	}

	denied, err := s.repo.DenyPayoutRequest(ctx, requestID, trimmedReason, time.Now().UTC())
	if err != nil {
		return nil, s.mapRequestStateError(err)
	}

	log.Printf("level=info component=payout_request msg=\"request denied\" request_id=%s", denied.ID)
	s.publishPayoutEvent(ctx, rabbitmq.PayoutEvent{
		EventType: rabbitmq.EventRequestDenied,
		RequestID: denied.ID.String(),
		ActorID:   caller.ID.String(),
		Timestamp: time.Now().UTC(),
	})
	return denied, nil
}

// CompleteRequestAsBatch resolves a submitted or approved request by creating a
// payout batch over its members and marking them paid, after re-validating
// every member's eligibility. Any ineligible member fails the whole call.
func (s *Service) CompleteRequestAsBatch(ctx context.Context, caller domain.Caller, requestID uuid.UUID, method string, note *string) (*CompletedRequest, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	request, err := s.repo.FindPayoutRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != domain.RequestStatusSubmitted && request.Status != domain.RequestStatusApproved {
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidState, request.ID, request.Status)
	}
	if len(request.LedgerEntryIDs) == 0 {
		return nil, ErrEmptySelection
	}

	byID, err := s.entriesByID(ctx, request.LedgerEntryIDs)
	if err != nil {
		return nil, err
	}
	var totalCommission int64
	for _, id := range request.LedgerEntryIDs {
		entry := byID[id]
		if problem := entryEligibilityProblem(entry, &request.ID); problem != "" {
			return nil, fmt.Errorf("%w: entry %s: %s", store.ErrEntryIneligible, entry.ID, problem)
		}
		totalCommission += entry.CommissionCents
	}

	batch := &domain.PayoutBatch{
		ID:                   uuid.New(),
		CreatedBy:            caller.ID,
		Method:               strings.TrimSpace(method),
		Note:                 normalizeNote(note),
		TotalCommissionCents: totalCommission,
	}
	completed, createdBatch, err := s.repo.CompletePayoutRequestAsBatch(ctx, requestID, batch, request.LedgerEntryIDs, time.Now().UTC())
	if err != nil {
		return nil, s.mapRequestStateError(err)
	}

	log.Printf("level=info component=payout_request msg=\"request completed as batch\" request_id=%s batch_id=%s total_commission_cents=%d", completed.ID, createdBatch.ID, createdBatch.TotalCommissionCents)
	s.publishPayoutEvent(ctx, rabbitmq.PayoutEvent{
		EventType:   rabbitmq.EventRequestCompleted,
		RequestID:   completed.ID.String(),
		BatchID:     createdBatch.ID.String(),
		ActorID:     caller.ID.String(),
		AmountCents: createdBatch.TotalCommissionCents,
		Timestamp:   time.Now().UTC(),
	})
	return &CompletedRequest{Request: completed, Batch: createdBatch}, nil
}

// GetRequestWithEligibility returns the request and its members annotated with
// the completion eligibility check, mutating nothing. Front ends use it to
// warn before attempting completion.
func (s *Service) GetRequestWithEligibility(ctx context.Context, caller domain.Caller, requestID uuid.UUID) (*domain.PayoutRequestWithEligibility, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	request, err := s.repo.FindPayoutRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.FindLedgerEntriesByIDs(ctx, request.LedgerEntryIDs)
	if err != nil {
		return nil, err
	}

	members := make([]domain.RequestMemberEligibility, 0, len(entries))
	for _, entry := range entries {
		problem := entryEligibilityProblem(entry, &request.ID)
		members = append(members, domain.RequestMemberEligibility{
			Entry:    entry,
			Eligible: problem == "",
			Problem:  problem,
		})
	}
	return &domain.PayoutRequestWithEligibility{Request: *request, Members: members}, nil
}

// ListMyRequests is the referrer's own request view.
func (s *Service) ListMyRequests(ctx context.Context, caller domain.Caller, opts domain.ListOptions) ([]domain.PayoutRequest, error) {
	return s.repo.ListPayoutRequestsByReferrer(ctx, caller.ID, opts)
}

// ListRequestsAdmin is the admin-wide request view.
func (s *Service) ListRequestsAdmin(ctx context.Context, caller domain.Caller, opts domain.ListOptions) ([]domain.PayoutRequest, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	return s.repo.ListPayoutRequests(ctx, opts)
}

// mapRequestStateError keeps "the world changed under you" failures readable:
// a guard miss surfaces as InvalidState naming the current status.
func (s *Service) mapRequestStateError(err error) error {
	if err == nil {
		return nil
	}
	// store.ErrRequestStateChanged already carries the current status in its
	// message; wrap it under the InvalidState kind for API mapping.
	if errors.Is(err, store.ErrRequestStateChanged) {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return err
}

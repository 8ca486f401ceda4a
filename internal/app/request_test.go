package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sparklecrew/affiliate-service/internal/domain"
	"github.com/sparklecrew/affiliate-service/internal/store"
)

type requestRepoStub struct {
	store.Repository

	entries []domain.LedgerEntry

	createdRequest *domain.PayoutRequest
	createdIDs     []uuid.UUID

	request    *domain.PayoutRequest
	requestErr error

	cancelled *domain.PayoutRequest
	approved  *domain.PayoutRequest

	denied       *domain.PayoutRequest
	deniedReason string
	denyCalled   bool

	completedRequest *domain.PayoutRequest
	completedBatch   *domain.PayoutBatch
	completeErr      error
	completeCalled   bool
}

func (s *requestRepoStub) FindLedgerEntriesByIDs(ctx context.Context, entryIDs []uuid.UUID) ([]domain.LedgerEntry, error) {
	return s.entries, nil
}

func (s *requestRepoStub) CreatePayoutRequestAndTag(ctx context.Context, request *domain.PayoutRequest, entryIDs []uuid.UUID) (*domain.PayoutRequest, error) {
	s.createdRequest = request
	s.createdIDs = entryIDs
	result := *request
	result.Status = domain.RequestStatusSubmitted
	result.LedgerEntryIDs = entryIDs
	return &result, nil
}

func (s *requestRepoStub) FindPayoutRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error) {
	if s.requestErr != nil {
		return nil, s.requestErr
	}
	if s.request == nil {
		return nil, store.ErrPayoutRequestNotFound
	}
	return s.request, nil
}

func (s *requestRepoStub) CancelPayoutRequest(ctx context.Context, requestID uuid.UUID, note *string, cancelledAt time.Time) (*domain.PayoutRequest, error) {
	return s.cancelled, nil
}

func (s *requestRepoStub) ApprovePayoutRequest(ctx context.Context, requestID uuid.UUID, note *string, approvedAt time.Time) (*domain.PayoutRequest, error) {
	return s.approved, nil
}

func (s *requestRepoStub) DenyPayoutRequest(ctx context.Context, requestID uuid.UUID, reason string, deniedAt time.Time) (*domain.PayoutRequest, error) {
	s.denyCalled = true
	s.deniedReason = reason
	return s.denied, nil
}

func (s *requestRepoStub) CompletePayoutRequestAsBatch(ctx context.Context, requestID uuid.UUID, batch *domain.PayoutBatch, entryIDs []uuid.UUID, completedAt time.Time) (*domain.PayoutRequest, *domain.PayoutBatch, error) {
	s.completeCalled = true
	if s.completeErr != nil {
		return nil, nil, s.completeErr
	}
	return s.completedRequest, s.completedBatch, nil
}

func TestCreateRequestSnapshotsTotals(t *testing.T) {
	referrerID := uuid.New()
	e1 := lockedEntry(referrerID, 1000)
	e1.AttributedRevenueCents = 10000
	e2 := lockedEntry(referrerID, 250)
	e2.AttributedRevenueCents = 2500
	repo := &requestRepoStub{entries: []domain.LedgerEntry{e1, e2}}
	svc := newTestService(repo)

	request, err := svc.CreateRequest(context.Background(), domain.Caller{ID: referrerID}, []uuid.UUID{e1.ID, e2.ID}, nil)
	if err != nil {
		t.Fatalf("CreateRequest returned error: %v", err)
	}
	if request.TotalCommissionCents != 1250 {
		t.Errorf("commission total = %d, want 1250", request.TotalCommissionCents)
	}
	if request.TotalRevenueCents != 12500 {
		t.Errorf("revenue total = %d, want 12500", request.TotalRevenueCents)
	}
	if request.Status != domain.RequestStatusSubmitted {
		t.Errorf("status = %q, want submitted", request.Status)
	}
}

func TestCreateRequestRejectsForeignEntries(t *testing.T) {
	entry := lockedEntry(uuid.New(), 100)
	repo := &requestRepoStub{entries: []domain.LedgerEntry{entry}}
	svc := newTestService(repo)

	_, err := svc.CreateRequest(context.Background(), domain.Caller{ID: uuid.New()}, []uuid.UUID{entry.ID}, nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestCreateRequestRejectsEntryWithRequestRef(t *testing.T) {
	referrerID := uuid.New()
	otherRequest := uuid.New()
	entry := lockedEntry(referrerID, 100)
	entry.PayoutRequestID = &otherRequest
	repo := &requestRepoStub{entries: []domain.LedgerEntry{entry}}
	svc := newTestService(repo)

	_, err := svc.CreateRequest(context.Background(), domain.Caller{ID: referrerID}, []uuid.UUID{entry.ID}, nil)
	if !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("expected ErrAlreadyRequested, got %v", err)
	}
	if repo.createdRequest != nil {
		t.Error("no request may be created when any member fails validation")
	}
}

func TestCreateRequestRejectsOpenEntry(t *testing.T) {
	referrerID := uuid.New()
	entry := lockedEntry(referrerID, 100)
	entry.Status = domain.LedgerStatusOpen
	repo := &requestRepoStub{entries: []domain.LedgerEntry{entry}}
	svc := newTestService(repo)

	_, err := svc.CreateRequest(context.Background(), domain.Caller{ID: referrerID}, []uuid.UUID{entry.ID}, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelRequestIsOwnerOnly(t *testing.T) {
	request := &domain.PayoutRequest{ID: uuid.New(), ReferrerID: uuid.New(), Status: domain.RequestStatusSubmitted}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	// Even an administrator cannot cancel; deny is the admin edge.
	_, err := svc.CancelRequest(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, request.ID, nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for non-owner, got %v", err)
	}
}

func TestCancelRequestIdempotentWhenCancelled(t *testing.T) {
	referrerID := uuid.New()
	request := &domain.PayoutRequest{ID: uuid.New(), ReferrerID: referrerID, Status: domain.RequestStatusCancelled}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	result, err := svc.CancelRequest(context.Background(), domain.Caller{ID: referrerID}, request.ID, nil)
	if err != nil {
		t.Fatalf("CancelRequest returned error: %v", err)
	}
	if result != request {
		t.Error("expected the cancelled request back unchanged")
	}
}

func TestCancelRequestRequiresSubmitted(t *testing.T) {
	referrerID := uuid.New()
	request := &domain.PayoutRequest{ID: uuid.New(), ReferrerID: referrerID, Status: domain.RequestStatusApproved}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	_, err := svc.CancelRequest(context.Background(), domain.Caller{ID: referrerID}, request.ID, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDenyRequestRequiresReason(t *testing.T) {
	request := &domain.PayoutRequest{ID: uuid.New(), Status: domain.RequestStatusSubmitted}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	_, err := svc.DenyRequest(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, request.ID, "   ")
	if !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
	if repo.denyCalled {
		t.Error("deny must not run without a reason")
	}
}

func TestDenyRequestAllowedFromApproved(t *testing.T) {
	request := &domain.PayoutRequest{ID: uuid.New(), Status: domain.RequestStatusApproved}
	repo := &requestRepoStub{
		request: request,
		denied:  &domain.PayoutRequest{ID: request.ID, Status: domain.RequestStatusDenied},
	}
	svc := newTestService(repo)

	result, err := svc.DenyRequest(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, request.ID, "insufficient documentation")
	if err != nil {
		t.Fatalf("DenyRequest returned error: %v", err)
	}
	if result.Status != domain.RequestStatusDenied {
		t.Errorf("status = %q, want denied", result.Status)
	}
	if repo.deniedReason != "insufficient documentation" {
		t.Errorf("reason = %q", repo.deniedReason)
	}
}

func TestDenyRequestIdempotentWhenDenied(t *testing.T) {
	request := &domain.PayoutRequest{ID: uuid.New(), Status: domain.RequestStatusDenied}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	result, err := svc.DenyRequest(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, request.ID, "whatever")
	if err != nil {
		t.Fatalf("DenyRequest returned error: %v", err)
	}
	if result != request {
		t.Error("expected the denied request back unchanged")
	}
	if repo.denyCalled {
		t.Error("deny transition must not re-run")
	}
}

func TestCompleteRequestRevalidatesMembers(t *testing.T) {
	referrerID := uuid.New()
	requestID := uuid.New()

	// One member was paid through another channel after submission.
	good := lockedEntry(referrerID, 500)
	good.PayoutRequestID = &requestID
	stale := lockedEntry(referrerID, 700)
	stale.Status = domain.LedgerStatusPaid

	request := &domain.PayoutRequest{
		ID:             requestID,
		ReferrerID:     referrerID,
		Status:         domain.RequestStatusApproved,
		LedgerEntryIDs: []uuid.UUID{good.ID, stale.ID},
	}
	repo := &requestRepoStub{request: request, entries: []domain.LedgerEntry{good, stale}}
	svc := newTestService(repo)

	_, err := svc.CompleteRequestAsBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, requestID, "zelle", nil)
	if !errors.Is(err, store.ErrEntryIneligible) {
		t.Fatalf("expected ErrEntryIneligible, got %v", err)
	}
	if repo.completeCalled {
		t.Error("completion must not reach the repository when a member is ineligible")
	}
}

func TestCompleteRequestAllowsOwnRequestReference(t *testing.T) {
	referrerID := uuid.New()
	requestID := uuid.New()
	entry := lockedEntry(referrerID, 900)
	entry.PayoutRequestID = &requestID

	request := &domain.PayoutRequest{
		ID:             requestID,
		ReferrerID:     referrerID,
		Status:         domain.RequestStatusSubmitted,
		LedgerEntryIDs: []uuid.UUID{entry.ID},
	}
	batchID := uuid.New()
	repo := &requestRepoStub{
		request:          request,
		entries:          []domain.LedgerEntry{entry},
		completedRequest: &domain.PayoutRequest{ID: requestID, Status: domain.RequestStatusCompleted, ResultingBatchID: &batchID},
		completedBatch:   &domain.PayoutBatch{ID: batchID, Status: domain.BatchStatusRecorded, TotalCommissionCents: 900},
	}
	svc := newTestService(repo)

	completed, err := svc.CompleteRequestAsBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, requestID, "zelle", nil)
	if err != nil {
		t.Fatalf("CompleteRequestAsBatch returned error: %v", err)
	}
	if completed.Request.Status != domain.RequestStatusCompleted {
		t.Errorf("request status = %q, want completed", completed.Request.Status)
	}
	if completed.Batch.TotalCommissionCents != 900 {
		t.Errorf("batch total = %d, want 900", completed.Batch.TotalCommissionCents)
	}
}

func TestCompleteRequestRejectsEntryClaimedByOtherRequest(t *testing.T) {
	referrerID := uuid.New()
	requestID := uuid.New()
	otherRequest := uuid.New()
	entry := lockedEntry(referrerID, 100)
	entry.PayoutRequestID = &otherRequest

	request := &domain.PayoutRequest{
		ID:             requestID,
		ReferrerID:     referrerID,
		Status:         domain.RequestStatusSubmitted,
		LedgerEntryIDs: []uuid.UUID{entry.ID},
	}
	repo := &requestRepoStub{request: request, entries: []domain.LedgerEntry{entry}}
	svc := newTestService(repo)

	_, err := svc.CompleteRequestAsBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, requestID, "zelle", nil)
	if !errors.Is(err, store.ErrEntryIneligible) {
		t.Fatalf("expected ErrEntryIneligible, got %v", err)
	}
}

func TestCompleteRequestRequiresResolvableState(t *testing.T) {
	request := &domain.PayoutRequest{ID: uuid.New(), Status: domain.RequestStatusDenied, LedgerEntryIDs: []uuid.UUID{uuid.New()}}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	_, err := svc.CompleteRequestAsBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, request.ID, "zelle", nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestGetRequestWithEligibilityEchoesCompletionCheck(t *testing.T) {
	referrerID := uuid.New()
	requestID := uuid.New()

	ok := lockedEntry(referrerID, 100)
	ok.PayoutRequestID = &requestID
	paidElsewhere := lockedEntry(referrerID, 200)
	paidElsewhere.Status = domain.LedgerStatusPaid

	request := &domain.PayoutRequest{
		ID:             requestID,
		ReferrerID:     referrerID,
		Status:         domain.RequestStatusSubmitted,
		LedgerEntryIDs: []uuid.UUID{ok.ID, paidElsewhere.ID},
	}
	repo := &requestRepoStub{request: request, entries: []domain.LedgerEntry{ok, paidElsewhere}}
	svc := newTestService(repo)

	view, err := svc.GetRequestWithEligibility(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, requestID)
	if err != nil {
		t.Fatalf("GetRequestWithEligibility returned error: %v", err)
	}
	if len(view.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(view.Members))
	}

	byEntry := make(map[uuid.UUID]domain.RequestMemberEligibility, len(view.Members))
	for _, m := range view.Members {
		byEntry[m.Entry.ID] = m
	}
	if !byEntry[ok.ID].Eligible {
		t.Error("entry referencing its own request must be eligible")
	}
	if byEntry[paidElsewhere.ID].Eligible {
		t.Error("paid entry must be ineligible")
	}
	if byEntry[paidElsewhere.ID].Problem == "" {
		t.Error("ineligible member must carry a problem description")
	}
}

func TestApproveRequestIsAdminOnly(t *testing.T) {
	request := &domain.PayoutRequest{ID: uuid.New(), ReferrerID: uuid.New(), Status: domain.RequestStatusSubmitted}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	_, err := svc.ApproveRequest(context.Background(), domain.Caller{ID: request.ReferrerID}, request.ID, nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestApproveRequestIdempotentWhenApproved(t *testing.T) {
	request := &domain.PayoutRequest{ID: uuid.New(), Status: domain.RequestStatusApproved}
	repo := &requestRepoStub{request: request}
	svc := newTestService(repo)

	result, err := svc.ApproveRequest(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, request.ID, nil)
	if err != nil {
		t.Fatalf("ApproveRequest returned error: %v", err)
	}
	if result != request {
		t.Error("expected the approved request back unchanged")
	}
}

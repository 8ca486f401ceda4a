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

type batchRepoStub struct {
	store.Repository

	entries []domain.LedgerEntry

	createdBatch *domain.PayoutBatch
	createdIDs   []uuid.UUID
	createErr    error

	batch    *domain.PayoutBatch
	batchErr error

	voided     *domain.PayoutBatch
	voidCalled bool

	transferUpdated      *domain.PayoutBatch
	transferUpdateCalled bool
	transferStatusArg    string
}

func (s *batchRepoStub) FindLedgerEntriesByIDs(ctx context.Context, entryIDs []uuid.UUID) ([]domain.LedgerEntry, error) {
	return s.entries, nil
}

func (s *batchRepoStub) CreatePayoutBatchAndMarkPaid(ctx context.Context, batch *domain.PayoutBatch, entryIDs []uuid.UUID) (*domain.PayoutBatch, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.createdBatch = batch
	s.createdIDs = entryIDs
	result := *batch
	result.Status = domain.BatchStatusRecorded
	result.LedgerEntryIDs = entryIDs
	return &result, nil
}

func (s *batchRepoStub) FindPayoutBatchByID(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error) {
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	if s.batch == nil {
		return nil, store.ErrBatchNotFound
	}
	return s.batch, nil
}

func (s *batchRepoStub) FindPayoutBatchByTransferRef(ctx context.Context, transferRef string) (*domain.PayoutBatch, error) {
	if s.batch == nil {
		return nil, store.ErrBatchNotFound
	}
	return s.batch, nil
}

func (s *batchRepoStub) VoidPayoutBatchAndRevert(ctx context.Context, batchID uuid.UUID, note *string, voidedAt time.Time) (*domain.PayoutBatch, error) {
	s.voidCalled = true
	return s.voided, nil
}

func (s *batchRepoStub) UpdateBatchTransferStatus(ctx context.Context, batchID uuid.UUID, transferStatus string, transferRef *string) (*domain.PayoutBatch, error) {
	s.transferUpdateCalled = true
	s.transferStatusArg = transferStatus
	if s.transferUpdated != nil {
		return s.transferUpdated, nil
	}
	updated := *s.batch
	updated.TransferStatus = &transferStatus
	return &updated, nil
}

func lockedEntry(referrerID uuid.UUID, commission int64) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:              uuid.New(),
		ReferrerID:      referrerID,
		Status:          domain.LedgerStatusLocked,
		CommissionCents: commission,
	}
}

func TestCreateBatchIsAdminOnly(t *testing.T) {
	svc := newTestService(&batchRepoStub{})

	_, err := svc.CreateBatch(context.Background(), domain.Caller{ID: uuid.New()}, []uuid.UUID{uuid.New()}, "zelle", nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestCreateBatchRejectsEmptySelection(t *testing.T) {
	svc := newTestService(&batchRepoStub{})

	_, err := svc.CreateBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, nil, "zelle", nil)
	if !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
}

func TestCreateBatchSnapshotsTotalCommission(t *testing.T) {
	referrerID := uuid.New()
	e1 := lockedEntry(referrerID, 1250)
	e2 := lockedEntry(referrerID, 730)
	repo := &batchRepoStub{entries: []domain.LedgerEntry{e1, e2}}
	svc := newTestService(repo)

	batch, err := svc.CreateBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, []uuid.UUID{e1.ID, e2.ID}, "zelle", nil)
	if err != nil {
		t.Fatalf("CreateBatch returned error: %v", err)
	}
	if batch.TotalCommissionCents != 1980 {
		t.Errorf("total = %d, want 1980", batch.TotalCommissionCents)
	}
	if batch.Method != "zelle" {
		t.Errorf("method = %q", batch.Method)
	}
	if len(repo.createdIDs) != 2 {
		t.Errorf("expected 2 member ids, got %d", len(repo.createdIDs))
	}
}

func TestCreateBatchFailsOnAnyNonLockedEntry(t *testing.T) {
	referrerID := uuid.New()
	good := lockedEntry(referrerID, 100)
	bad := lockedEntry(referrerID, 200)
	bad.Status = domain.LedgerStatusOpen
	repo := &batchRepoStub{entries: []domain.LedgerEntry{good, bad}}
	svc := newTestService(repo)

	_, err := svc.CreateBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, []uuid.UUID{good.ID, bad.ID}, "zelle", nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if repo.createdBatch != nil {
		t.Error("no batch may be created when any member fails validation")
	}
}

func TestCreateBatchRejectsAlreadyBatchedEntry(t *testing.T) {
	referrerID := uuid.New()
	otherBatch := uuid.New()
	entry := lockedEntry(referrerID, 100)
	entry.PayoutBatchID = &otherBatch
	repo := &batchRepoStub{entries: []domain.LedgerEntry{entry}}
	svc := newTestService(repo)

	_, err := svc.CreateBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, []uuid.UUID{entry.ID}, "zelle", nil)
	if !errors.Is(err, ErrAlreadyBatched) {
		t.Fatalf("expected ErrAlreadyBatched, got %v", err)
	}
}

func TestCreateBatchAbsorbsRequestedEntries(t *testing.T) {
	// Direct batch creation ignores request references; the repository clears
	// them when it marks the members paid.
	referrerID := uuid.New()
	requestID := uuid.New()
	entry := lockedEntry(referrerID, 400)
	entry.PayoutRequestID = &requestID
	repo := &batchRepoStub{entries: []domain.LedgerEntry{entry}}
	svc := newTestService(repo)

	batch, err := svc.CreateBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, []uuid.UUID{entry.ID}, "wire", nil)
	if err != nil {
		t.Fatalf("CreateBatch returned error: %v", err)
	}
	if batch.TotalCommissionCents != 400 {
		t.Errorf("total = %d, want 400", batch.TotalCommissionCents)
	}
}

func TestCreateBatchDeduplicatesSelection(t *testing.T) {
	referrerID := uuid.New()
	entry := lockedEntry(referrerID, 300)
	repo := &batchRepoStub{entries: []domain.LedgerEntry{entry}}
	svc := newTestService(repo)

	batch, err := svc.CreateBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, []uuid.UUID{entry.ID, entry.ID, entry.ID}, "zelle", nil)
	if err != nil {
		t.Fatalf("CreateBatch returned error: %v", err)
	}
	if batch.TotalCommissionCents != 300 {
		t.Errorf("duplicates must count once: total = %d", batch.TotalCommissionCents)
	}
	if len(repo.createdIDs) != 1 {
		t.Errorf("expected 1 member id after dedupe, got %d", len(repo.createdIDs))
	}
}

func TestVoidBatchIsIdempotent(t *testing.T) {
	voided := &domain.PayoutBatch{ID: uuid.New(), Status: domain.BatchStatusVoided}
	repo := &batchRepoStub{batch: voided}
	svc := newTestService(repo)

	batch, err := svc.VoidBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, voided.ID, nil)
	if err != nil {
		t.Fatalf("VoidBatch returned error: %v", err)
	}
	if batch != voided {
		t.Error("expected the voided batch back unchanged")
	}
	if repo.voidCalled {
		t.Error("revert must not run for an already-voided batch")
	}
}

func TestVoidBatchRefusesProcessingTransfer(t *testing.T) {
	processing := domain.TransferStatusProcessing
	batch := &domain.PayoutBatch{ID: uuid.New(), Status: domain.BatchStatusRecorded, TransferStatus: &processing}
	repo := &batchRepoStub{batch: batch}
	svc := newTestService(repo)

	_, err := svc.VoidBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, batch.ID, nil)
	if !errors.Is(err, store.ErrTransferInFlight) {
		t.Fatalf("expected ErrTransferInFlight, got %v", err)
	}
	if repo.voidCalled {
		t.Error("revert must not run while the transfer is processing")
	}
}

func TestVoidBatchRevertsRecordedBatch(t *testing.T) {
	batch := &domain.PayoutBatch{ID: uuid.New(), Status: domain.BatchStatusRecorded}
	repo := &batchRepoStub{
		batch:  batch,
		voided: &domain.PayoutBatch{ID: batch.ID, Status: domain.BatchStatusVoided},
	}
	svc := newTestService(repo)

	result, err := svc.VoidBatch(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, batch.ID, nil)
	if err != nil {
		t.Fatalf("VoidBatch returned error: %v", err)
	}
	if result.Status != domain.BatchStatusVoided {
		t.Errorf("status = %q, want voided", result.Status)
	}
	if !repo.voidCalled {
		t.Error("expected the revert to run")
	}
}

func TestApplyProcessorTransferUpdateIgnoresReplay(t *testing.T) {
	processing := domain.TransferStatusProcessing
	batch := &domain.PayoutBatch{ID: uuid.New(), Status: domain.BatchStatusRecorded, TransferStatus: &processing}
	repo := &batchRepoStub{batch: batch}
	svc := newTestService(repo)

	err := svc.ApplyProcessorTransferUpdate(context.Background(), domain.ProcessorTransferEvent{
		BatchID: batch.ID.String(),
		Status:  "pending",
	})
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if repo.transferUpdateCalled {
		t.Error("same-status replay must not write")
	}
}

func TestApplyProcessorTransferUpdateAdvancesStatus(t *testing.T) {
	recorded := domain.TransferStatusRecorded
	batch := &domain.PayoutBatch{ID: uuid.New(), Status: domain.BatchStatusRecorded, TransferStatus: &recorded}
	repo := &batchRepoStub{batch: batch}
	svc := newTestService(repo)

	err := svc.ApplyProcessorTransferUpdate(context.Background(), domain.ProcessorTransferEvent{
		TransferRef: "tr_987",
		Status:      "completed",
	})
	if err != nil {
		t.Fatalf("ApplyProcessorTransferUpdate returned error: %v", err)
	}
	if !repo.transferUpdateCalled {
		t.Fatal("expected a status write")
	}
	if repo.transferStatusArg != domain.TransferStatusPaid {
		t.Errorf("status = %q, want paid", repo.transferStatusArg)
	}
}

func TestApplyProcessorTransferUpdateDropsUnknownStatus(t *testing.T) {
	repo := &batchRepoStub{}
	svc := newTestService(repo)

	err := svc.ApplyProcessorTransferUpdate(context.Background(), domain.ProcessorTransferEvent{
		TransferRef: "tr_1",
		Status:      "mystery",
	})
	if err != nil {
		t.Fatalf("unknown status should be dropped, got %v", err)
	}
}

func TestApplyProcessorTransferUpdateAcksMissingBatch(t *testing.T) {
	repo := &batchRepoStub{}
	svc := newTestService(repo)

	err := svc.ApplyProcessorTransferUpdate(context.Background(), domain.ProcessorTransferEvent{
		TransferRef: "tr_unknown",
		Status:      "failed",
	})
	if err != nil {
		t.Fatalf("missing batch should be acknowledged, got %v", err)
	}
}

func TestNormalizeTransferStatus(t *testing.T) {
	cases := map[string]string{
		"completed":   domain.TransferStatusPaid,
		"Successful":  domain.TransferStatusPaid,
		"pending":     domain.TransferStatusProcessing,
		"in_progress": domain.TransferStatusProcessing,
		"returned":    domain.TransferStatusFailed,
		"initiated":   domain.TransferStatusRecorded,
		"  paid  ":    domain.TransferStatusPaid,
		"gibberish":   "",
	}
	for raw, want := range cases {
		if got := normalizeTransferStatus(raw); got != want {
			t.Errorf("normalizeTransferStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

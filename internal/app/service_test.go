package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sparklecrew/affiliate-service/internal/domain"
	"github.com/sparklecrew/affiliate-service/internal/store"
)

type ledgerRepoStub struct {
	store.Repository

	existing    *domain.LedgerEntry
	existingErr error

	revenue    int64
	revenueErr error
	sumCalled  bool

	upserted     *domain.LedgerEntry
	upsertCalled bool

	lockResult *domain.LedgerEntry
	lockErr    error
	lockCalled bool

	paidResult *domain.LedgerEntry
	paidErr    error
	paidCalled bool

	unmarkResult *domain.LedgerEntry
	unmarkCalled bool

	transferPaidResult *domain.LedgerEntry
	transferPaidErr    error
	transferPaidCalled bool
}

func (s *ledgerRepoStub) FindLedgerEntryByPeriodKey(ctx context.Context, referrerID uuid.UUID, periodType string, periodStart time.Time) (*domain.LedgerEntry, error) {
	if s.existingErr != nil {
		return nil, s.existingErr
	}
	if s.existing == nil {
		return nil, store.ErrLedgerEntryNotFound
	}
	return s.existing, nil
}

func (s *ledgerRepoStub) FindLedgerEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	if s.existing == nil {
		return nil, store.ErrLedgerEntryNotFound
	}
	return s.existing, nil
}

func (s *ledgerRepoStub) SumAttributedRevenue(ctx context.Context, referrerID uuid.UUID, kind string, periodStart, periodEnd time.Time) (int64, error) {
	s.sumCalled = true
	if s.revenueErr != nil {
		return 0, s.revenueErr
	}
	return s.revenue, nil
}

func (s *ledgerRepoStub) UpsertOpenLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	s.upsertCalled = true
	s.upserted = entry
	result := *entry
	result.Status = domain.LedgerStatusOpen
	return &result, nil
}

func (s *ledgerRepoStub) LockLedgerEntry(ctx context.Context, entryID uuid.UUID, t store.LockTransition) (*domain.LedgerEntry, error) {
	s.lockCalled = true
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	return s.lockResult, nil
}

func (s *ledgerRepoStub) MarkLedgerEntryPaid(ctx context.Context, entryID uuid.UUID, t store.PaidTransition) (*domain.LedgerEntry, error) {
	s.paidCalled = true
	if s.paidErr != nil {
		return nil, s.paidErr
	}
	return s.paidResult, nil
}

func (s *ledgerRepoStub) MarkLedgerEntryPaidViaTransfer(ctx context.Context, entryID uuid.UUID, t store.TransferPaidTransition) (*domain.LedgerEntry, error) {
	s.transferPaidCalled = true
	if s.transferPaidErr != nil {
		return nil, s.transferPaidErr
	}
	return s.transferPaidResult, nil
}

func (s *ledgerRepoStub) UnmarkLedgerEntryPaid(ctx context.Context, entryID uuid.UUID, note *string) (*domain.LedgerEntry, error) {
	s.unmarkCalled = true
	return s.unmarkResult, nil
}

func newTestService(repo store.Repository) *Service {
	return NewService(repo, nil, nil, 0)
}

func TestCommissionFor(t *testing.T) {
	cases := []struct {
		revenue int64
		want    int64
	}{
		{revenue: 0, want: 0},
		{revenue: 12500, want: 1250},
		{revenue: 101, want: 10},  // 10.1 rounds down
		{revenue: 105, want: 11},  // 10.5 rounds half away from zero
		{revenue: 999, want: 100}, // 99.9 rounds up
	}
	for _, tc := range cases {
		if got := commissionFor(tc.revenue); got != tc.want {
			t.Errorf("commissionFor(%d) = %d, want %d", tc.revenue, got, tc.want)
		}
	}
}

func TestUpsertLedgerComputesCommission(t *testing.T) {
	referrerID := uuid.New()
	repo := &ledgerRepoStub{revenue: 12500}
	svc := newTestService(repo)

	anchor := time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)
	entry, err := svc.UpsertLedger(context.Background(), domain.Caller{ID: referrerID}, referrerID, domain.PeriodMonthly, anchor)
	if err != nil {
		t.Fatalf("UpsertLedger returned error: %v", err)
	}

	if entry.AttributedRevenueCents != 12500 {
		t.Errorf("revenue = %d, want 12500", entry.AttributedRevenueCents)
	}
	if entry.CommissionCents != 1250 {
		t.Errorf("commission = %d, want 1250", entry.CommissionCents)
	}
	if entry.CommissionRate != CommissionRate {
		t.Errorf("rate = %f, want %f", entry.CommissionRate, CommissionRate)
	}
	if !entry.PeriodStart.Equal(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("period start = %v", entry.PeriodStart)
	}
	if !repo.upsertCalled {
		t.Error("expected upsert to be called")
	}
}

func TestUpsertLedgerDefaultsToMonthly(t *testing.T) {
	referrerID := uuid.New()
	repo := &ledgerRepoStub{}
	svc := newTestService(repo)

	entry, err := svc.UpsertLedger(context.Background(), domain.Caller{ID: referrerID}, referrerID, "", time.Date(2024, time.May, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("UpsertLedger returned error: %v", err)
	}
	if entry.PeriodType != domain.PeriodMonthly {
		t.Fatalf("period type = %q, want monthly", entry.PeriodType)
	}
}

func TestUpsertLedgerSkipsFrozenStatement(t *testing.T) {
	referrerID := uuid.New()
	frozen := &domain.LedgerEntry{
		ID:              uuid.New(),
		ReferrerID:      referrerID,
		Status:          domain.LedgerStatusLocked,
		CommissionCents: 500,
	}
	repo := &ledgerRepoStub{existing: frozen, revenue: 99999}
	svc := newTestService(repo)

	entry, err := svc.UpsertLedger(context.Background(), domain.Caller{ID: referrerID}, referrerID, domain.PeriodMonthly, time.Now())
	if err != nil {
		t.Fatalf("UpsertLedger returned error: %v", err)
	}
	if entry.CommissionCents != 500 {
		t.Errorf("frozen statement was recomputed: commission = %d", entry.CommissionCents)
	}
	if repo.sumCalled || repo.upsertCalled {
		t.Error("frozen statement must not touch the attribution store or upsert")
	}
}

func TestUpsertLedgerDeniesForeignReferrer(t *testing.T) {
	svc := newTestService(&ledgerRepoStub{})

	_, err := svc.UpsertLedger(context.Background(), domain.Caller{ID: uuid.New()}, uuid.New(), domain.PeriodMonthly, time.Now())
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestUpsertLedgerAdminActsOnAnyReferrer(t *testing.T) {
	repo := &ledgerRepoStub{revenue: 1000}
	svc := newTestService(repo)

	_, err := svc.UpsertLedger(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, uuid.New(), domain.PeriodWeekly, time.Now())
	if err != nil {
		t.Fatalf("UpsertLedger returned error: %v", err)
	}
}

func TestLockIsIdempotentWhenAlreadyLocked(t *testing.T) {
	referrerID := uuid.New()
	locked := &domain.LedgerEntry{ID: uuid.New(), ReferrerID: referrerID, Status: domain.LedgerStatusLocked}
	repo := &ledgerRepoStub{existing: locked}
	svc := newTestService(repo)

	entry, err := svc.Lock(context.Background(), domain.Caller{ID: referrerID}, locked.ID, nil)
	if err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}
	if entry != locked {
		t.Error("expected the current entry back unchanged")
	}
	if repo.lockCalled {
		t.Error("lock transition must not run for an already-locked entry")
	}
}

func TestLockGuardMissResolvesAsIdempotentSuccess(t *testing.T) {
	referrerID := uuid.New()
	open := &domain.LedgerEntry{ID: uuid.New(), ReferrerID: referrerID, Status: domain.LedgerStatusOpen}
	repo := &ledgerRepoStub{existing: open, lockErr: store.ErrLedgerStateChanged}
	svc := newTestService(repo)

	entry, err := svc.Lock(context.Background(), domain.Caller{ID: referrerID}, open.ID, nil)
	if err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}
	if entry == nil {
		t.Fatal("expected the re-read entry")
	}
}

func TestMarkPaidManuallyRequiresLocked(t *testing.T) {
	referrerID := uuid.New()
	open := &domain.LedgerEntry{ID: uuid.New(), ReferrerID: referrerID, Status: domain.LedgerStatusOpen}
	repo := &ledgerRepoStub{existing: open}
	svc := newTestService(repo)

	_, err := svc.MarkPaidManually(context.Background(), domain.Caller{ID: referrerID}, open.ID, nil, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if !strings.Contains(err.Error(), domain.LedgerStatusOpen) {
		t.Errorf("error should name the current status: %v", err)
	}
	if repo.paidCalled {
		t.Error("paid transition must not run from open")
	}
}

func TestMarkPaidViaExternalTransferReplayIsNoop(t *testing.T) {
	paid := &domain.LedgerEntry{ID: uuid.New(), Status: domain.LedgerStatusPaid}
	repo := &ledgerRepoStub{existing: paid}
	svc := newTestService(repo)

	entry, err := svc.MarkPaidViaExternalTransfer(context.Background(), paid.ID, "tr_123", nil, nil)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if entry != paid {
		t.Error("expected the paid entry back unchanged")
	}
	if repo.transferPaidCalled {
		t.Error("transfer-paid transition must not run on replay")
	}
}

func TestUnmarkPaidIsAdminOnly(t *testing.T) {
	referrerID := uuid.New()
	paid := &domain.LedgerEntry{ID: uuid.New(), ReferrerID: referrerID, Status: domain.LedgerStatusPaid}
	repo := &ledgerRepoStub{existing: paid}
	svc := newTestService(repo)

	_, err := svc.UnmarkPaid(context.Background(), domain.Caller{ID: referrerID}, paid.ID, nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for the owner, got %v", err)
	}

	repo.unmarkResult = &domain.LedgerEntry{ID: paid.ID, Status: domain.LedgerStatusLocked}
	entry, err := svc.UnmarkPaid(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, paid.ID, nil)
	if err != nil {
		t.Fatalf("UnmarkPaid returned error: %v", err)
	}
	if entry.Status != domain.LedgerStatusLocked {
		t.Errorf("status = %q, want locked", entry.Status)
	}
}

func TestUnmarkPaidRequiresPaid(t *testing.T) {
	locked := &domain.LedgerEntry{ID: uuid.New(), Status: domain.LedgerStatusLocked}
	repo := &ledgerRepoStub{existing: locked}
	svc := newTestService(repo)

	_, err := svc.UnmarkPaid(context.Background(), domain.Caller{ID: uuid.New(), Admin: true}, locked.ID, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestNormalizeNote(t *testing.T) {
	blank := "   "
	if got := normalizeNote(&blank); got != nil {
		t.Errorf("blank note should collapse to nil, got %q", *got)
	}
	if got := normalizeNote(nil); got != nil {
		t.Error("nil note should stay nil")
	}

	padded := "  keep me  "
	if got := normalizeNote(&padded); got == nil || *got != "keep me" {
		t.Errorf("expected trimmed note, got %v", got)
	}

	long := strings.Repeat("x", NoteMaxLength+50)
	got := normalizeNote(&long)
	if got == nil || len([]rune(*got)) != NoteMaxLength {
		t.Errorf("expected truncation to %d runes", NoteMaxLength)
	}

	// Truncation counts runes, not bytes.
	wide := strings.Repeat("é", NoteMaxLength+10)
	got = normalizeNote(&wide)
	if got == nil || len([]rune(*got)) != NoteMaxLength {
		t.Errorf("expected rune-wise truncation to %d", NoteMaxLength)
	}
}

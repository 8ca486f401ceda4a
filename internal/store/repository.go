/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the affiliate-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sparklecrew/affiliate-service/internal/domain"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrLedgerEntryNotFound   = errors.New("ledger entry not found")
	ErrBatchNotFound         = errors.New("payout batch not found")
	ErrPayoutRequestNotFound = errors.New("payout request not found")

	// ErrLedgerStateChanged signals that a status-guarded ledger update matched
	// no row: the entry's state moved underneath the caller, who should re-read.
	ErrLedgerStateChanged = errors.New("ledger entry state changed")

	// ErrRequestStateChanged is the payout-request counterpart of
	// ErrLedgerStateChanged.
	ErrRequestStateChanged = errors.New("payout request state changed")

	// ErrEntryIneligible is returned when in-transaction re-validation finds a
	// member entry claimed by another payout path. The whole transaction rolls
	// back; no member is mutated.
	ErrEntryIneligible = errors.New("ledger entry no longer eligible for payout")

	// ErrTransferInFlight refuses a batch void while the external transfer is
	// mid-flight at the processor.
	ErrTransferInFlight = errors.New("external transfer is processing")
)

// LockTransition carries the fields written by a ledger-entry lock.
type LockTransition struct {
	Note     *string
	LockedAt time.Time
}

// PaidTransition carries the fields written when a locked entry is marked paid
// outside of a batch.
type PaidTransition struct {
	Method *string
	Note   *string
	PaidAt time.Time
}

// TransferPaidTransition carries the processor references recorded by the
// webhook paid path.
type TransferPaidTransition struct {
	TransferRef string
	SessionRef  *string
	PayerRef    *string
	PaidAt      time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Caller resolution
	FindUserByAuthID(ctx context.Context, authID string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)

	// Attribution store (append-only)
	CreateAttribution(ctx context.Context, attribution *domain.Attribution) error
	SumAttributedRevenue(ctx context.Context, referrerID uuid.UUID, kind string, periodStart, periodEnd time.Time) (int64, error)

	// Ledger entries
	// UpsertOpenLedgerEntry inserts the entry or, when the natural key already
	// exists and the row is still open, refreshes its totals. A frozen row
	// (locked/paid) is returned unchanged.
	UpsertOpenLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error)
	FindLedgerEntryByPeriodKey(ctx context.Context, referrerID uuid.UUID, periodType string, periodStart time.Time) (*domain.LedgerEntry, error)
	FindLedgerEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error)
	FindLedgerEntriesByIDs(ctx context.Context, entryIDs []uuid.UUID) ([]domain.LedgerEntry, error)
	LockLedgerEntry(ctx context.Context, entryID uuid.UUID, t LockTransition) (*domain.LedgerEntry, error)
	MarkLedgerEntryPaid(ctx context.Context, entryID uuid.UUID, t PaidTransition) (*domain.LedgerEntry, error)
	MarkLedgerEntryPaidViaTransfer(ctx context.Context, entryID uuid.UUID, t TransferPaidTransition) (*domain.LedgerEntry, error)
	UnmarkLedgerEntryPaid(ctx context.Context, entryID uuid.UUID, note *string) (*domain.LedgerEntry, error)
	ListLedgerEntriesByReferrer(ctx context.Context, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.LedgerEntry, error)

	// Payout batches
	// CreatePayoutBatchAndMarkPaid atomically inserts the batch and marks every
	// member entry paid, re-validating each member's eligibility inside the same
	// transaction. Any ineligible member aborts the whole call.
	CreatePayoutBatchAndMarkPaid(ctx context.Context, batch *domain.PayoutBatch, entryIDs []uuid.UUID) (*domain.PayoutBatch, error)
	FindPayoutBatchByID(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error)
	FindPayoutBatchByTransferRef(ctx context.Context, transferRef string) (*domain.PayoutBatch, error)
	VoidPayoutBatchAndRevert(ctx context.Context, batchID uuid.UUID, note *string, voidedAt time.Time) (*domain.PayoutBatch, error)
	UpdateBatchTransferStatus(ctx context.Context, batchID uuid.UUID, transferStatus string, transferRef *string) (*domain.PayoutBatch, error)
	ListPayoutBatches(ctx context.Context, opts domain.ListOptions) ([]domain.PayoutBatch, error)
	ListPayoutBatchesByReferrer(ctx context.Context, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.PayoutBatch, error)

	// Payout requests
	CreatePayoutRequestAndTag(ctx context.Context, request *domain.PayoutRequest, entryIDs []uuid.UUID) (*domain.PayoutRequest, error)
	FindPayoutRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error)
	CancelPayoutRequest(ctx context.Context, requestID uuid.UUID, note *string, cancelledAt time.Time) (*domain.PayoutRequest, error)
	ApprovePayoutRequest(ctx context.Context, requestID uuid.UUID, note *string, approvedAt time.Time) (*domain.PayoutRequest, error)
	DenyPayoutRequest(ctx context.Context, requestID uuid.UUID, reason string, deniedAt time.Time) (*domain.PayoutRequest, error)
	// CompletePayoutRequestAsBatch performs the same atomic batch creation and
	// paid-marking as CreatePayoutBatchAndMarkPaid, additionally clearing each
	// member's request reference and marking the request completed.
	CompletePayoutRequestAsBatch(ctx context.Context, requestID uuid.UUID, batch *domain.PayoutBatch, entryIDs []uuid.UUID, completedAt time.Time) (*domain.PayoutRequest, *domain.PayoutBatch, error)
	ListPayoutRequestsByReferrer(ctx context.Context, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.PayoutRequest, error)
	ListPayoutRequests(ctx context.Context, opts domain.ListOptions) ([]domain.PayoutRequest, error)
}

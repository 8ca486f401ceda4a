/**
 * @description
 * This file contains the core business logic for the affiliate-service ledger:
 * the aggregator that turns raw revenue attributions into periodic commission
 * statements, and the state machine that carries each statement through
 * open -> locked -> paid (with the admin-only paid -> locked correction).
 *
 * Key features:
 * - Idempotent recomputation: an open entry is freely refreshed from the
 *   attribution store; a locked or paid entry is a frozen statement and is
 *   returned unchanged.
 * - Commission is computed once per recomputation with a process-wide rate.
 * - Webhook-driven payment marking is safe to replay.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing payout lifecycle events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sparklecrew/affiliate-service/internal/domain"
	"github.com/sparklecrew/affiliate-service/internal/store"
	"github.com/sparklecrew/affiliate-service/pkg/rabbitmq"
)

const (
	// CommissionRate is the fixed fraction of attributed revenue paid to a
	// referrer, applied at recomputation time.
	CommissionRate = 0.10

	// NoteMaxLength bounds every free-text note and reason before storage.
	// Truncation is an external contract: longer notes do not round-trip.
	NoteMaxLength = 280
)

var (
	ErrAccessDenied      = errors.New("caller is not permitted to act on this resource")
	ErrInvalidState      = errors.New("operation not permitted in the entry's current status")
	ErrAlreadyBatched    = errors.New("ledger entry already belongs to a payout batch")
	ErrAlreadyRequested  = errors.New("ledger entry already has a payout request in flight")
	ErrEmptySelection    = errors.New("no ledger entries selected")
	ErrMissingReason     = errors.New("a denial reason is required")
	ErrInvalidPeriodType = errors.New("invalid period type")
	ErrRateLimited       = errors.New("too many payout request submissions")
)

// Service provides the core business logic for the commission ledger.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	rateLimiter   *RedisRateLimiter

	requestSubmitLimit  int
	requestSubmitWindow time.Duration
}

// NewService creates a new affiliate ledger service instance. The rate limiter
// may be nil, in which case payout-request submission is not throttled.
func NewService(repo store.Repository, producer rabbitmq.Publisher, limiter *RedisRateLimiter, requestSubmitLimitPerHour int) *Service {
	return &Service{
		repo:                repo,
		eventProducer:       producer,
		rateLimiter:         limiter,
		requestSubmitLimit:  requestSubmitLimitPerHour,
		requestSubmitWindow: time.Hour,
	}
}

// ResolveCaller converts the identity provider's subject (from a validated JWT)
// into the Caller value threaded through every service call. Identity is
// resolved here, once, at the boundary; ledger logic never re-resolves it.
func (s *Service) ResolveCaller(ctx context.Context, authID string) (domain.Caller, error) {
	user, err := s.repo.FindUserByAuthID(ctx, authID)
	if err != nil {
		return domain.Caller{}, err
	}
	return domain.Caller{ID: user.ID, Admin: user.Role == domain.RoleAdmin}, nil
}

// commissionFor applies the process-wide rate with round-half-away-from-zero,
// matching how statements were computed historically.
func commissionFor(revenueCents int64) int64 {
	return int64(math.Round(float64(revenueCents) * CommissionRate))
}

// normalizeNote trims and truncates a free-text note. Blank notes collapse to
// nil so they never overwrite an existing note through COALESCE writes.
func normalizeNote(note *string) *string {
	if note == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*note)
	if trimmed == "" {
		return nil
	}
	if utf8.RuneCountInString(trimmed) > NoteMaxLength {
		runes := []rune(trimmed)
		trimmed = string(runes[:NoteMaxLength])
	}
	return &trimmed
}

func canActOn(caller domain.Caller, referrerID uuid.UUID) bool {
	return caller.Admin || caller.ID == referrerID
}

// UpsertLedger computes or refreshes the commission statement for the period
// enclosing anchor. A frozen (locked or paid) statement is returned unchanged;
// an open one is recomputed from the attribution store.
func (s *Service) UpsertLedger(ctx context.Context, caller domain.Caller, referrerID uuid.UUID, periodType string, anchor time.Time) (*domain.LedgerEntry, error) {
	if periodType == "" {
		periodType = domain.PeriodMonthly
	}
	if !canActOn(caller, referrerID) {
		return nil, ErrAccessDenied
	}

	start, end, err := PeriodBounds(periodType, anchor)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindLedgerEntryByPeriodKey(ctx, referrerID, periodType, start)
	if err != nil && !errors.Is(err, store.ErrLedgerEntryNotFound) {
		return nil, fmt.Errorf("lookup ledger entry: %w", err)
	}
	if existing != nil && existing.Status != domain.LedgerStatusOpen {
		log.Printf("level=info component=ledger msg=\"skipping recomputation of frozen statement\" entry_id=%s status=%s", existing.ID, existing.Status)
		return existing, nil
	}

	revenue, err := s.repo.SumAttributedRevenue(ctx, referrerID, domain.AttributionKindInvoicePaid, start, end)
	if err != nil {
		return nil, fmt.Errorf("sum attributions: %w", err)
	}

	entry := &domain.LedgerEntry{
		ID:                     uuid.New(),
		ReferrerID:             referrerID,
		PeriodType:             periodType,
		PeriodStart:            start,
		PeriodEnd:              end,
		AttributedRevenueCents: revenue,
		CommissionRate:         CommissionRate,
		CommissionCents:        commissionFor(revenue),
	}
	upserted, err := s.repo.UpsertOpenLedgerEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("upsert ledger entry: %w", err)
	}
	return upserted, nil
}

// Lock freezes an open statement so further revenue cannot land in its period.
// Locking an already locked or paid entry is an idempotent success.
func (s *Service) Lock(ctx context.Context, caller domain.Caller, entryID uuid.UUID, note *string) (*domain.LedgerEntry, error) {
	entry, err := s.repo.FindLedgerEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !canActOn(caller, entry.ReferrerID) {
		return nil, ErrAccessDenied
	}
	if entry.Status != domain.LedgerStatusOpen {
		log.Printf("level=info component=ledger msg=\"lock no-op\" entry_id=%s status=%s", entry.ID, entry.Status)
		return entry, nil
	}

	locked, err := s.repo.LockLedgerEntry(ctx, entryID, store.LockTransition{
		Note:     normalizeNote(note),
		LockedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrLedgerStateChanged) {
			// Lost the race to another lock or payment; both outcomes are
			// idempotent successes for a lock call.
			return s.repo.FindLedgerEntryByID(ctx, entryID)
		}
		return nil, err
	}
	return locked, nil
}

// MarkPaidManually records an out-of-band payment against a locked statement.
// Distinct from batch or request payment: no batch is created and no references
// are set beyond the payment evidence itself.
func (s *Service) MarkPaidManually(ctx context.Context, caller domain.Caller, entryID uuid.UUID, method, note *string) (*domain.LedgerEntry, error) {
	entry, err := s.repo.FindLedgerEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !canActOn(caller, entry.ReferrerID) {
		return nil, ErrAccessDenied
	}
	if entry.Status != domain.LedgerStatusLocked {
		return nil, fmt.Errorf("%w: entry %s is %s", ErrInvalidState, entry.ID, entry.Status)
	}

	paid, err := s.repo.MarkLedgerEntryPaid(ctx, entryID, store.PaidTransition{
		Method: normalizeNote(method),
		Note:   normalizeNote(note),
		PaidAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrLedgerStateChanged) {
			return nil, s.invalidStateFromCurrent(ctx, entryID)
		}
		return nil, err
	}
	return paid, nil
}

// MarkPaidViaExternalTransfer is the payment-processor webhook path. Replays of
// an already-paid entry are logged and succeed without writing anything.
func (s *Service) MarkPaidViaExternalTransfer(ctx context.Context, entryID uuid.UUID, transferRef string, sessionRef, payerRef *string) (*domain.LedgerEntry, error) {
	entry, err := s.repo.FindLedgerEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.LedgerStatusPaid {
		log.Printf("level=info component=ledger msg=\"transfer paid replay ignored\" entry_id=%s transfer_ref=%s", entry.ID, transferRef)
		return entry, nil
	}
	if entry.Status != domain.LedgerStatusLocked {
		return nil, fmt.Errorf("%w: entry %s is %s", ErrInvalidState, entry.ID, entry.Status)
	}

	paid, err := s.repo.MarkLedgerEntryPaidViaTransfer(ctx, entryID, store.TransferPaidTransition{
		TransferRef: transferRef,
		SessionRef:  sessionRef,
		PayerRef:    payerRef,
		PaidAt:      time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrLedgerStateChanged) {
			current, findErr := s.repo.FindLedgerEntryByID(ctx, entryID)
			if findErr == nil && current.Status == domain.LedgerStatusPaid {
				log.Printf("level=info component=ledger msg=\"transfer paid race resolved as replay\" entry_id=%s transfer_ref=%s", entryID, transferRef)
				return current, nil
			}
			return nil, s.invalidStateFromCurrent(ctx, entryID)
		}
		return nil, err
	}
	return paid, nil
}

// UnmarkPaid is the administrator correction edge paid -> locked.
func (s *Service) UnmarkPaid(ctx context.Context, caller domain.Caller, entryID uuid.UUID, note *string) (*domain.LedgerEntry, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	entry, err := s.repo.FindLedgerEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.LedgerStatusPaid {
		return nil, fmt.Errorf("%w: entry %s is %s", ErrInvalidState, entry.ID, entry.Status)
	}

	unmarked, err := s.repo.UnmarkLedgerEntryPaid(ctx, entryID, normalizeNote(note))
	if err != nil {
		if errors.Is(err, store.ErrLedgerStateChanged) {
			return nil, s.invalidStateFromCurrent(ctx, entryID)
		}
		return nil, err
	}
	return unmarked, nil
}

// GetLedgerForReferrer is the paginated statement view; referrers see their own
// ledger, administrators anyone's.
func (s *Service) GetLedgerForReferrer(ctx context.Context, caller domain.Caller, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	if !canActOn(caller, referrerID) {
		return nil, ErrAccessDenied
	}
	return s.repo.ListLedgerEntriesByReferrer(ctx, referrerID, opts)
}

// invalidStateFromCurrent rebuilds the InvalidState error from a fresh read so
// the message names the status that actually defeated the transition.
func (s *Service) invalidStateFromCurrent(ctx context.Context, entryID uuid.UUID) error {
	current, err := s.repo.FindLedgerEntryByID(ctx, entryID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: entry %s is %s", ErrInvalidState, current.ID, current.Status)
}

// publishPayoutEvent emits a lifecycle event on a best-effort basis; ledger
// state is already committed when this runs, so failures are logged, not returned.
func (s *Service) publishPayoutEvent(ctx context.Context, event rabbitmq.PayoutEvent) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.PublishPayoutEvent(ctx, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"payout event publish failed\" event_type=%s err=%v", event.EventType, err)
	}
}

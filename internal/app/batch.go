/**
 * @description
 * Payout batch management: administrator-created groups of locked ledger
 * entries paid atomically, plus voiding and the external-transfer sub-state
 * driven by the payment processor.
 *
 * All per-entry validation runs before any write, and the repository re-runs it
 * inside the batch transaction, so a concurrent claim on any member aborts the
 * whole call with zero entries mutated.
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

// dedupeIDs preserves first-seen order while dropping repeats.
func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	var out []uuid.UUID
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// entriesByID fetches the selected entries and fails on the first missing id.
func (s *Service) entriesByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.LedgerEntry, error) {
	entries, err := s.repo.FindLedgerEntriesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]domain.LedgerEntry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: entry %s", store.ErrLedgerEntryNotFound, id)
		}
	}
	return byID, nil
}

// CreateBatch groups locked entries into an administrator batch and marks them
// all paid atomically. The batch's total commission is a snapshot taken here
// and never recomputed.
func (s *Service) CreateBatch(ctx context.Context, caller domain.Caller, entryIDs []uuid.UUID, method string, note *string) (*domain.PayoutBatch, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	ids := dedupeIDs(entryIDs)
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}

	byID, err := s.entriesByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	var totalCommission int64
	for _, id := range ids {
		entry := byID[id]
		if entry.Status != domain.LedgerStatusLocked {
			return nil, fmt.Errorf("%w: entry %s is %s", ErrInvalidState, entry.ID, entry.Status)
		}
		if entry.PayoutBatchID != nil {
			return nil, fmt.Errorf("%w: entry %s (batch %s)", ErrAlreadyBatched, entry.ID, entry.PayoutBatchID)
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
	created, err := s.repo.CreatePayoutBatchAndMarkPaid(ctx, batch, ids)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=payout_batch msg=\"batch recorded\" batch_id=%s entries=%d total_commission_cents=%d", created.ID, len(ids), created.TotalCommissionCents)
	s.publishPayoutEvent(ctx, rabbitmq.PayoutEvent{
		EventType:   rabbitmq.EventBatchRecorded,
		BatchID:     created.ID.String(),
		ActorID:     caller.ID.String(),
		AmountCents: created.TotalCommissionCents,
		Timestamp:   time.Now().UTC(),
	})
	return created, nil
}

// VoidBatch unwinds a recorded batch: members still paid by it revert to
// locked, keeping their frozen totals. Voiding an already-voided batch is an
// idempotent success; a processing external transfer refuses the void.
func (s *Service) VoidBatch(ctx context.Context, caller domain.Caller, batchID uuid.UUID, note *string) (*domain.PayoutBatch, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	batch, err := s.repo.FindPayoutBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status == domain.BatchStatusVoided {
		log.Printf("level=info component=payout_batch msg=\"void no-op\" batch_id=%s", batch.ID)
		return batch, nil
	}
	if batch.TransferStatus != nil && *batch.TransferStatus == domain.TransferStatusProcessing {
		return nil, store.ErrTransferInFlight
	}

	voided, err := s.repo.VoidPayoutBatchAndRevert(ctx, batchID, normalizeNote(note), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=payout_batch msg=\"batch voided\" batch_id=%s", voided.ID)
	s.publishPayoutEvent(ctx, rabbitmq.PayoutEvent{
		EventType: rabbitmq.EventBatchVoided,
		BatchID:   voided.ID.String(),
		ActorID:   caller.ID.String(),
		Timestamp: time.Now().UTC(),
	})
	return voided, nil
}

// GetBatch returns one batch with its member entry ids. Administrators only;
// referrers reach their batches through ListBatchesForReferrer.
func (s *Service) GetBatch(ctx context.Context, caller domain.Caller, batchID uuid.UUID) (*domain.PayoutBatch, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	return s.repo.FindPayoutBatchByID(ctx, batchID)
}

// ListBatches is the admin-wide batch view.
func (s *Service) ListBatches(ctx context.Context, caller domain.Caller, opts domain.ListOptions) ([]domain.PayoutBatch, error) {
	if !caller.Admin {
		return nil, ErrAccessDenied
	}
	return s.repo.ListPayoutBatches(ctx, opts)
}

// ListBatchesForReferrer lists batches containing at least one of the
// referrer's entries.
func (s *Service) ListBatchesForReferrer(ctx context.Context, caller domain.Caller, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.PayoutBatch, error) {
	if !canActOn(caller, referrerID) {
		return nil, ErrAccessDenied
	}
	return s.repo.ListPayoutBatchesByReferrer(ctx, referrerID, opts)
}

// ApplyProcessorTransferUpdate ingests a payment-processor status message. Two
// shapes arrive on the same feed: entry-level payments (a single locked
// statement paid by direct transfer) and batch-level transfer sub-state
// updates. Both must be safe to replay.
func (s *Service) ApplyProcessorTransferUpdate(ctx context.Context, event domain.ProcessorTransferEvent) error {
	status := normalizeTransferStatus(event.Status)
	if status == "" {
		log.Printf("level=warn component=processor_feed msg=\"unrecognized transfer status dropped\" status=%q transfer_ref=%s", event.Status, event.TransferRef)
		return nil
	}

	if event.LedgerEntryID != "" {
		entryID, err := uuid.Parse(event.LedgerEntryID)
		if err != nil {
			return fmt.Errorf("parse ledger entry id: %w", err)
		}
		if status != domain.TransferStatusPaid {
			log.Printf("level=info component=processor_feed msg=\"entry-level transfer update ignored until paid\" entry_id=%s status=%s", entryID, status)
			return nil
		}
		_, err = s.MarkPaidViaExternalTransfer(ctx, entryID, event.TransferRef, optionalString(event.SessionRef), optionalString(event.PayerRef))
		return err
	}

	batch, err := s.resolveBatchForEvent(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrBatchNotFound) {
			log.Printf("level=warn component=processor_feed msg=\"no batch for transfer event; acknowledging\" batch_id=%q transfer_ref=%q", event.BatchID, event.TransferRef)
			return nil
		}
		return err
	}

	if batch.TransferStatus != nil && *batch.TransferStatus == status {
		log.Printf("level=info component=processor_feed msg=\"transfer status replay ignored\" batch_id=%s status=%s", batch.ID, status)
		return nil
	}

	updated, err := s.repo.UpdateBatchTransferStatus(ctx, batch.ID, status, optionalString(event.TransferRef))
	if err != nil {
		return fmt.Errorf("update batch transfer status: %w", err)
	}
	log.Printf("level=info component=processor_feed msg=\"batch transfer status updated\" batch_id=%s status=%s transfer_ref=%s", updated.ID, status, event.TransferRef)
	return nil
}

func (s *Service) resolveBatchForEvent(ctx context.Context, event domain.ProcessorTransferEvent) (*domain.PayoutBatch, error) {
	if event.BatchID != "" {
		batchID, err := uuid.Parse(event.BatchID)
		if err != nil {
			return nil, fmt.Errorf("parse batch id: %w", err)
		}
		return s.repo.FindPayoutBatchByID(ctx, batchID)
	}
	if event.TransferRef != "" {
		return s.repo.FindPayoutBatchByTransferRef(ctx, event.TransferRef)
	}
	return nil, store.ErrBatchNotFound
}

func normalizeTransferStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "recorded", "initiated", "created":
		return domain.TransferStatusRecorded
	case "processing", "pending", "in_progress":
		return domain.TransferStatusProcessing
	case "paid", "completed", "successful":
		return domain.TransferStatusPaid
	case "failed", "returned", "reversed":
		return domain.TransferStatusFailed
	default:
		return ""
	}
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sparklecrew/affiliate-service/internal/domain"
	"github.com/sparklecrew/affiliate-service/internal/store"
)

// AttributionConsumer ingests revenue-attribution events from the platform's
// revenue pipeline into the append-only attribution store.
type AttributionConsumer struct {
	repo store.Repository
}

func NewAttributionConsumer(repo store.Repository) *AttributionConsumer {
	return &AttributionConsumer{repo: repo}
}

// HandleMessage is the broker callback. Returning true acknowledges the
// message; malformed payloads are acknowledged and dropped so they cannot
// poison the queue.
func (c *AttributionConsumer) HandleMessage(body []byte) bool {
	var event domain.AttributionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("attribution-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("attribution-consumer: processing error for txn %s: %v", event.ExternalTxnRef, err)
		return false
	}
	return true
}

func (c *AttributionConsumer) processEvent(ctx context.Context, event domain.AttributionEvent) error {
	referrerID, err := uuid.Parse(event.ReferrerID)
	if err != nil {
		log.Printf("attribution-consumer: invalid referrer id %q; dropping", event.ReferrerID)
		return nil
	}
	purchaserID, err := uuid.Parse(event.PurchaserID)
	if err != nil {
		log.Printf("attribution-consumer: invalid purchaser id %q; dropping", event.PurchaserID)
		return nil
	}
	if event.AmountCents < 0 {
		log.Printf("attribution-consumer: negative amount %d for txn %s; dropping", event.AmountCents, event.ExternalTxnRef)
		return nil
	}

	kind := strings.TrimSpace(event.Kind)
	if kind == "" {
		kind = domain.AttributionKindInvoicePaid
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	attribution := &domain.Attribution{
		ID:             uuid.New(),
		ReferrerID:     referrerID,
		PurchaserID:    purchaserID,
		Kind:           kind,
		AmountCents:    event.AmountCents,
		Currency:       strings.ToUpper(strings.TrimSpace(event.Currency)),
		ExternalTxnRef: optionalString(event.ExternalTxnRef),
		CreatedAt:      occurredAt.UTC(),
	}
	if err := c.repo.CreateAttribution(ctx, attribution); err != nil {
		return fmt.Errorf("append attribution: %w", err)
	}
	return nil
}

// ProcessorTransferConsumer applies payment-processor transfer status messages:
// batch transfer sub-state updates and entry-level paid-via-transfer marks.
type ProcessorTransferConsumer struct {
	service *Service
}

func NewProcessorTransferConsumer(service *Service) *ProcessorTransferConsumer {
	return &ProcessorTransferConsumer{service: service}
}

func (c *ProcessorTransferConsumer) HandleMessage(body []byte) bool {
	var event domain.ProcessorTransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("processor-consumer: failed to unmarshal payload: %v", err)
		return true
	}
	if event.TransferRef == "" && event.BatchID == "" && event.LedgerEntryID == "" {
		log.Printf("processor-consumer: event carries no transfer, batch, or entry reference; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.ApplyProcessorTransferUpdate(ctx, event); err != nil {
		// State-shape problems will not heal on redelivery; only infrastructure
		// errors are worth a requeue.
		if errors.Is(err, ErrInvalidState) || errors.Is(err, store.ErrLedgerEntryNotFound) {
			log.Printf("processor-consumer: non-retryable error for transfer %s: %v; acknowledging", event.TransferRef, err)
			return true
		}
		log.Printf("processor-consumer: processing error for transfer %s: %v", event.TransferRef, err)
		return false
	}
	return true
}

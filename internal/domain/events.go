package domain

import "time"

// AttributionEvent is the message emitted by the revenue pipeline when a
// referred purchaser's invoice is paid. Consumed off the broker and appended to
// the attribution store; replays are deduplicated on ExternalTxnRef.
type AttributionEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	ReferrerID     string    `json:"referrer_id"`
	PurchaserID    string    `json:"purchaser_id"`
	Kind           string    `json:"kind"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	ExternalTxnRef string    `json:"external_txn_ref"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ProcessorTransferEvent is the payment-processor status message for an
// external transfer executed against a payout batch. Delivered over the broker
// and mirrored by the internal webhook endpoint; must be safe to replay.
type ProcessorTransferEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	TransferRef string    `json:"transfer_ref"`
	SessionRef  string    `json:"session_ref"`
	BatchID     string    `json:"batch_id"`
	// LedgerEntryID is set for entry-level transfers paid directly at the
	// processor instead of through a batch.
	LedgerEntryID string    `json:"ledger_entry_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	PayerRef      string    `json:"payer_ref"`
	OccurredAt    time.Time `json:"occurred_at"`
}

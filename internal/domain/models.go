/**
 * @description
 * This file defines the core domain models for the affiliate-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (cents), which avoids floating-point inaccuracies with financial data.
 * - A ledger entry is a periodic commission statement: freely recomputable while
 *   `open`, frozen once `locked` or `paid`.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry lifecycle statuses.
const (
	LedgerStatusOpen   = "open"
	LedgerStatusLocked = "locked"
	LedgerStatusPaid   = "paid"
)

// Accounting period types.
const (
	PeriodMonthly = "monthly"
	PeriodWeekly  = "weekly"
)

// Payout batch statuses.
const (
	BatchStatusRecorded = "recorded"
	BatchStatusVoided   = "voided"
)

// External-transfer sub-states recorded against a payout batch.
const (
	TransferStatusRecorded   = "recorded"
	TransferStatusProcessing = "processing"
	TransferStatusPaid       = "paid"
	TransferStatusFailed     = "failed"
)

// Payout request lifecycle statuses.
const (
	RequestStatusSubmitted = "submitted"
	RequestStatusApproved  = "approved"
	RequestStatusDenied    = "denied"
	RequestStatusCancelled = "cancelled"
	RequestStatusCompleted = "completed"
)

// Attribution kinds. Only invoice_paid carries monetary value today.
const (
	AttributionKindInvoicePaid = "invoice_paid"
)

// User is the platform identity row this service reads for caller resolution.
// User management is owned elsewhere; only id, auth linkage, and role matter here.
type User struct {
	ID       uuid.UUID `json:"id"`
	AuthID   string    `json:"auth_id"`
	Role     string    `json:"role"`
	FullName *string   `json:"full_name,omitempty"`
}

// Roles recognized by the caller-resolution collaborator.
const (
	RoleAdmin    = "admin"
	RoleReferrer = "referrer"
)

// Caller is the authenticated identity threaded explicitly through every service
// call. It is resolved exactly once at the API boundary; ledger logic never
// re-resolves identity on its own.
type Caller struct {
	ID    uuid.UUID
	Admin bool
}

// Attribution is an immutable revenue-attribution record: a paid invoice traced
// back to the referrer whose referral produced it. Written only by the revenue
// event consumer; never mutated or deleted.
type Attribution struct {
	ID             uuid.UUID `json:"id"`
	ReferrerID     uuid.UUID `json:"referrer_id"`
	PurchaserID    uuid.UUID `json:"purchaser_id"`
	Kind           string    `json:"kind"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	ExternalTxnRef *string   `json:"external_txn_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LedgerEntry is the periodic commission statement for one referrer and one
// accounting period. At most one entry exists per (referrer, period type,
// period start); that triple is the natural key.
type LedgerEntry struct {
	ID                     uuid.UUID  `json:"id"`
	ReferrerID             uuid.UUID  `json:"referrer_id"`
	PeriodType             string     `json:"period_type"`
	PeriodStart            time.Time  `json:"period_start"`
	PeriodEnd              time.Time  `json:"period_end"`
	AttributedRevenueCents int64      `json:"attributed_revenue_cents"`
	CommissionRate         float64    `json:"commission_rate"`
	CommissionCents        int64      `json:"commission_cents"`
	Status                 string     `json:"status"`
	Note                   *string    `json:"note,omitempty"`
	PayoutBatchID          *uuid.UUID `json:"payout_batch_id,omitempty"`
	PayoutRequestID        *uuid.UUID `json:"payout_request_id,omitempty"`
	PaymentMethod          *string    `json:"payment_method,omitempty"`
	TransferRef            *string    `json:"transfer_ref,omitempty"`
	SessionRef             *string    `json:"session_ref,omitempty"`
	PayerRef               *string    `json:"payer_ref,omitempty"`
	LockedAt               *time.Time `json:"locked_at,omitempty"`
	PaidAt                 *time.Time `json:"paid_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// PayoutBatch is an administrator-created group of locked ledger entries paid
// out as a unit. TotalCommissionCents is a snapshot taken at creation time and
// is never recomputed.
type PayoutBatch struct {
	ID                   uuid.UUID   `json:"id"`
	CreatedBy            uuid.UUID   `json:"created_by"`
	Method               string      `json:"method"`
	Note                 *string     `json:"note,omitempty"`
	TotalCommissionCents int64       `json:"total_commission_cents"`
	LedgerEntryIDs       []uuid.UUID `json:"ledger_entry_ids"`
	Status               string      `json:"status"`
	TransferStatus       *string     `json:"transfer_status,omitempty"`
	TransferRef          *string     `json:"transfer_ref,omitempty"`
	VoidedAt             *time.Time  `json:"voided_at,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// PayoutRequest is the referrer-initiated counterpart to a batch: a request to
// cash out a set of locked entries, subject to administrator resolution.
type PayoutRequest struct {
	ID                   uuid.UUID   `json:"id"`
	ReferrerID           uuid.UUID   `json:"referrer_id"`
	Status               string      `json:"status"`
	LedgerEntryIDs       []uuid.UUID `json:"ledger_entry_ids"`
	TotalCommissionCents int64       `json:"total_commission_cents"`
	TotalRevenueCents    int64       `json:"total_revenue_cents"`
	ReferrerNote         *string     `json:"referrer_note,omitempty"`
	AdminNote            *string     `json:"admin_note,omitempty"`
	ResultingBatchID     *uuid.UUID  `json:"resulting_batch_id,omitempty"`
	ApprovedAt           *time.Time  `json:"approved_at,omitempty"`
	DeniedAt             *time.Time  `json:"denied_at,omitempty"`
	CancelledAt          *time.Time  `json:"cancelled_at,omitempty"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// RequestMemberEligibility annotates one member of a payout request with the
// result of the completion eligibility check, without mutating anything.
type RequestMemberEligibility struct {
	Entry    LedgerEntry `json:"entry"`
	Eligible bool        `json:"eligible"`
	Problem  string      `json:"problem,omitempty"`
}

// PayoutRequestWithEligibility is the admin read view used to warn before
// attempting completion.
type PayoutRequestWithEligibility struct {
	Request PayoutRequest              `json:"request"`
	Members []RequestMemberEligibility `json:"members"`
}

// ListOptions controls keyset pagination for read views. Cursor is the sort
// key's value (unix milliseconds) of the last row of the previous page; zero
// means "from the top". Pages are sorted newest-first.
type ListOptions struct {
	Limit  int
	Cursor int64
}

// UpsertLedgerPayload is the request body for ledger recomputation endpoints.
type UpsertLedgerPayload struct {
	PeriodType  string  `json:"period_type,omitempty"`
	PeriodStart *string `json:"period_start,omitempty"` // YYYY-MM-DD, any day inside the period
}

// LedgerNotePayload carries the optional note for lock/mark/unmark endpoints.
type LedgerNotePayload struct {
	Note   *string `json:"note,omitempty"`
	Method *string `json:"method,omitempty"`
}

// CreateBatchPayload is the request body for administrator batch creation.
type CreateBatchPayload struct {
	LedgerEntryIDs []uuid.UUID `json:"ledger_entry_ids"`
	Method         string      `json:"method"`
	Note           *string     `json:"note,omitempty"`
}

// CreateRequestPayload is the request body for referrer payout-request submission.
type CreateRequestPayload struct {
	LedgerEntryIDs []uuid.UUID `json:"ledger_entry_ids"`
	Note           *string     `json:"note,omitempty"`
}

// ResolveRequestPayload carries the admin note or denial reason for payout
// request transitions.
type ResolveRequestPayload struct {
	Note   *string `json:"note,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Method string  `json:"method,omitempty"`
}

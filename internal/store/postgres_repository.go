/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to attributions, ledger entries, payout batches, and payout requests.
 *
 * Multi-row mutations (batch creation, batch voiding, request completion) run in a
 * single pgx transaction and re-validate entry state inside that transaction, so a
 * concurrent claim of the same entry fails the whole call instead of double-paying.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sparklecrew/affiliate-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so member lookups can
// run inside or outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const ledgerEntryColumns = `
        id, referrer_id, period_type, period_start, period_end,
        attributed_revenue_cents, commission_rate, commission_cents,
        status, note, payout_batch_id, payout_request_id,
        payment_method, transfer_ref, session_ref, payer_ref,
        locked_at, paid_at, created_at`

const payoutBatchColumns = `
        id, created_by, method, note, total_commission_cents,
        status, transfer_status, transfer_ref, voided_at, created_at`

const payoutRequestColumns = `
        id, referrer_id, status, total_commission_cents, total_revenue_cents,
        referrer_note, admin_note, resulting_batch_id,
        approved_at, denied_at, cancelled_at, completed_at, created_at`

func scanLedgerEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := row.Scan(
		&entry.ID,
		&entry.ReferrerID,
		&entry.PeriodType,
		&entry.PeriodStart,
		&entry.PeriodEnd,
		&entry.AttributedRevenueCents,
		&entry.CommissionRate,
		&entry.CommissionCents,
		&entry.Status,
		&entry.Note,
		&entry.PayoutBatchID,
		&entry.PayoutRequestID,
		&entry.PaymentMethod,
		&entry.TransferRef,
		&entry.SessionRef,
		&entry.PayerRef,
		&entry.LockedAt,
		&entry.PaidAt,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanPayoutBatch(row pgx.Row) (*domain.PayoutBatch, error) {
	var batch domain.PayoutBatch
	err := row.Scan(
		&batch.ID,
		&batch.CreatedBy,
		&batch.Method,
		&batch.Note,
		&batch.TotalCommissionCents,
		&batch.Status,
		&batch.TransferStatus,
		&batch.TransferRef,
		&batch.VoidedAt,
		&batch.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func scanPayoutRequest(row pgx.Row) (*domain.PayoutRequest, error) {
	var request domain.PayoutRequest
	err := row.Scan(
		&request.ID,
		&request.ReferrerID,
		&request.Status,
		&request.TotalCommissionCents,
		&request.TotalRevenueCents,
		&request.ReferrerNote,
		&request.AdminNote,
		&request.ResultingBatchID,
		&request.ApprovedAt,
		&request.DeniedAt,
		&request.CancelledAt,
		&request.CompletedAt,
		&request.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func collectMemberIDs(ctx context.Context, q querier, query string, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func batchMemberIDs(ctx context.Context, q querier, batchID uuid.UUID) ([]uuid.UUID, error) {
	return collectMemberIDs(ctx, q,
		"SELECT ledger_entry_id FROM payout_batch_entries WHERE batch_id = $1 ORDER BY ledger_entry_id", batchID)
}

func requestMemberIDs(ctx context.Context, q querier, requestID uuid.UUID) ([]uuid.UUID, error) {
	return collectMemberIDs(ctx, q,
		"SELECT ledger_entry_id FROM payout_request_entries WHERE request_id = $1 ORDER BY ledger_entry_id", requestID)
}

// ---- Caller resolution ----

func (r *PostgresRepository) FindUserByAuthID(ctx context.Context, authID string) (*domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx,
		"SELECT id, auth_id, role, full_name FROM users WHERE auth_id = $1", authID,
	).Scan(&user.ID, &user.AuthID, &user.Role, &user.FullName)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx,
		"SELECT id, auth_id, role, full_name FROM users WHERE id = $1", userID,
	).Scan(&user.ID, &user.AuthID, &user.Role, &user.FullName)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ---- Attribution store ----

// CreateAttribution appends one revenue-attribution record. Replays of the same
// external transaction reference are dropped silently.
func (r *PostgresRepository) CreateAttribution(ctx context.Context, attribution *domain.Attribution) error {
	query := `
		INSERT INTO attributions (
			id, referrer_id, purchaser_id, kind, amount_cents, currency, external_txn_ref, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_txn_ref) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		attribution.ID,
		attribution.ReferrerID,
		attribution.PurchaserID,
		attribution.Kind,
		attribution.AmountCents,
		attribution.Currency,
		attribution.ExternalTxnRef,
		attribution.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) SumAttributedRevenue(ctx context.Context, referrerID uuid.UUID, kind string, periodStart, periodEnd time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM attributions
		WHERE referrer_id = $1
		  AND kind = $2
		  AND created_at >= $3
		  AND created_at < $4
	`, referrerID, kind, periodStart, periodEnd).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ---- Ledger entries ----

// UpsertOpenLedgerEntry inserts the entry or refreshes the totals of an open row
// with the same natural key. The conditional DO UPDATE leaves locked/paid rows
// untouched; in that case the frozen row is fetched and returned unchanged.
func (r *PostgresRepository) UpsertOpenLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	query := `
		INSERT INTO ledger_entries (
			id, referrer_id, period_type, period_start, period_end,
			attributed_revenue_cents, commission_rate, commission_cents, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', NOW())
		ON CONFLICT (referrer_id, period_type, period_start) DO UPDATE
		SET attributed_revenue_cents = EXCLUDED.attributed_revenue_cents,
		    commission_rate = EXCLUDED.commission_rate,
		    commission_cents = EXCLUDED.commission_cents
		WHERE ledger_entries.status = 'open'
		RETURNING` + ledgerEntryColumns

	updated, err := scanLedgerEntry(r.db.QueryRow(ctx, query,
		entry.ID,
		entry.ReferrerID,
		entry.PeriodType,
		entry.PeriodStart,
		entry.PeriodEnd,
		entry.AttributedRevenueCents,
		entry.CommissionRate,
		entry.CommissionCents,
	))
	if err == nil {
		return updated, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	// The key exists but the statement is frozen; hand back the frozen row.
	return r.FindLedgerEntryByPeriodKey(ctx, entry.ReferrerID, entry.PeriodType, entry.PeriodStart)
}

func (r *PostgresRepository) FindLedgerEntryByPeriodKey(ctx context.Context, referrerID uuid.UUID, periodType string, periodStart time.Time) (*domain.LedgerEntry, error) {
	query := "SELECT" + ledgerEntryColumns + `
		FROM ledger_entries
		WHERE referrer_id = $1 AND period_type = $2 AND period_start = $3
	`
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, referrerID, periodType, periodStart))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) FindLedgerEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	query := "SELECT" + ledgerEntryColumns + " FROM ledger_entries WHERE id = $1"
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, entryID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) FindLedgerEntriesByIDs(ctx context.Context, entryIDs []uuid.UUID) ([]domain.LedgerEntry, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	query := "SELECT" + ledgerEntryColumns + " FROM ledger_entries WHERE id = ANY($1)"
	rows, err := r.db.Query(ctx, query, entryIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// LockLedgerEntry freezes an open entry. The status guard makes the transition
// race-safe: a concurrent lock or payment leaves zero matched rows and the
// caller re-reads instead of overwriting.
func (r *PostgresRepository) LockLedgerEntry(ctx context.Context, entryID uuid.UUID, t LockTransition) (*domain.LedgerEntry, error) {
	query := `
		UPDATE ledger_entries
		SET status = 'locked', locked_at = $2, note = COALESCE($3, note)
		WHERE id = $1 AND status = 'open'
		RETURNING` + ledgerEntryColumns
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, entryID, t.LockedAt, t.Note))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerStateChanged
		}
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) MarkLedgerEntryPaid(ctx context.Context, entryID uuid.UUID, t PaidTransition) (*domain.LedgerEntry, error) {
	query := `
		UPDATE ledger_entries
		SET status = 'paid', paid_at = $2, payment_method = COALESCE($3, payment_method), note = COALESCE($4, note)
		WHERE id = $1 AND status = 'locked'
		RETURNING` + ledgerEntryColumns
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, entryID, t.PaidAt, t.Method, t.Note))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerStateChanged
		}
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) MarkLedgerEntryPaidViaTransfer(ctx context.Context, entryID uuid.UUID, t TransferPaidTransition) (*domain.LedgerEntry, error) {
	query := `
		UPDATE ledger_entries
		SET status = 'paid', paid_at = $2, transfer_ref = $3,
		    session_ref = COALESCE($4, session_ref), payer_ref = COALESCE($5, payer_ref)
		WHERE id = $1 AND status = 'locked'
		RETURNING` + ledgerEntryColumns
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, entryID, t.PaidAt, t.TransferRef, t.SessionRef, t.PayerRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerStateChanged
		}
		return nil, err
	}
	return entry, nil
}

// UnmarkLedgerEntryPaid is the admin correction edge paid -> locked. All payment
// evidence is cleared so the entry can be re-paid through any path.
func (r *PostgresRepository) UnmarkLedgerEntryPaid(ctx context.Context, entryID uuid.UUID, note *string) (*domain.LedgerEntry, error) {
	query := `
		UPDATE ledger_entries
		SET status = 'locked', paid_at = NULL, payment_method = NULL,
		    payout_batch_id = NULL, transfer_ref = NULL, session_ref = NULL, payer_ref = NULL,
		    note = COALESCE($2, note)
		WHERE id = $1 AND status = 'paid'
		RETURNING` + ledgerEntryColumns
	entry, err := scanLedgerEntry(r.db.QueryRow(ctx, query, entryID, note))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerStateChanged
		}
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) ListLedgerEntriesByReferrer(ctx context.Context, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	limit := clampLimit(opts.Limit)
	query := "SELECT" + ledgerEntryColumns + " FROM ledger_entries WHERE referrer_id = $1"
	args := []any{referrerID}
	if opts.Cursor > 0 {
		query += " AND period_start < $2"
		args = append(args, time.UnixMilli(opts.Cursor).UTC())
	}
	query += fmt.Sprintf(" ORDER BY period_start DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// ---- Payout batches ----

// CreatePayoutBatchAndMarkPaid inserts the batch and marks all member entries
// paid in one transaction. Entry rows are locked and re-validated after
// acquisition, so a concurrent batch or request claiming the same entry either
// commits first (and this call fails with ErrEntryIneligible) or waits and sees
// the claim.
func (r *PostgresRepository) CreatePayoutBatchAndMarkPaid(ctx context.Context, batch *domain.PayoutBatch, entryIDs []uuid.UUID) (*domain.PayoutBatch, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := lockAndRequireEligible(ctx, tx, entryIDs, false, nil); err != nil {
		return nil, err
	}

	created, err := insertBatchAndPayEntries(ctx, tx, batch, entryIDs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	created.LedgerEntryIDs = append([]uuid.UUID(nil), entryIDs...)
	return created, nil
}

// lockAndRequireEligible acquires row locks on the given entries and re-checks
// eligibility under those locks. Direct batch creation ignores request
// back-references entirely (absorbing a batched entry clears its request);
// request creation requires none, and request completion permits only a
// back-reference equal to allowedRequestID.
func lockAndRequireEligible(ctx context.Context, tx pgx.Tx, entryIDs []uuid.UUID, checkRequestRef bool, allowedRequestID *uuid.UUID) error {
	rows, err := tx.Query(ctx, `
		SELECT id, status, payout_batch_id, payout_request_id
		FROM ledger_entries
		WHERE id = ANY($1)
		FOR UPDATE
	`, entryIDs)
	if err != nil {
		return err
	}
	defer rows.Close()

	type lockedEntry struct {
		status    string
		batchID   *uuid.UUID
		requestID *uuid.UUID
	}
	seen := make(map[uuid.UUID]lockedEntry, len(entryIDs))
	for rows.Next() {
		var id uuid.UUID
		var e lockedEntry
		if err := rows.Scan(&id, &e.status, &e.batchID, &e.requestID); err != nil {
			return err
		}
		seen[id] = e
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range entryIDs {
		e, ok := seen[id]
		if !ok {
			return fmt.Errorf("%w: entry %s", ErrLedgerEntryNotFound, id)
		}
		if e.status != domain.LedgerStatusLocked {
			return fmt.Errorf("%w: entry %s is %s", ErrEntryIneligible, id, e.status)
		}
		if e.batchID != nil {
			return fmt.Errorf("%w: entry %s already belongs to batch %s", ErrEntryIneligible, id, e.batchID)
		}
		if checkRequestRef && e.requestID != nil && (allowedRequestID == nil || *e.requestID != *allowedRequestID) {
			return fmt.Errorf("%w: entry %s is claimed by request %s", ErrEntryIneligible, id, e.requestID)
		}
	}
	return nil
}

func insertBatchAndPayEntries(ctx context.Context, tx pgx.Tx, batch *domain.PayoutBatch, entryIDs []uuid.UUID) (*domain.PayoutBatch, error) {
	batchQuery := `
		INSERT INTO payout_batches (
			id, created_by, method, note, total_commission_cents, status, transfer_status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, 'recorded', $6, NOW())
		RETURNING` + payoutBatchColumns
	created, err := scanPayoutBatch(tx.QueryRow(ctx, batchQuery,
		batch.ID,
		batch.CreatedBy,
		batch.Method,
		batch.Note,
		batch.TotalCommissionCents,
		batch.TransferStatus,
	))
	if err != nil {
		return nil, err
	}

	for _, entryID := range entryIDs {
		if _, err := tx.Exec(ctx,
			"INSERT INTO payout_batch_entries (batch_id, ledger_entry_id) VALUES ($1, $2)",
			created.ID, entryID,
		); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ledger_entries
		SET status = 'paid', paid_at = NOW(), payout_batch_id = $1, payout_request_id = NULL
		WHERE id = ANY($2)
	`, created.ID, entryIDs); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) FindPayoutBatchByID(ctx context.Context, batchID uuid.UUID) (*domain.PayoutBatch, error) {
	query := "SELECT" + payoutBatchColumns + " FROM payout_batches WHERE id = $1"
	batch, err := scanPayoutBatch(r.db.QueryRow(ctx, query, batchID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	memberIDs, err := batchMemberIDs(ctx, r.db, batchID)
	if err != nil {
		return nil, err
	}
	batch.LedgerEntryIDs = memberIDs
	return batch, nil
}

func (r *PostgresRepository) FindPayoutBatchByTransferRef(ctx context.Context, transferRef string) (*domain.PayoutBatch, error) {
	query := "SELECT" + payoutBatchColumns + " FROM payout_batches WHERE transfer_ref = $1"
	batch, err := scanPayoutBatch(r.db.QueryRow(ctx, query, transferRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	memberIDs, err := batchMemberIDs(ctx, r.db, batch.ID)
	if err != nil {
		return nil, err
	}
	batch.LedgerEntryIDs = memberIDs
	return batch, nil
}

// VoidPayoutBatchAndRevert voids a batch and reverts its still-paid members to
// locked. Already-voided batches are returned unchanged; a processing external
// transfer refuses the void.
func (r *PostgresRepository) VoidPayoutBatchAndRevert(ctx context.Context, batchID uuid.UUID, note *string, voidedAt time.Time) (*domain.PayoutBatch, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := "SELECT" + payoutBatchColumns + " FROM payout_batches WHERE id = $1 FOR UPDATE"
	batch, err := scanPayoutBatch(tx.QueryRow(ctx, query, batchID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	memberIDs, err := batchMemberIDs(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}
	batch.LedgerEntryIDs = memberIDs

	if batch.Status == domain.BatchStatusVoided {
		return batch, tx.Commit(ctx)
	}
	if batch.TransferStatus != nil && *batch.TransferStatus == domain.TransferStatusProcessing {
		return nil, ErrTransferInFlight
	}

	// Members paid through a different channel since, or re-pointed by an
	// unmark, are left alone: only entries still paid by this batch revert.
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_entries
		SET status = 'locked', paid_at = NULL, payout_batch_id = NULL
		WHERE payout_batch_id = $1 AND status = 'paid'
	`, batchID); err != nil {
		return nil, err
	}

	voidQuery := `
		UPDATE payout_batches
		SET status = 'voided', voided_at = $2, note = COALESCE($3, note)
		WHERE id = $1
		RETURNING` + payoutBatchColumns
	voided, err := scanPayoutBatch(tx.QueryRow(ctx, voidQuery, batchID, voidedAt, note))
	if err != nil {
		return nil, err
	}
	voided.LedgerEntryIDs = memberIDs

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return voided, nil
}

func (r *PostgresRepository) UpdateBatchTransferStatus(ctx context.Context, batchID uuid.UUID, transferStatus string, transferRef *string) (*domain.PayoutBatch, error) {
	query := `
		UPDATE payout_batches
		SET transfer_status = $2, transfer_ref = COALESCE($3, transfer_ref)
		WHERE id = $1
		RETURNING` + payoutBatchColumns
	batch, err := scanPayoutBatch(r.db.QueryRow(ctx, query, batchID, transferStatus, transferRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	memberIDs, err := batchMemberIDs(ctx, r.db, batchID)
	if err != nil {
		return nil, err
	}
	batch.LedgerEntryIDs = memberIDs
	return batch, nil
}

func (r *PostgresRepository) ListPayoutBatches(ctx context.Context, opts domain.ListOptions) ([]domain.PayoutBatch, error) {
	limit := clampLimit(opts.Limit)
	query := "SELECT" + payoutBatchColumns + " FROM payout_batches"
	var args []any
	if opts.Cursor > 0 {
		query += " WHERE created_at < $1"
		args = append(args, time.UnixMilli(opts.Cursor).UTC())
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)
	return r.collectBatches(ctx, query, args)
}

func (r *PostgresRepository) ListPayoutBatchesByReferrer(ctx context.Context, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.PayoutBatch, error) {
	limit := clampLimit(opts.Limit)
	query := `
		SELECT DISTINCT b.id, b.created_by, b.method, b.note, b.total_commission_cents,
		       b.status, b.transfer_status, b.transfer_ref, b.voided_at, b.created_at
		FROM payout_batches b
		JOIN payout_batch_entries be ON be.batch_id = b.id
		JOIN ledger_entries le ON le.id = be.ledger_entry_id
		WHERE le.referrer_id = $1
	`
	args := []any{referrerID}
	if opts.Cursor > 0 {
		query += " AND b.created_at < $2"
		args = append(args, time.UnixMilli(opts.Cursor).UTC())
	}
	query += fmt.Sprintf(" ORDER BY b.created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)
	return r.collectBatches(ctx, query, args)
}

func (r *PostgresRepository) collectBatches(ctx context.Context, query string, args []any) ([]domain.PayoutBatch, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.PayoutBatch
	for rows.Next() {
		batch, err := scanPayoutBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, rows.Err()
}

// ---- Payout requests ----

// CreatePayoutRequestAndTag inserts the request and tags each member entry with
// its back-reference, re-validating eligibility and ownership under row locks.
func (r *PostgresRepository) CreatePayoutRequestAndTag(ctx context.Context, request *domain.PayoutRequest, entryIDs []uuid.UUID) (*domain.PayoutRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := lockAndRequireEligible(ctx, tx, entryIDs, true, nil); err != nil {
		return nil, err
	}

	requestQuery := `
		INSERT INTO payout_requests (
			id, referrer_id, status, total_commission_cents, total_revenue_cents, referrer_note, created_at
		)
		VALUES ($1, $2, 'submitted', $3, $4, $5, NOW())
		RETURNING` + payoutRequestColumns
	created, err := scanPayoutRequest(tx.QueryRow(ctx, requestQuery,
		request.ID,
		request.ReferrerID,
		request.TotalCommissionCents,
		request.TotalRevenueCents,
		request.ReferrerNote,
	))
	if err != nil {
		return nil, err
	}

	for _, entryID := range entryIDs {
		if _, err := tx.Exec(ctx,
			"INSERT INTO payout_request_entries (request_id, ledger_entry_id) VALUES ($1, $2)",
			created.ID, entryID,
		); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx,
		"UPDATE ledger_entries SET payout_request_id = $1 WHERE id = ANY($2)",
		created.ID, entryIDs,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	created.LedgerEntryIDs = append([]uuid.UUID(nil), entryIDs...)
	return created, nil
}

func (r *PostgresRepository) FindPayoutRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error) {
	query := "SELECT" + payoutRequestColumns + " FROM payout_requests WHERE id = $1"
	request, err := scanPayoutRequest(r.db.QueryRow(ctx, query, requestID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutRequestNotFound
		}
		return nil, err
	}
	memberIDs, err := requestMemberIDs(ctx, r.db, requestID)
	if err != nil {
		return nil, err
	}
	request.LedgerEntryIDs = memberIDs
	return request, nil
}

func (r *PostgresRepository) CancelPayoutRequest(ctx context.Context, requestID uuid.UUID, note *string, cancelledAt time.Time) (*domain.PayoutRequest, error) {
	return r.resolveRequest(ctx, requestID, `
		UPDATE payout_requests
		SET status = 'cancelled', cancelled_at = $2, referrer_note = COALESCE($3, referrer_note)
		WHERE id = $1 AND status = 'submitted'
		RETURNING`+payoutRequestColumns,
		[]any{requestID, cancelledAt, note}, true)
}

func (r *PostgresRepository) ApprovePayoutRequest(ctx context.Context, requestID uuid.UUID, note *string, approvedAt time.Time) (*domain.PayoutRequest, error) {
	return r.resolveRequest(ctx, requestID, `
		UPDATE payout_requests
		SET status = 'approved', approved_at = $2, admin_note = COALESCE($3, admin_note)
		WHERE id = $1 AND status = 'submitted'
		RETURNING`+payoutRequestColumns,
		[]any{requestID, approvedAt, note}, false)
}

func (r *PostgresRepository) DenyPayoutRequest(ctx context.Context, requestID uuid.UUID, reason string, deniedAt time.Time) (*domain.PayoutRequest, error) {
	return r.resolveRequest(ctx, requestID, `
		UPDATE payout_requests
		SET status = 'denied', denied_at = $2, admin_note = $3
		WHERE id = $1 AND status IN ('submitted', 'approved')
		RETURNING`+payoutRequestColumns,
		[]any{requestID, deniedAt, reason}, true)
}

// resolveRequest runs a status-guarded request transition. clearMembers also
// releases the request back-reference on members that have not been paid in the
// meantime; entries stay locked, never reverting to open.
func (r *PostgresRepository) resolveRequest(ctx context.Context, requestID uuid.UUID, query string, args []any, clearMembers bool) (*domain.PayoutRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	request, err := scanPayoutRequest(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			var status string
			probeErr := tx.QueryRow(ctx, "SELECT status FROM payout_requests WHERE id = $1", requestID).Scan(&status)
			if probeErr == pgx.ErrNoRows {
				return nil, ErrPayoutRequestNotFound
			}
			if probeErr != nil {
				return nil, probeErr
			}
			return nil, fmt.Errorf("%w: request is %s", ErrRequestStateChanged, status)
		}
		return nil, err
	}

	if clearMembers {
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_entries
			SET payout_request_id = NULL
			WHERE payout_request_id = $1 AND status <> 'paid'
		`, requestID); err != nil {
			return nil, err
		}
	}

	memberIDs, err := requestMemberIDs(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	request.LedgerEntryIDs = memberIDs

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return request, nil
}

// CompletePayoutRequestAsBatch turns an approved (or still-submitted) request
// into a recorded batch: same atomic insert-and-pay as batch creation, plus
// request-reference clearing and the request's own completed transition.
func (r *PostgresRepository) CompletePayoutRequestAsBatch(ctx context.Context, requestID uuid.UUID, batch *domain.PayoutBatch, entryIDs []uuid.UUID, completedAt time.Time) (*domain.PayoutRequest, *domain.PayoutBatch, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, "SELECT status FROM payout_requests WHERE id = $1 FOR UPDATE", requestID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrPayoutRequestNotFound
		}
		return nil, nil, err
	}
	if status != domain.RequestStatusSubmitted && status != domain.RequestStatusApproved {
		return nil, nil, fmt.Errorf("%w: request is %s", ErrRequestStateChanged, status)
	}

	if err := lockAndRequireEligible(ctx, tx, entryIDs, true, &requestID); err != nil {
		return nil, nil, err
	}

	createdBatch, err := insertBatchAndPayEntries(ctx, tx, batch, entryIDs)
	if err != nil {
		return nil, nil, err
	}

	completeQuery := `
		UPDATE payout_requests
		SET status = 'completed', completed_at = $2, resulting_batch_id = $3
		WHERE id = $1
		RETURNING` + payoutRequestColumns
	completed, err := scanPayoutRequest(tx.QueryRow(ctx, completeQuery, requestID, completedAt, createdBatch.ID))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	createdBatch.LedgerEntryIDs = append([]uuid.UUID(nil), entryIDs...)
	completed.LedgerEntryIDs = append([]uuid.UUID(nil), entryIDs...)
	return completed, createdBatch, nil
}

func (r *PostgresRepository) ListPayoutRequestsByReferrer(ctx context.Context, referrerID uuid.UUID, opts domain.ListOptions) ([]domain.PayoutRequest, error) {
	limit := clampLimit(opts.Limit)
	query := "SELECT" + payoutRequestColumns + " FROM payout_requests WHERE referrer_id = $1"
	args := []any{referrerID}
	if opts.Cursor > 0 {
		query += " AND created_at < $2"
		args = append(args, time.UnixMilli(opts.Cursor).UTC())
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)
	return r.collectRequests(ctx, query, args)
}

func (r *PostgresRepository) ListPayoutRequests(ctx context.Context, opts domain.ListOptions) ([]domain.PayoutRequest, error) {
	limit := clampLimit(opts.Limit)
	query := "SELECT" + payoutRequestColumns + " FROM payout_requests"
	var args []any
	if opts.Cursor > 0 {
		query += " WHERE created_at < $1"
		args = append(args, time.UnixMilli(opts.Cursor).UTC())
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)
	return r.collectRequests(ctx, query, args)
}

func (r *PostgresRepository) collectRequests(ctx context.Context, query string, args []any) ([]domain.PayoutRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.PayoutRequest
	for rows.Next() {
		request, err := scanPayoutRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *request)
	}
	return requests, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed by the redemption pipeline: promo code lookup
 * with batch metadata, subscriber upserts, the single-writer redemption
 * transaction, and the disbursement lifecycle mutations used by the worker and
 * the webhook receiver.
 *
 * @dependencies
 * - context, errors, strings: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mbelyco/promo-service/internal/domain"
)

// Postgres unique_violation.
const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindPromoCodeWithBatch retrieves a promo code and its owning batch by the
// normalized code string.
func (r *PostgresRepository) FindPromoCodeWithBatch(ctx context.Context, code string) (*domain.PromoCode, *domain.Batch, error) {
	var promo domain.PromoCode
	var batch domain.Batch
	query := `
		SELECT
			pc.id, pc.code, pc.batch_id, pc.amount, pc.currency, pc.status,
			pc.reported, pc.expires_at, pc.created_at, pc.updated_at,
			b.id, b.batch_code, b.name, b.status, b.total_codes, b.amount_per_code,
			b.currency, b.created_at
		FROM promo_codes pc
		JOIN batches b ON b.id = pc.batch_id
		WHERE pc.code = $1
	`
	err := r.db.QueryRow(ctx, query, strings.TrimSpace(code)).Scan(
		&promo.ID, &promo.Code, &promo.BatchID, &promo.Amount, &promo.Currency, &promo.Status,
		&promo.Reported, &promo.ExpiresAt, &promo.CreatedAt, &promo.UpdatedAt,
		&batch.ID, &batch.BatchCode, &batch.Name, &batch.Status, &batch.TotalCodes, &batch.AmountPerCode,
		&batch.Currency, &batch.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrPromoCodeNotFound
		}
		return nil, nil, err
	}
	return &promo, &batch, nil
}

// UpsertUserByPhone returns the subscriber for a phone number, auto-provisioning
// an active user with the synthetic email on first contact.
func (r *PostgresRepository) UpsertUserByPhone(ctx context.Context, phoneNumber, email string) (*domain.User, error) {
	var user domain.User
	query := `
		INSERT INTO users (phone_number, email, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (phone_number)
		DO UPDATE SET updated_at = NOW()
		RETURNING id, phone_number, email, active, created_at
	`
	err := r.db.QueryRow(ctx, query, phoneNumber, email).Scan(
		&user.ID, &user.PhoneNumber, &user.Email, &user.Active, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// RedemptionExists reports whether a redemption already exists for a
// (promo code, user) pair.
func (r *PostgresRepository) RedemptionExists(ctx context.Context, promoCodeID, userID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM redemptions WHERE promo_code_id = $1 AND user_id = $2)`
	if err := r.db.QueryRow(ctx, query, promoCodeID, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// RedeemPromoCode flips the promo code active->redeemed and creates the
// initiated Redemption in one transaction. The UPDATE is keyed on (id, code)
// and the current status, so the losing side of a race affects zero rows.
func (r *PostgresRepository) RedeemPromoCode(ctx context.Context, promo *domain.PromoCode, user *domain.User) (*domain.Redemption, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	redeem := `
		UPDATE promo_codes
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND code = $3 AND status = $4
	`
	tag, err := tx.Exec(ctx, redeem, domain.PromoCodeStatusRedeemed, promo.ID, promo.Code, domain.PromoCodeStatusActive)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrCodeAlreadyRedeemed
	}

	var redemption domain.Redemption
	insert := `
		INSERT INTO redemptions (promo_code_id, user_id, phone_number, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, promo_code_id, user_id, phone_number, amount, currency, status,
			momo_reference, momo_transaction_id, disbursed_at, created_at, updated_at
	`
	err = tx.QueryRow(ctx, insert,
		promo.ID, user.ID, user.PhoneNumber, promo.Amount, promo.Currency, domain.RedemptionStatusInitiated,
	).Scan(
		&redemption.ID, &redemption.PromoCodeID, &redemption.UserID, &redemption.PhoneNumber,
		&redemption.Amount, &redemption.Currency, &redemption.Status,
		&redemption.MomoReference, &redemption.MomoTransactionID, &redemption.DisbursedAt,
		&redemption.CreatedAt, &redemption.UpdatedAt,
	)
	if err != nil {
		// The unique (promo_code_id, user_id) index is the backstop for the
		// pre-check in the service racing another attempt by the same user.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrRedemptionExists
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &redemption, nil
}

// FindRedemptionByID retrieves a redemption by its id.
func (r *PostgresRepository) FindRedemptionByID(ctx context.Context, redemptionID int64) (*domain.Redemption, error) {
	var redemption domain.Redemption
	query := `
		SELECT id, promo_code_id, user_id, phone_number, amount, currency, status,
			momo_reference, momo_transaction_id, disbursed_at, created_at, updated_at
		FROM redemptions
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, redemptionID).Scan(
		&redemption.ID, &redemption.PromoCodeID, &redemption.UserID, &redemption.PhoneNumber,
		&redemption.Amount, &redemption.Currency, &redemption.Status,
		&redemption.MomoReference, &redemption.MomoTransactionID, &redemption.DisbursedAt,
		&redemption.CreatedAt, &redemption.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return &redemption, nil
}

// FindDisbursementByReference retrieves a disbursement by its unique provider reference.
func (r *PostgresRepository) FindDisbursementByReference(ctx context.Context, reference string) (*domain.Disbursement, error) {
	var d domain.Disbursement
	query := `
		SELECT id, redemption_id, momo_reference, momo_transaction_id, phone_number,
			amount, currency, status, retry_count, error_message, processed_at,
			created_at, updated_at
		FROM disbursements
		WHERE momo_reference = $1
	`
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&d.ID, &d.RedemptionID, &d.MomoReference, &d.MomoTransactionID, &d.PhoneNumber,
		&d.Amount, &d.Currency, &d.Status, &d.RetryCount, &d.ErrorMessage, &d.ProcessedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDisbursementNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreatePendingDisbursement inserts the pending Disbursement and advances the
// Redemption to pending with the provider reference, atomically. The insert is
// keyed on the unique momo_reference so a redelivered job does not create a
// second row.
func (r *PostgresRepository) CreatePendingDisbursement(ctx context.Context, redemption *domain.Redemption, reference string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO disbursements (redemption_id, momo_reference, phone_number, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (momo_reference) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert,
		redemption.ID, reference, redemption.PhoneNumber, redemption.Amount, redemption.Currency,
		domain.DisbursementStatusPending,
	); err != nil {
		return err
	}

	update := `
		UPDATE redemptions
		SET status = $1, momo_reference = $2, updated_at = NOW()
		WHERE id = $3 AND status != $4
	`
	if _, err := tx.Exec(ctx, update,
		domain.RedemptionStatusPending, reference, redemption.ID, domain.RedemptionStatusDisbursed,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CompleteSandboxDisbursement records a simulated payout in one transaction:
// the Disbursement is created already successful and the Redemption jumps
// straight to disbursed. Status guards make a redelivered job a no-op.
func (r *PostgresRepository) CompleteSandboxDisbursement(ctx context.Context, redemption *domain.Redemption, reference, transactionID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO disbursements (
			redemption_id, momo_reference, momo_transaction_id, phone_number,
			amount, currency, status, processed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (momo_reference) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert,
		redemption.ID, reference, transactionID, redemption.PhoneNumber,
		redemption.Amount, redemption.Currency, domain.DisbursementStatusSuccess,
	); err != nil {
		return err
	}

	update := `
		UPDATE redemptions
		SET status = $1, momo_reference = $2, momo_transaction_id = $3,
			disbursed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status != $1
	`
	if _, err := tx.Exec(ctx, update,
		domain.RedemptionStatusDisbursed, reference, transactionID, redemption.ID,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RecordDisbursementFailure increments the retry counter and stores the latest
// provider error for the disbursement with the given reference. The row stays
// pending; only the webhook receiver confirms success in live mode.
func (r *PostgresRepository) RecordDisbursementFailure(ctx context.Context, reference, errorMessage string) error {
	query := `
		UPDATE disbursements
		SET retry_count = retry_count + 1, error_message = $1, updated_at = NOW()
		WHERE momo_reference = $2
	`
	tag, err := r.db.Exec(ctx, query, errorMessage, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDisbursementNotFound
	}
	return nil
}

// FinalizeDisbursementSuccess applies a provider confirmation atomically:
// the Disbursement becomes success with the provider transaction id, and the
// Redemption becomes disbursed carrying the same identifiers.
func (r *PostgresRepository) FinalizeDisbursementSuccess(ctx context.Context, disbursementID, redemptionID int64, transactionID, reference string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	disb := `
		UPDATE disbursements
		SET status = $1, momo_transaction_id = COALESCE(NULLIF($2, ''), momo_transaction_id),
			processed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status != $1
	`
	if _, err := tx.Exec(ctx, disb, domain.DisbursementStatusSuccess, transactionID, disbursementID); err != nil {
		return err
	}

	red := `
		UPDATE redemptions
		SET status = $1, momo_transaction_id = COALESCE(NULLIF($2, ''), momo_transaction_id),
			momo_reference = $3, disbursed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status != $1
	`
	if _, err := tx.Exec(ctx, red, domain.RedemptionStatusDisbursed, transactionID, reference, redemptionID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

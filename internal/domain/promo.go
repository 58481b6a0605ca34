/**
 * @description
 * This file defines the core domain models for the promo-service.
 * These structs represent the main entities used throughout the redemption
 * pipeline: promo code batches, single-use promo codes, subscribers, redemption
 * claims, and the outbound mobile-money disbursement records reconciled against
 * the payment provider.
 *
 * @notes
 * - Monetary amounts use shopspring/decimal and map to DECIMAL columns; the
 *   provider API consumes the same values as decimal strings.
 * - Status fields are plain strings constrained by the constants below; state
 *   transitions are enforced in the store layer, not here.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Batch statuses.
const (
	BatchStatusActive   = "active"
	BatchStatusInactive = "inactive"
)

// PromoCode statuses.
const (
	PromoCodeStatusActive   = "active"
	PromoCodeStatusRedeemed = "redeemed"
	PromoCodeStatusExpired  = "expired"
	PromoCodeStatusReported = "reported"
)

// Redemption statuses.
const (
	RedemptionStatusInitiated = "initiated"
	RedemptionStatusPending   = "pending"
	RedemptionStatusDisbursed = "disbursed"
)

// Disbursement statuses.
const (
	DisbursementStatusPending = "pending"
	DisbursementStatusSuccess = "success"
	DisbursementStatusFailed  = "failed"
)

// Batch is an administrative grouping of promo codes sharing issuance metadata.
type Batch struct {
	ID            int64           `json:"id"`
	BatchCode     string          `json:"batch_code"`
	Name          string          `json:"name"`
	Status        string          `json:"status"`
	TotalCodes    int             `json:"total_codes"`
	AmountPerCode decimal.Decimal `json:"amount_per_code"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PromoCode is a single-use voucher entitling redemption of a fixed amount.
// It transitions active -> redeemed exactly once, enforced by a conditional
// update inside the redemption transaction.
type PromoCode struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	BatchID   int64           `json:"batch_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Reported  bool            `json:"reported"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// User is a mobile subscriber, auto-provisioned on first USSD contact.
type User struct {
	ID          int64     `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Email       string    `json:"email"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Redemption is a user's claim against a promo code, tracked through
// settlement. At most one Redemption exists per (promo code, user) pair.
type Redemption struct {
	ID                int64           `json:"id"`
	PromoCodeID       int64           `json:"promo_code_id"`
	UserID            int64           `json:"user_id"`
	PhoneNumber       string          `json:"phone_number"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	MomoReference     *string         `json:"momo_reference,omitempty"`
	MomoTransactionID *string         `json:"momo_transaction_id,omitempty"`
	DisbursedAt       *time.Time      `json:"disbursed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Disbursement is the outbound payout record tied to a redemption. Its unique
// provider reference enables idempotent webhook matching regardless of how many
// times the provider delivers a confirmation.
type Disbursement struct {
	ID                int64           `json:"id"`
	RedemptionID      int64           `json:"redemption_id"`
	MomoReference     string          `json:"momo_reference"`
	MomoTransactionID *string         `json:"momo_transaction_id,omitempty"`
	PhoneNumber       string          `json:"phone_number"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	RetryCount        int             `json:"retry_count"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DisbursementJob is the payload carried on the durable disbursement queue.
// Dead-letter entries carry the same payload for manual operator replay.
type DisbursementJob struct {
	RedemptionID int64 `json:"redemptionId"`
}

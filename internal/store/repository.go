/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the promo-service. Defining an interface
 * decouples the redemption pipeline from the PostgreSQL implementation and lets
 * tests substitute stubs for the database.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/mbelyco/promo-service/internal/domain"
)

var (
	ErrPromoCodeNotFound    = errors.New("promo code not found")
	ErrCodeAlreadyRedeemed  = errors.New("promo code already redeemed")
	ErrRedemptionExists     = errors.New("redemption already exists for this code and user")
	ErrRedemptionNotFound   = errors.New("redemption not found")
	ErrDisbursementNotFound = errors.New("disbursement not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Promo code and batch methods
	FindPromoCodeWithBatch(ctx context.Context, code string) (*domain.PromoCode, *domain.Batch, error)

	// User methods
	UpsertUserByPhone(ctx context.Context, phoneNumber, email string) (*domain.User, error)

	// Redemption methods
	RedemptionExists(ctx context.Context, promoCodeID, userID int64) (bool, error)
	// RedeemPromoCode performs the core redemption transaction: a conditional
	// active->redeemed update on the promo code keyed by (id, code) followed by
	// the creation of an initiated Redemption. A concurrent racer's update
	// matches zero rows and the whole transaction fails with
	// ErrCodeAlreadyRedeemed.
	RedeemPromoCode(ctx context.Context, promo *domain.PromoCode, user *domain.User) (*domain.Redemption, error)
	FindRedemptionByID(ctx context.Context, redemptionID int64) (*domain.Redemption, error)

	// Disbursement methods
	FindDisbursementByReference(ctx context.Context, reference string) (*domain.Disbursement, error)
	// CreatePendingDisbursement inserts a pending Disbursement and moves the
	// Redemption to pending with the provider reference, in one transaction.
	// Safe to repeat: the insert is keyed on the unique reference.
	CreatePendingDisbursement(ctx context.Context, redemption *domain.Redemption, reference string) error
	// CompleteSandboxDisbursement records a simulated payout: a success
	// Disbursement and a disbursed Redemption, in one transaction. Safe to repeat.
	CompleteSandboxDisbursement(ctx context.Context, redemption *domain.Redemption, reference, transactionID string) error
	RecordDisbursementFailure(ctx context.Context, reference, errorMessage string) error
	// FinalizeDisbursementSuccess applies a provider confirmation: the
	// Disbursement becomes success and the Redemption disbursed, in one
	// transaction. Callers must have checked the current status first.
	FinalizeDisbursementSuccess(ctx context.Context, disbursementID, redemptionID int64, transactionID, reference string) error
}

/**
 * @description
 * This file contains the core business logic for the promo-service inbound
 * gateway. The `Service` struct orchestrates the whole redemption pipeline for
 * a USSD request: rate limiting, input parsing and validation, distributed
 * locking, the transactional promo code redemption, disbursement job dispatch,
 * and audit emission. It also hosts the webhook reconciliation entry point.
 *
 * Key invariants:
 * - A promo code transitions active->redeemed exactly once; the conditional
 *   update in the store is the single writer and the per-(code, phone) lock
 *   serializes the gateway ahead of it.
 * - The lock is released on every exit path; a leaked lock would block the
 *   caller's own retries for up to the TTL.
 * - Every subscriber receives a definitive plain-text reply within one
 *   request/response cycle; only infrastructure unavailability surfaces as 5xx.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/go-playground/validator/v10: Request field validation.
 * - internal/domain, internal/store, internal/metrics: Models, data access, counters.
 * - pkg/rabbitmq: Durable job and event publishing.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mbelyco/promo-service/internal/domain"
	"github.com/mbelyco/promo-service/internal/metrics"
	"github.com/mbelyco/promo-service/internal/store"
	"github.com/mbelyco/promo-service/pkg/rabbitmq"
)

// USSD reply bodies. The CON/END prefixes and the HTTP status codes are a
// fixed protocol contract with the telecom aggregator.
const (
	ReplyEnterCode       = "CON Enter promo code"
	ReplyInvalidFormat   = "CON Invalid code format. Enter promo code"
	ReplySuccess         = "END Success! You will receive mobile money shortly."
	ReplyRateLimited     = "END Rate limit exceeded. Please try again later."
	ReplyInvalidRequest  = "END Invalid request"
	ReplyInProgress      = "END A redemption for this code is already in progress. Please try again shortly."
	ReplyUnknownCode     = "END Invalid code. Please check and try again."
	ReplyAlreadyRedeemed = "END Code has already been redeemed."
	ReplyAlreadyClaimed  = "END You have already redeemed this code."
	ReplyExpired         = "END This code has expired."
	ReplyReported        = "END This code has been reported and cannot be redeemed."
	ReplyNotActive       = "END This code is not currently active."
	ReplyGenericFailure  = "END Something went wrong. Please try again later."
	ReplyUnavailable     = "END Service temporarily unavailable. Please try again later."
)

const syntheticEmailDomain = "ussd.mbelyco.local"

// JobRoutingKey routes disbursement jobs on the events exchange.
const JobRoutingKey = "disbursement.requested"

// Reply is the plain-text USSD response together with its HTTP status.
type Reply struct {
	Body   string
	Status int
}

// ServiceConfig carries the tunables resolved once at startup.
type ServiceConfig struct {
	RateLimit       int
	RateLimitWindow time.Duration
	EventsExchange  string
}

// Service provides the core business logic for promo code redemption.
type Service struct {
	repo     store.Repository
	lock     RedemptionLocker
	limiter  RateLimiter
	producer rabbitmq.Publisher
	audit    AuditEmitter
	metrics  *metrics.Metrics
	validate *validator.Validate
	cfg      ServiceConfig
}

// NewService creates a new redemption service instance.
func NewService(
	repo store.Repository,
	lock RedemptionLocker,
	limiter RateLimiter,
	producer rabbitmq.Publisher,
	audit AuditEmitter,
	m *metrics.Metrics,
	cfg ServiceConfig,
) *Service {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 60 * time.Second
	}
	if cfg.EventsExchange == "" {
		cfg.EventsExchange = "promo.events"
	}
	return &Service{
		repo:     repo,
		lock:     lock,
		limiter:  limiter,
		producer: producer,
		audit:    audit,
		metrics:  m,
		validate: validator.New(),
		cfg:      cfg,
	}
}

// HandleUSSD runs the inbound gateway pipeline for one aggregator request and
// returns the definitive plain-text reply. Signature and IP checks happen in
// middleware before this point.
func (s *Service) HandleUSSD(ctx context.Context, req USSDRequest) Reply {
	// Rate limit keyed by phone number, falling back to the source IP when the
	// aggregator did not supply one. Limiter outages degrade to unlimited
	// rather than blocking the whole service.
	subject := strings.TrimSpace(req.PhoneNumber)
	if subject == "" {
		subject = req.SourceIP
	}
	count, _, err := s.limiter.ConsumeRateLimit(ctx, "ussd", subject, s.cfg.RateLimit, s.cfg.RateLimitWindow)
	if err != nil {
		log.Printf("level=warn component=service flow=ussd msg=\"rate limiter unavailable; admitting request\" subject=%s err=%v", subject, err)
	} else if count > s.cfg.RateLimit {
		s.countAttempt("rate_limited")
		return Reply{Body: ReplyRateLimited, Status: http.StatusTooManyRequests}
	}

	if err := s.validate.Struct(req); err != nil {
		s.countAttempt("invalid_request")
		return Reply{Body: ReplyInvalidRequest, Status: http.StatusBadRequest}
	}

	input := ExtractInput(req.Text)
	if input == "" {
		return Reply{Body: ReplyEnterCode, Status: http.StatusOK}
	}

	code := NormalizeCode(input)
	if !ValidCodeFormat(code) {
		s.countAttempt("invalid_format")
		return Reply{Body: ReplyInvalidFormat, Status: http.StatusOK}
	}

	acquired, err := s.lock.Acquire(ctx, code, req.PhoneNumber)
	if err != nil {
		log.Printf("level=error component=service flow=ussd msg=\"lock store unavailable\" code=%s phone=%s err=%v", code, req.PhoneNumber, err)
		return Reply{Body: ReplyUnavailable, Status: http.StatusInternalServerError}
	}
	if !acquired {
		// Fail closed: another attempt for this (code, phone) holds the lock.
		s.countAttempt("conflict")
		s.emitAudit(ctx, req, code, "conflict", 0, nil)
		return Reply{Body: ReplyInProgress, Status: http.StatusOK}
	}
	// Release on every exit path. A fresh context keeps the release working
	// even when the inbound request context was cancelled mid-flight.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx, code, req.PhoneNumber); err != nil {
			log.Printf("level=error component=service flow=ussd msg=\"lock release failed\" code=%s phone=%s err=%v", code, req.PhoneNumber, err)
		}
	}()

	return s.redeem(ctx, req, code)
}

// redeem executes steps inside the locked section: promo lookup and
// eligibility checks, user provisioning, the redemption transaction, and job
// dispatch.
func (s *Service) redeem(ctx context.Context, req USSDRequest, code string) Reply {
	promo, batch, err := s.repo.FindPromoCodeWithBatch(ctx, code)
	if err != nil {
		if err == store.ErrPromoCodeNotFound {
			s.countAttempt("invalid")
			s.emitAudit(ctx, req, code, "invalid", 0, nil)
			return Reply{Body: ReplyUnknownCode, Status: http.StatusOK}
		}
		return s.unexpected(ctx, req, code, err)
	}

	if reply, rejected := s.checkEligibility(ctx, req, promo, batch); rejected {
		return reply
	}

	user, err := s.repo.UpsertUserByPhone(ctx, req.PhoneNumber, syntheticEmail(req.PhoneNumber))
	if err != nil {
		return s.unexpected(ctx, req, code, err)
	}

	exists, err := s.repo.RedemptionExists(ctx, promo.ID, user.ID)
	if err != nil {
		return s.unexpected(ctx, req, code, err)
	}
	if exists {
		s.countAttempt("duplicate")
		s.emitAudit(ctx, req, code, "duplicate", promo.ID, nil)
		return Reply{Body: ReplyAlreadyClaimed, Status: http.StatusOK}
	}

	redemption, err := s.repo.RedeemPromoCode(ctx, promo, user)
	if err != nil {
		if err == store.ErrRedemptionExists {
			// The unique index caught a same-user race the pre-check missed.
			s.countAttempt("duplicate")
			s.emitAudit(ctx, req, code, "duplicate", promo.ID, nil)
			return Reply{Body: ReplyAlreadyClaimed, Status: http.StatusOK}
		}
		if err == store.ErrCodeAlreadyRedeemed {
			// Defense in depth: the lock should have serialized us, but the
			// conditional update is the final arbiter under a race.
			s.countAttempt("conflict")
			s.emitAudit(ctx, req, code, "conflict", promo.ID, nil)
			return Reply{Body: ReplyAlreadyRedeemed, Status: http.StatusOK}
		}
		return s.unexpected(ctx, req, code, err)
	}

	job := domain.DisbursementJob{RedemptionID: redemption.ID}
	if err := s.producer.Publish(ctx, s.cfg.EventsExchange, JobRoutingKey, job); err != nil {
		log.Printf("level=error component=service flow=ussd msg=\"disbursement job enqueue failed\" redemption_id=%d err=%v", redemption.ID, err)
		s.countAttempt("error")
		s.emitAudit(ctx, req, code, "error", redemption.ID, err)
		return Reply{Body: ReplyUnavailable, Status: http.StatusInternalServerError}
	}

	s.countAttempt("ok")
	s.emitAudit(ctx, req, code, "redeemed", redemption.ID, nil)
	log.Printf("level=info component=service flow=ussd msg=\"redemption accepted\" redemption_id=%d code=%s phone=%s", redemption.ID, code, req.PhoneNumber)
	return Reply{Body: ReplySuccess, Status: http.StatusOK}
}

// checkEligibility applies the terminal rejections for a looked-up promo code.
func (s *Service) checkEligibility(ctx context.Context, req USSDRequest, promo *domain.PromoCode, batch *domain.Batch) (Reply, bool) {
	reject := func(outcome, body string) (Reply, bool) {
		s.countAttempt(outcome)
		s.emitAudit(ctx, req, promo.Code, outcome, promo.ID, nil)
		return Reply{Body: body, Status: http.StatusOK}, true
	}

	if promo.Reported || promo.Status == domain.PromoCodeStatusReported {
		return reject("reported", ReplyReported)
	}
	if promo.Status == domain.PromoCodeStatusRedeemed {
		return reject("redeemed", ReplyAlreadyRedeemed)
	}
	if promo.Status == domain.PromoCodeStatusExpired ||
		(promo.ExpiresAt != nil && promo.ExpiresAt.Before(time.Now().UTC())) {
		return reject("expired", ReplyExpired)
	}
	if promo.Status != domain.PromoCodeStatusActive {
		return reject("not_active", ReplyNotActive)
	}
	if batch.Status != domain.BatchStatusActive {
		return reject("batch_inactive", ReplyNotActive)
	}
	return Reply{}, false
}

// unexpected converts an unanticipated failure into the generic terminal
// message after auditing it. The deferred lock release still runs.
func (s *Service) unexpected(ctx context.Context, req USSDRequest, code string, err error) Reply {
	log.Printf("level=error component=service flow=ussd msg=\"unexpected redemption failure\" code=%s phone=%s err=%v", code, req.PhoneNumber, err)
	s.countAttempt("error")
	s.emitAudit(ctx, req, code, "error", 0, err)
	return Reply{Body: ReplyGenericFailure, Status: http.StatusOK}
}

func (s *Service) countAttempt(status string) {
	if s.metrics != nil {
		s.metrics.RedemptionAttempts.WithLabelValues(status).Inc()
	}
}

func (s *Service) emitAudit(ctx context.Context, req USSDRequest, code, outcome string, entityID int64, cause error) {
	if s.audit == nil {
		return
	}
	event := AuditEvent{
		Action:      "ussd_redemption",
		EntityType:  "redemption",
		EntityID:    entityID,
		PhoneNumber: req.PhoneNumber,
		Code:        code,
		Outcome:     outcome,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	s.audit.EmitRedemption(ctx, event)
}

func syntheticEmail(phoneNumber string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phoneNumber)
	return fmt.Sprintf("%s@%s", digits, syntheticEmailDomain)
}

// WebhookResult classifies the outcome of a provider confirmation.
type WebhookResult string

const (
	WebhookFinalized WebhookResult = "finalized"
	WebhookNoop      WebhookResult = "noop"
	WebhookUnknown   WebhookResult = "unknown"
)

// ReconcileDisbursement applies a provider confirmation idempotently. Unknown
// references and repeats acknowledge without mutation; only a pending
// disbursement is finalized, in one transaction with its redemption.
func (s *Service) ReconcileDisbursement(ctx context.Context, reference, transactionID string) (WebhookResult, error) {
	d, err := s.repo.FindDisbursementByReference(ctx, reference)
	if err != nil {
		if err == store.ErrDisbursementNotFound {
			s.countWebhook("unknown_reference")
			return WebhookUnknown, nil
		}
		s.countWebhook("error")
		return "", err
	}

	if d.Status == domain.DisbursementStatusSuccess {
		s.countWebhook("noop")
		return WebhookNoop, nil
	}

	if err := s.repo.FinalizeDisbursementSuccess(ctx, d.ID, d.RedemptionID, transactionID, reference); err != nil {
		s.countWebhook("error")
		return "", err
	}
	s.countWebhook("finalized")
	log.Printf("level=info component=service flow=webhook msg=\"disbursement finalized\" reference=%s transaction_id=%s", reference, transactionID)
	return WebhookFinalized, nil
}

func (s *Service) countWebhook(result string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(result).Inc()
	}
}

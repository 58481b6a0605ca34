/**
 * @description
 * This file contains the disbursement worker logic: the strategy interface for
 * executing a mobile-money payout, its sandbox and live (MTN MoMo)
 * implementations, the queue job handler, and the dead-letter hook invoked
 * when a job exhausts its retries.
 *
 * The worker consumes at-least-once, so every mutation here is idempotent: a
 * redelivered job finds the success disbursement row and acknowledges without
 * paying twice. The provider reference is deterministic per redemption, which
 * is what makes the replay check possible.
 *
 * @dependencies
 * - internal/domain, internal/store, internal/metrics: Models, data access, counters.
 * - pkg/momoclient: MTN MoMo disbursement API client.
 * - pkg/rabbitmq: Dead-letter publishing.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mbelyco/promo-service/internal/domain"
	"github.com/mbelyco/promo-service/internal/metrics"
	"github.com/mbelyco/promo-service/internal/store"
	"github.com/mbelyco/promo-service/pkg/momoclient"
	"github.com/mbelyco/promo-service/pkg/rabbitmq"
)

// Disbursement modes.
const (
	ModeSandbox = "sandbox"
	ModeLive    = "live"
)

// DLQRoutingKey routes exhausted disbursement jobs to the dead-letter queue.
const DLQRoutingKey = "disbursement.dead"

// Disburser executes a payout for a redemption under a deterministic provider
// reference. Implementations must be safe to retry with the same reference.
type Disburser interface {
	Mode() string
	Disburse(ctx context.Context, redemption *domain.Redemption, reference string) error
}

// SandboxDisburser simulates payouts without provider credentials. It records
// an immediately successful disbursement with a synthetic transaction id.
type SandboxDisburser struct {
	repo store.Repository
}

// NewSandboxDisburser creates a sandbox payout strategy.
func NewSandboxDisburser(repo store.Repository) *SandboxDisburser {
	return &SandboxDisburser{repo: repo}
}

func (d *SandboxDisburser) Mode() string { return ModeSandbox }

func (d *SandboxDisburser) Disburse(ctx context.Context, redemption *domain.Redemption, reference string) error {
	transactionID := fmt.Sprintf("sandbox-%d", time.Now().UnixMilli())
	if err := d.repo.CompleteSandboxDisbursement(ctx, redemption, reference, transactionID); err != nil {
		return fmt.Errorf("failed to record sandbox disbursement: %w", err)
	}
	log.Printf("level=info component=disburser mode=sandbox msg=\"disbursement simulated\" redemption_id=%d reference=%s transaction_id=%s", redemption.ID, reference, transactionID)
	return nil
}

// MomoDisburser executes live payouts through the MTN MoMo disbursement API.
// It records a pending disbursement before calling the provider so a
// confirmation webhook always has a row to match.
type MomoDisburser struct {
	repo   store.Repository
	client *momoclient.Client
}

// NewMomoDisburser creates a live payout strategy.
func NewMomoDisburser(repo store.Repository, client *momoclient.Client) *MomoDisburser {
	return &MomoDisburser{repo: repo, client: client}
}

func (d *MomoDisburser) Mode() string { return ModeLive }

func (d *MomoDisburser) Disburse(ctx context.Context, redemption *domain.Redemption, reference string) error {
	if err := d.repo.CreatePendingDisbursement(ctx, redemption, reference); err != nil {
		return fmt.Errorf("failed to create pending disbursement: %w", err)
	}

	token, err := d.client.GetAccessToken(ctx)
	if err != nil {
		d.recordFailure(ctx, reference, err)
		return fmt.Errorf("failed to obtain momo token: %w", err)
	}

	err = d.client.Transfer(ctx, token, momoclient.TransferParams{
		ReferenceID:  reference,
		Amount:       redemption.Amount.String(),
		Currency:     redemption.Currency,
		PayeeMSISDN:  redemption.PhoneNumber,
		ExternalID:   reference,
		PayerMessage: "Promo code redemption",
		PayeeNote:    "Promo payout",
	})
	if err != nil {
		d.recordFailure(ctx, reference, err)
		return fmt.Errorf("momo transfer rejected: %w", err)
	}

	log.Printf("level=info component=disburser mode=live msg=\"transfer accepted by provider\" redemption_id=%d reference=%s", redemption.ID, reference)
	return nil
}

// recordFailure bumps the retry count and stores the provider error. Best
// effort: the queue retry proceeds either way.
func (d *MomoDisburser) recordFailure(ctx context.Context, reference string, cause error) {
	if err := d.repo.RecordDisbursementFailure(ctx, reference, cause.Error()); err != nil {
		log.Printf("level=error component=disburser mode=live msg=\"failed to record disbursement failure\" reference=%s err=%v", reference, err)
	}
}

// DisbursementWorker consumes disbursement jobs from the durable queue and
// executes them through the configured payout strategy.
type DisbursementWorker struct {
	repo      store.Repository
	disburser Disburser
	prefix    string
	metrics   *metrics.Metrics
}

// NewDisbursementWorker creates a queue job handler for disbursements.
func NewDisbursementWorker(repo store.Repository, disburser Disburser, referencePrefix string, m *metrics.Metrics) *DisbursementWorker {
	if referencePrefix == "" {
		referencePrefix = "MBELYCO"
	}
	return &DisbursementWorker{
		repo:      repo,
		disburser: disburser,
		prefix:    referencePrefix,
		metrics:   m,
	}
}

// Reference derives the deterministic provider reference for a redemption.
func (w *DisbursementWorker) Reference(redemptionID int64) string {
	return fmt.Sprintf("%s-%d", w.prefix, redemptionID)
}

// HandleJob processes one disbursement job. A nil return acknowledges the
// message; an error triggers the queue's retry policy. Malformed payloads and
// vanished redemptions are dropped rather than retried, since no number of
// redeliveries will fix them.
func (w *DisbursementWorker) HandleJob(ctx context.Context, body []byte) error {
	var job domain.DisbursementJob
	if err := json.Unmarshal(body, &job); err != nil {
		log.Printf("level=error component=worker msg=\"dropping malformed disbursement job\" err=%v", err)
		w.countDisbursement("malformed")
		return nil
	}

	redemption, err := w.repo.FindRedemptionByID(ctx, job.RedemptionID)
	if err != nil {
		if err == store.ErrRedemptionNotFound {
			log.Printf("level=warn component=worker msg=\"dropping job for unknown redemption\" redemption_id=%d", job.RedemptionID)
			w.countDisbursement("orphaned")
			return nil
		}
		return fmt.Errorf("failed to load redemption %d: %w", job.RedemptionID, err)
	}

	reference := w.Reference(redemption.ID)

	// Redelivery check: a success row under this reference means the payout
	// already happened and this delivery is a repeat.
	existing, err := w.repo.FindDisbursementByReference(ctx, reference)
	if err != nil && err != store.ErrDisbursementNotFound {
		return fmt.Errorf("failed to check disbursement %s: %w", reference, err)
	}
	if existing != nil && existing.Status == domain.DisbursementStatusSuccess {
		log.Printf("level=info component=worker msg=\"skipping already-settled disbursement\" reference=%s", reference)
		w.countDisbursement("replayed")
		return nil
	}

	start := time.Now()
	if err := w.disburser.Disburse(ctx, redemption, reference); err != nil {
		w.countDisbursement("failed")
		return err
	}
	if w.metrics != nil {
		w.metrics.DisbursementSeconds.Observe(time.Since(start).Seconds())
	}
	w.countDisbursement("ok")
	return nil
}

func (w *DisbursementWorker) countDisbursement(status string) {
	if w.metrics != nil {
		w.metrics.Disbursements.WithLabelValues(w.disburser.Mode(), status).Inc()
	}
}

// NewDeadLetterHook builds the callback invoked when a job exhausts its
// retries. The payload lands on the dead-letter queue for operator replay; if
// even that publish fails, the alerter is the last line of defense before the
// job is lost.
func NewDeadLetterHook(publisher rabbitmq.Publisher, exchange string, m *metrics.Metrics, alerter Alerter) rabbitmq.DeadLetterFunc {
	return func(ctx context.Context, body []byte) {
		if err := publisher.PublishWithAttempts(ctx, exchange, DLQRoutingKey, body, 0); err != nil {
			log.Printf("level=error component=worker msg=\"dead-letter publish failed; job lost without intervention\" err=%v payload=%s", err, string(body))
			if m != nil {
				m.DeadLetterFailures.Inc()
			}
			if alerter != nil {
				alerter.Alert(ctx, "disbursement job could not be dead-lettered: "+string(body), err)
			}
			return
		}
		log.Printf("level=warn component=worker msg=\"disbursement job dead-lettered after exhausting retries\" payload=%s", string(body))
		if m != nil {
			m.DeadLetters.Inc()
		}
	}
}

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mbelyco/promo-service/pkg/rabbitmq"
)

// AuditEvent is the record emitted for every redemption attempt outcome.
// Persistence is handled by an external consumer of the events exchange.
type AuditEvent struct {
	ID          uuid.UUID `json:"id"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    int64     `json:"entity_id,omitempty"`
	PhoneNumber string    `json:"phone_number"`
	Code        string    `json:"code,omitempty"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuditEmitter publishes audit events for redemption attempts.
type AuditEmitter interface {
	EmitRedemption(ctx context.Context, event AuditEvent)
}

// EventAuditEmitter publishes audit events to the service's topic exchange.
// Emission is best-effort: a failed publish is logged, never surfaced to the
// subscriber.
type EventAuditEmitter struct {
	producer rabbitmq.Publisher
	exchange string
}

func NewEventAuditEmitter(producer rabbitmq.Publisher, exchange string) *EventAuditEmitter {
	return &EventAuditEmitter{producer: producer, exchange: exchange}
}

func (e *EventAuditEmitter) EmitRedemption(ctx context.Context, event AuditEvent) {
	if e == nil || e.producer == nil {
		return
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	routingKey := "audit.redemption." + event.Outcome
	if err := e.producer.Publish(ctx, e.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=audit msg=\"audit event publish failed\" routing_key=%s phone=%s err=%v", routingKey, event.PhoneNumber, err)
	}
}

// Alerter surfaces operational failures that must not be silently swallowed,
// such as a dead-letter enqueue failure.
type Alerter interface {
	Alert(ctx context.Context, message string, err error)
}

// LogAlerter writes alerts to the service log. Production deployments can
// substitute a pager or chat integration behind the same interface.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, message string, err error) {
	log.Printf("level=error component=alert msg=%q err=%v", message, err)
}

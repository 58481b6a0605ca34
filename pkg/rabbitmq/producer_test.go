package rabbitmq

import (
	"context"
	"testing"

	"github.com/rabbitmq/amqp091-go"
)

type declaredQueue struct {
	name    string
	durable bool
}

type queueBinding struct {
	queue      string
	routingKey string
	exchange   string
}

type published struct {
	exchange   string
	routingKey string
	msg        amqp091.Publishing
}

type fakeChannel struct {
	exchanges map[string]string // name -> kind
	queues    []declaredQueue
	bindings  []queueBinding
	publishes []published
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{exchanges: map[string]string{}}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	c.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	c.queues = append(c.queues, declaredQueue{name: name, durable: durable})
	return amqp091.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error {
	c.bindings = append(c.bindings, queueBinding{queue: name, routingKey: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	c.publishes = append(c.publishes, published{exchange: exchange, routingKey: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestDeclareQueueBindsDurableWorkQueue(t *testing.T) {
	ch := newFakeChannel()
	p := &EventProducer{channel: ch}

	if err := p.DeclareQueue("promo.events", "disbursements", "disbursement.requested"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if kind := ch.exchanges["promo.events"]; kind != "topic" {
		t.Errorf("expected a topic exchange, got %q", kind)
	}
	if len(ch.queues) != 1 || ch.queues[0].name != "disbursements" {
		t.Fatalf("expected the disbursements queue declared, got %v", ch.queues)
	}
	if !ch.queues[0].durable {
		t.Error("the work queue must be durable so jobs survive a broker restart")
	}
	if len(ch.bindings) != 1 {
		t.Fatalf("expected one binding, got %v", ch.bindings)
	}
	b := ch.bindings[0]
	if b.queue != "disbursements" || b.routingKey != "disbursement.requested" || b.exchange != "promo.events" {
		t.Errorf("unexpected binding %+v", b)
	}
}

func TestPublishWithAttemptsCarriesHeaderAndPersistence(t *testing.T) {
	ch := newFakeChannel()
	p := &EventProducer{channel: ch}

	body := []byte(`{"redemptionId":42}`)
	if err := p.PublishWithAttempts(context.Background(), "promo.events", "disbursement.requested", body, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ch.publishes) != 1 {
		t.Fatalf("expected one publish, got %d", len(ch.publishes))
	}
	msg := ch.publishes[0].msg
	if msg.DeliveryMode != amqp091.Persistent {
		t.Error("job messages must be persistent")
	}
	if got, ok := msg.Headers[AttemptsHeader].(int32); !ok || got != 2 {
		t.Errorf("expected %s header 2, got %v", AttemptsHeader, msg.Headers[AttemptsHeader])
	}
	if string(msg.Body) != string(body) {
		t.Errorf("republished body must be unchanged")
	}
}

package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryPolicy bounds how often a failed job is redelivered before it is moved
// to the dead-letter queue. Backoff doubles per attempt from BackoffBase.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Backoff returns the delay before the given (1-based) retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// DeadLetterFunc receives the original payload of a job that exhausted its
// retry attempts. Implementations publish it to the DLQ and alert on failure.
type DeadLetterFunc func(ctx context.Context, body []byte)

// Consumer drives a pool of concurrent workers over a durable queue.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// DeclareQueue declares a durable queue bound to the topic exchange. Used for
// both the work queue and the dead-letter queue.
func (c *Consumer) DeclareQueue(exchange, queueName, routingKey string) error {
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	return c.ch.QueueBind(q.Name, routingKey, exchange, false, nil)
}

// ConsumeWithRetry runs `concurrency` workers over the queue. The queue is
// at-least-once: a job observed to fail is republished with an incremented
// attempt header after the policy's backoff, and acked in its original
// delivery. Once attempts reach the policy maximum the payload is handed to
// the dead-letter hook instead.
func (c *Consumer) ConsumeWithRetry(
	ctx context.Context,
	exchange, queueName, routingKey string,
	concurrency int,
	policy RetryPolicy,
	publisher Publisher,
	deadLetter DeadLetterFunc,
	handler func(ctx context.Context, body []byte) error,
) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := c.DeclareQueue(exchange, queueName, routingKey); err != nil {
		return err
	}
	if err := c.ch.Qos(concurrency, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for i := 0; i < concurrency; i++ {
		go func(worker int) {
			for d := range msgs {
				if stop := handleDelivery(ctx, worker, d, exchange, queueName, routingKey, policy, publisher, deadLetter, handler); stop {
					return
				}
			}
		}(i)
	}

	return nil
}

// handleDelivery applies the retry policy to one delivery: ack on success,
// exactly one dead-letter once the attempt budget is spent, otherwise a
// republish with the incremented attempt header after backoff. Returns true
// when the worker should stop because the context was cancelled.
func handleDelivery(
	ctx context.Context,
	worker int,
	d amqp.Delivery,
	exchange, queueName, routingKey string,
	policy RetryPolicy,
	publisher Publisher,
	deadLetter DeadLetterFunc,
	handler func(ctx context.Context, body []byte) error,
) bool {
	attempts := deliveryAttempts(d) + 1
	err := handler(ctx, d.Body)
	if err == nil {
		d.Ack(false)
		return false
	}

	if attempts >= policy.MaxAttempts {
		log.Printf("level=error component=rabbitmq_consumer worker=%d msg=\"job failed permanently; dead-lettering\" queue=%s attempts=%d err=%v", worker, queueName, attempts, err)
		if deadLetter != nil {
			deadLetter(ctx, d.Body)
		}
		d.Ack(false)
		return false
	}

	delay := policy.Backoff(attempts)
	log.Printf("level=warn component=rabbitmq_consumer worker=%d msg=\"job failed; scheduling retry\" queue=%s attempt=%d backoff=%s err=%v", worker, queueName, attempts, delay, err)
	select {
	case <-ctx.Done():
		// Nack back to the queue so another consumer picks it up.
		d.Nack(false, true)
		return true
	case <-time.After(delay):
	}
	if pubErr := publisher.PublishWithAttempts(ctx, exchange, routingKey, d.Body, int32(attempts)); pubErr != nil {
		log.Printf("level=error component=rabbitmq_consumer worker=%d msg=\"retry republish failed; requeueing delivery\" queue=%s err=%v", worker, queueName, pubErr)
		d.Nack(false, true)
		return false
	}
	d.Ack(false)
	return false
}

func deliveryAttempts(d amqp.Delivery) int {
	if d.Headers == nil {
		return 0
	}
	switch v := d.Headers[AttemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

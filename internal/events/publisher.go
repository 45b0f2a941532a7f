// Package events publishes analysis lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

const contentTypeJSON = "application/json"

// Event is the message body published for an analysis snapshot.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Snapshot   models.Snapshot `json:"snapshot"`
}

// RoutingKey returns the topic routing key for an analysis state, e.g. "analysis.succeeded".
func RoutingKey(state models.AnalysisState) string {
	return "analysis." + string(state)
}

// NewEvent wraps snap in an Event with a fresh id.
func NewEvent(snap models.Snapshot) Event {
	occurred := snap.UpdatedAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return Event{
		ID:         uuid.New(),
		Type:       RoutingKey(snap.State),
		JobID:      snap.JobID(),
		OccurredAt: occurred,
		Snapshot:   snap,
	}
}

// Publisher delivers analysis events to subscribers outside the gateway.
type Publisher interface {
	Publish(ctx context.Context, snap models.Snapshot) error
	Close() error
}

// NopPublisher discards events. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.Snapshot) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures an AMQPPublisher.
type Config struct {
	URL            string
	Exchange       string
	PublishRetries int
	RetryDelay     time.Duration
}

// AMQPPublisher publishes events to a durable topic exchange.
type AMQPPublisher struct {
	exchange   string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg Config, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newPublisher(ch, cfg, logger)
	p.conn = conn
	logger.Info("event publisher ready", "exchange", cfg.Exchange)
	return p, nil
}

func newPublisher(ch channel, cfg Config, logger *slog.Logger) *AMQPPublisher {
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &AMQPPublisher{
		exchange:   cfg.Exchange,
		retries:    cfg.PublishRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
		ch:         ch,
	}
}

// Publish sends snap with routing key analysis.<state>, retrying with
// exponential backoff until the retries are spent or ctx is done.
func (p *AMQPPublisher) Publish(ctx context.Context, snap models.Snapshot) error {
	evt := NewEvent(snap)
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID.String(),
		Timestamp:    evt.OccurredAt,
		Type:         evt.Type,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		lastErr = p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, msg)
		if lastErr == nil {
			p.logger.Debug("event published", "job_id", evt.JobID, "type", evt.Type)
			return nil
		}
		if attempt == p.retries {
			break
		}

		delay := p.retryDelay << attempt
		p.logger.Warn("publish failed, retrying", "job_id", evt.JobID, "attempt", attempt+1, "retry_after", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish event: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("publish event after %d attempts: %w", p.retries+1, lastErr)
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Close(); err != nil {
		p.logger.Warn("closing channel", "error", err)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*AMQPPublisher)(nil)
)

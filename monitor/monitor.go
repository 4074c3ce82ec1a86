// Package monitor externalizes terminal token outcomes to a RabbitMQ
// exchange so an out-of-scope replay/animation consumer can reconstruct
// a workflow's execution after the fact (spec.md §1, §3's monitorData).
// Publisher implements orchestrator.MonitorSink; the orchestrator already
// supplies the fire-and-forget retry and the admin-version skip
// (invariant I5), so this package's only job is one best-effort publish.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"tokenflow.evalgo.org/orchestrator"
)

// TokenLifecycleEvent is the wire shape published for every terminal
// outcome - a token's one-shot pass through this place, not its full
// history (which the replay consumer assembles from the event stream).
type TokenLifecycleEvent struct {
	SequenceID    int64     `json:"sequenceId"`
	ServiceName   string    `json:"serviceName"`
	OperationName string    `json:"operationName"`
	Phase         string    `json:"phase"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Config configures the RabbitMQ exchange a Publisher declares and
// publishes to.
type Config struct {
	AMQPURL      string
	ExchangeName string // defaults to "tokenflow.lifecycle"
	RoutingKey   string // defaults to "token.outcome"
}

// DefaultConfig returns the default exchange/routing-key names.
func DefaultConfig() Config {
	return Config{ExchangeName: "tokenflow.lifecycle", RoutingKey: "token.outcome"}
}

// Publisher publishes TokenLifecycleEvent records to a durable fanout
// exchange, mirroring RabbitMQService's connection/channel/declare
// lifecycle from the teacher's queue package, generalized from a single
// durable queue to a durable exchange since more than one animator
// consumer may bind to it.
type Publisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     Config
}

// New connects to config.AMQPURL and declares the configured exchange.
func New(config Config) (*Publisher, error) {
	return NewWithDialer(config, &RealAMQPDialer{})
}

// NewWithDialer is New with an injectable dialer, for testing against a
// mock broker.
func NewWithDialer(config Config, dialer AMQPDialer) (*Publisher, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "tokenflow.lifecycle"
	}
	if config.RoutingKey == "" {
		config.RoutingKey = "token.outcome"
	}

	conn, err := dialer.Dial(config.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("monitor: connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("monitor: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(config.ExchangeName, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("monitor: declare exchange: %w", err)
	}

	return &Publisher{connection: conn, channel: ch, config: config}, nil
}

// RecordOutcome implements orchestrator.MonitorSink: it marshals outcome
// to a TokenLifecycleEvent and publishes it once. The caller (the
// orchestrator's emit helper) owns retry and admin-version filtering.
func (p *Publisher) RecordOutcome(_ context.Context, outcome orchestrator.TokenOutcome) error {
	event := TokenLifecycleEvent{
		SequenceID:    outcome.SequenceID,
		ServiceName:   outcome.ServiceName,
		OperationName: outcome.OperationName,
		Phase:         string(outcome.Phase),
		Reason:        outcome.Reason,
		OccurredAt:    outcome.At,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("monitor: marshal event: %w", err)
	}

	err = p.channel.Publish(
		p.config.ExchangeName,
		p.config.RoutingKey,
		false, false,
		amqp.Publishing{ContentType: "application/json", Body: body},
	)
	if err != nil {
		return fmt.Errorf("monitor: publish event: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		p.connection.Close()
	}
	return nil
}

package monitor

import (
	"fmt"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a test double for AMQPConnection.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error { return m.CloseErr }

// MockAMQPChannel is a test double for AMQPChannel, recording every
// publish so tests can assert on the externalized event body.
type MockAMQPChannel struct {
	ExchangeDeclareErr error
	PublishErr         error
	CloseErr           error

	DeclaredExchange string
	PublishedBodies  [][]byte
	PublishedKeys    []string
}

func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.DeclaredExchange = name
	return m.ExchangeDeclareErr
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedBodies = append(m.PublishedBodies, msg.Body)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

func (m *MockAMQPChannel) Close() error { return m.CloseErr }

// MockAMQPDialer is a test double for AMQPDialer.
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error
	LastURL        string
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockAMQPDialer returns a dialer wired to a fresh mock channel, ready
// to record published events.
func NewMockAMQPDialer() (*MockAMQPDialer, *MockAMQPChannel) {
	ch := &MockAMQPChannel{}
	conn := &MockAMQPConnection{MockChannel: ch}
	return &MockAMQPDialer{MockConnection: conn}, ch
}

// NewMockAMQPDialerWithDialError returns a dialer that always fails to
// connect, for exercising the publisher's construction error path.
func NewMockAMQPDialerWithDialError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{DialErr: fmt.Errorf("mock dial: %w", err)}
}

// Package publisher implements the Publisher: the single shared UDP
// socket through which tokens leave a node. It resolves a logical
// channel to an address and port, serializes and optionally chunks the
// token via codec.Codec, and fans a forked token out to each of its
// children's successor addresses.
package publisher

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"tokenflow.evalgo.org/codec"
	"tokenflow.evalgo.org/common"
	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/ruleengine"
	"tokenflow.evalgo.org/token"
)

// Default port-scheme constants (spec §6).
const (
	TokenListenerPortBase = 10_000
	ChannelPortStep       = 1_000
)

// Config configures a Publisher.
type Config struct {
	SocketTimeout time.Duration
	ChunkDelay    time.Duration
}

// DefaultConfig returns the spec's default publisher settings.
func DefaultConfig() Config {
	return Config{
		SocketTimeout: 5 * time.Second,
		ChunkDelay:    10 * time.Millisecond,
	}
}

// Publisher owns one shared UDP socket, serialized by a mutex so
// concurrent workers never interleave partial writes on the wire.
type Publisher struct {
	cfg      Config
	codec    *codec.Codec
	resolver AddressResolver

	mu   sync.Mutex
	conn *net.UDPConn

	log *common.ContextLogger
}

// New opens the shared outbound socket and returns a ready Publisher.
func New(cfg Config, resolver AddressResolver, c *codec.Codec) (*Publisher, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("publisher: open socket: %w", err)
	}
	return &Publisher{
		cfg:      cfg,
		codec:    c,
		resolver: resolver,
		conn:     conn,
		log:      common.ServiceLogger("publisher", ""),
	}, nil
}

// Close releases the shared socket.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// channelPort computes a channel's token-listener port per spec §6:
// 10_000 + channelIndex*1_000 + basePort.
func channelPort(channelIndex, basePort int) int {
	return TokenListenerPortBase + channelIndex*ChannelPortStep + basePort
}

// Publish sends tok to a single resolved target. If the marshaled
// envelope fits within the codec's configured MaxWireLength it is sent
// as one datagram; otherwise it is chunked and sent as a paced sequence
// of datagrams with ChunkDelay between each. A send that cannot
// complete within SocketTimeout is retried until the deadline, then
// reported as ErrPublishFailed - per spec, a publish failure for one
// child never rolls back its siblings.
func (p *Publisher) Publish(ctx context.Context, tok *token.Envelope, target ruleengine.Target) error {
	ip, basePort, err := p.resolver.Resolve(target.Channel)
	if err != nil {
		return fmt.Errorf("publisher: resolve channel %q: %w", target.Channel, err)
	}
	addr := &net.UDPAddr{IP: ip, Port: channelPort(target.Port, basePort)}

	data, err := p.codec.Marshal(tok)
	if err != nil {
		return fmt.Errorf("publisher: marshal token: %w", err)
	}

	chunks, err := p.codec.Chunk(data, target.Service, target.Operation)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(p.cfg.SocketTimeout)
	if len(chunks) == 1 && chunks[0].TotalChunks == 1 {
		return p.sendWithRetry(ctx, addr, data, deadline)
	}

	for i, chunk := range chunks {
		payload, err := codec.EncodeChunk(chunk)
		if err != nil {
			return fmt.Errorf("publisher: encode chunk: %w", err)
		}
		if err := p.sendWithRetry(ctx, addr, payload, deadline); err != nil {
			return err
		}
		if i < len(chunks)-1 {
			select {
			case <-time.After(p.cfg.ChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// sendWithRetry writes data to addr, retrying on transient error until
// deadline elapses.
func (p *Publisher) sendWithRetry(ctx context.Context, addr *net.UDPAddr, data []byte, deadline time.Time) error {
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.mu.Lock()
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.SocketTimeout))
		_, err := p.conn.WriteToUDP(data, addr)
		p.mu.Unlock()

		if err == nil {
			return nil
		}
		lastErr = err
		p.log.WithError(err).Warn("publish attempt failed, retrying within socket timeout")
	}
	return fmt.Errorf("%w: %v", errs.ErrPublishFailed, lastErr)
}

// PublishFork fans a forked token out to each successor target,
// deriving each child's sequence id as parentID+k for k=1..N (spec §4.11).
// A failure publishing one child is logged and does not prevent the
// remaining children from being attempted - there is no transactional
// rollback across a fan-out (spec §5).
func (p *Publisher) PublishFork(ctx context.Context, parent *token.Envelope, targets []ruleengine.Target) []error {
	var errsOut []error
	for k, target := range targets {
		child := parent.Clone()
		child.SequenceID = token.ForkChildID(parent.SequenceID, k+1)
		child.ServiceName = target.Service
		child.OperationName = target.Operation

		if err := p.Publish(ctx, child, target); err != nil {
			p.log.WithFields(map[string]interface{}{
				"target_service":   target.Service,
				"target_operation": target.Operation,
			}).WithError(err).Error("failed to publish fork child")
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}

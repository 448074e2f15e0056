// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxnsq/pool"
	"github.com/absmach/fluxnsq/protocol"
	"github.com/absmach/fluxnsq/ratelimit"
	"github.com/absmach/fluxnsq/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes messages to a set of brokers. Connections are pooled
// per broker address and brokers are picked round-robin.
type Producer struct {
	mu       sync.Mutex // serializes Start, Shutdown and the pre-start setters
	cfg      *Config
	poolCfg  pool.Config
	disp     *transport.Dispatcher
	logger   *slog.Logger
	addrs    addressSet
	cursor   atomic.Uint64
	instance atomic.Pointer[running]
}

// running holds what Start builds. It is immutable once published.
type running struct {
	cfg      *Config
	pool     *pool.Pool[Address, *Connection]
	disp     *transport.Dispatcher
	ownsDisp bool
	limiter  *ratelimit.Limiter
	metrics  *metrics
	stop     chan struct{}
}

// NewProducer creates a stopped producer. A nil cfg selects NewConfig().
func NewProducer(cfg *Config) (*Producer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer{
		cfg:     cfg,
		poolCfg: pool.DefaultConfig(),
		logger:  cfg.logger(),
	}, nil
}

// SetConfig replaces the config. It is ignored once the producer is started.
func (p *Producer) SetConfig(cfg *Config) *Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance.Load() != nil || cfg == nil {
		return p
	}
	p.cfg = cfg
	p.logger = cfg.logger()
	return p
}

// SetPoolConfig replaces the pool config. It is ignored once the producer is started.
func (p *Producer) SetPoolConfig(cfg pool.Config) *Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance.Load() == nil {
		p.poolCfg = cfg
	}
	return p
}

// SetDispatcher injects a shared dispatcher. The caller keeps ownership and
// must close it. It is ignored once the producer is started.
func (p *Producer) SetDispatcher(d *transport.Dispatcher) *Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance.Load() == nil {
		p.disp = d
	}
	return p
}

// AddAddress adds a broker address.
func (p *Producer) AddAddress(host string, port int) *Producer {
	p.addrs.add(Address{Host: host, Port: port})
	return p
}

// AddAddresses adds broker addresses.
func (p *Producer) AddAddresses(addrs ...Address) *Producer {
	for _, a := range addrs {
		p.addrs.add(a)
	}
	return p
}

// RemoveAddress removes a broker address. Pooled connections to it are
// left to the pool.
func (p *Producer) RemoveAddress(host string, port int) *Producer {
	p.addrs.remove(Address{Host: host, Port: port})
	return p
}

// Addresses returns a snapshot of the broker addresses.
func (p *Producer) Addresses() []Address {
	return p.addrs.snapshot()
}

// IsStarted reports whether the producer accepts publishes.
func (p *Producer) IsStarted() bool {
	return p.instance.Load() != nil
}

// Start builds the dispatcher, pool and limiter. Calling Start on a started
// producer is a no-op.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.instance.Load() != nil {
		return nil
	}
	if err := p.cfg.Validate(); err != nil {
		return err
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}

	r := &running{
		cfg:     p.cfg,
		disp:    p.disp,
		metrics: m,
		stop:    make(chan struct{}),
	}
	if r.disp == nil {
		r.disp = transport.NewDispatcher(p.logger, p.cfg.MaxFrameSize)
		r.ownsDisp = true
	}
	if p.cfg.PublishRate > 0 {
		r.limiter = ratelimit.New(p.cfg.PublishRate, p.cfg.PublishBurst, p.cfg.RatePerTopic, 0)
	}
	r.pool = pool.New[Address, *Connection](newConnectionFactory(p.cfg, r.disp, m), p.poolCfg)

	p.instance.Store(r)
	p.logger.Info("producer started", slog.Int("addresses", len(p.addrs.snapshot())))
	return nil
}

// Shutdown stops accepting publishes, closes the pool and, if the producer
// created it, the dispatcher.
func (p *Producer) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.instance.Swap(nil)
	if r == nil {
		return
	}
	close(r.stop)
	if r.limiter != nil {
		r.limiter.Stop()
	}
	r.pool.Close()
	if r.ownsDisp {
		r.disp.Close()
	}
	p.logger.Info("producer stopped")
}

// Produce publishes body to topic and waits for the broker's acknowledgment.
func (p *Producer) Produce(topic string, body []byte) error {
	return p.publish(topic, protocol.Publish(topic, body), 1, int64(len(body)))
}

// ProduceMulti publishes bodies to topic in one round trip. An empty batch
// is a no-op and a single message is sent as a plain publish.
func (p *Producer) ProduceMulti(topic string, bodies [][]byte) error {
	if p.instance.Load() == nil {
		return ErrNotStarted
	}
	switch len(bodies) {
	case 0:
		return nil
	case 1:
		return p.Produce(topic, bodies[0])
	}

	var size int64
	for _, b := range bodies {
		size += int64(len(b))
	}
	return p.publish(topic, protocol.MultiPublish(topic, bodies), len(bodies), size)
}

func (p *Producer) publish(topic string, cmd *protocol.Command, count int, size int64) (err error) {
	r := p.instance.Load()
	if r == nil {
		return ErrNotStarted
	}

	ctx, span := r.metrics.tracer.Start(context.Background(), "nsq.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nsq"),
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.batch.message_count", count),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.metrics.recordError(ctx, errorType(err))
		}
		span.End()
	}()

	if err := p.throttle(ctx, r, topic); err != nil {
		return err
	}

	start := time.Now()
	c, err := p.connection(ctx, r)
	if err != nil {
		return err
	}
	defer p.release(r, c)
	span.SetAttributes(attribute.String("server.address", c.Address().String()))

	frame, err := c.CommandAndWait(cmd)
	if err != nil {
		return err
	}
	if ef, ok := frame.(*protocol.ErrorFrame); ok {
		return NewProtocolError(ef)
	}

	r.metrics.recordPublished(ctx, topic, count, size, float64(time.Since(start).Microseconds())/1000)
	return nil
}

func (p *Producer) throttle(ctx context.Context, r *running, topic string) error {
	if r.limiter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	if err := r.limiter.Wait(ctx, topic); err != nil {
		return fmt.Errorf("%w: rate limit: %w", ErrTimeout, err)
	}
	return nil
}

// connection borrows a connection from the next address in round-robin
// order. The retry budget is shared across addresses.
func (p *Producer) connection(ctx context.Context, r *running) (*Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.ConnectionRetries; attempt++ {
		addrs := p.addrs.snapshot()
		if len(addrs) == 0 {
			return nil, ErrNoServers
		}
		addr := addrs[(p.cursor.Add(1)-1)%uint64(len(addrs))]

		c, err := r.pool.Borrow(addr)
		if err == nil {
			return c, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, pool.ErrExhausted), errors.Is(err, pool.ErrValidation):
			p.logger.Warn("no usable pooled connection, backing off",
				slog.String("address", addr.String()),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", r.cfg.RetryBackoff),
				slog.Any("error", err))
			r.metrics.recordRetry(ctx, addr, "unavailable")
			if attempt == r.cfg.ConnectionRetries {
				break
			}
			if !sleep(r.cfg.RetryBackoff, r.stop) {
				return nil, fmt.Errorf("%w: producer stopped", ErrNoConnections)
			}
		case errors.Is(err, ErrConnectFailed):
			// Unlike a plain fail-fast borrow, a dead broker moves on to the next address.
			p.logger.Warn("connection failed, trying next address",
				slog.String("address", addr.String()),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			r.metrics.recordRetry(ctx, addr, "connect_failed")
		default:
			return nil, fmt.Errorf("%w: %w", ErrNoConnections, err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrNoConnections, lastErr)
}

func (p *Producer) release(r *running, c *Connection) {
	if c.IsConnected() {
		r.pool.Return(c.Address(), c)
		return
	}
	r.pool.Invalidate(c.Address(), c)
}

// sleep waits for d and reports false if stop closed first.
func sleep(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrBadTopic):
		return "bad_topic"
	case errors.Is(err, ErrBadMessage):
		return "bad_message"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrNoServers):
		return "no_servers"
	case errors.Is(err, ErrNoConnections):
		return "no_connections"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrConnectionClosed):
		return "connection_lost"
	default:
		return "other"
	}
}

// addressSet is an insertion-ordered set of addresses safe for concurrent use.
type addressSet struct {
	mu    sync.RWMutex
	addrs []Address
}

func (s *addressSet) add(a Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.addrs, a) {
		s.addrs = append(s.addrs, a)
	}
}

func (s *addressSet) remove(a Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.addrs, a); i >= 0 {
		s.addrs = slices.Delete(s.addrs, i, i+1)
	}
}

func (s *addressSet) snapshot() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.addrs)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lookup discovers broker addresses through the nsqlookupd HTTP API.
package lookup

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxnsq/client"
	"github.com/sony/gobreaker"
)

// Default values.
const (
	DefaultRequestTimeout   = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second

	maxResponseSize = 1 << 20
)

// Lookup resolves the brokers that carry a topic.
type Lookup interface {
	AddLookupAddress(host string, port int)
	Lookup(ctx context.Context, topic string) []client.Address
}

// Config configures an HTTPLookup.
type Config struct {
	RequestTimeout   time.Duration
	FailureThreshold uint32        // consecutive failures that open an endpoint's breaker
	ResetTimeout     time.Duration // how long an open breaker skips its endpoint
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// DefaultConfig returns the default lookup configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   DefaultRequestTimeout,
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
	}
}

var _ Lookup = (*HTTPLookup)(nil)

// HTTPLookup queries every registered nsqlookupd and merges the answers.
// Each endpoint sits behind its own circuit breaker.
type HTTPLookup struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints []*endpoint
}

type endpoint struct {
	base    string
	breaker *gobreaker.CircuitBreaker
}

type producer struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
}

// lookupResponse accepts both the enveloped shape of older nsqlookupd
// releases and the flat shape of newer ones.
type lookupResponse struct {
	Producers []producer `json:"producers"`
	Data      *struct {
		Producers []producer `json:"producers"`
	} `json:"data"`
}

// New creates an HTTPLookup.
func New(cfg Config) *HTTPLookup {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPLookup{
		cfg:    cfg,
		client: httpClient,
		logger: logger,
	}
}

// AddLookupAddress registers an nsqlookupd HTTP endpoint. A host without a
// scheme is reached over plain http.
func (l *HTTPLookup) AddLookupAddress(host string, port int) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	base := host + ":" + strconv.Itoa(port)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ep := range l.endpoints {
		if ep.base == base {
			return
		}
	}
	l.endpoints = append(l.endpoints, &endpoint{
		base:    base,
		breaker: l.newBreaker(base),
	})
}

// LookupAddresses returns the registered endpoints.
func (l *HTTPLookup) LookupAddresses() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		out = append(out, ep.base)
	}
	return out
}

func (l *HTTPLookup) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := l.cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     l.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			l.logger.Warn("lookup circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Lookup returns the union of the brokers every reachable endpoint reports
// for topic, sorted by host and port. Failing endpoints are skipped; an
// empty result means no endpoint answered or none knows the topic.
func (l *HTTPLookup) Lookup(ctx context.Context, topic string) []client.Address {
	l.mu.RLock()
	endpoints := slices.Clone(l.endpoints)
	l.mu.RUnlock()

	seen := make(map[client.Address]struct{})
	for _, ep := range endpoints {
		res, err := ep.breaker.Execute(func() (interface{}, error) {
			return l.query(ctx, ep.base, topic)
		})
		if isBreakerOpen(err) {
			l.logger.Debug("lookup endpoint skipped, circuit open",
				slog.String("endpoint", ep.base))
			continue
		}
		if err != nil {
			l.logger.Warn("unable to query lookup endpoint",
				slog.String("endpoint", ep.base),
				slog.String("topic", topic),
				slog.Any("error", err))
			continue
		}
		for _, a := range res.([]client.Address) {
			seen[a] = struct{}{}
		}
	}

	if len(seen) == 0 {
		l.logger.Warn("no brokers found for topic",
			slog.String("topic", topic),
			slog.Any("endpoints", l.LookupAddresses()))
		return nil
	}

	out := make([]client.Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b client.Address) int {
		return cmp.Or(cmp.Compare(a.Host, b.Host), cmp.Compare(a.Port, b.Port))
	})
	return out
}

func (l *HTTPLookup) query(ctx context.Context, base, topic string) ([]client.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	u := base + "/lookup?topic=" + url.QueryEscape(topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.nsq; version=1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// An unknown topic is an answer, not an endpoint failure.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lookup returned non-2xx status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var lr lookupResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	producers := lr.Producers
	if lr.Data != nil {
		producers = append(producers, lr.Data.Producers...)
	}

	addrs := make([]client.Address, 0, len(producers))
	for _, p := range producers {
		if p.BroadcastAddress == "" || p.TCPPort <= 0 {
			l.logger.Debug("skipping incomplete producer entry",
				slog.String("endpoint", base),
				slog.String("broadcast_address", p.BroadcastAddress),
				slog.Int("tcp_port", p.TCPPort))
			continue
		}
		addrs = append(addrs, client.Address{Host: p.BroadcastAddress, Port: p.TCPPort})
	}
	return addrs, nil
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

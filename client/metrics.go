// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/fluxnsq/client"

// metrics holds the producer's OpenTelemetry instruments. Without an
// installed provider every instrument is a no-op.
type metrics struct {
	tracer trace.Tracer

	messagesPublished  metric.Int64Counter
	bytesPublished     metric.Int64Counter
	errorsTotal        metric.Int64Counter
	borrowRetries      metric.Int64Counter
	connectionsCurrent metric.Int64UpDownCounter
	publishDuration    metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{
		tracer: otel.Tracer(instrumentationName),
	}

	var err error
	m.messagesPublished, err = meter.Int64Counter(
		"nsq.messages.published.total",
		metric.WithDescription("Total messages acknowledged by brokers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.bytesPublished, err = meter.Int64Counter(
		"nsq.bytes.published.total",
		metric.WithDescription("Total message body bytes acknowledged by brokers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesPublished counter: %w", err)
	}

	m.errorsTotal, err = meter.Int64Counter(
		"nsq.errors.total",
		metric.WithDescription("Total publish errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.borrowRetries, err = meter.Int64Counter(
		"nsq.pool.borrow.retries.total",
		metric.WithDescription("Total retried connection borrows"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create borrowRetries counter: %w", err)
	}

	m.connectionsCurrent, err = meter.Int64UpDownCounter(
		"nsq.connections.current",
		metric.WithDescription("Current number of open broker connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent counter: %w", err)
	}

	m.publishDuration, err = meter.Float64Histogram(
		"nsq.publish.duration.ms",
		metric.WithDescription("Publish round trip duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) recordPublished(ctx context.Context, topic string, count int, size int64, durationMs float64) {
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	m.messagesPublished.Add(ctx, int64(count), attrs)
	m.bytesPublished.Add(ctx, size, attrs)
	m.publishDuration.Record(ctx, durationMs, attrs)
}

func (m *metrics) recordError(ctx context.Context, errorType string) {
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

func (m *metrics) recordRetry(ctx context.Context, addr Address, reason string) {
	m.borrowRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("address", addr.String()),
		attribute.String("reason", reason),
	))
}

func (m *metrics) recordConnectionOpened(addr Address) {
	m.connectionsCurrent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("address", addr.String()),
	))
}

func (m *metrics) recordConnectionClosed(addr Address) {
	m.connectionsCurrent.Add(context.Background(), -1, metric.WithAttributes(
		attribute.String("address", addr.String()),
	))
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxnsq/client"
	"github.com/absmach/fluxnsq/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (p *recordingPublisher) ProduceMulti(topic string, bodies [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	batch := make([]string, len(bodies))
	for i, b := range bodies {
		batch[i] = string(b)
	}
	p.batches = append(p.batches, batch)
	return nil
}

func (p *recordingPublisher) snapshot() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.batches...)
}

func TestPumpBatches(t *testing.T) {
	p := &recordingPublisher{}
	in := strings.NewReader("a\nb\n\nc\nd\ne\n")

	n, err := pump(context.Background(), in, p, pumpOptions{Topic: "events", BatchSize: 2}, discard)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, p.snapshot())
}

func TestPumpPublishError(t *testing.T) {
	p := &recordingPublisher{err: client.ErrNoConnections}

	n, err := pump(context.Background(), strings.NewReader("a\n"), p, pumpOptions{Topic: "events", BatchSize: 1}, discard)
	assert.ErrorIs(t, err, client.ErrNoConnections)
	assert.Equal(t, 0, n)
}

func TestPumpFlushesPartialBatchOnInterval(t *testing.T) {
	p := &recordingPublisher{}
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		n, _ := pump(ctx, r, p, pumpOptions{Topic: "events", BatchSize: 100, FlushInterval: 20 * time.Millisecond}, discard)
		done <- n
	}()

	_, err := w.Write([]byte("one\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.Equal(t, 1, <-done)
}

func TestPumpFlushesOnCancel(t *testing.T) {
	p := &recordingPublisher{}
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		n, _ := pump(ctx, r, p, pumpOptions{Topic: "events", BatchSize: 100}, discard)
		done <- n
	}()

	_, err := w.Write([]byte("one\ntwo\n"))
	require.NoError(t, err)
	// The pipe write returns once the scanner has consumed it; give the
	// loop a moment to append the second line.
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.Equal(t, 2, <-done)
	assert.Equal(t, [][]string{{"one", "two"}}, p.snapshot())
}

func TestPumpAgainstBroker(t *testing.T) {
	nsqd := testutil.NewNSQD(t)

	cfg := client.NewConfig().SetLogger(discard)
	p, err := client.NewProducer(cfg)
	require.NoError(t, err)
	p.AddAddress(nsqd.Host(), nsqd.Port())
	require.NoError(t, p.Start())
	defer p.Shutdown()

	n, err := pump(context.Background(), strings.NewReader("x\ny\nz\n"), p, pumpOptions{Topic: "events", BatchSize: 2}, discard)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][]byte{[]byte("x"), []byte("y"), []byte("z")}, nsqd.Published("events"))
	assert.Equal(t, 1, nsqd.CommandCount("MPUB"))
	assert.Equal(t, 1, nsqd.CommandCount("PUB"))
}

func TestPumpScannerError(t *testing.T) {
	p := &recordingPublisher{}
	long := strings.Repeat("x", maxLineSize+1)

	_, err := pump(context.Background(), strings.NewReader(long), p, pumpOptions{Topic: "events", BatchSize: 1}, discard)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, client.ErrNoConnections))
}

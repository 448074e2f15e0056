// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const maxLineSize = 1 << 20

type publisher interface {
	ProduceMulti(topic string, bodies [][]byte) error
}

type pumpOptions struct {
	Topic         string
	BatchSize     int
	FlushInterval time.Duration
}

// pump publishes every non-empty line of r. Lines are grouped into batches
// of up to BatchSize; a partial batch is flushed after FlushInterval, at end
// of input and when ctx is cancelled.
func pump(ctx context.Context, r io.Reader, p publisher, opts pumpOptions, logger *slog.Logger) (int, error) {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			line := bytes.Clone(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	var published int
	batch := make([][]byte, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.ProduceMulti(opts.Topic, batch); err != nil {
			return fmt.Errorf("publish %d messages: %w", len(batch), err)
		}
		published += len(batch)
		logger.Debug("batch published", slog.String("topic", opts.Topic), slog.Int("size", len(batch)))
		batch = make([][]byte, 0, opts.BatchSize)
		return nil
	}

	var tick <-chan time.Time
	if opts.FlushInterval > 0 {
		ticker := time.NewTicker(opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return published, flush()
		case <-tick:
			if err := flush(); err != nil {
				return published, err
			}
		case line, ok := <-lines:
			if !ok {
				if err := flush(); err != nil {
					return published, err
				}
				return published, <-scanErr
			}
			batch = append(batch, line)
			if len(batch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return published, err
				}
			}
		}
	}
}

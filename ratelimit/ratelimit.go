// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTimeout is how long an unused per-key limiter is kept.
const DefaultIdleTimeout = 5 * time.Minute

// Limiter throttles operations either under one shared budget or under a
// separate budget per key (e.g. per topic).
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	perKey   bool
	idle     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing r operations per second with the given
// burst. With perKey set every key gets its own budget, and budgets unused
// for idleTimeout are dropped.
func New(r float64, burst int, perKey bool, idleTimeout time.Duration) *Limiter {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	l := &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		perKey:   perKey,
		idle:     idleTimeout,
		stopCh:   make(chan struct{}),
	}
	if perKey {
		go l.cleanupLoop()
	}
	return l
}

// Wait blocks until an operation for key is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// Allow reports whether an operation for key may happen now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Len returns the number of live budgets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) get(key string) *rate.Limiter {
	if !l.perKey {
		key = ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale(time.Now().Add(-l.idle))
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanupStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a keyed object pool. Each key owns its own set of
// idle and borrowed objects; objects are created, validated and destroyed
// through a Factory.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Default values.
const (
	DefaultMaxTotalPerKey = 8
	DefaultMaxIdlePerKey  = 8
	DefaultMaxWait        = time.Second
)

var (
	// ErrExhausted is returned when no object became available within MaxWait.
	ErrExhausted = errors.New("pool exhausted")
	// ErrValidation is returned when a freshly created object fails validation.
	ErrValidation = errors.New("unable to validate object")
	// ErrClosed is returned by Borrow after Close.
	ErrClosed = errors.New("pool closed")
)

// Factory manages the lifecycle of pooled objects.
type Factory[K comparable, V any] interface {
	Create(key K) (V, error)
	Validate(key K, v V) bool
	Destroy(key K, v V)
}

// Config bounds the pool.
type Config struct {
	MaxTotalPerKey int           // objects per key, idle plus borrowed (<= 0 means unbounded)
	MaxIdlePerKey  int           // idle objects kept per key
	MaxTotal       int           // objects across all keys (<= 0 means unbounded)
	MaxWait        time.Duration // how long Borrow waits for capacity
	TestOnBorrow   bool
	TestOnReturn   bool
}

// DefaultConfig validates on borrow and never waits longer than DefaultMaxWait.
func DefaultConfig() Config {
	return Config{
		MaxTotalPerKey: DefaultMaxTotalPerKey,
		MaxIdlePerKey:  DefaultMaxIdlePerKey,
		MaxWait:        DefaultMaxWait,
		TestOnBorrow:   true,
	}
}

type idleObject[V any] struct {
	v     V
	since time.Time
}

type subPool[V any] struct {
	idle   []idleObject[V] // oldest first
	active int             // borrowed or being created
}

// Pool is a keyed object pool safe for concurrent use.
type Pool[K comparable, V any] struct {
	factory Factory[K, V]
	cfg     Config

	mu     sync.Mutex
	subs   map[K]*subPool[V]
	total  int
	closed bool
	// closed and replaced whenever capacity is released
	notify chan struct{}
}

// New creates a pool backed by factory.
func New[K comparable, V any](factory Factory[K, V], cfg Config) *Pool[K, V] {
	if cfg.MaxIdlePerKey < 0 {
		cfg.MaxIdlePerKey = 0
	}
	return &Pool[K, V]{
		factory: factory,
		cfg:     cfg,
		subs:    make(map[K]*subPool[V]),
		notify:  make(chan struct{}),
	}
}

// Borrow hands out an idle object for key or creates one. With TestOnBorrow
// set, idle objects failing validation are destroyed and replaced.
func (p *Pool[K, V]) Borrow(key K) (V, error) {
	var zero V
	deadline := time.Now().Add(p.cfg.MaxWait)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}

		sp := p.sub(key)
		if n := len(sp.idle); n > 0 {
			v := sp.idle[n-1].v
			sp.idle = sp.idle[:n-1]
			sp.active++
			p.mu.Unlock()

			if !p.cfg.TestOnBorrow || p.factory.Validate(key, v) {
				return v, nil
			}
			p.Invalidate(key, v)
			continue
		}

		if p.hasCapacity(sp) {
			sp.active++
			p.total++
			p.mu.Unlock()
			return p.create(key)
		}

		// At MaxTotal, an idle object of another key makes room.
		if evictKey, evicted, ok := p.evictOldestIdle(sp); ok {
			sp.active++
			p.total++
			p.mu.Unlock()
			p.factory.Destroy(evictKey, evicted)
			return p.create(key)
		}

		wait := p.notify
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return zero, ErrExhausted
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return zero, ErrExhausted
		}
	}
}

func (p *Pool[K, V]) create(key K) (V, error) {
	var zero V

	v, err := p.factory.Create(key)
	if err != nil {
		p.release(key)
		return zero, err
	}
	if p.cfg.TestOnBorrow && !p.factory.Validate(key, v) {
		p.Invalidate(key, v)
		return zero, fmt.Errorf("%w for key %v", ErrValidation, key)
	}
	return v, nil
}

// Return gives a borrowed object back. Objects beyond MaxIdlePerKey, objects
// failing TestOnReturn, and objects returned after Close are destroyed.
func (p *Pool[K, V]) Return(key K, v V) {
	if p.cfg.TestOnReturn && !p.factory.Validate(key, v) {
		p.Invalidate(key, v)
		return
	}

	p.mu.Lock()
	sp := p.sub(key)
	if sp.active > 0 {
		sp.active--
	}
	if p.closed || len(sp.idle) >= p.cfg.MaxIdlePerKey {
		p.total--
		p.signal()
		p.mu.Unlock()
		p.factory.Destroy(key, v)
		return
	}
	sp.idle = append(sp.idle, idleObject[V]{v: v, since: time.Now()})
	p.signal()
	p.mu.Unlock()
}

// Invalidate destroys a borrowed object instead of returning it.
func (p *Pool[K, V]) Invalidate(key K, v V) {
	p.release(key)
	p.factory.Destroy(key, v)
}

func (p *Pool[K, V]) release(key K) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp := p.sub(key)
	if sp.active > 0 {
		sp.active--
	}
	p.total--
	p.signal()
}

// Close destroys every idle object. Borrowed objects are destroyed when returned.
func (p *Pool[K, V]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	type entry struct {
		key K
		v   V
	}
	var idle []entry
	for key, sp := range p.subs {
		for _, o := range sp.idle {
			idle = append(idle, entry{key, o.v})
		}
		p.total -= len(sp.idle)
		sp.idle = nil
	}
	p.signal()
	p.mu.Unlock()

	for _, e := range idle {
		p.factory.Destroy(e.key, e.v)
	}
}

// NumActive returns the number of objects borrowed for key.
func (p *Pool[K, V]) NumActive(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok := p.subs[key]; ok {
		return sp.active
	}
	return 0
}

// NumIdle returns the number of idle objects for key.
func (p *Pool[K, V]) NumIdle(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok := p.subs[key]; ok {
		return len(sp.idle)
	}
	return 0
}

// NumTotal returns the number of live objects across all keys.
func (p *Pool[K, V]) NumTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// must hold p.mu
func (p *Pool[K, V]) sub(key K) *subPool[V] {
	sp, ok := p.subs[key]
	if !ok {
		sp = &subPool[V]{}
		p.subs[key] = sp
	}
	return sp
}

// must hold p.mu
func (p *Pool[K, V]) hasCapacity(sp *subPool[V]) bool {
	if p.cfg.MaxTotalPerKey > 0 && sp.active+len(sp.idle) >= p.cfg.MaxTotalPerKey {
		return false
	}
	if p.cfg.MaxTotal > 0 && p.total >= p.cfg.MaxTotal {
		return false
	}
	return true
}

// evictOldestIdle removes the longest idle object across all keys when the
// global cap is the only thing keeping sp from growing. The caller destroys
// the returned object outside the lock.
// must hold p.mu
func (p *Pool[K, V]) evictOldestIdle(sp *subPool[V]) (K, V, bool) {
	var (
		zeroK  K
		zeroV  V
		oldest *subPool[V]
		key    K
	)
	if p.cfg.MaxTotal <= 0 || p.total < p.cfg.MaxTotal {
		return zeroK, zeroV, false
	}
	if p.cfg.MaxTotalPerKey > 0 && sp.active+len(sp.idle) >= p.cfg.MaxTotalPerKey {
		return zeroK, zeroV, false
	}
	for k, other := range p.subs {
		if len(other.idle) == 0 {
			continue
		}
		if oldest == nil || other.idle[0].since.Before(oldest.idle[0].since) {
			oldest, key = other, k
		}
	}
	if oldest == nil {
		return zeroK, zeroV, false
	}

	v := oldest.idle[0].v
	oldest.idle = oldest.idle[1:]
	p.total--
	return key, v, true
}

// must hold p.mu
func (p *Pool[K, V]) signal() {
	close(p.notify)
	p.notify = make(chan struct{})
}

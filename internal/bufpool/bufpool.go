// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers commands and frames are encoded into
// before they are written to a socket.
package bufpool

import (
	"bytes"
	"sync"
)

// Pool hands out buffers and keeps only those whose capacity stayed within
// its ceiling, so one large MPUB does not pin memory in the pool.
type Pool struct {
	buffers sync.Pool
	maxCap  int
}

// New creates a pool that drops buffers grown past maxCap bytes. A maxCap
// of 0 or less keeps every buffer.
func New(maxCap int) *Pool {
	return &Pool{
		buffers: sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxCap:  maxCap,
	}
}

// MaxCap returns the pool's capacity ceiling.
func (p *Pool) MaxCap() int {
	return p.maxCap
}

// Get returns an empty buffer with at least size bytes of free capacity.
func (p *Pool) Get(size int) *bytes.Buffer {
	b := p.buffers.Get().(*bytes.Buffer)
	b.Reset()
	if size > 0 {
		b.Grow(size)
	}
	return b
}

// Put returns b to the pool unless it outgrew the ceiling.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || (p.maxCap > 0 && b.Cap() > p.maxCap) {
		return
	}
	p.buffers.Put(b)
}

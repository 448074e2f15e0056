// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct {
	key   string
	id    int64
	alive atomic.Bool
}

type fakeFactory struct {
	nextID    atomic.Int64
	created   atomic.Int64
	destroyed atomic.Int64
	validated atomic.Int64
	createErr error
	// validation result for objects that are still alive
	valid atomic.Bool
}

func newFakeFactory() *fakeFactory {
	f := &fakeFactory{}
	f.valid.Store(true)
	return f
}

func (f *fakeFactory) Create(key string) (*object, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created.Add(1)
	o := &object{key: key, id: f.nextID.Add(1)}
	o.alive.Store(true)
	return o, nil
}

func (f *fakeFactory) Validate(key string, o *object) bool {
	f.validated.Add(1)
	return o.alive.Load() && f.valid.Load()
}

func (f *fakeFactory) Destroy(key string, o *object) {
	f.destroyed.Add(1)
	o.alive.Store(false)
}

func TestBorrowCreatesAndReuses(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *object](f, DefaultConfig())

	o1, err := p.Borrow("a")
	require.NoError(t, err)
	assert.Equal(t, 1, p.NumActive("a"))
	assert.Equal(t, int64(1), f.validated.Load(), "new objects are validated on borrow")

	p.Return("a", o1)
	assert.Equal(t, 0, p.NumActive("a"))
	assert.Equal(t, 1, p.NumIdle("a"))

	o2, err := p.Borrow("a")
	require.NoError(t, err)
	assert.Same(t, o1, o2)
	assert.Equal(t, int64(1), f.created.Load())
}

func TestBorrowKeysAreIndependent(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *object](f, DefaultConfig())

	a, err := p.Borrow("a")
	require.NoError(t, err)
	b, err := p.Borrow("b")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "a", a.key)
	assert.Equal(t, "b", b.key)
	assert.Equal(t, 2, p.NumTotal())
}

func TestBorrowEvictsInvalidIdle(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *object](f, DefaultConfig())

	o1, err := p.Borrow("a")
	require.NoError(t, err)
	p.Return("a", o1)

	o1.alive.Store(false)

	o2, err := p.Borrow("a")
	require.NoError(t, err)
	assert.NotSame(t, o1, o2)
	assert.Equal(t, int64(1), f.destroyed.Load())
	assert.Equal(t, int64(2), f.created.Load())
	assert.Equal(t, 1, p.NumTotal())
}

func TestBorrowNewObjectFailsValidation(t *testing.T) {
	f := newFakeFactory()
	f.valid.Store(false)
	p := New[string, *object](f, DefaultConfig())

	_, err := p.Borrow("a")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int64(1), f.destroyed.Load())
	assert.Equal(t, 0, p.NumTotal())
}

func TestBorrowCreateError(t *testing.T) {
	f := newFakeFactory()
	f.createErr = errors.New("connection refused")
	p := New[string, *object](f, DefaultConfig())

	_, err := p.Borrow("a")
	assert.ErrorIs(t, err, f.createErr)
	assert.Equal(t, 0, p.NumActive("a"))
	assert.Equal(t, 0, p.NumTotal())
}

func TestBorrowExhausted(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxTotalPerKey = 1
	cfg.MaxWait = 20 * time.Millisecond
	p := New[string, *object](f, cfg)

	_, err := p.Borrow("a")
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Borrow("a")
	assert.ErrorIs(t, err, ErrExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// Other keys still have capacity.
	_, err = p.Borrow("b")
	assert.NoError(t, err)
}

func TestBorrowMaxTotal(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxTotal = 1
	cfg.MaxWait = 0
	p := New[string, *object](f, cfg)

	_, err := p.Borrow("a")
	require.NoError(t, err)
	_, err = p.Borrow("b")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestBorrowMaxTotalEvictsIdleOfOtherKey(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxTotal = 1
	cfg.MaxWait = 0
	p := New[string, *object](f, cfg)

	a, err := p.Borrow("a")
	require.NoError(t, err)
	p.Return("a", a)

	b, err := p.Borrow("b")
	require.NoError(t, err)
	assert.Equal(t, "b", b.key)
	assert.False(t, a.alive.Load(), "idle object of key a must be destroyed")
	assert.Equal(t, 0, p.NumIdle("a"))
	assert.Equal(t, 1, p.NumActive("b"))
	assert.Equal(t, 1, p.NumTotal())
}

func TestBorrowMaxTotalEvictsOldestIdle(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxTotal = 2
	cfg.MaxWait = 0
	p := New[string, *object](f, cfg)

	a, err := p.Borrow("a")
	require.NoError(t, err)
	b, err := p.Borrow("b")
	require.NoError(t, err)

	p.Return("a", a)
	time.Sleep(time.Millisecond)
	p.Return("b", b)

	_, err = p.Borrow("c")
	require.NoError(t, err)
	assert.False(t, a.alive.Load())
	assert.True(t, b.alive.Load())
	assert.Equal(t, 1, p.NumIdle("b"))
	assert.Equal(t, 2, p.NumTotal())
}

func TestBorrowMaxTotalWaiterWokenByIdleReturn(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxTotal = 1
	cfg.MaxWait = 2 * time.Second
	p := New[string, *object](f, cfg)

	a, err := p.Borrow("a")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Return("a", a)
	}()

	b, err := p.Borrow("b")
	require.NoError(t, err)
	assert.Equal(t, "b", b.key)
	assert.False(t, a.alive.Load())
}

func TestBorrowWaitsForReturn(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxTotalPerKey = 1
	cfg.MaxWait = 2 * time.Second
	p := New[string, *object](f, cfg)

	o1, err := p.Borrow("a")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Return("a", o1)
	}()

	o2, err := p.Borrow("a")
	require.NoError(t, err)
	assert.Same(t, o1, o2)
}

func TestReturnBeyondMaxIdleDestroys(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxIdlePerKey = 1
	p := New[string, *object](f, cfg)

	o1, _ := p.Borrow("a")
	o2, _ := p.Borrow("a")
	p.Return("a", o1)
	p.Return("a", o2)

	assert.Equal(t, 1, p.NumIdle("a"))
	assert.Equal(t, int64(1), f.destroyed.Load())
	assert.False(t, o2.alive.Load())
}

func TestTestOnReturn(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.TestOnReturn = true
	p := New[string, *object](f, cfg)

	o, err := p.Borrow("a")
	require.NoError(t, err)
	o.alive.Store(false)
	p.Return("a", o)

	assert.Equal(t, 0, p.NumIdle("a"))
	assert.Equal(t, 0, p.NumTotal())
}

func TestInvalidate(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *object](f, DefaultConfig())

	o, err := p.Borrow("a")
	require.NoError(t, err)
	p.Invalidate("a", o)

	assert.Equal(t, 0, p.NumActive("a"))
	assert.Equal(t, 0, p.NumIdle("a"))
	assert.False(t, o.alive.Load())
}

func TestClose(t *testing.T) {
	f := newFakeFactory()
	p := New[string, *object](f, DefaultConfig())

	idle, _ := p.Borrow("a")
	borrowed, _ := p.Borrow("a")
	p.Return("a", idle)

	p.Close()
	assert.False(t, idle.alive.Load())
	assert.True(t, borrowed.alive.Load())

	_, err := p.Borrow("a")
	assert.ErrorIs(t, err, ErrClosed)

	p.Return("a", borrowed)
	assert.False(t, borrowed.alive.Load())
	assert.Equal(t, 0, p.NumTotal())

	p.Close()
}

func TestConcurrentBorrowReturn(t *testing.T) {
	f := newFakeFactory()
	cfg := DefaultConfig()
	cfg.MaxTotalPerKey = 4
	cfg.MaxWait = 5 * time.Second
	p := New[string, *object](f, cfg)

	var inUse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := p.Borrow("a")
			if !assert.NoError(t, err) {
				return
			}
			assert.LessOrEqual(t, inUse.Add(1), int32(4))
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			p.Return("a", o)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.created.Load(), int64(4))
	assert.Equal(t, 0, p.NumActive("a"))
}

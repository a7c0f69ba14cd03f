// Package distlock implements a minimal distributed lock over a key-value
// store with SET-if-absent + TTL semantics.
package distlock

import (
	"context"
	"time"
)

// Store is the slice of broker capability the lock needs.
type Store interface {
	SetIfAbsentTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Lock is a named lock with an expiry safety net. The explicit Release is
// the primary mechanism; the TTL only covers holder crashes.
type Lock struct {
	store Store
	key   string
	value string
	ttl   time.Duration
}

// New creates a lock on key with the given TTL. value identifies the holder
// in diagnostics; the lock itself is keyed, not value-checked.
func New(store Store, key, value string, ttl time.Duration) *Lock {
	return &Lock{store: store, key: key, value: value, ttl: ttl}
}

// TryAcquire attempts to take the lock without blocking. Returns true iff
// this caller now holds it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.store.SetIfAbsentTTL(ctx, l.key, l.value, l.ttl)
}

// Release drops the lock unconditionally.
func (l *Lock) Release(ctx context.Context) error {
	return l.store.Delete(ctx, l.key)
}

// WithLock runs fn while holding the lock. Returns false without running fn
// when the lock is already held elsewhere. Release is attempted even when fn
// returns an error.
func (l *Lock) WithLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := l.TryAcquire(ctx)
	if err != nil || !acquired {
		return false, err
	}
	fnErr := fn(ctx)
	if relErr := l.Release(ctx); relErr != nil && fnErr == nil {
		return true, relErr
	}
	return true, fnErr
}

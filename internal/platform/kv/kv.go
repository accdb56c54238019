// Package kv provides the small key/value surface used for wizard sessions,
// idempotency keys and short-lived locks.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLockNotOwned is returned by Unlock when the key holds another owner's token.
var ErrLockNotOwned = errors.New("lock not owned by caller")

// Store is implemented by MemoryStore and RedisStore. A zero ttl means the key
// does not expire.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// TryLock claims key with a random owner token. It returns false without error
// when another owner holds the lock.
func TryLock(ctx context.Context, s Store, key string, ttl time.Duration) (bool, string, error) {
	token := uuid.NewString()
	ok, err := s.SetNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return false, "", err
	}
	return true, token, nil
}

// Unlock releases key if it is still held by token.
func Unlock(ctx context.Context, s Store, key, token string) error {
	stored, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if stored != token {
		return ErrLockNotOwned
	}
	return s.Delete(ctx, key)
}

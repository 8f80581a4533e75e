package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is exclusive ownership of one key until Release or TTL expiry.
type Lease struct {
	store Store
	key   string
	token []byte
}

// Acquire takes the lease on key for ttl. It returns ErrHeld, wrapped with the
// current holder when readable, if someone else owns it.
func Acquire(ctx context.Context, store Store, key string, ttl time.Duration) (*Lease, error) {
	token := []byte(uuid.NewString())
	ok, err := store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		holder, _ := store.Get(ctx, key)
		return nil, fmt.Errorf("%w: %s (holder %s)", ErrHeld, key, holder)
	}
	return &Lease{store: store, key: key, token: token}, nil
}

func (l *Lease) Key() string { return l.key }

// Release drops the lease if this holder still owns it. Releasing a lease
// that expired and was taken by another worker leaves theirs intact.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if _, err := l.store.CompareAndDelete(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

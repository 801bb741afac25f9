// Package lock provides the per-entity mutation locks used by the control
// plane. A Locker hands out exclusive ownership of a key for the duration of
// one operation; when ownership cannot be obtained within the configured wait
// the caller receives an OPERATION_IN_PROGRESS error and should back off.
package lock

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/R3E-Network/dws/internal/errors"
)

// RollbackBudget bounds each cleanup step a holder runs on a detached context
// after its operation deadline: releasing taken resources, then restoring
// the previous discovery records.
const RollbackBudget = 10 * time.Second

const ttlMargin = 5 * time.Second

// MinTTL is the shortest expiry an expiring lock may use for operations
// bounded by opTimeout. A shorter TTL lets the key lapse while the holder is
// still rolling back.
func MinTTL(opTimeout time.Duration) time.Duration {
	return opTimeout + 2*RollbackBudget + ttlMargin
}

// Release gives up a held key. It is safe to call more than once.
type Release func()

// Locker grants exclusive ownership of a key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Keyed is an in-process Locker. Each key owns a one-slot channel; waiters
// queue on the channel until the wait budget or the context runs out.
type Keyed struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*Keyed)(nil)

// NewKeyed creates a keyed lock. A zero wait fails immediately when the key is held.
func NewKeyed(wait time.Duration) *Keyed {
	if wait < 0 {
		wait = 0
	}
	return &Keyed{wait: wait, slots: make(map[string]*slot)}
}

func (k *Keyed) ref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) unref(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Acquire takes key, waiting up to the configured wait.
func (k *Keyed) Acquire(ctx context.Context, key string) (Release, error) {
	s := k.ref(key)

	select {
	case s.ch <- struct{}{}:
		return k.releaser(key, s), nil
	default:
	}

	if k.wait == 0 {
		k.unref(key, s)
		return nil, apperrors.OperationInProgress(key, nil)
	}

	timer := time.NewTimer(k.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return k.releaser(key, s), nil
	case <-timer.C:
		k.unref(key, s)
		return nil, apperrors.OperationInProgress(key, nil)
	case <-ctx.Done():
		k.unref(key, s)
		return nil, apperrors.OperationInProgress(key, ctx.Err())
	}
}

func (k *Keyed) releaser(key string, s *slot) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.unref(key, s)
		})
	}
}

// Held reports the number of keys currently tracked. Used by tests.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// Package lease provides a best-effort cross-replica lock around a notifier tick.
//
// The delivery ledger is what prevents duplicates; a lease only keeps replicas
// from doing the same work at the same time. Every implementation fails open.
package lease

import (
	"context"
	"sync"
	"time"
)

// Locker acquires a named lease for ttl. When ok is false another holder owns it.
// release is never nil.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool)
}

// Noop always grants the lease.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (func(), bool) { return func() {}, true }

// Local is an in-process Locker with expiry.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local { return &Local{held: map[string]time.Time{}, now: time.Now} }

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return func() {}, false
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func() {
		l.mu.Lock()
		if l.held[key].Equal(exp) {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}, true
}

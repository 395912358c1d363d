package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locator maps a session id to the node that holds its live transport.
// Owners are opaque strings, in practice the base URL of a node.
type Locator interface {
	// Claim records owner as the holder of id. Claiming an id already held by
	// the same owner refreshes it; a different owner gets ErrClaimedElsewhere.
	Claim(ctx context.Context, id, owner string) error
	// Lookup returns the owner of id or ErrSessionNotFound.
	Lookup(ctx context.Context, id string) (string, error)
	// Refresh extends the lease on id.
	Refresh(ctx context.Context, id string) error
	// Release forgets id. Releasing an unknown id is not an error.
	Release(ctx context.Context, id string) error
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLocator is a Locator for single process deployments.
type MemoryLocator struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	leases map[string]lease
}

// NewMemoryLocator creates a MemoryLocator. A ttl of zero never expires leases.
func NewMemoryLocator(ttl time.Duration) *MemoryLocator {
	return &MemoryLocator{
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]lease),
	}
}

func (l *MemoryLocator) expiry() time.Time {
	if l.ttl <= 0 {
		return time.Time{}
	}
	return l.now().Add(l.ttl)
}

// live returns the lease for id, dropping it if expired. Caller holds mu.
func (l *MemoryLocator) live(id string) (lease, bool) {
	ls, ok := l.leases[id]
	if !ok {
		return lease{}, false
	}
	if !ls.expires.IsZero() && !l.now().Before(ls.expires) {
		delete(l.leases, id)
		return lease{}, false
	}
	return ls, true
}

// Claim implements Locator.
func (l *MemoryLocator) Claim(_ context.Context, id, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls, ok := l.live(id); ok && ls.owner != owner {
		return fmt.Errorf("claim %s: %w", id, ErrClaimedElsewhere)
	}
	l.leases[id] = lease{owner: owner, expires: l.expiry()}
	return nil
}

// Lookup implements Locator.
func (l *MemoryLocator) Lookup(_ context.Context, id string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.live(id)
	if !ok {
		return "", ErrSessionNotFound
	}
	return ls.owner, nil
}

// Refresh implements Locator.
func (l *MemoryLocator) Refresh(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls, ok := l.live(id)
	if !ok {
		return ErrSessionNotFound
	}
	ls.expires = l.expiry()
	l.leases[id] = ls
	return nil
}

// Release implements Locator.
func (l *MemoryLocator) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, id)
	return nil
}

// Package lease implements per-request mutual exclusion on Redis. One engine
// worker holds a request's lease while executing it; concurrent workers fail
// fast instead of racing, and the store's versioned save remains the
// correctness backstop if a lease expires mid-step.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/researchflow/common/redis"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held by another worker")

// ErrLost is returned when a renew or release finds the lease no longer ours.
var ErrLost = errors.New("lease no longer held")

// Release and renew compare the stored token so an expired lease taken over
// by another worker is never clobbered.
const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

	renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
)

// Manager acquires and releases request leases.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewManager creates a lease manager with the given TTL.
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	return &Manager{client: client, ttl: ttl}
}

// Lease is one held request lease.
type Lease struct {
	RequestID string
	Token     string

	manager *Manager
}

func leaseKey(requestID string) string {
	return fmt.Sprintf("researchflow:lease:%s", requestID)
}

// Acquire takes the lease for a request or returns ErrHeld without blocking.
func (m *Manager) Acquire(ctx context.Context, requestID string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, leaseKey(requestID), token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring lease for %s: %w", requestID, err)
	}
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrHeld)
	}
	return &Lease{RequestID: requestID, Token: token, manager: m}, nil
}

// Renew extends the lease TTL if we still hold it.
func (l *Lease) Renew(ctx context.Context) error {
	result, err := l.manager.client.Eval(ctx, renewScript,
		[]string{leaseKey(l.RequestID)}, l.Token, l.manager.ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("renewing lease for %s: %w", l.RequestID, err)
	}
	if n, _ := result.(int64); n == 0 {
		return fmt.Errorf("request %s: %w", l.RequestID, ErrLost)
	}
	return nil
}

// Release frees the lease if we still hold it. Releasing a lease that
// expired and moved on is not an error worth failing a step over, so the
// caller typically logs ErrLost and continues.
func (l *Lease) Release(ctx context.Context) error {
	result, err := l.manager.client.Eval(ctx, releaseScript,
		[]string{leaseKey(l.RequestID)}, l.Token)
	if err != nil {
		return fmt.Errorf("releasing lease for %s: %w", l.RequestID, err)
	}
	if n, _ := result.(int64); n == 0 {
		return fmt.Errorf("request %s: %w", l.RequestID, ErrLost)
	}
	return nil
}

// KeepAlive renews the lease on a ticker until ctx is done. It returns when
// ctx ends or the lease is lost.
func (l *Lease) KeepAlive(ctx context.Context) error {
	interval := l.manager.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				return err
			}
		}
	}
}

// Package tokenpool admits outbound upstream calls against a small set of
// rate-limited credentials. Each credential carries its own concurrency
// ceiling; selection is round-robin among credentials with spare capacity,
// with optional affinity for a bot's assigned credential.
package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBusy means every credential was at its ceiling for the whole wait window.
var ErrBusy = errors.New("all credentials at capacity")

// CredentialConfig describes one upstream credential.
type CredentialConfig struct {
	Key           string
	Secret        string
	MaxConcurrent int
}

type credential struct {
	key           string
	secret        string
	maxConcurrent int
	inFlight      int
}

type Pool struct {
	mu     sync.Mutex
	creds  []*credential
	byKey  map[string]*credential
	cursor int

	// Poked (non-blocking) on every release so a bounded-wait Acquire can
	// retry instead of polling.
	released chan struct{}
}

func New(configs []CredentialConfig) (*Pool, error) {
	if len(configs) == 0 {
		return nil, errors.New("no credentials configured")
	}

	p := &Pool{
		byKey:    make(map[string]*credential, len(configs)),
		released: make(chan struct{}, 1),
	}
	for _, cc := range configs {
		if cc.Key == "" || cc.Secret == "" {
			return nil, fmt.Errorf("credential %q: key and secret are required", cc.Key)
		}
		if cc.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("credential %q: max_concurrent must be positive", cc.Key)
		}
		if _, dup := p.byKey[cc.Key]; dup {
			return nil, fmt.Errorf("duplicate credential key %q", cc.Key)
		}
		c := &credential{key: cc.Key, secret: cc.Secret, maxConcurrent: cc.MaxConcurrent}
		p.creds = append(p.creds, c)
		p.byKey[cc.Key] = c
	}
	return p, nil
}

// Acquire selects a credential with spare capacity, preferring preferredKey if
// it is under its ceiling. When the whole pool is saturated it waits up to
// wait for a slot, then fails with ErrBusy. The returned handle must be
// released exactly once.
func (p *Pool) Acquire(ctx context.Context, preferredKey string, wait time.Duration) (*Handle, error) {
	if h := p.tryAcquire(preferredKey); h != nil {
		return h, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-p.released:
			if h := p.tryAcquire(preferredKey); h != nil {
				return h, nil
			}
		case <-timer.C:
			return nil, ErrBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) tryAcquire(preferredKey string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferredKey != "" {
		if c, ok := p.byKey[preferredKey]; ok && c.inFlight < c.maxConcurrent {
			c.inFlight++
			return &Handle{pool: p, cred: c}
		}
	}

	// Round-robin from the persisted cursor so load spreads over time instead
	// of piling onto the first eligible credential.
	n := len(p.creds)
	for i := 0; i < n; i++ {
		c := p.creds[(p.cursor+i)%n]
		if c.inFlight < c.maxConcurrent {
			c.inFlight++
			p.cursor = (p.cursor + i + 1) % n
			return &Handle{pool: p, cred: c}
		}
	}
	return nil
}

func (p *Pool) release(c *credential) {
	p.mu.Lock()
	c.inFlight--
	if c.inFlight < 0 {
		// Counter corruption would mean a release bypassed the handle guard.
		slog.Error("credential in-flight count went negative", "key", c.key)
		c.inFlight = 0
	}
	p.mu.Unlock()

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// InFlight returns the current number of in-flight upstream calls.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.creds {
		total += c.inFlight
	}
	return total
}

// Handle is a one-time-use claim on a credential.
type Handle struct {
	pool     *Pool
	cred     *credential
	released atomic.Bool
}

// Key returns the credential's logical name. Safe to log.
func (h *Handle) Key() string { return h.cred.key }

// Secret returns the credential value for the upstream call. Never log it.
func (h *Handle) Secret() string { return h.cred.secret }

// Release returns the slot to the pool. A second release is a programming
// error; it is reported loudly and otherwise ignored so the counters stay
// correct.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		slog.Error("double release of credential handle", "key", h.cred.key)
		return
	}
	h.pool.release(h.cred)
}

// Package credential rotates a fixed set of API tokens under a per-token
// request quota.
package credential

import (
	"strings"
	"time"
)

// Credential is one API token together with its usage counters.
type Credential struct {
	secret string
	index  int

	RequestCount int
	LastUsedAt   time.Time
	RateLimited  bool
}

// New assembles a credential from its fragments, in order.
func New(fragments ...string) *Credential {
	return &Credential{secret: strings.Join(fragments, "")}
}

// Secret returns the assembled token.
func (c *Credential) Secret() string { return c.secret }

// Index is the credential's position in its pool.
func (c *Credential) Index() int { return c.index }

// String redacts the secret.
func (c *Credential) String() string {
	if len(c.secret) <= 4 {
		return "****"
	}
	return c.secret[:4] + "****"
}

// Pool selects credentials round-robin. It is not safe for concurrent use;
// callers drive it from a single goroutine.
type Pool struct {
	creds    []*Credential
	current  int
	quota    int
	cooldown time.Duration
	now      func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// NewPool creates a pool. quota is the number of requests a credential may
// serve before it is skipped; cooldown is how long a rate-limited credential
// stays out of rotation.
func NewPool(creds []*Credential, quota int, cooldown time.Duration, opts ...Option) *Pool {
	p := &Pool{
		creds:    creds,
		quota:    quota,
		cooldown: cooldown,
		now:      time.Now,
	}
	for i, c := range creds {
		c.index = i
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromSecrets builds a pool from already assembled secrets.
func FromSecrets(secrets []string, quota int, cooldown time.Duration, opts ...Option) *Pool {
	creds := make([]*Credential, 0, len(secrets))
	for _, s := range secrets {
		creds = append(creds, New(s))
	}
	return NewPool(creds, quota, cooldown, opts...)
}

// Len returns the pool size.
func (p *Pool) Len() int { return len(p.creds) }

// Current returns the most recently selected credential.
func (p *Pool) Current() *Credential {
	if len(p.creds) == 0 {
		return nil
	}
	return p.creds[p.current]
}

// Next returns a usable credential. When every credential is limited or over
// quota it returns the first one anyway; the request is then expected to fail
// and penalize it. An empty pool returns nil.
func (p *Pool) Next() *Credential {
	n := len(p.creds)
	if n == 0 {
		return nil
	}

	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.current + i) % n
		c := p.creds[idx]

		if c.RateLimited {
			if now.Sub(c.LastUsedAt) <= p.cooldown {
				continue
			}
			c.RateLimited = false
			c.RequestCount = 0
		}

		if c.RequestCount < p.quota {
			c.RequestCount++
			c.LastUsedAt = now
			p.current = idx
			return c
		}
	}

	return p.creds[0]
}

// Penalize marks c rate-limited. When c is the current credential the
// rotation pointer advances by one. A nil c penalizes the current credential.
func (p *Pool) Penalize(c *Credential) {
	n := len(p.creds)
	if n == 0 {
		return
	}
	if c == nil {
		c = p.creds[p.current]
	}
	c.RateLimited = true
	if c.index == p.current {
		p.current = (p.current + 1) % n
	}
}

// Status is a point-in-time view of one credential.
type Status struct {
	Index        int       `json:"index"`
	Token        string    `json:"token"`
	RequestCount int       `json:"requestCount"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
	RateLimited  bool      `json:"rateLimited"`
	Current      bool      `json:"current"`
}

// Snapshot reports every credential's counters without exposing secrets.
func (p *Pool) Snapshot() []Status {
	out := make([]Status, 0, len(p.creds))
	for i, c := range p.creds {
		out = append(out, Status{
			Index:        i,
			Token:        c.String(),
			RequestCount: c.RequestCount,
			LastUsedAt:   c.LastUsedAt,
			RateLimited:  c.RateLimited,
			Current:      i == p.current,
		})
	}
	return out
}

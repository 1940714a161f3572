package client

import (
	"context"
	"sync"
	"time"
)

// DefaultRecoveryCooldown is how long an unhealthy endpoint sits out
// before it becomes eligible for requests again.
const DefaultRecoveryCooldown = 15 * time.Second

// Endpoint represents an RPC endpoint with health tracking.
type Endpoint struct {
	URL         string
	Healthy     bool
	LastError   error
	LastSuccess time.Time
	LastFailure time.Time
	Latency     time.Duration
}

// Pool defines the interface for an RPC endpoint pool.
type Pool interface {
	// GetEndpoint returns an endpoint for making requests.
	// Returns an error if no endpoints are available.
	GetEndpoint(ctx context.Context) (*Endpoint, error)

	// MarkUnhealthy marks an endpoint as unhealthy after a failed request.
	MarkUnhealthy(url string, err error)

	// MarkHealthy marks an endpoint as healthy after a successful request.
	MarkHealthy(url string, latency time.Duration)

	// HealthyCount returns the number of currently healthy endpoints.
	HealthyCount() int

	// Close releases any resources held by the pool.
	Close() error
}

// StaticPool is a Pool over a fixed set of endpoints with round-robin
// selection. Endpoints marked unhealthy are skipped until their
// recovery cooldown elapses, after which they get traffic again and
// recover on the first successful request.
type StaticPool struct {
	cooldown time.Duration

	mu        sync.Mutex
	endpoints []*Endpoint
	idx       int
	closed    bool
}

// NewStaticPool creates a pool over the given endpoint URLs.
func NewStaticPool(urls []string) *StaticPool {
	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL:     url,
			Healthy: true,
		}
	}
	return &StaticPool{
		cooldown:  DefaultRecoveryCooldown,
		endpoints: endpoints,
	}
}

// SetRecoveryCooldown sets how long unhealthy endpoints are skipped.
// Must be called before the pool is used.
func (p *StaticPool) SetRecoveryCooldown(d time.Duration) {
	p.cooldown = d
}

// GetEndpoint returns the next eligible endpoint using round-robin.
func (p *StaticPool) GetEndpoint(ctx context.Context) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	// Try each endpoint once
	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.idx + i) % len(p.endpoints)
		ep := p.endpoints[idx]
		if ep.Healthy || time.Since(ep.LastFailure) >= p.cooldown {
			p.idx = (idx + 1) % len(p.endpoints)
			return ep, nil
		}
	}

	// All endpoints are cooling down, return the first one anyway
	// (it may have recovered)
	if len(p.endpoints) > 0 {
		return p.endpoints[0], nil
	}

	return nil, ErrNoEndpoints
}

// MarkUnhealthy marks an endpoint as unhealthy.
func (p *StaticPool) MarkUnhealthy(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.Healthy = false
			ep.LastError = err
			ep.LastFailure = time.Now()
			return
		}
	}
}

// MarkHealthy marks an endpoint as healthy.
func (p *StaticPool) MarkHealthy(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.Healthy = true
			ep.LastSuccess = time.Now()
			ep.Latency = latency
			ep.LastError = nil
			return
		}
	}
}

// HealthyCount returns the number of healthy endpoints.
func (p *StaticPool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			count++
		}
	}
	return count
}

// Close marks the pool as closed. Subsequent GetEndpoint calls fail
// with ErrPoolClosed.
func (p *StaticPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

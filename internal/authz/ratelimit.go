package authz

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/nacos-go/registry/pkg/metrics"
)

// RateLimitConfig bounds global and per-namespace request rates.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	NamespaceRPS   float64
	NamespaceBurst int
}

// DefaultRateLimitConfig returns the built-in limits: 1000 rps (burst
// 2000) process-wide and 100 rps (burst 200) per namespace.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:      1000,
		GlobalBurst:    2000,
		NamespaceRPS:   100,
		NamespaceBurst: 200,
	}
}

// RateLimiter is the gate's fairness knob: a global token bucket plus
// one lazily-created bucket per namespace, so a single noisy tenant
// cannot starve the others.
type RateLimiter struct {
	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	global       *rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// NewRateLimiter creates a rate limiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiters:     make(map[string]*rate.Limiter),
		global:       rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		defaultRate:  rate.Limit(cfg.NamespaceRPS),
		defaultBurst: cfg.NamespaceBurst,
	}
}

// Allow reports whether one request for namespaceID may proceed,
// recording a rejection against the rate-limited counter when denied.
func (l *RateLimiter) Allow(namespaceID string) bool {
	if !l.global.Allow() {
		metrics.RateLimitedTotal.WithLabelValues(namespaceID).Inc()
		return false
	}
	if !l.getOrCreate(namespaceID).Allow() {
		metrics.RateLimitedTotal.WithLabelValues(namespaceID).Inc()
		return false
	}
	return true
}

func (l *RateLimiter) getOrCreate(namespaceID string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[namespaceID]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.limiters[namespaceID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[namespaceID] = limiter
	return limiter
}

// SetNamespaceLimit overrides the bucket for one namespace, e.g. from
// admin configuration.
func (l *RateLimiter) SetNamespaceLimit(namespaceID string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[namespaceID] = rate.NewLimiter(rate.Limit(rps), burst)
}

// RemoveNamespace drops a namespace's bucket; the next Allow call
// recreates it from the defaults.
func (l *RateLimiter) RemoveNamespace(namespaceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, namespaceID)
}

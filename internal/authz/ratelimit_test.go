package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{GlobalRPS: 100, GlobalBurst: 100, NamespaceRPS: 2, NamespaceBurst: 2})
	assert.True(t, l.Allow("tenant-a"))
	assert.True(t, l.Allow("tenant-a"))
}

func TestRateLimiterRejectsBeyondNamespaceBurst(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{GlobalRPS: 1000, GlobalBurst: 1000, NamespaceRPS: 1, NamespaceBurst: 1})
	assert.True(t, l.Allow("tenant-a"))
	assert.False(t, l.Allow("tenant-a"), "second immediate request exceeds a burst of 1")
}

func TestRateLimiterNamespacesAreIndependent(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{GlobalRPS: 1000, GlobalBurst: 1000, NamespaceRPS: 1, NamespaceBurst: 1})
	assert.True(t, l.Allow("tenant-a"))
	assert.False(t, l.Allow("tenant-a"))
	assert.True(t, l.Allow("tenant-b"), "a noisy tenant must not exhaust another tenant's bucket")
}

func TestRateLimiterGlobalCapBindsAcrossNamespaces(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1, NamespaceRPS: 1000, NamespaceBurst: 1000})
	assert.True(t, l.Allow("tenant-a"))
	assert.False(t, l.Allow("tenant-b"), "global bucket is exhausted regardless of namespace")
}

func TestRateLimiterSetAndRemoveNamespace(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{GlobalRPS: 1000, GlobalBurst: 1000, NamespaceRPS: 1, NamespaceBurst: 1})
	l.SetNamespaceLimit("tenant-a", 1000, 1000)
	assert.True(t, l.Allow("tenant-a"))
	assert.True(t, l.Allow("tenant-a"), "raised limit should allow back-to-back requests")

	l.RemoveNamespace("tenant-a")
	assert.True(t, l.Allow("tenant-a"), "removed namespace recreates from the configured defaults")
}

package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nacos-go/registry/internal/naming"
)

func TestCheckPermissionUnknownGroupDenied(t *testing.T) {
	g := NewGate(NewGroup("default", naming.DefaultNamespace))
	assert.False(t, g.CheckPermission("nonexistent", naming.DefaultNamespace))
}

func TestCheckPermissionGrantsListedNamespace(t *testing.T) {
	g := NewGate(NewGroup("default", naming.DefaultNamespace, "tenant-a"))
	assert.True(t, g.CheckPermission("default", naming.DefaultNamespace))
	assert.True(t, g.CheckPermission("default", "tenant-a"))
	assert.False(t, g.CheckPermission("default", "tenant-b"))
}

func TestCheckPermissionEmptyNamespaceNormalizesToDefault(t *testing.T) {
	g := NewGate(NewGroup("default", naming.DefaultNamespace))
	assert.True(t, g.CheckPermission("default", ""))
}

func TestCheckPermissionAllowUnspecified(t *testing.T) {
	group := NewGroup("readers")
	group.AllowUnspecified = true
	g := NewGate(group)
	assert.True(t, g.CheckPermission("readers", ""))
	assert.False(t, g.CheckPermission("readers", "tenant-a"), "AllowUnspecified only covers the empty case")
}

func TestCheckPermissionAllowAllNamespaces(t *testing.T) {
	group := NewGroup("admin")
	group.AllowAllNamespaces = true
	g := NewGate(group)
	assert.True(t, g.CheckPermission("admin", "anything"))
}

func TestRequireReturnsSentinelOnDenial(t *testing.T) {
	g := NewGate(NewGroup("default", naming.DefaultNamespace))
	err := g.Require("default", "tenant-z")
	assert.ErrorIs(t, err, naming.ErrNoNamespacePermission)
}

func TestRequireNilOnGrant(t *testing.T) {
	g := NewGate(NewGroup("default", naming.DefaultNamespace))
	assert.NoError(t, g.Require("default", naming.DefaultNamespace))
}

// Package authz implements C7: the privilege gate consulted at every
// naming and config mutation/query entry point.
package authz

import (
	"fmt"

	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/pkg/metrics"
)

// Group is a named privilege group granting access to a set of
// namespaces, plus an optional allowance for requests that carry no
// namespace at all.
type Group struct {
	Name               string
	Namespaces         map[string]struct{}
	AllowAllNamespaces bool
	AllowUnspecified   bool
}

// NewGroup creates a privilege group scoped to the given namespaces.
func NewGroup(name string, namespaces ...string) Group {
	set := make(map[string]struct{}, len(namespaces))
	for _, ns := range namespaces {
		set[ns] = struct{}{}
	}
	return Group{Name: name, Namespaces: set}
}

// Gate is C7: a pure predicate over (group, namespace). It holds no
// mutable state of its own beyond the fixed group roster handed to it
// at construction.
type Gate struct {
	groups map[string]Group
}

// NewGate creates a privilege gate from a fixed roster of groups.
func NewGate(groups ...Group) *Gate {
	m := make(map[string]Group, len(groups))
	for _, g := range groups {
		m[g.Name] = g
	}
	return &Gate{groups: m}
}

// CheckPermission is the pure predicate of spec.md §4.7: does
// groupName grant access to namespaceID. An empty namespaceID is
// normalized to the default namespace before the group's namespace set
// is consulted, unless the group's AllowUnspecified flag is set, in
// which case an empty namespaceID is always granted.
func (g *Gate) CheckPermission(groupName, namespaceID string) bool {
	group, ok := g.groups[groupName]
	if !ok {
		return false
	}
	if namespaceID == "" && group.AllowUnspecified {
		return true
	}
	if group.AllowAllNamespaces {
		return true
	}
	ns := namespaceID
	if ns == "" {
		ns = naming.DefaultNamespace
	}
	_, allowed := group.Namespaces[ns]
	return allowed
}

// Require is CheckPermission wrapped as an error return for use at
// call entry points: a denial returns naming.ErrNoNamespacePermission
// and increments the permission-denied counter, so callers can stop
// without touching C1-C6.
func (g *Gate) Require(groupName, namespaceID string) error {
	if g.CheckPermission(groupName, namespaceID) {
		return nil
	}
	metrics.PermissionDeniedTotal.WithLabelValues(namespaceID).Inc()
	return fmt.Errorf("%w: group %q, namespace %q", naming.ErrNoNamespacePermission, groupName, namespaceID)
}

// Package config implements C6: the bridge between an incoming config
// publish request and the Raft-backed config route.
package config

import (
	"context"
	"fmt"

	"github.com/nacos-go/registry/pkg/metrics"
)

// DefaultTenant substitutes the literal "public" for an empty tenant,
// per spec.md §4.6 / §6.4 glossary "Default tenant".
const DefaultTenant = "public"

// ConfigKey identifies a stored configuration item.
type ConfigKey struct {
	DataID string
	Group  string
	Tenant string
}

// PublishRequest is the normalized shape of an incoming publish call.
type PublishRequest struct {
	RequestID string
	DataID    string
	Group     string
	Tenant    string
	Content   string
	Type      string
	Desc      string
}

// SetConfigReq is submitted through the Raft-backed config route.
type SetConfigReq struct {
	Key     ConfigKey
	Content string
	Type    string
	Desc    string
}

func defaultTenant(tenant string) string {
	if tenant == "" {
		return DefaultTenant
	}
	return tenant
}

// Normalize turns a PublishRequest into the SetConfigReq the Raft
// route expects, substituting the default tenant.
func Normalize(req PublishRequest) SetConfigReq {
	return SetConfigReq{
		Key: ConfigKey{
			DataID: req.DataID,
			Group:  req.Group,
			Tenant: defaultTenant(req.Tenant),
		},
		Content: req.Content,
		Type:    req.Type,
		Desc:    req.Desc,
	}
}

// ConfigRoute submits a SetConfigReq through the Raft-backed config
// store and reports success/failure. Implemented by *internal/raftfsm.Applier;
// kept as an interface here since the Raft log/state machine internals
// are an out-of-scope collaborator per spec.md §1.
type ConfigRoute interface {
	SetConfig(ctx context.Context, req SetConfigReq) error
}

// PublishResponse mirrors the gRPC ConfigPublishResponse/ErrorResponse
// pair of spec.md §6, minus transport framing.
type PublishResponse struct {
	Success   bool
	RequestID string
	Code      int
	Message   string
}

// Bridge is C6. It never writes the config store directly; ordering
// and replication correctness is delegated to route.
type Bridge struct {
	route ConfigRoute
}

// NewBridge creates a config publish bridge over the given Raft route.
func NewBridge(route ConfigRoute) *Bridge {
	return &Bridge{route: route}
}

// Publish normalizes req, submits it through the Raft route, and
// returns a success or 500+message response, preserving RequestID.
func (b *Bridge) Publish(ctx context.Context, req PublishRequest) PublishResponse {
	setReq := Normalize(req)
	if err := b.route.SetConfig(ctx, setReq); err != nil {
		metrics.ConfigPublishTotal.WithLabelValues("error").Inc()
		return PublishResponse{
			Success:   false,
			RequestID: req.RequestID,
			Code:      500,
			Message:   fmt.Sprintf("SYSTEM_ERROR: %v", err),
		}
	}
	metrics.ConfigPublishTotal.WithLabelValues("ok").Inc()
	return PublishResponse{Success: true, RequestID: req.RequestID}
}

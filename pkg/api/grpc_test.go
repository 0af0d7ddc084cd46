package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nacos-go/registry/internal/authz"
	"github.com/nacos-go/registry/internal/cluster"
	"github.com/nacos-go/registry/internal/config"
	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/internal/subscriber"
)

type fakeConfigRoute struct {
	err error
}

func (f *fakeConfigRoute) SetConfig(ctx context.Context, req config.SetConfigReq) error {
	return f.err
}

func newTestGRPCServer(t *testing.T, route config.ConfigRoute) *GRPCServer {
	t.Helper()
	st := naming.NewStore(nil)
	subs := subscriber.NewIndex(nil)
	t.Cleanup(func() {
		st.Close()
		subs.Close()
	})
	router := cluster.NewRouter("node-a", st, subs)
	gate := authz.NewGate(authz.NewGroup("default", naming.DefaultNamespace))
	limiter := authz.NewRateLimiter(authz.DefaultRateLimitConfig())
	bridge := config.NewBridge(route)
	return NewGRPCServer(router, bridge, gate, limiter)
}

func TestHandleSyncMissingClusterIDHeader(t *testing.T) {
	s := newTestGRPCServer(t, &fakeConfigRoute{})
	_, err := s.handleSync(context.Background(), &SyncEnvelope{Payload: cluster.SyncPayload{Kind: cluster.PayloadPing}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHandleSyncMissingSubNameHeader(t *testing.T) {
	s := newTestGRPCServer(t, &fakeConfigRoute{})
	env := &SyncEnvelope{
		Headers: map[string]string{"cluster-id": "node-b"},
		Payload: cluster.SyncPayload{Kind: cluster.PayloadPing},
	}
	_, err := s.handleSync(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHandleSyncAppliesPayload(t *testing.T) {
	s := newTestGRPCServer(t, &fakeConfigRoute{})
	env := &SyncEnvelope{
		Headers: map[string]string{"cluster-id": "node-b", "sub-name": string(cluster.PayloadPing)},
		Payload: cluster.SyncPayload{Kind: cluster.PayloadPing},
	}
	ack, err := s.handleSync(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, ack.Success)
}

func TestHandleSyncRejectsMismatchedSubName(t *testing.T) {
	s := newTestGRPCServer(t, &fakeConfigRoute{})
	env := &SyncEnvelope{
		Headers: map[string]string{"cluster-id": "node-b", "sub-name": string(cluster.PayloadInstanceUpdate)},
		Payload: cluster.SyncPayload{Kind: cluster.PayloadPing},
	}
	ack, err := s.handleSync(context.Background(), env)
	require.NoError(t, err, "a dispatch mismatch is reported via SyncAck, not a transport error")
	assert.False(t, ack.Success)
}

func TestHandlePublishDeniedByGate(t *testing.T) {
	s := newTestGRPCServer(t, &fakeConfigRoute{})
	req := &config.PublishRequest{RequestID: "req-1", DataID: "a.yaml", Group: "DEFAULT_GROUP", Tenant: "unauthorized-tenant"}
	resp, err := s.handlePublish(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 403, resp.Code)
}

func TestHandlePublishSucceeds(t *testing.T) {
	s := newTestGRPCServer(t, &fakeConfigRoute{})
	req := &config.PublishRequest{RequestID: "req-2", DataID: "a.yaml", Group: "DEFAULT_GROUP", Tenant: naming.DefaultNamespace}
	resp, err := s.handlePublish(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-2", resp.RequestID)
}

func TestHandlePublishRouteFailure(t *testing.T) {
	s := newTestGRPCServer(t, &fakeConfigRoute{err: assertErr{}})
	req := &config.PublishRequest{RequestID: "req-3", DataID: "a.yaml", Group: "DEFAULT_GROUP", Tenant: naming.DefaultNamespace}
	resp, err := s.handlePublish(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 500, resp.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated raft apply failure" }

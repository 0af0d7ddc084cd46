// Package api implements the HTTP JSON admin surface and the
// peer-to-peer / config-publish gRPC surface described in spec.md §6.
package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/nacos-go/registry/internal/authz"
	"github.com/nacos-go/registry/internal/cluster"
	"github.com/nacos-go/registry/internal/config"
	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
)

// SyncEnvelope is the inter-peer RPC envelope: `{type, body, headers}`
// of spec.md §6, specialized to carry a cluster.SyncPayload body.
type SyncEnvelope struct {
	Headers map[string]string
	Payload cluster.SyncPayload
}

// SyncAck is the peer's reply to a SyncEnvelope.
type SyncAck struct {
	Success bool
	Message string
}

const (
	peerSyncServiceName = "registry.PeerSync"
	configServiceName   = "registry.ConfigService"
)

// GRPCServer hosts the peer-sync and config-publish gRPC services.
type GRPCServer struct {
	grpc   *grpc.Server
	router *cluster.Router
	bridge *config.Bridge
	gate   *authz.Gate
	limit  *authz.RateLimiter
}

// NewGRPCServer wires router (C5) and bridge (C6) behind a gate (C7)
// and rate limiter. Extra opts are appended after the fixed interceptor
// and codec options — pass grpc.Creds(...) here for mTLS (see
// internal/pki for the CA that issues peer certificates); omitted, the
// server accepts plaintext connections.
func NewGRPCServer(router *cluster.Router, bridge *config.Bridge, gate *authz.Gate, limiter *authz.RateLimiter, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{router: router, bridge: bridge, gate: gate, limit: limiter}
	serverOpts := append([]grpc.ServerOption{grpc.UnaryInterceptor(s.interceptor), grpc.ForceServerCodec(jsonCodec{})}, opts...)
	s.grpc = grpc.NewServer(serverOpts...)
	s.grpc.RegisterService(&peerSyncServiceDesc, s)
	s.grpc.RegisterService(&configServiceDesc, s)
	return s
}

// Start listens on addr and serves until Stop is called.
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	log.WithComponent("grpc-server").Info().Str("addr", addr).Msg("peer/config gRPC listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server.
func (s *GRPCServer) Stop() {
	s.grpc.GracefulStop()
}

func (s *GRPCServer) interceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	timer := metrics.NewTimer()
	resp, err := handler(ctx, req)
	timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, status).Inc()
	return resp, err
}

func (s *GRPCServer) handleSync(ctx context.Context, env *SyncEnvelope) (*SyncAck, error) {
	peerID := env.Headers["cluster-id"]
	if peerID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing cluster-id header")
	}
	subName := env.Headers["sub-name"]
	if subName == "" {
		return nil, status.Error(codes.InvalidArgument, "missing sub-name header")
	}
	if err := s.router.ApplyPeerMutation(ctx, peerID, subName, env.Payload); err != nil {
		return &SyncAck{Success: false, Message: err.Error()}, nil
	}
	return &SyncAck{Success: true}, nil
}

func (s *GRPCServer) handlePublish(ctx context.Context, req *config.PublishRequest) (*config.PublishResponse, error) {
	namespaceID := req.Tenant
	if err := s.gate.Require("default", namespaceID); err != nil {
		resp := config.PublishResponse{Success: false, RequestID: req.RequestID, Code: 403, Message: err.Error()}
		return &resp, nil
	}
	if s.limit != nil && !s.limit.Allow(namespaceID) {
		resp := config.PublishResponse{Success: false, RequestID: req.RequestID, Code: 429, Message: "rate limited"}
		return &resp, nil
	}
	resp := s.bridge.Publish(ctx, *req)
	return &resp, nil
}

var peerSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: peerSyncServiceName,
	HandlerType: (*GRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Sync",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				var env SyncEnvelope
				if err := dec(&env); err != nil {
					return nil, err
				}
				s := srv.(*GRPCServer)
				if interceptor == nil {
					return s.handleSync(ctx, &env)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: peerSyncServiceName + "/Sync"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.handleSync(ctx, req.(*SyncEnvelope))
				}
				return interceptor(ctx, &env, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}

var configServiceDesc = grpc.ServiceDesc{
	ServiceName: configServiceName,
	HandlerType: (*GRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				var req config.PublishRequest
				if err := dec(&req); err != nil {
					return nil, err
				}
				s := srv.(*GRPCServer)
				if interceptor == nil {
					return s.handlePublish(ctx, &req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: configServiceName + "/Publish"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.handlePublish(ctx, req.(*config.PublishRequest))
				}
				return interceptor(ctx, &req, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}

// LoadMTLSConfig builds a *tls.Config for mutual TLS between cluster
// peers from a pre-provisioned cert/key/CA file set (see `registry ca`
// and internal/pki). Used for both the gRPC server and outbound peer
// connections, since nodes dial each other symmetrically.
func LoadMTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load cert/key pair: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// GRPCTransport implements cluster.Transport over a cached set of
// gRPC client connections, one per peer address.
type GRPCTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	creds credentials.TransportCredentials
}

// NewGRPCTransport creates a plaintext transport; connections are
// dialed lazily on first Send to a given address.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn), creds: insecure.NewCredentials()}
}

// NewGRPCTransportTLS creates a transport that dials peers with creds
// (typically a client cert issued by internal/pki's CA) instead of
// plaintext.
func NewGRPCTransportTLS(creds credentials.TransportCredentials) *GRPCTransport {
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn), creds: creds}
}

func (t *GRPCTransport) connFor(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(t.creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.conns[addr] = conn
	return conn, nil
}

// Send implements cluster.Transport.
func (t *GRPCTransport) Send(ctx context.Context, addr string, headers map[string]string, payload cluster.SyncPayload) error {
	conn, err := t.connFor(addr)
	if err != nil {
		return err
	}
	env := &SyncEnvelope{Headers: headers, Payload: payload}
	var ack SyncAck
	err = conn.Invoke(ctx, "/"+peerSyncServiceName+"/Sync", env, &ack, grpc.CallContentSubtype(codecName))
	if err != nil {
		return fmt.Errorf("peer sync rpc: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("peer rejected sync: %s", ack.Message)
	}
	return nil
}

// Close tears down all cached connections.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, addr)
	}
	return firstErr
}

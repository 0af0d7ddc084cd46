// Package cluster implements C4 (the per-peer sync-sender actor) and
// C5 (the naming router that decides local-apply vs forward-to-peer
// and drives the periodic health sweep).
package cluster

import (
	"context"
	"time"

	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
)

// PayloadKind enumerates the SyncSenderRequest variants of spec.md §4.4.
type PayloadKind string

const (
	PayloadPing                  PayloadKind = "Ping"
	PayloadInstanceUpdate        PayloadKind = "InstanceUpdate"
	PayloadInstanceRemove        PayloadKind = "InstanceRemove"
	PayloadSubscribeSnapshot     PayloadKind = "SubscribeSnapshot"
	PayloadServiceMetadataUpdate PayloadKind = "ServiceMetadataUpdate"
	PayloadClusterHealthCheck    PayloadKind = "ClusterHealthCheck"
)

// SyncPayload is the body forwarded to a peer. Exactly one of the
// typed fields is populated, selected by Kind.
type SyncPayload struct {
	Kind PayloadKind

	InstanceUpdate     *InstanceUpdatePayload
	InstanceRemove     *InstanceRemovePayload
	Snapshot           *SubscribeSnapshotPayload
	MetadataUpdate     *ServiceMetadataUpdatePayload
	ClusterHealthCheck *ClusterHealthCheckPayload
}

// SubName returns the header tag the peer uses to dispatch to the
// correct handler, per spec.md §4.4 "Headers".
func (p SyncPayload) SubName() string {
	return string(p.Kind)
}

// InstanceUpdatePayload forwards an UpdateInstance mutation.
type InstanceUpdatePayload struct {
	Key      naming.ServiceKey
	Instance naming.Instance
	Tag      naming.UpdateTag
}

// InstanceRemovePayload forwards a RemoveInstance mutation.
type InstanceRemovePayload struct {
	Key      naming.ServiceKey
	Instance naming.Instance
}

// SubscribeSnapshotPayload carries a periodic reconciliation snapshot
// for one service, used to recover from a dropped mailbox message.
type SubscribeSnapshotPayload struct {
	Key       naming.ServiceKey
	Instances []naming.Instance
}

// ServiceMetadataUpdatePayload forwards a service-level metadata change.
type ServiceMetadataUpdatePayload struct {
	Detail naming.ServiceDetail
}

// ClusterHealthCheckPayload forwards a change to which active-check
// regime (if any) a cluster's instances should be probed with.
type ClusterHealthCheckPayload struct {
	Key         naming.ServiceKey
	ClusterName string
	CheckType   string
}

// Transport performs the actual outbound RPC to a peer. Implemented
// by the gRPC client in pkg/api; kept as an interface here so C4 has
// no transport-layer dependency, matching the "out of scope" framing
// of request encoding in spec.md §1.
type Transport interface {
	// Send delivers payload to addr, carrying the given headers
	// (cluster-id, sub-name). It must respect ctx's deadline.
	Send(ctx context.Context, addr string, headers map[string]string, payload SyncPayload) error
}

// RetryDelay is the fixed delay before the single retry attempt, per
// spec.md §4.4.
const RetryDelay = 100 * time.Millisecond

// DefaultRPCTimeout bounds each individual outbound attempt.
const DefaultRPCTimeout = 3 * time.Second

// SyncSender is C4: one actor per remote peer, forwarding naming
// mutations with at most one retry (never retried for Ping).
type SyncSender struct {
	localNodeID  string
	targetNodeID string
	transport    Transport
	rpcTimeout   time.Duration

	reqCh  chan syncRequest
	addrCh chan string
	done   chan struct{}

	targetAddr string
}

type syncRequest struct {
	payload SyncPayload
	result  chan error
}

// NewSyncSender creates and starts a per-peer actor.
func NewSyncSender(localNodeID, targetNodeID, targetAddr string, transport Transport) *SyncSender {
	s := &SyncSender{
		localNodeID:  localNodeID,
		targetNodeID: targetNodeID,
		transport:    transport,
		rpcTimeout:   DefaultRPCTimeout,
		reqCh:        make(chan syncRequest, 1024),
		addrCh:       make(chan string, 1),
		done:         make(chan struct{}),
		targetAddr:   targetAddr,
	}
	go s.run()
	return s
}

// UpdateTargetAddr reassigns the peer's network address.
func (s *SyncSender) UpdateTargetAddr(addr string) {
	select {
	case s.addrCh <- addr:
	case <-s.done:
	}
}

// Send enqueues payload on this peer's mailbox and blocks until the
// attempt (and its retry, if any) completes. On mailbox overflow,
// non-Ping payloads are dropped: a counter is incremented and
// ErrPeerUnreachable returned. A Ping is never dropped; it waits for
// mailbox space until ctx is done or the sender is stopped.
func (s *SyncSender) Send(ctx context.Context, payload SyncPayload) error {
	req := syncRequest{payload: payload, result: make(chan error, 1)}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	default:
		if payload.Kind != PayloadPing {
			metrics.SyncMailboxDroppedTotal.WithLabelValues(s.targetNodeID).Inc()
			return naming.ErrPeerUnreachable
		}
		select {
		case s.reqCh <- req:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return naming.ErrPeerUnreachable
		}
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts the actor. In-flight messages to a removed peer are
// drained and dropped per spec.md §9 cluster-view-update note.
func (s *SyncSender) Stop() {
	close(s.done)
}

func (s *SyncSender) run() {
	logger := log.WithPeerID(s.targetNodeID)
	for {
		select {
		case addr := <-s.addrCh:
			s.targetAddr = addr
			logger.Info().Str("addr", addr).Msg("sync-sender target address updated")

		case req := <-s.reqCh:
			err := s.attempt(req.payload)
			req.result <- err

		case <-s.done:
			for {
				select {
				case req := <-s.reqCh:
					req.result <- naming.ErrPeerUnreachable
				default:
					logger.Debug().Msg("sync-sender stopped")
					return
				}
			}
		}
	}
}

func (s *SyncSender) attempt(payload SyncPayload) error {
	headers := map[string]string{
		"cluster-id": s.localNodeID,
		"sub-name":   payload.SubName(),
	}

	timer := metrics.NewTimer()
	err := s.sendOnce(payload, headers)
	timer.ObserveDurationVec(metrics.SyncSendDuration, string(payload.Kind))

	if err == nil {
		metrics.SyncSendAttemptsTotal.WithLabelValues(string(payload.Kind), "ok").Inc()
		return nil
	}

	if payload.Kind == PayloadPing {
		// Ping is the failure detector; retrying would mask liveness loss.
		metrics.SyncSendAttemptsTotal.WithLabelValues(string(payload.Kind), "failed").Inc()
		return naming.ErrPeerUnreachable
	}

	metrics.SyncSendAttemptsTotal.WithLabelValues(string(payload.Kind), "failed").Inc()
	metrics.SyncSendRetriesTotal.Inc()
	time.Sleep(RetryDelay)

	timer = metrics.NewTimer()
	err = s.sendOnce(payload, headers)
	timer.ObserveDurationVec(metrics.SyncSendDuration, string(payload.Kind))
	if err != nil {
		metrics.SyncSendAttemptsTotal.WithLabelValues(string(payload.Kind), "retry_failed").Inc()
		return naming.ErrPeerUnreachable
	}
	metrics.SyncSendAttemptsTotal.WithLabelValues(string(payload.Kind), "retry_ok").Inc()
	return nil
}

func (s *SyncSender) sendOnce(payload SyncPayload, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.rpcTimeout)
	defer cancel()
	return s.transport.Send(ctx, s.targetAddr, headers, payload)
}

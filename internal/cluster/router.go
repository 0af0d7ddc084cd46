package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/internal/subscriber"
	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
)

// DefaultSweepInterval is the default period of the health sweep timer.
const DefaultSweepInterval = 5 * time.Second

// Origin describes where a mutation came from, derived from the
// inbound cluster-id header (or its absence for a direct client call).
type Origin struct {
	FromPeer bool
	PeerID   string
}

// LocalOrigin is the zero value: a mutation originating from a client,
// not a peer.
var LocalOrigin = Origin{}

// Router is C5: it decides local-apply vs forward-to-peer for each
// mutation and owns the periodic health-sweep timer.
type Router struct {
	localNodeID string
	store       *naming.Store
	subs        *subscriber.Index

	mu    sync.RWMutex
	peers map[string]*SyncSender

	sweepInterval time.Duration
	stopCh        chan struct{}
	leader        func() bool
}

// NewRouter creates a Router with no leadership probe; SetLeaderFunc
// wires one in for IsLeader. The sweep runs regardless of leadership
// since naming health is a per-node concern, not a Raft-replicated one
// (see spec.md §9 "two replication regimes").
func NewRouter(localNodeID string, store *naming.Store, subs *subscriber.Index) *Router {
	return &Router{
		localNodeID:   localNodeID,
		store:         store,
		subs:          subs,
		peers:         make(map[string]*SyncSender),
		sweepInterval: DefaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// AddPeer spawns (or replaces) the C4 actor for a peer, per the
// cluster-view-update design note.
func (r *Router) AddPeer(peerID, addr string, transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[peerID]; ok {
		existing.UpdateTargetAddr(addr)
		return
	}
	r.peers[peerID] = NewSyncSender(r.localNodeID, peerID, addr, transport)
}

// UpdatePeerAddr delivers UpdateTargetAddr to an existing peer actor.
func (r *Router) UpdatePeerAddr(peerID, addr string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.peers[peerID]; ok {
		s.UpdateTargetAddr(addr)
	}
}

// RemovePeer stops and drops the actor for a removed peer; in-flight
// messages are drained and dropped.
func (r *Router) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.peers[peerID]; ok {
		s.Stop()
		delete(r.peers, peerID)
	}
}

func (r *Router) peerList() []*SyncSender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SyncSender, 0, len(r.peers))
	for _, s := range r.peers {
		out = append(out, s)
	}
	return out
}

// forward enqueues payload on every known peer's mailbox. Individual
// peer failures are logged, never surfaced to the caller, per
// spec.md §4.5 rule 2.
func (r *Router) forward(ctx context.Context, payload SyncPayload) {
	logger := log.WithComponent("naming-router")
	for _, peer := range r.peerList() {
		go func(p *SyncSender) {
			if err := p.Send(ctx, payload); err != nil {
				logger.Warn().Err(err).Msg("peer replication failed")
			}
		}(peer)
	}
}

// UpdateInstance applies the routing rule of spec.md §4.5: validate,
// apply locally, and forward to peers unless this mutation already
// arrived from a peer.
func (r *Router) UpdateInstance(ctx context.Context, origin Origin, key naming.ServiceKey, inst naming.Instance, tag naming.UpdateTag) error {
	if err := inst.CheckValid(); err != nil {
		return err
	}
	if err := r.store.UpdateInstance(ctx, key, inst, tag); err != nil {
		return err
	}
	if err := r.subs.Notify(ctx, key); err != nil {
		log.WithComponent("naming-router").Warn().Err(err).Msg("subscriber notify failed")
	}
	if !origin.FromPeer {
		r.forward(ctx, SyncPayload{
			Kind:           PayloadInstanceUpdate,
			InstanceUpdate: &InstanceUpdatePayload{Key: key, Instance: inst, Tag: tag},
		})
	}
	return nil
}

// RemoveInstance applies the weaker identity-only validation per the
// Open Question resolution in spec.md §9(a).
func (r *Router) RemoveInstance(ctx context.Context, origin Origin, key naming.ServiceKey, inst naming.Instance) error {
	if err := inst.CheckValidIdentity(); err != nil {
		return err
	}
	if err := r.store.RemoveInstance(ctx, key, inst); err != nil {
		return err
	}
	if err := r.subs.Notify(ctx, key); err != nil {
		log.WithComponent("naming-router").Warn().Err(err).Msg("subscriber notify failed")
	}
	if !origin.FromPeer {
		r.forward(ctx, SyncPayload{
			Kind:           PayloadInstanceRemove,
			InstanceRemove: &InstanceRemovePayload{Key: key, Instance: inst},
		})
	}
	return nil
}

// UpdateService applies a service-level metadata change, forwarding
// it as a ServiceMetadataUpdate payload.
func (r *Router) UpdateService(ctx context.Context, origin Origin, detail naming.ServiceDetail) error {
	if err := r.store.UpdateService(ctx, detail); err != nil {
		return err
	}
	if !origin.FromPeer {
		r.forward(ctx, SyncPayload{
			Kind:           PayloadServiceMetadataUpdate,
			MetadataUpdate: &ServiceMetadataUpdatePayload{Detail: detail},
		})
	}
	return nil
}

// SetClusterHealthCheck configures the active health-check regime for
// one cluster and forwards the change to peers, mirroring
// UpdateService's local-apply-then-forward shape.
func (r *Router) SetClusterHealthCheck(ctx context.Context, origin Origin, key naming.ServiceKey, clusterName, checkType string) error {
	if err := r.store.SetClusterHealthCheck(ctx, key, clusterName, checkType); err != nil {
		return err
	}
	if !origin.FromPeer {
		r.forward(ctx, SyncPayload{
			Kind:               PayloadClusterHealthCheck,
			ClusterHealthCheck: &ClusterHealthCheckPayload{Key: key, ClusterName: clusterName, CheckType: checkType},
		})
	}
	return nil
}

// RemoveService removes a service (fails if instances remain) and, on
// success, tells the subscriber index to drop every reference to it.
func (r *Router) RemoveService(ctx context.Context, key naming.ServiceKey) error {
	if err := r.store.RemoveService(ctx, key); err != nil {
		return err
	}
	return r.subs.RemoveKey(ctx, key)
}

// StoreForQuery exposes the underlying C1 store for read-only query
// paths (service/instance listing) that have no routing decision to
// make.
func (r *Router) StoreForQuery() *naming.Store {
	return r.store
}

// ApplyPeerMutation is the inbound counterpart: applies a mutation
// that arrived with a cluster-id header, marking it as peer-origin so
// it is never re-forwarded. subName is the peer's "sub-name" header
// (spec.md §4.4) and is the authority for which handler runs; it must
// agree with the payload's own Kind, or the envelope is rejected as
// inconsistent rather than silently dispatched by body content alone.
func (r *Router) ApplyPeerMutation(ctx context.Context, fromPeerID, subName string, payload SyncPayload) error {
	if PayloadKind(subName) != payload.Kind {
		return fmt.Errorf("%w: sub-name header %q does not match payload kind %q", naming.ErrSystem, subName, payload.Kind)
	}
	origin := Origin{FromPeer: true, PeerID: fromPeerID}
	switch PayloadKind(subName) {
	case PayloadPing:
		return nil
	case PayloadInstanceUpdate:
		p := payload.InstanceUpdate
		return r.UpdateInstance(ctx, origin, p.Key, p.Instance, p.Tag)
	case PayloadInstanceRemove:
		p := payload.InstanceRemove
		return r.RemoveInstance(ctx, origin, p.Key, p.Instance)
	case PayloadServiceMetadataUpdate:
		p := payload.MetadataUpdate
		return r.UpdateService(ctx, origin, p.Detail)
	case PayloadSubscribeSnapshot:
		return r.applySnapshot(ctx, payload.Snapshot)
	case PayloadClusterHealthCheck:
		p := payload.ClusterHealthCheck
		return r.SetClusterHealthCheck(ctx, origin, p.Key, p.ClusterName, p.CheckType)
	default:
		return fmt.Errorf("%w: unknown sub-name %q", naming.ErrSystem, subName)
	}
}

func (r *Router) applySnapshot(ctx context.Context, snap *SubscribeSnapshotPayload) error {
	for _, inst := range snap.Instances {
		tag := naming.UpdateTag{Weight: true, Metadata: true, Enabled: true, Ephemeral: true, FromUpdate: true}
		if err := r.store.UpdateInstance(ctx, snap.Key, inst, tag); err != nil {
			return err
		}
	}
	return r.subs.Notify(ctx, snap.Key)
}

// StartSweep launches the periodic health-sweep timer (default 5s).
func (r *Router) StartSweep() {
	go func() {
		logger := log.WithComponent("naming-router")
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				timer := metrics.NewTimer()
				ctx, cancel := context.WithTimeout(context.Background(), r.sweepInterval)
				changed, err := r.store.SweepHealth(ctx)
				cancel()
				timer.ObserveDuration(metrics.HealthSweepDuration)
				if err != nil {
					logger.Warn().Err(err).Msg("health sweep failed")
					continue
				}
				for _, key := range changed {
					nctx, ncancel := context.WithTimeout(context.Background(), time.Second)
					if err := r.subs.Notify(nctx, key); err != nil {
						logger.Warn().Err(err).Msg("sweep notify failed")
					}
					ncancel()
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// StopSweep halts the periodic timer.
func (r *Router) StopSweep() {
	close(r.stopCh)
}

// IsLeader reports Raft leadership, used only for metrics sampling —
// naming mutations never require leadership (see spec.md §9).
func (r *Router) IsLeader() bool {
	if r.leader == nil {
		return false
	}
	return r.leader()
}

// SetLeaderFunc wires the Raft leadership probe used by IsLeader.
func (r *Router) SetLeaderFunc(f func() bool) {
	r.leader = f
}

// InstanceHealthCounts implements metrics.ClusterView.
func (r *Router) InstanceHealthCounts(ctx context.Context) (healthy, unhealthy int, err error) {
	_, page, err := r.store.QueryServiceInfoPage(ctx, naming.ServiceParam{PageSize: 1 << 30})
	if err != nil {
		return 0, 0, err
	}
	for _, info := range page {
		instances, qerr := r.store.QueryAllInstanceList(ctx, info.Key)
		if qerr != nil {
			continue
		}
		for _, inst := range instances {
			if inst.Healthy {
				healthy++
			} else {
				unhealthy++
			}
		}
	}
	return healthy, unhealthy, nil
}

// ServiceCount implements metrics.ClusterView.
func (r *Router) ServiceCount(ctx context.Context) (int, error) {
	total, _, err := r.store.QueryServiceInfoPage(ctx, naming.ServiceParam{PageSize: 1})
	return total, err
}

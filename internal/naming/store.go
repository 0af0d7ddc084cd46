package naming

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
	"github.com/nacos-go/registry/pkg/store"
)

// Defaults for the health sweep, per spec.md §4.1.
const (
	DefaultUnhealthyThresholdMS = 15000
	DefaultEvictionThresholdMS  = 30000
	defaultMailboxSize          = 1024
)

// ChangeListener is invoked by the store whenever a ServiceKey's
// instance set changes (register, deregister, health transition). It
// is passed to NewStore and feeds C2 (the subscriber index).
type ChangeListener func(ServiceKey)

// Store is the single-actor owner of the namespace tree (C1). All
// mutation and query operations are mailbox requests processed one at
// a time by a single goroutine, giving per-key FIFO ordering without
// locks.
type Store struct {
	reqCh     chan storeRequest
	done      chan struct{}
	onChange  ChangeListener
	unhealthy int64 // atomic, ms
	eviction  int64 // atomic, ms

	// namespaces is only ever touched from the run loop goroutine.
	namespaces map[string]map[string]map[string]*Service // ns -> group -> name -> service

	// persist, when set via SetPersistence, mirrors every non-ephemeral
	// instance mutation to disk so it survives a restart (spec.md §3).
	// Only ever touched from the run loop goroutine.
	persist *store.Store

	droppedMailbox uint64 // atomic counter, overflow drops
}

type storeRequest struct {
	apply func(*Store)
	done  chan struct{}
}

// NewStore creates a Store and starts its run loop. Call Close to stop it.
func NewStore(onChange ChangeListener) *Store {
	s := &Store{
		reqCh:      make(chan storeRequest, defaultMailboxSize),
		done:       make(chan struct{}),
		onChange:   onChange,
		unhealthy:  DefaultUnhealthyThresholdMS,
		eviction:   DefaultEvictionThresholdMS,
		namespaces: make(map[string]map[string]map[string]*Service),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	logger := log.WithComponent("naming-store")
	for req := range s.reqCh {
		req.apply(s)
		close(req.done)
	}
	logger.Debug().Msg("store actor stopped")
	close(s.done)
}

// Close stops the actor's run loop. In-flight requests already
// enqueued complete before the loop exits.
func (s *Store) Close() {
	close(s.reqCh)
	<-s.done
}

// submit enqueues apply to run on the actor goroutine and blocks until
// it completes (FIFO, single request in flight per call site; multiple
// concurrent callers interleave at mailbox granularity).
func (s *Store) submit(ctx context.Context, apply func(*Store)) error {
	req := storeRequest{apply: apply, done: make(chan struct{})}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) namespace(nsID string, create bool) map[string]map[string]*Service {
	if nsID == "" {
		nsID = DefaultNamespace
	}
	ns, ok := s.namespaces[nsID]
	if !ok {
		if !create {
			return nil
		}
		ns = make(map[string]map[string]*Service)
		s.namespaces[nsID] = ns
	}
	return ns
}

func (s *Store) service(key ServiceKey, create bool) *Service {
	ns := s.namespace(key.NamespaceID, create)
	if ns == nil {
		return nil
	}
	group, ok := ns[key.GroupName]
	if !ok {
		if !create {
			return nil
		}
		group = make(map[string]*Service)
		ns[key.GroupName] = group
	}
	svc, ok := group[key.ServiceName]
	if !ok {
		if !create {
			return nil
		}
		svc = newService(key.GroupName, key.ServiceName)
		group[key.ServiceName] = svc
	}
	return svc
}

func (s *Store) notify(key ServiceKey) {
	if s.onChange != nil {
		s.onChange(key)
	}
}

// SetClusterHealthCheck configures (or clears, with checkType "") the
// active health-check regime for one cluster, creating the service and
// cluster if absent. Read by the active-check reconciliation loop in
// cmd/registry to decide which instances internal/healthcheck.Runner
// should probe.
func (s *Store) SetClusterHealthCheck(ctx context.Context, key ServiceKey, clusterName, checkType string) error {
	return s.submit(ctx, func(st *Store) {
		svc := st.service(key, true)
		c, ok := svc.Clusters[clusterName]
		if !ok {
			c = newCluster(clusterName)
			svc.Clusters[clusterName] = c
		}
		c.HealthyCheckType = checkType
	})
}

// ListActiveCheckTargets returns one ActiveCheckTarget per instance in
// every cluster, across every namespace, whose HealthyCheckType opts
// into active probing.
func (s *Store) ListActiveCheckTargets(ctx context.Context) ([]ActiveCheckTarget, error) {
	var out []ActiveCheckTarget
	err := s.submit(ctx, func(st *Store) {
		for nsID, groups := range st.namespaces {
			for group, services := range groups {
				for name, svc := range services {
					for clusterName, c := range svc.Clusters {
						switch c.HealthyCheckType {
						case ClusterHealthCheckTypeHTTP, ClusterHealthCheckTypeTCP:
						default:
							continue
						}
						key := NewServiceKey(nsID, group, name)
						for _, inst := range c.Instances {
							out = append(out, ActiveCheckTarget{
								Key:         key,
								ClusterName: clusterName,
								CheckType:   c.HealthyCheckType,
								Instance:    *inst,
							})
						}
					}
				}
			}
		}
	})
	return out, err
}

// UpdateService creates the service if absent and merges service-level
// metadata. Never touches instances.
func (s *Store) UpdateService(ctx context.Context, detail ServiceDetail) error {
	return s.submit(ctx, func(st *Store) {
		svc := st.service(detail.Key, true)
		svc.ProtectThreshold = detail.ProtectThreshold
		if detail.Metadata != nil {
			svc.Metadata = detail.Metadata
		}
		if detail.Selector != nil {
			svc.Selector = detail.Selector
		}
	})
}

// RemoveService deletes a service if, and only if, it has zero
// instances left.
func (s *Store) RemoveService(ctx context.Context, key ServiceKey) error {
	var outErr error
	err := s.submit(ctx, func(st *Store) {
		svc := st.service(key, false)
		if svc == nil {
			outErr = fmt.Errorf("%w: service %s", ErrNotFound, key)
			return
		}
		if svc.instanceCount() > 0 {
			outErr = fmt.Errorf("%w: service %s", ErrServiceHasInstances, key)
			return
		}
		ns := st.namespace(key.NamespaceID, false)
		delete(ns[key.GroupName], key.ServiceName)
		if len(ns[key.GroupName]) == 0 {
			delete(ns, key.GroupName)
		}
	})
	if err != nil {
		return err
	}
	return outErr
}

// UpdateInstance upserts an instance. Creation uses the given values,
// except that Enabled defaults to true unless tag.Enabled is set and
// Healthy defaults to true unless tag.FromUpdate is set; updates honor
// only the fields flagged in tag. The service
// and cluster are created lazily. Always refreshes the heartbeat
// timestamp and emits a change notification.
func (s *Store) UpdateInstance(ctx context.Context, key ServiceKey, inst Instance, tag UpdateTag) error {
	return s.submit(ctx, func(st *Store) {
		svc := st.service(key, true)
		cluster, ok := svc.Clusters[inst.ClusterName]
		if !ok {
			cluster = newCluster(inst.ClusterName)
			svc.Clusters[inst.ClusterName] = cluster
		}

		id := inst.ID()
		existing, exists := cluster.Instances[id]
		merged := inst
		if exists {
			merged = *existing
			if tag.Weight {
				merged.Weight = inst.Weight
			}
			if tag.Metadata {
				merged.Metadata = inst.Metadata
			}
			if tag.Enabled {
				merged.Enabled = inst.Enabled
			}
			if tag.Ephemeral {
				merged.Ephemeral = inst.Ephemeral
			}
			if tag.FromUpdate {
				merged.Healthy = inst.Healthy
			}
			merged.IP = inst.IP
			merged.Port = inst.Port
			merged.ClusterName = inst.ClusterName
			merged.ServiceName = inst.ServiceName
			if inst.HeartBeatIntervalMS != 0 {
				merged.HeartBeatIntervalMS = inst.HeartBeatIntervalMS
			}
			if inst.HeartBeatTimeoutMS != 0 {
				merged.HeartBeatTimeoutMS = inst.HeartBeatTimeoutMS
			}
		} else {
			if !merged.Enabled && !tag.Enabled {
				merged.Enabled = true
			}
			if !merged.Healthy && !tag.FromUpdate {
				merged.Healthy = true
			}
		}
		merged.LastHeartbeatMS = nowMS()
		cluster.Instances[id] = &merged

		if st.persist != nil {
			var persistErr error
			if merged.Ephemeral {
				// A flip to ephemeral drops any record a prior non-ephemeral
				// registration may have left behind.
				persistErr = st.persist.DeleteInstance(key.NamespaceID, key.GroupName, key.ServiceName, merged.ID())
			} else {
				persistErr = st.persist.PutInstance(persistenceRecord(key, merged))
			}
			if persistErr != nil {
				log.WithComponent("naming-store").Warn().Err(persistErr).Str("service", key.String()).Msg("persist instance failed")
			}
		}

		st.notify(key)
	})
}

// RemoveInstance removes an instance by its derived id. No-op if absent.
func (s *Store) RemoveInstance(ctx context.Context, key ServiceKey, inst Instance) error {
	return s.submit(ctx, func(st *Store) {
		svc := st.service(key, false)
		if svc == nil {
			return
		}
		cluster, ok := svc.Clusters[inst.ClusterName]
		if !ok {
			return
		}
		id := inst.ID()
		if _, exists := cluster.Instances[id]; !exists {
			return
		}
		delete(cluster.Instances, id)

		if st.persist != nil {
			if err := st.persist.DeleteInstance(key.NamespaceID, key.GroupName, key.ServiceName, id); err != nil {
				log.WithComponent("naming-store").Warn().Err(err).Str("service", key.String()).Msg("unpersist instance failed")
			}
		}

		st.notify(key)
	})
}

// Query returns the stored instance matching the derived id of inst.
func (s *Store) Query(ctx context.Context, key ServiceKey, inst Instance) (*Instance, error) {
	var result *Instance
	var outErr error
	err := s.submit(ctx, func(st *Store) {
		svc := st.service(key, false)
		if svc == nil {
			outErr = fmt.Errorf("%w: service %s", ErrNotFound, key)
			return
		}
		cluster, ok := svc.Clusters[inst.ClusterName]
		if !ok {
			outErr = fmt.Errorf("%w: cluster %s", ErrNotFound, inst.ClusterName)
			return
		}
		found, ok := cluster.Instances[inst.ID()]
		if !ok {
			outErr = fmt.Errorf("%w: instance %s", ErrNotFound, inst.ID())
			return
		}
		cp := *found
		result = &cp
	})
	if err != nil {
		return nil, err
	}
	return result, outErr
}

// QueryAllInstanceList returns every instance across all clusters of
// the service. When the service's healthy fraction has fallen below
// its protect threshold, this still returns every instance regardless
// of health (protect-threshold behavior is applied by the caller via
// QueryHealthyAware below, since "protect engaged" always means "return
// everything").
func (s *Store) QueryAllInstanceList(ctx context.Context, key ServiceKey) ([]*Instance, error) {
	var result []*Instance
	var outErr error
	err := s.submit(ctx, func(st *Store) {
		svc := st.service(key, false)
		if svc == nil {
			outErr = fmt.Errorf("%w: service %s", ErrNotFound, key)
			return
		}
		for _, inst := range svc.allInstances() {
			cp := *inst
			result = append(result, &cp)
		}
	})
	return result, firstErr(err, outErr)
}

// QueryHealthyAware returns the instance list honoring the service's
// protect threshold: all instances when the healthy fraction has
// dropped below protect_threshold, healthy-only instances otherwise.
func (s *Store) QueryHealthyAware(ctx context.Context, key ServiceKey) (instances []*Instance, protectEngaged bool, err error) {
	var outErr error
	submitErr := s.submit(ctx, func(st *Store) {
		svc := st.service(key, false)
		if svc == nil {
			outErr = fmt.Errorf("%w: service %s", ErrNotFound, key)
			return
		}
		frac := svc.healthyFraction()
		if frac < svc.ProtectThreshold {
			protectEngaged = true
			for _, inst := range svc.allInstances() {
				cp := *inst
				instances = append(instances, &cp)
			}
			return
		}
		for _, inst := range svc.allInstances() {
			if inst.Healthy && inst.Enabled {
				cp := *inst
				instances = append(instances, &cp)
			}
		}
	})
	return instances, protectEngaged, firstErr(submitErr, outErr)
}

// QueryServiceInfoPage lists services filtered by namespace, group
// prefix, and service substring, paginated.
func (s *Store) QueryServiceInfoPage(ctx context.Context, p ServiceParam) (total int, page []ServiceInfo, err error) {
	submitErr := s.submit(ctx, func(st *Store) {
		nsID := p.NamespaceID
		if nsID == "" {
			nsID = DefaultNamespace
		}
		ns := st.namespace(nsID, false)
		if ns == nil {
			return
		}
		var matches []ServiceInfo
		for group, services := range ns {
			if p.GroupNamePrefix != "" && !strings.HasPrefix(group, p.GroupNamePrefix) {
				continue
			}
			for name, svc := range services {
				if p.ServiceNameSubstr != "" && !strings.Contains(name, p.ServiceNameSubstr) {
					continue
				}
				matches = append(matches, ServiceInfo{
					Key:              NewServiceKey(nsID, group, name),
					ProtectThreshold: svc.ProtectThreshold,
					ClusterCount:     len(svc.Clusters),
					InstanceCount:    svc.instanceCount(),
				})
			}
		}
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Key.GroupName != matches[j].Key.GroupName {
				return matches[i].Key.GroupName < matches[j].Key.GroupName
			}
			return matches[i].Key.ServiceName < matches[j].Key.ServiceName
		})
		total = len(matches)

		pageNo := p.PageNo
		if pageNo < 1 {
			pageNo = 1
		}
		pageSize := p.PageSize
		if pageSize < 1 {
			pageSize = 20
		}
		start := (pageNo - 1) * pageSize
		if start >= len(matches) {
			return
		}
		end := start + pageSize
		if end > len(matches) {
			end = len(matches)
		}
		page = matches[start:end]
	})
	return total, page, submitErr
}

// SetHealthThresholds overrides the process-wide unhealthy/eviction
// windows (used by server configuration, defaults otherwise apply).
func (s *Store) SetHealthThresholds(unhealthyMS, evictionMS int64) {
	atomic.StoreInt64(&s.unhealthy, unhealthyMS)
	atomic.StoreInt64(&s.eviction, evictionMS)
}

// SetPersistence wires a bbolt-backed store that non-ephemeral instance
// registrations and removals are mirrored to, so they survive a process
// restart (spec.md §3). Call once during startup, before LoadPersistentSnapshot.
func (s *Store) SetPersistence(ctx context.Context, p *store.Store) error {
	return s.submit(ctx, func(st *Store) {
		st.persist = p
	})
}

// LoadPersistentSnapshot seeds the store with every non-ephemeral
// instance record loaded from the persistence layer, restoring C1's
// non-ephemeral state after a restart without touching the persistence
// layer itself (the records already live there).
func (s *Store) LoadPersistentSnapshot(ctx context.Context, records []store.InstanceRecord) error {
	return s.submit(ctx, func(st *Store) {
		for _, rec := range records {
			key := NewServiceKey(rec.NamespaceID, rec.GroupName, rec.ServiceName)
			svc := st.service(key, true)
			cluster, ok := svc.Clusters[rec.ClusterName]
			if !ok {
				cluster = newCluster(rec.ClusterName)
				svc.Clusters[rec.ClusterName] = cluster
			}
			inst := &Instance{
				IP:          rec.IP,
				Port:        rec.Port,
				ClusterName: rec.ClusterName,
				ServiceName: rec.ServiceName,
				Weight:      rec.Weight,
				Healthy:     true,
				Enabled:     rec.Enabled,
				Ephemeral:   false,
				Metadata:    rec.Metadata,
			}
			cluster.Instances[inst.ID()] = inst
		}
	})
}

// persistenceRecord builds the InstanceRecord a non-ephemeral instance
// mutation mirrors to disk.
func persistenceRecord(key ServiceKey, inst Instance) store.InstanceRecord {
	return store.InstanceRecord{
		NamespaceID: key.NamespaceID,
		GroupName:   key.GroupName,
		ServiceName: key.ServiceName,
		InstanceID:  inst.ID(),
		IP:          inst.IP,
		Port:        inst.Port,
		ClusterName: inst.ClusterName,
		Weight:      inst.Weight,
		Enabled:     inst.Enabled,
		Metadata:    inst.Metadata,
	}
}

// SweepHealth marks instances unhealthy past the staleness window and
// evicts ephemeral instances past the eviction window. Driven by C5's
// periodic timer. Returns the ServiceKeys whose instance sets changed
// so the caller can be sure every change already triggered onChange
// (SweepHealth emits directly; the return value is informational).
func (s *Store) SweepHealth(ctx context.Context) ([]ServiceKey, error) {
	var changed []ServiceKey
	unhealthyMS := atomic.LoadInt64(&s.unhealthy)
	evictionMS := atomic.LoadInt64(&s.eviction)
	err := s.submit(ctx, func(st *Store) {
		now := nowMS()
		for nsID, groups := range st.namespaces {
			for groupName, services := range groups {
				for svcName, svc := range services {
					key := NewServiceKey(nsID, groupName, svcName)
					svcChanged := false
					for _, cluster := range svc.Clusters {
						unhealthyThr := unhealthyMS
						evictionThr := evictionMS
						var toEvict []string
						for id, inst := range cluster.Instances {
							instUnhealthy := unhealthyThr
							instEviction := evictionThr
							if inst.HeartBeatTimeoutMS != 0 {
								instEviction = inst.HeartBeatTimeoutMS
							}
							if inst.HeartBeatIntervalMS != 0 && inst.HeartBeatIntervalMS*3 > instUnhealthy {
								instUnhealthy = inst.HeartBeatIntervalMS * 3
							}
							age := now - inst.LastHeartbeatMS
							if inst.Ephemeral && age > instEviction {
								toEvict = append(toEvict, id)
								svcChanged = true
								continue
							}
							if age > instUnhealthy && inst.Healthy {
								inst.Healthy = false
								svcChanged = true
							}
						}
						for _, id := range toEvict {
							delete(cluster.Instances, id)
						}
					}
					if svcChanged {
						changed = append(changed, key)
						st.notify(key)
					}
				}
			}
		}
	})
	metrics.HealthSweepChangedServices.Add(float64(len(changed)))
	return changed, err
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

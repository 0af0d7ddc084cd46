package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/pkg/log"
)

// Target names one instance to actively probe and how.
type Target struct {
	Key      naming.ServiceKey
	Instance naming.Instance // identity fields only: IP, Port, ClusterName, ServiceName
	Checker  Checker
	Config   Config
}

type tracked struct {
	target Target
	status *Status
	cancel context.CancelFunc
}

// Runner drives active health checks for a set of registered targets,
// feeding results back into the naming store as FromUpdate instance
// updates — a check regime independent of the client heartbeat path.
type Runner struct {
	store *naming.Store

	mu       sync.Mutex
	tracked  map[string]*tracked
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRunner creates a Runner reporting results into store.
func NewRunner(store *naming.Store) *Runner {
	return &Runner{
		store:   store,
		tracked: make(map[string]*tracked),
		stopCh:  make(chan struct{}),
	}
}

// AddTarget starts probing target under id, replacing any prior target
// registered under the same id.
func (r *Runner) AddTarget(id string, target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tracked[id]; ok {
		existing.cancel()
	}
	if target.Config.Interval == 0 {
		target.Config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tracked{target: target, status: NewStatus(), cancel: cancel}
	r.tracked[id] = t
	go r.loop(ctx, id, t)
}

// TargetIDs returns the ids currently being probed, for callers that
// reconcile the tracked set against an external source of truth (see
// cmd/registry's Cluster.HealthyCheckType reconciliation loop).
func (r *Runner) TargetIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	return ids
}

// RemoveTarget stops probing the target registered under id.
func (r *Runner) RemoveTarget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tracked[id]; ok {
		existing.cancel()
		delete(r.tracked, id)
	}
}

// Stop halts every in-flight probe loop.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tracked {
		t.cancel()
	}
}

func (r *Runner) loop(ctx context.Context, id string, t *tracked) {
	ticker := time.NewTicker(t.target.Config.Interval)
	defer ticker.Stop()

	r.runOnce(ctx, id, t)
	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx, id, t)
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, id string, t *tracked) {
	checkCtx, cancel := context.WithTimeout(ctx, t.target.Config.Timeout)
	defer cancel()

	result := t.target.Checker.Check(checkCtx)
	wasHealthy := t.status.Healthy
	t.status.Update(result, t.target.Config)

	if t.status.Healthy == wasHealthy {
		return
	}

	inst := t.target.Instance
	inst.Healthy = t.status.Healthy
	if err := r.store.UpdateInstance(ctx, t.target.Key, inst, naming.UpdateTag{FromUpdate: true}); err != nil {
		log.WithComponent("healthcheck-runner").Warn().Err(err).Str("target", id).Msg("failed to report active health check result")
	}
}

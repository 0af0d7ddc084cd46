package metrics

import (
	"context"
	"time"
)

// ClusterView is the minimal surface the collector needs to sample
// periodic gauges. Implemented by *internal/cluster.Router.
type ClusterView interface {
	IsLeader() bool
	InstanceHealthCounts(ctx context.Context) (healthy, unhealthy int, err error)
	ServiceCount(ctx context.Context) (int, error)
}

// Collector periodically samples gauge-style metrics that aren't
// naturally updated on the write path (instance/service counts).
type Collector struct {
	view   ClusterView
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over view.
func NewCollector(view ClusterView) *Collector {
	return &Collector{view: view, stopCh: make(chan struct{})}
}

// Start begins the periodic sampling loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if healthy, unhealthy, err := c.view.InstanceHealthCounts(ctx); err == nil {
		InstancesTotal.WithLabelValues("true").Set(float64(healthy))
		InstancesTotal.WithLabelValues("false").Set(float64(unhealthy))
	}

	if total, err := c.view.ServiceCount(ctx); err == nil {
		ServicesTotal.Set(float64(total))
	}
}

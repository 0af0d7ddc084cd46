// Package naming holds the in-memory service registry: the nested
// namespace/group/service/cluster/instance tree (C1) and the
// coalescing change-notification dispatcher (C3).
package naming

import (
	"fmt"
	"time"
)

// DefaultNamespace is substituted whenever a namespace id is empty.
const DefaultNamespace = "public"

// ServiceKey identifies a service uniquely within a cluster.
type ServiceKey struct {
	NamespaceID string
	GroupName   string
	ServiceName string
}

// NewServiceKey builds a ServiceKey, substituting the default namespace.
func NewServiceKey(namespaceID, groupName, serviceName string) ServiceKey {
	if namespaceID == "" {
		namespaceID = DefaultNamespace
	}
	return ServiceKey{NamespaceID: namespaceID, GroupName: groupName, ServiceName: serviceName}
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s##%s##%s", k.NamespaceID, k.GroupName, k.ServiceName)
}

// ClusterSelector restricts a subscription to one cluster, or to all of them.
type ClusterSelector struct {
	All  bool
	Name string
}

// AllClusters is the selector that matches every cluster of a service.
var AllClusters = ClusterSelector{All: true}

// OneCluster selects a single named cluster.
func OneCluster(name string) ClusterSelector {
	return ClusterSelector{Name: name}
}

// ListenerKey identifies a subscription target: a service plus an
// optional cluster filter.
type ListenerKey struct {
	ServiceKey
	Cluster ClusterSelector
}

// Instance is a single registered endpoint.
type Instance struct {
	IP              string
	Port            int
	ClusterName     string
	ServiceName     string
	Weight          float64
	Healthy         bool
	Enabled         bool
	Ephemeral       bool
	Metadata        map[string]string
	LastHeartbeatMS int64

	// HeartBeatTimeoutMS, when non-zero, replaces the process-wide
	// eviction window for this instance alone. HeartBeatIntervalMS, when
	// non-zero, raises this instance's unhealthy window to three
	// intervals if that is longer than the process-wide window.
	HeartBeatIntervalMS int64
	HeartBeatTimeoutMS  int64
}

// ID derives the stable instance id used as the map key within a cluster.
func (i *Instance) ID() string {
	return fmt.Sprintf("%s#%d#%s#%s", i.IP, i.Port, i.ClusterName, i.ServiceName)
}

// CheckValid validates an instance for registration. Per the add path,
// every field must be well-formed.
func (i *Instance) CheckValid() error {
	if i.IP == "" {
		return fmt.Errorf("%w: empty ip", ErrInvalidInstance)
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidInstance, i.Port)
	}
	if i.ClusterName == "" {
		return fmt.Errorf("%w: empty cluster name", ErrInvalidInstance)
	}
	if i.ServiceName == "" {
		return fmt.Errorf("%w: empty service name", ErrInvalidInstance)
	}
	if i.Weight < 0 {
		return fmt.Errorf("%w: negative weight", ErrInvalidInstance)
	}
	return nil
}

// CheckValidIdentity validates only the identity tuple of an instance,
// the weaker check used on the remove path (spec Open Question 9a).
func (i *Instance) CheckValidIdentity() error {
	if i.IP == "" {
		return fmt.Errorf("%w: empty ip", ErrInvalidInstance)
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidInstance, i.Port)
	}
	if i.ClusterName == "" {
		return fmt.Errorf("%w: empty cluster name", ErrInvalidInstance)
	}
	if i.ServiceName == "" {
		return fmt.Errorf("%w: empty service name", ErrInvalidInstance)
	}
	return nil
}

// UpdateTag enumerates which fields of a partial update are authoritative.
// Fields not flagged retain the prior stored value when the instance
// already exists. On creation every field is applied, except that
// Enabled defaults to true unless Enabled is flagged and Healthy
// defaults to true unless FromUpdate is flagged.
type UpdateTag struct {
	Weight     bool
	Metadata   bool
	Enabled    bool
	Ephemeral  bool
	FromUpdate bool
}

// Cluster groups instances that share a health-check configuration.
type Cluster struct {
	Name               string
	Instances          map[string]*Instance // keyed by Instance.ID()
	UseInstanceIDGenID bool
	HealthyCheckType   string
	Metadata           map[string]string
}

func newCluster(name string) *Cluster {
	return &Cluster{Name: name, Instances: make(map[string]*Instance)}
}

// healthyCount returns how many instances in the cluster are healthy
// and enabled.
func (c *Cluster) healthyCount() int {
	n := 0
	for _, inst := range c.Instances {
		if inst.Healthy && inst.Enabled {
			n++
		}
	}
	return n
}

// Service is a named, grouped collection of clusters.
type Service struct {
	Name             string
	Group            string
	ProtectThreshold float64
	Metadata         map[string]string
	Selector         map[string]string
	Clusters         map[string]*Cluster
}

func newService(group, name string) *Service {
	return &Service{
		Name:     name,
		Group:    group,
		Clusters: make(map[string]*Cluster),
	}
}

// instanceCount returns the total number of instances across all clusters.
func (s *Service) instanceCount() int {
	n := 0
	for _, c := range s.Clusters {
		n += len(c.Instances)
	}
	return n
}

// allInstances returns every instance of the service, across clusters,
// in no particular order.
func (s *Service) allInstances() []*Instance {
	out := make([]*Instance, 0, s.instanceCount())
	for _, c := range s.Clusters {
		for _, inst := range c.Instances {
			out = append(out, inst)
		}
	}
	return out
}

// healthyFraction returns the fraction of healthy+enabled instances
// across the service, or 1.0 if the service has no instances.
func (s *Service) healthyFraction() float64 {
	total := s.instanceCount()
	if total == 0 {
		return 1
	}
	healthy := 0
	for _, c := range s.Clusters {
		healthy += c.healthyCount()
	}
	return float64(healthy) / float64(total)
}

// ServiceDetail carries service-level metadata for UpdateService; it
// never touches instances.
type ServiceDetail struct {
	Key              ServiceKey
	ProtectThreshold float64
	Metadata         map[string]string
	Selector         map[string]string
}

// ClusterHealthCheckTypeHTTP and ClusterHealthCheckTypeTCP are the
// HealthyCheckType values a cluster can be configured with to opt into
// active probing (internal/healthcheck.Runner); any other value,
// including the empty default, means passive heartbeat-only health.
const (
	ClusterHealthCheckTypeHTTP = "HTTP"
	ClusterHealthCheckTypeTCP  = "TCP"
)

// ActiveCheckTarget names one instance that should be actively probed,
// derived from its cluster's configured HealthyCheckType.
type ActiveCheckTarget struct {
	Key         ServiceKey
	ClusterName string
	CheckType   string
	Instance    Instance
}

// ServiceParam filters QueryServiceInfoPage.
type ServiceParam struct {
	NamespaceID       string
	GroupNamePrefix   string
	ServiceNameSubstr string
	PageNo            int
	PageSize          int
}

// ServiceInfo is a read-only view of a service returned from paginated queries.
type ServiceInfo struct {
	Key              ServiceKey
	ProtectThreshold float64
	ClusterCount     int
	InstanceCount    int
}

// nowMS returns the current time in epoch milliseconds.
func nowMS() int64 {
	return time.Now().UnixMilli()
}

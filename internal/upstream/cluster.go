package upstream

import (
	"sync/atomic"
	"time"

	"github.com/octopusgw/octopus/internal/circuitbreaker"
	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/loadbalancer"
)

// Cluster is a named group of backend instances serving one logical
// service. The instance list is replaced atomically on definition
// updates; selection reads it lock-free.
type Cluster struct {
	Name           string
	Strategy       string
	Timeout        time.Duration // connect + response headers deadline
	IdleTimeout    time.Duration // body streaming stall limit
	Retry          config.RetryConfig
	HealthCheck    config.HealthCheckConfig
	CircuitBreaker config.CircuitBreakerConfig
	Transport      config.TransportConfig

	picker    loadbalancer.Picker
	instances atomic.Pointer[[]*loadbalancer.Instance]
}

// Instances returns the current instance list (lock-free read).
func (c *Cluster) Instances() []*loadbalancer.Instance {
	if p := c.instances.Load(); p != nil {
		return *p
	}
	return nil
}

// setInstances atomically publishes a new instance list.
func (c *Cluster) setInstances(list []*loadbalancer.Instance) {
	c.instances.Store(&list)
}

// Select picks an eligible instance, skipping excluded keys and
// instances rejected by health state or circuit breaker. Returns nil
// when the cluster has no eligible instance.
func (c *Cluster) Select(exclude map[string]bool) *loadbalancer.Instance {
	return loadbalancer.Select(c.picker, c.Instances(), exclude)
}

// InstanceSnapshot is a point-in-time view of one instance for the
// admin surface.
type InstanceSnapshot struct {
	Key     string                   `json:"key"`
	Weight  int                      `json:"weight"`
	Health  string                   `json:"health"`
	Active  int64                    `json:"active_requests"`
	Breaker *circuitbreaker.Snapshot `json:"circuit_breaker,omitempty"`
}

// ClusterSnapshot is a point-in-time view of a cluster.
type ClusterSnapshot struct {
	Name      string             `json:"name"`
	Strategy  string             `json:"strategy"`
	Healthy   int                `json:"healthy"`
	Total     int                `json:"total"`
	Instances []InstanceSnapshot `json:"instances"`
}

// Snapshot returns the cluster's current observable state.
func (c *Cluster) Snapshot() ClusterSnapshot {
	instances := c.Instances()
	snap := ClusterSnapshot{
		Name:      c.Name,
		Strategy:  c.Strategy,
		Total:     len(instances),
		Instances: make([]InstanceSnapshot, 0, len(instances)),
	}
	for _, inst := range instances {
		is := InstanceSnapshot{
			Key:    inst.Key(),
			Weight: inst.Weight,
			Health: inst.Health().String(),
			Active: inst.Active(),
		}
		if inst.Breaker != nil {
			bs := inst.Breaker.Snapshot()
			is.Breaker = &bs
		}
		if inst.Health() == loadbalancer.Healthy {
			snap.Healthy++
		}
		snap.Instances = append(snap.Instances, is)
	}
	return snap
}

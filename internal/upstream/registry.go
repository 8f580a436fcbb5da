// Package upstream tracks named clusters of backend instances: their
// definitions, health state, connection handles, and per-instance
// circuit breakers. Definitions come from the route synchronizer;
// instance state survives definition updates so that health history and
// breaker state are not reset by a reload.
package upstream

import (
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/octopusgw/octopus/internal/circuitbreaker"
	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/loadbalancer"
	"github.com/octopusgw/octopus/internal/logging"
)

// Registry owns all clusters. Cluster lookup by the router hot path is a
// read-locked map access; definition updates hold the write lock only
// while swapping the map entries.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster

	redisMu      sync.Mutex
	redisClients map[string]*redis.Client // keyed by address
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clusters:     make(map[string]*Cluster),
		redisClients: make(map[string]*redis.Client),
	}
}

// Get returns the cluster with the given name.
func (r *Registry) Get(name string) (*Cluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[name]
	return c, ok
}

// Names returns all cluster names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}
	return names
}

// Clusters returns the current cluster set.
func (r *Registry) Clusters() []*Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, c)
	}
	return out
}

// Apply replaces the cluster definitions. Instances that survive the
// update (same address:port) keep their health state, in-flight counter,
// and circuit breaker; new instances start healthy with a fresh breaker.
// Clusters absent from the new definition set are removed.
func (r *Registry) Apply(cfgs []config.ClusterConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Cluster, len(cfgs))
	for _, cfg := range cfgs {
		cluster, err := r.buildCluster(cfg, r.clusters[cfg.Name])
		if err != nil {
			return fmt.Errorf("cluster %q: %w", cfg.Name, err)
		}
		next[cfg.Name] = cluster
	}

	for name := range r.clusters {
		if _, kept := next[name]; !kept {
			logging.Info("cluster removed", zap.String("cluster", name))
		}
	}
	r.clusters = next
	return nil
}

// buildCluster constructs (or rebuilds) one cluster, carrying over
// instance state from prev where the instance key matches.
func (r *Registry) buildCluster(cfg config.ClusterConfig, prev *Cluster) (*Cluster, error) {
	picker, err := loadbalancer.New(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	prevByKey := make(map[string]*loadbalancer.Instance)
	if prev != nil {
		for _, inst := range prev.Instances() {
			prevByKey[inst.Key()] = inst
		}
	}

	instances := make([]*loadbalancer.Instance, 0, len(cfg.Instances))
	for _, ic := range cfg.Instances {
		key := fmt.Sprintf("%s:%d", ic.Address, ic.Port)
		if old, ok := prevByKey[key]; ok && old.Scheme == ic.Scheme {
			old.Weight = ic.Weight
			switch {
			case !cfg.CircuitBreaker.Enabled:
				old.Breaker = nil
			case old.Breaker == nil:
				// Breaker newly enabled for a surviving instance.
				old.Breaker = r.newBreaker(cfg.Name, key, cfg.CircuitBreaker)
			}
			applyDraining(old, ic.Draining)
			instances = append(instances, old)
			continue
		}
		inst := loadbalancer.NewInstance(ic.Scheme, ic.Address, ic.Port, ic.Weight)
		if cfg.CircuitBreaker.Enabled {
			inst.Breaker = r.newBreaker(cfg.Name, key, cfg.CircuitBreaker)
		}
		applyDraining(inst, ic.Draining)
		instances = append(instances, inst)
	}

	cluster := &Cluster{
		Name:           cfg.Name,
		Strategy:       cfg.Strategy,
		Timeout:        cfg.Timeout,
		IdleTimeout:    cfg.IdleTimeout,
		Retry:          cfg.Retry,
		HealthCheck:    cfg.HealthCheck,
		CircuitBreaker: cfg.CircuitBreaker,
		Transport:      cfg.Transport,
		picker:         picker,
	}
	cluster.setInstances(instances)
	return cluster, nil
}

// applyDraining reconciles the configured draining flag with the
// instance's health state. Clearing the flag returns the instance to
// Healthy; an actively marked Unhealthy instance is left alone.
func applyDraining(inst *loadbalancer.Instance, draining bool) {
	switch {
	case draining:
		inst.SetHealth(loadbalancer.Draining)
	case inst.Health() == loadbalancer.Draining:
		inst.SetHealth(loadbalancer.Healthy)
	}
}

// newBreaker creates a local or Redis-shared breaker per config.
func (r *Registry) newBreaker(cluster, instanceKey string, cfg config.CircuitBreakerConfig) circuitbreaker.InstanceBreaker {
	if cfg.SharedStore != "redis" {
		return circuitbreaker.New(cfg)
	}
	return circuitbreaker.NewRedisBreaker(cluster, instanceKey, cfg, r.redisClient(cfg.Redis))
}

// redisClient returns a shared client per Redis address.
func (r *Registry) redisClient(cfg config.RedisConfig) *redis.Client {
	r.redisMu.Lock()
	defer r.redisMu.Unlock()
	if c, ok := r.redisClients[cfg.Address]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r.redisClients[cfg.Address] = c
	return c
}

// Snapshot returns observable state for all clusters, for the admin
// surface. Not consumed internally.
func (r *Registry) Snapshot() map[string]ClusterSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ClusterSnapshot, len(r.clusters))
	for name, c := range r.clusters {
		out[name] = c.Snapshot()
	}
	return out
}

// Close releases shared connection handles.
func (r *Registry) Close() error {
	r.redisMu.Lock()
	defer r.redisMu.Unlock()
	for _, c := range r.redisClients {
		c.Close()
	}
	r.redisClients = make(map[string]*redis.Client)
	return nil
}

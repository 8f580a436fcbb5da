package loadbalancer

import (
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/octopusgw/octopus/internal/circuitbreaker"
)

// HealthState is the health status of an upstream instance. It is mutated
// only by the health tracker; selection reads it through atomics.
type HealthState int32

const (
	Healthy HealthState = iota
	Unhealthy
	Draining // excluded from selection, in-flight requests finish
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Instance is one backend instance of an upstream cluster.
type Instance struct {
	Address string
	Port    int
	Scheme  string
	Weight  int

	// URL is the pre-parsed base URL, built once at registration.
	URL *url.URL

	// Breaker gates selection; nil when circuit breaking is disabled.
	Breaker circuitbreaker.InstanceBreaker

	health atomic.Int32
	active atomic.Int64
}

// NewInstance creates an instance with a pre-parsed URL, initially healthy.
func NewInstance(scheme, address string, port, weight int) *Instance {
	if scheme == "" {
		scheme = "http"
	}
	if weight <= 0 {
		weight = 1
	}
	u, _ := url.Parse(fmt.Sprintf("%s://%s:%d", scheme, address, port))
	return &Instance{
		Address: address,
		Port:    port,
		Scheme:  scheme,
		Weight:  weight,
		URL:     u,
	}
}

// Key identifies the instance within its cluster.
func (i *Instance) Key() string {
	return fmt.Sprintf("%s:%d", i.Address, i.Port)
}

// Health atomically reads the health state.
func (i *Instance) Health() HealthState {
	return HealthState(i.health.Load())
}

// SetHealth atomically publishes a health transition.
func (i *Instance) SetHealth(s HealthState) {
	i.health.Store(int32(s))
}

// IncrActive atomically increments the in-flight request count.
func (i *Instance) IncrActive() { i.active.Add(1) }

// DecrActive atomically decrements the in-flight request count.
func (i *Instance) DecrActive() { i.active.Add(-1) }

// Active atomically reads the in-flight request count.
func (i *Instance) Active() int64 { return i.active.Load() }

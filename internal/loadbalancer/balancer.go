// Package loadbalancer implements instance selection strategies. Each
// strategy is a pure function over the eligible instance list; the only
// retained state is a round-robin cursor or the per-instance in-flight
// counters read by least_conn.
package loadbalancer

import "fmt"

// Picker selects one instance from a non-empty eligible list. The list
// contains only healthy, non-excluded instances; breaker gating happens
// in Select.
type Picker interface {
	Pick(eligible []*Instance) *Instance
}

// New creates a picker for the given strategy name.
func New(strategy string) (Picker, error) {
	switch strategy {
	case "", "round_robin":
		return NewRoundRobin(), nil
	case "least_conn":
		return NewLeastConn(), nil
	case "weighted_random":
		return NewWeightedRandom(), nil
	case "random":
		return NewRandom(), nil
	default:
		return nil, fmt.Errorf("unknown load balancing strategy %q", strategy)
	}
}

// Select picks an eligible instance: healthy, not in exclude, and admitted
// by its circuit breaker. A breaker Allow call is made only for the picked
// candidate so that half-open probe slots are consumed only by requests
// that will actually use the instance. Returns nil when no instance is
// eligible.
func Select(p Picker, instances []*Instance, exclude map[string]bool) *Instance {
	eligible := make([]*Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Health() != Healthy {
			continue
		}
		if exclude != nil && exclude[inst.Key()] {
			continue
		}
		eligible = append(eligible, inst)
	}

	for len(eligible) > 0 {
		inst := p.Pick(eligible)
		if inst == nil {
			return nil
		}
		if inst.Breaker == nil || inst.Breaker.Allow() {
			return inst
		}
		// Breaker rejected the candidate (open, or half-open probe already
		// in flight): drop it and repick from the remainder.
		next := eligible[:0]
		for _, e := range eligible {
			if e != inst {
				next = append(next, e)
			}
		}
		eligible = next
	}
	return nil
}

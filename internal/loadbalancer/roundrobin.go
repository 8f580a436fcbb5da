package loadbalancer

import "sync/atomic"

// RoundRobin cycles through eligible instances with a monotonically
// advancing cursor.
type RoundRobin struct {
	current uint64
}

// NewRoundRobin creates a round-robin picker.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick returns the next instance in cursor order.
func (rr *RoundRobin) Pick(eligible []*Instance) *Instance {
	if len(eligible) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&rr.current, 1)
	return eligible[(idx-1)%uint64(len(eligible))]
}

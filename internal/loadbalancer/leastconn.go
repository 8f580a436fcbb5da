package loadbalancer

import "sync/atomic"

// LeastConn picks the eligible instance with the fewest in-flight
// requests. Ties are broken by a round-robin cursor so that equally
// loaded instances still rotate.
type LeastConn struct {
	cursor uint64
}

// NewLeastConn creates a least-connections picker.
func NewLeastConn() *LeastConn {
	return &LeastConn{}
}

// Pick returns the instance with the lowest active request count.
func (lc *LeastConn) Pick(eligible []*Instance) *Instance {
	if len(eligible) == 0 {
		return nil
	}

	min := eligible[0].Active()
	for _, inst := range eligible[1:] {
		if a := inst.Active(); a < min {
			min = a
		}
	}

	ties := make([]*Instance, 0, len(eligible))
	for _, inst := range eligible {
		if inst.Active() == min {
			ties = append(ties, inst)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	idx := atomic.AddUint64(&lc.cursor, 1)
	return ties[(idx-1)%uint64(len(ties))]
}

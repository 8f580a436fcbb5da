package loadbalancer

import "math/rand"

// WeightedRandom picks an instance with probability proportional to its
// weight.
type WeightedRandom struct{}

// NewWeightedRandom creates a weighted-random picker.
func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{}
}

// Pick rolls against the cumulative weight of the eligible list.
func (wr *WeightedRandom) Pick(eligible []*Instance) *Instance {
	if len(eligible) == 0 {
		return nil
	}

	total := 0
	for _, inst := range eligible {
		total += inst.Weight
	}
	if total <= 0 {
		return eligible[rand.Intn(len(eligible))]
	}

	roll := rand.Intn(total)
	cumulative := 0
	for _, inst := range eligible {
		cumulative += inst.Weight
		if roll < cumulative {
			return inst
		}
	}
	return eligible[len(eligible)-1]
}

// Random picks uniformly among eligible instances.
type Random struct{}

// NewRandom creates a uniform random picker.
func NewRandom() *Random {
	return &Random{}
}

// Pick returns a uniformly random instance.
func (r *Random) Pick(eligible []*Instance) *Instance {
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.Intn(len(eligible))]
}

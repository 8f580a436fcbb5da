package loadbalancer

import (
	"testing"
	"time"

	"github.com/octopusgw/octopus/internal/circuitbreaker"
	"github.com/octopusgw/octopus/internal/config"
)

func makeInstances(n int) []*Instance {
	out := make([]*Instance, n)
	for i := range out {
		out[i] = NewInstance("http", "10.0.0.1", 8000+i, 1)
	}
	return out
}

func TestRoundRobinCycles(t *testing.T) {
	instances := makeInstances(3)
	rr := NewRoundRobin()

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		inst := Select(rr, instances, nil)
		if inst == nil {
			t.Fatal("expected an instance")
		}
		seen[inst.Key()]++
	}
	// All 3 visited before any repeats.
	for _, inst := range instances {
		if seen[inst.Key()] != 1 {
			t.Errorf("expected each instance once in first cycle, got %v", seen)
		}
	}

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		counts[Select(rr, instances, nil).Key()]++
	}
	for _, inst := range instances {
		if counts[inst.Key()] != 3 {
			t.Errorf("expected 3 picks for %s, got %d", inst.Key(), counts[inst.Key()])
		}
	}
}

func TestSelectSkipsUnhealthy(t *testing.T) {
	instances := makeInstances(3)
	instances[1].SetHealth(Unhealthy)
	rr := NewRoundRobin()

	for i := 0; i < 10; i++ {
		inst := Select(rr, instances, nil)
		if inst == nil {
			t.Fatal("expected an instance")
		}
		if inst == instances[1] {
			t.Fatal("selected an unhealthy instance")
		}
	}
}

func TestSelectSkipsDraining(t *testing.T) {
	instances := makeInstances(2)
	instances[0].SetHealth(Draining)
	rr := NewRoundRobin()

	for i := 0; i < 5; i++ {
		if inst := Select(rr, instances, nil); inst != instances[1] {
			t.Fatal("draining instance should be excluded from selection")
		}
	}
}

func TestSelectHonorsExclusion(t *testing.T) {
	instances := makeInstances(3)
	rr := NewRoundRobin()

	exclude := map[string]bool{
		instances[0].Key(): true,
		instances[2].Key(): true,
	}
	for i := 0; i < 5; i++ {
		if inst := Select(rr, instances, exclude); inst != instances[1] {
			t.Fatal("exclusion set not honored")
		}
	}

	exclude[instances[1].Key()] = true
	if inst := Select(rr, instances, exclude); inst != nil {
		t.Fatal("expected nil when all instances excluded")
	}
}

func TestSelectSkipsOpenBreaker(t *testing.T) {
	instances := makeInstances(2)
	cfg := config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, Timeout: time.Minute}
	instances[0].Breaker = circuitbreaker.New(cfg)
	instances[1].Breaker = circuitbreaker.New(cfg)

	instances[0].Breaker.RecordFailure() // opens

	rr := NewRoundRobin()
	for i := 0; i < 6; i++ {
		inst := Select(rr, instances, nil)
		if inst != instances[1] {
			t.Fatal("open-breaker instance should be skipped")
		}
	}
}

func TestSelectNoEligible(t *testing.T) {
	instances := makeInstances(1)
	instances[0].SetHealth(Unhealthy)
	if inst := Select(NewRoundRobin(), instances, nil); inst != nil {
		t.Fatal("expected nil with no healthy instances")
	}
	if inst := Select(NewRoundRobin(), nil, nil); inst != nil {
		t.Fatal("expected nil with no instances")
	}
}

func TestLeastConnPicksMinimum(t *testing.T) {
	instances := makeInstances(3)
	instances[0].IncrActive()
	instances[0].IncrActive()
	instances[1].IncrActive()

	lc := NewLeastConn()
	if inst := Select(lc, instances, nil); inst != instances[2] {
		t.Fatalf("expected least-loaded instance, got %v", inst.Key())
	}
}

func TestLeastConnTieBreakRotates(t *testing.T) {
	instances := makeInstances(2)
	lc := NewLeastConn()

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		seen[Select(lc, instances, nil).Key()]++
	}
	if seen[instances[0].Key()] != 2 || seen[instances[1].Key()] != 2 {
		t.Errorf("expected even rotation on ties, got %v", seen)
	}
}

func TestWeightedRandomDistribution(t *testing.T) {
	a := NewInstance("http", "10.0.0.1", 8001, 9)
	b := NewInstance("http", "10.0.0.2", 8002, 1)
	wr := NewWeightedRandom()

	counts := make(map[string]int)
	for i := 0; i < 2000; i++ {
		counts[Select(wr, []*Instance{a, b}, nil).Key()]++
	}
	// Expect roughly 90/10; allow generous slack.
	if counts[a.Key()] < 1500 {
		t.Errorf("weight-9 instance underselected: %v", counts)
	}
	if counts[b.Key()] == 0 {
		t.Error("weight-1 instance never selected")
	}
}

func TestNewPickerFactory(t *testing.T) {
	for _, s := range []string{"", "round_robin", "least_conn", "weighted_random", "random"} {
		if _, err := New(s); err != nil {
			t.Errorf("strategy %q should be valid: %v", s, err)
		}
	}
	if _, err := New("fastest"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

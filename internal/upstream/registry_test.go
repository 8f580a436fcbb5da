package upstream

import (
	"testing"
	"time"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/loadbalancer"
)

func clusterConfig(name string, ports ...int) config.ClusterConfig {
	cfg := config.ClusterConfig{
		Name:     name,
		Strategy: "round_robin",
		Timeout:  5 * time.Second,
	}
	for _, p := range ports {
		cfg.Instances = append(cfg.Instances, config.InstanceConfig{
			Address: "10.0.0.1", Port: p, Weight: 1, Scheme: "http",
		})
	}
	return cfg
}

func TestApplyAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Apply([]config.ClusterConfig{clusterConfig("users", 8001, 8002)}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	c, ok := r.Get("users")
	if !ok {
		t.Fatal("expected cluster users")
	}
	if len(c.Instances()) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(c.Instances()))
	}
	if _, ok := r.Get("orders"); ok {
		t.Error("unexpected cluster orders")
	}
}

func TestApplyPreservesInstanceState(t *testing.T) {
	r := NewRegistry()
	if err := r.Apply([]config.ClusterConfig{clusterConfig("users", 8001, 8002)}); err != nil {
		t.Fatal(err)
	}

	c, _ := r.Get("users")
	surviving := c.Instances()[0]
	surviving.SetHealth(loadbalancer.Unhealthy)
	surviving.IncrActive()

	// Re-apply with the first instance kept and the second replaced.
	if err := r.Apply([]config.ClusterConfig{clusterConfig("users", 8001, 8003)}); err != nil {
		t.Fatal(err)
	}

	c2, _ := r.Get("users")
	instances := c2.Instances()
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	if instances[0] != surviving {
		t.Error("surviving instance should keep its identity across updates")
	}
	if instances[0].Health() != loadbalancer.Unhealthy {
		t.Error("health state lost across update")
	}
	if instances[0].Active() != 1 {
		t.Error("in-flight counter lost across update")
	}
	if instances[1].Health() != loadbalancer.Healthy {
		t.Error("new instance should start healthy")
	}
}

func TestApplyRemovesStaleClusters(t *testing.T) {
	r := NewRegistry()
	if err := r.Apply([]config.ClusterConfig{clusterConfig("users", 8001), clusterConfig("orders", 9001)}); err != nil {
		t.Fatal(err)
	}
	if err := r.Apply([]config.ClusterConfig{clusterConfig("users", 8001)}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("orders"); ok {
		t.Error("stale cluster should be removed")
	}
}

func TestApplyCreatesBreakers(t *testing.T) {
	cfg := clusterConfig("users", 8001)
	cfg.CircuitBreaker = config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 3, Timeout: time.Second}

	r := NewRegistry()
	if err := r.Apply([]config.ClusterConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	c, _ := r.Get("users")
	if c.Instances()[0].Breaker == nil {
		t.Error("expected a breaker on the instance")
	}
}

func TestApplyBadStrategy(t *testing.T) {
	cfg := clusterConfig("users", 8001)
	cfg.Strategy = "fastest"
	if err := NewRegistry().Apply([]config.ClusterConfig{cfg}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestClusterSelect(t *testing.T) {
	r := NewRegistry()
	if err := r.Apply([]config.ClusterConfig{clusterConfig("users", 8001, 8002)}); err != nil {
		t.Fatal(err)
	}
	c, _ := r.Get("users")

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		inst := c.Select(nil)
		if inst == nil {
			t.Fatal("expected an instance")
		}
		counts[inst.Key()]++
	}
	if counts["10.0.0.1:8001"] != 5 || counts["10.0.0.1:8002"] != 5 {
		t.Errorf("expected 5/5 distribution, got %v", counts)
	}
}

func TestSnapshot(t *testing.T) {
	cfg := clusterConfig("users", 8001, 8002)
	cfg.CircuitBreaker = config.CircuitBreakerConfig{Enabled: true}

	r := NewRegistry()
	if err := r.Apply([]config.ClusterConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	c, _ := r.Get("users")
	c.Instances()[1].SetHealth(loadbalancer.Unhealthy)

	snap := r.Snapshot()
	cs, ok := snap["users"]
	if !ok {
		t.Fatal("expected users snapshot")
	}
	if cs.Total != 2 || cs.Healthy != 1 {
		t.Errorf("expected 2 total / 1 healthy, got %d/%d", cs.Total, cs.Healthy)
	}
	if cs.Instances[0].Breaker == nil {
		t.Error("expected breaker snapshot")
	}
	if cs.Instances[1].Health != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", cs.Instances[1].Health)
	}
}

func TestApplyDrainingFlag(t *testing.T) {
	r := NewRegistry()
	cfg := clusterConfig("users", 8001, 8002)
	cfg.Instances[1].Draining = true
	if err := r.Apply([]config.ClusterConfig{cfg}); err != nil {
		t.Fatal(err)
	}

	c, _ := r.Get("users")
	if got := c.Instances()[1].Health(); got != loadbalancer.Draining {
		t.Fatalf("health = %v, want Draining", got)
	}
	if inst := c.Select(nil); inst == nil || inst.Port != 8001 {
		t.Errorf("Select picked %v, want the non-draining instance", inst)
	}

	// Clearing the flag returns the instance to rotation.
	cfg.Instances[1].Draining = false
	if err := r.Apply([]config.ClusterConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	c, _ = r.Get("users")
	if got := c.Instances()[1].Health(); got != loadbalancer.Healthy {
		t.Errorf("health after clearing = %v, want Healthy", got)
	}
}

func TestApplyBreakerToggle(t *testing.T) {
	r := NewRegistry()
	cfg := clusterConfig("users", 8001)
	if err := r.Apply([]config.ClusterConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	c, _ := r.Get("users")
	if c.Instances()[0].Breaker != nil {
		t.Fatal("breaker present while disabled")
	}

	cfg.CircuitBreaker = config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 3}
	if err := r.Apply([]config.ClusterConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	c, _ = r.Get("users")
	if c.Instances()[0].Breaker == nil {
		t.Fatal("surviving instance did not gain a breaker on enable")
	}

	cfg.CircuitBreaker.Enabled = false
	if err := r.Apply([]config.ClusterConfig{cfg}); err != nil {
		t.Fatal(err)
	}
	c, _ = r.Get("users")
	if c.Instances()[0].Breaker != nil {
		t.Error("surviving instance kept its breaker after disable")
	}
}

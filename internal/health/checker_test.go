package health

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/loadbalancer"
	"github.com/octopusgw/octopus/internal/upstream"
)

func TestParseStatusRange(t *testing.T) {
	cases := []struct {
		in      string
		want    StatusRange
		wantErr bool
	}{
		{"200", StatusRange{200, 200}, false},
		{"2xx", StatusRange{200, 299}, false},
		{"200-299", StatusRange{200, 299}, false},
		{" 503 ", StatusRange{503, 503}, false},
		{"6xx", StatusRange{}, true},
		{"299-200", StatusRange{}, true},
		{"abc", StatusRange{}, true},
		{"99", StatusRange{}, true},
	}

	for _, tc := range cases {
		got, err := ParseStatusRange(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseStatusRange(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStatusRange(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseStatusRange(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseStatusRangesDefault(t *testing.T) {
	ranges, err := ParseStatusRanges(nil)
	if err != nil {
		t.Fatalf("ParseStatusRanges: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != (StatusRange{200, 399}) {
		t.Errorf("default ranges = %v, want [{200 399}]", ranges)
	}
}

func registryWith(t *testing.T, cc config.ClusterConfig) *upstream.Registry {
	t.Helper()
	reg := upstream.NewRegistry()
	if err := reg.Apply([]config.ClusterConfig{cc}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return reg
}

func getCluster(t *testing.T, reg *upstream.Registry, name string) *upstream.Cluster {
	t.Helper()
	cluster, ok := reg.Get(name)
	if !ok {
		t.Fatalf("cluster %q not in registry", name)
	}
	return cluster
}

func TestCheckerMarksUnhealthyAfterThreshold(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	port, _ := strconv.Atoi(u.Port())

	reg := registryWith(t, config.ClusterConfig{
		Name: "api",
		Instances: []config.InstanceConfig{
			{Address: u.Hostname(), Port: port, Weight: 1},
		},
		Strategy: "round_robin",
		HealthCheck: config.HealthCheckConfig{
			Enabled:        true,
			Path:           "/health",
			Method:         "GET",
			Interval:       20 * time.Millisecond,
			Timeout:        time.Second,
			HealthyAfter:   1,
			UnhealthyAfter: 2,
		},
	})
	defer reg.Close()

	checker := NewChecker(reg)
	checker.Start()
	defer checker.Stop()

	inst := getCluster(t, reg, "api").Instances()[0]

	waitFor(t, func() bool { return inst.Health() == loadbalancer.Healthy })

	status.Store(http.StatusInternalServerError)
	waitFor(t, func() bool { return inst.Health() == loadbalancer.Unhealthy })

	status.Store(http.StatusOK)
	waitFor(t, func() bool { return inst.Health() == loadbalancer.Healthy })
}

func TestCheckerSkipsDraining(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	port, _ := strconv.Atoi(u.Port())

	reg := registryWith(t, config.ClusterConfig{
		Name: "api",
		Instances: []config.InstanceConfig{
			{Address: u.Hostname(), Port: port, Weight: 1},
		},
		Strategy: "round_robin",
		HealthCheck: config.HealthCheckConfig{
			Enabled:        true,
			Path:           "/health",
			Method:         "GET",
			Interval:       10 * time.Millisecond,
			Timeout:        time.Second,
			HealthyAfter:   1,
			UnhealthyAfter: 1,
		},
	})
	defer reg.Close()

	inst := getCluster(t, reg, "api").Instances()[0]
	inst.SetHealth(loadbalancer.Draining)

	checker := NewChecker(reg)
	checker.Start()
	defer checker.Stop()

	time.Sleep(60 * time.Millisecond)
	if inst.Health() != loadbalancer.Draining {
		t.Errorf("health = %v, want draining untouched", inst.Health())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTrackerFeedsBreaker(t *testing.T) {
	reg := registryWith(t, config.ClusterConfig{
		Name: "api",
		Instances: []config.InstanceConfig{
			{Address: "10.0.0.1", Port: 8080, Weight: 1},
		},
		Strategy: "round_robin",
		CircuitBreaker: config.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			Timeout:          time.Minute,
		},
	})
	defer reg.Close()

	cluster := getCluster(t, reg, "api")
	inst := cluster.Instances()[0]
	tracker := NewTracker()

	tracker.Record(cluster, inst, OutcomeConnectError)
	if !inst.Breaker.Allow() {
		t.Fatal("breaker open before threshold")
	}
	tracker.Record(cluster, inst, OutcomeServerError)
	if inst.Breaker.Allow() {
		t.Fatal("breaker still closed after threshold failures")
	}
}

func TestTrackerClientErrorsConfigurable(t *testing.T) {
	for _, count := range []bool{false, true} {
		reg := registryWith(t, config.ClusterConfig{
			Name: "api",
			Instances: []config.InstanceConfig{
				{Address: "10.0.0.1", Port: 8080, Weight: 1},
			},
			Strategy: "round_robin",
			CircuitBreaker: config.CircuitBreakerConfig{
				Enabled:           true,
				FailureThreshold:  1,
				Timeout:           time.Minute,
				CountClientErrors: count,
			},
		})

		cluster := getCluster(t, reg, "api")
		inst := cluster.Instances()[0]
		tracker := NewTracker()

		tracker.Record(cluster, inst, OutcomeClientError)
		open := !inst.Breaker.Allow()
		if open != count {
			t.Errorf("count_client_errors=%v: breaker open = %v", count, open)
		}
		reg.Close()
	}
}

func TestTrackerPassiveHealthSignals(t *testing.T) {
	reg := registryWith(t, config.ClusterConfig{
		Name: "api",
		Instances: []config.InstanceConfig{
			{Address: "10.0.0.1", Port: 8080, Weight: 1},
		},
		Strategy: "round_robin",
		HealthCheck: config.HealthCheckConfig{
			PassiveSignals: true,
			UnhealthyAfter: 2,
		},
	})
	defer reg.Close()

	cluster := getCluster(t, reg, "api")
	inst := cluster.Instances()[0]
	tracker := NewTracker()

	tracker.Record(cluster, inst, OutcomeTimeout)
	if inst.Health() != loadbalancer.Healthy {
		t.Fatal("marked unhealthy before threshold")
	}
	tracker.Record(cluster, inst, OutcomeConnectError)
	if inst.Health() != loadbalancer.Unhealthy {
		t.Fatal("not marked unhealthy at threshold")
	}

	tracker.Record(cluster, inst, OutcomeSuccess)
	if inst.Health() != loadbalancer.Healthy {
		t.Fatal("not recovered after success")
	}
}

package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/loadbalancer"
	"github.com/octopusgw/octopus/internal/logging"
	"github.com/octopusgw/octopus/internal/upstream"
)

// Checker runs active health probes against cluster instances and
// flips their health state after consecutive pass/fail thresholds.
// Draining instances are left alone: that state is administrative.
type Checker struct {
	registry *upstream.Registry
	client   *http.Client
	group    singleflight.Group

	mu     sync.Mutex
	states map[string]*probeState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type probeState struct {
	consecutivePass int
	consecutiveFail int
}

// NewChecker creates a checker over the registry's clusters.
func NewChecker(registry *upstream.Registry) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		registry: registry,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		states: make(map[string]*probeState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches one probe loop per cluster that has health checking
// enabled. Call Stop before applying a new cluster set, then Start a
// fresh checker.
func (c *Checker) Start() {
	for _, cluster := range c.registry.Clusters() {
		if !cluster.HealthCheck.Enabled {
			continue
		}
		c.wg.Add(1)
		go c.checkLoop(cluster)
	}
}

// Stop cancels all probe loops and waits for them to exit.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Checker) checkLoop(cluster *upstream.Cluster) {
	defer c.wg.Done()

	cfg := cluster.HealthCheck
	ranges, err := ParseStatusRanges(cfg.ExpectedStatuses)
	if err != nil {
		logging.Error("invalid expected statuses, health checking disabled",
			zap.String("cluster", cluster.Name), zap.Error(err))
		return
	}

	c.checkCluster(cluster, cfg, ranges)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkCluster(cluster, cfg, ranges)
		}
	}
}

// checkCluster probes every instance of a cluster concurrently and
// waits for the round to finish before returning.
func (c *Checker) checkCluster(cluster *upstream.Cluster, cfg config.HealthCheckConfig, ranges []StatusRange) {
	var round sync.WaitGroup
	for _, inst := range cluster.Instances() {
		if inst.Health() == loadbalancer.Draining {
			continue
		}
		round.Add(1)
		go func(inst *loadbalancer.Instance) {
			defer round.Done()
			healthy := c.probe(inst, cfg, ranges)
			c.applyResult(cluster.Name, inst, cfg, healthy)
		}(inst)
	}
	round.Wait()
}

// probe issues one health request. Instances shared between clusters
// are deduplicated per probe URL so each address is hit once per tick.
func (c *Checker) probe(inst *loadbalancer.Instance, cfg config.HealthCheckConfig, ranges []StatusRange) bool {
	probeURL := inst.URL.Scheme + "://" + inst.URL.Host + cfg.Path

	v, _, _ := c.group.Do(probeURL, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(c.ctx, cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, cfg.Method, probeURL, nil)
		if err != nil {
			return false, nil
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return false, nil
		}
		defer resp.Body.Close()
		return matchStatus(resp.StatusCode, ranges), nil
	})
	return v.(bool)
}

// applyResult applies pass/fail threshold logic and flips instance health.
func (c *Checker) applyResult(cluster string, inst *loadbalancer.Instance, cfg config.HealthCheckConfig, healthy bool) {
	key := fmt.Sprintf("%s/%s", cluster, inst.Key())

	c.mu.Lock()
	state, ok := c.states[key]
	if !ok {
		state = &probeState{}
		c.states[key] = state
	}

	old := inst.Health()
	next := old

	if healthy {
		state.consecutiveFail = 0
		state.consecutivePass++
		if state.consecutivePass >= cfg.HealthyAfter {
			next = loadbalancer.Healthy
		}
	} else {
		state.consecutivePass = 0
		state.consecutiveFail++
		if state.consecutiveFail >= cfg.UnhealthyAfter {
			next = loadbalancer.Unhealthy
		}
	}
	c.mu.Unlock()

	if next != old {
		inst.SetHealth(next)
		logging.Info("instance health changed",
			zap.String("cluster", cluster),
			zap.String("instance", inst.Key()),
			zap.String("from", old.String()),
			zap.String("to", next.String()))
	}
}

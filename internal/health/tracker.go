package health

import (
	"sync"

	"go.uber.org/zap"

	"github.com/octopusgw/octopus/internal/loadbalancer"
	"github.com/octopusgw/octopus/internal/logging"
	"github.com/octopusgw/octopus/internal/upstream"
)

// Outcome classifies the result of a proxied request for health and
// breaker accounting.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeConnectError
	OutcomeTimeout
	OutcomeServerError // upstream returned 5xx
	OutcomeClientError // upstream returned 4xx
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeConnectError:
		return "connect_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeServerError:
		return "server_error"
	case OutcomeClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps an upstream response status to an outcome.
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 500:
		return OutcomeServerError
	case status >= 400:
		return OutcomeClientError
	default:
		return OutcomeSuccess
	}
}

// Tracker feeds passive request outcomes into instance breakers and,
// when a cluster opts in, into instance health. Every attempt reported
// by the proxy lands here exactly once.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*passiveState
}

type passiveState struct {
	consecutiveFail int
	markedByTracker bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]*passiveState)}
}

// Record reports one attempt outcome for an instance. Breaker state is
// always updated; instance health is only touched when the cluster has
// passive signals enabled, and only in the direction the tracker itself
// moved it (an actively probed Unhealthy instance is not resurrected
// by a single passing request).
func (t *Tracker) Record(cluster *upstream.Cluster, inst *loadbalancer.Instance, outcome Outcome) {
	failure := t.isFailure(cluster, outcome)

	if inst.Breaker != nil {
		if failure {
			inst.Breaker.RecordFailure()
		} else if outcome == OutcomeSuccess {
			inst.Breaker.RecordSuccess()
		}
	}

	if !cluster.HealthCheck.PassiveSignals {
		return
	}

	key := cluster.Name + "/" + inst.Key()

	t.mu.Lock()
	state, ok := t.states[key]
	if !ok {
		state = &passiveState{}
		t.states[key] = state
	}

	threshold := cluster.HealthCheck.UnhealthyAfter
	if threshold <= 0 {
		threshold = 3
	}

	var markDown, markUp bool
	if failure {
		state.consecutiveFail++
		if state.consecutiveFail >= threshold && inst.Health() == loadbalancer.Healthy {
			state.markedByTracker = true
			markDown = true
		}
	} else {
		state.consecutiveFail = 0
		if state.markedByTracker && inst.Health() == loadbalancer.Unhealthy {
			state.markedByTracker = false
			markUp = true
		}
	}
	t.mu.Unlock()

	if markDown {
		inst.SetHealth(loadbalancer.Unhealthy)
		logging.Warn("instance marked unhealthy from request outcomes",
			zap.String("cluster", cluster.Name),
			zap.String("instance", inst.Key()))
	}
	if markUp {
		inst.SetHealth(loadbalancer.Healthy)
		logging.Info("instance recovered from request outcomes",
			zap.String("cluster", cluster.Name),
			zap.String("instance", inst.Key()))
	}
}

// isFailure reports whether the outcome counts against the instance.
// Client errors count only when the cluster opts in.
func (t *Tracker) isFailure(cluster *upstream.Cluster, outcome Outcome) bool {
	switch outcome {
	case OutcomeConnectError, OutcomeTimeout, OutcomeServerError:
		return true
	case OutcomeClientError:
		return cluster.CircuitBreaker.CountClientErrors
	default:
		return false
	}
}

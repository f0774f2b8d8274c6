package health

import (
	"context"
	"time"

	"github.com/nareth/helmsman/internal/core/domain"
)

// Progressive gaps between active tests for a half-open pair. A transient
// failure history walks the shorter ladder; non-retryable kinds get the
// longer one since the fault is unlikely to clear on its own. Past the last
// rung, testing stops until the pair's state resets.
var (
	transientTestSchedule = []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute,
		8 * time.Minute, 15 * time.Minute, 30 * time.Minute,
	}
	nonRetryableTestSchedule = []time.Duration{
		5 * time.Minute, 10 * time.Minute, 20 * time.Minute,
		40 * time.Minute, 60 * time.Minute,
	}
)

const (
	baseActiveTestTimeout = 2 * time.Minute
	maxActiveTestTimeout  = 10 * time.Minute
)

// testState tracks the active-test history for one half-open pair.
type testState struct {
	lastTestTime        time.Time
	testCount           int
	consecutiveFailures int
	failureReason       string
	errorKind           domain.ErrorKind
	nonRetryable        bool
}

func (t *testState) schedule() []time.Duration {
	if t.nonRetryable {
		return nonRetryableTestSchedule
	}
	return transientTestSchedule
}

// due reports whether the next test may run at now. The gap is indexed by how
// many tests have already run; beyond the ladder the pair is parked.
func (t *testState) due(now time.Time) bool {
	if t.testCount == 0 {
		return true
	}
	schedule := t.schedule()
	if t.testCount > len(schedule) {
		return false
	}
	gap := schedule[t.testCount-1]
	return now.Sub(t.lastTestTime) >= gap
}

// timeout doubles with every test taken, capped.
func (t *testState) timeout() time.Duration {
	timeout := baseActiveTestTimeout
	for i := 0; i < t.testCount && timeout < maxActiveTestTimeout; i++ {
		timeout *= 2
	}
	if timeout > maxActiveTestTimeout {
		timeout = maxActiveTestTimeout
	}
	return timeout
}

// runActiveTests issues minimal model-level requests for half-open circuits,
// at most one per server per cycle to avoid stampeding a recovering backend.
func (s *Scheduler) runActiveTests(ctx context.Context) {
	pairs := s.delegate.HalfOpenModels()
	if len(pairs) == 0 {
		return
	}

	servers := make(map[string]*domain.Server)
	for _, server := range s.delegate.Servers() {
		servers[server.ID] = server
	}

	now := s.now()
	testedServers := make(map[string]bool)

	for _, key := range pairs {
		if ctx.Err() != nil {
			return
		}
		if testedServers[key.ServerID] {
			continue
		}
		server, ok := servers[key.ServerID]
		if !ok {
			continue
		}

		s.mu.Lock()
		state, exists := s.testStates[key]
		if !exists {
			state = &testState{}
			s.testStates[key] = state
		}
		runnable := state.due(now)
		timeout := state.timeout()
		s.mu.Unlock()

		if !runnable {
			continue
		}
		testedServers[key.ServerID] = true

		s.runActiveTest(ctx, server, key, state, timeout)
	}
}

func (s *Scheduler) runActiveTest(ctx context.Context, server *domain.Server, key domain.PairKey, state *testState, timeout time.Duration) {
	started := s.now()
	err := s.client.TestModel(ctx, server, key.Model, timeout)
	elapsed := s.now().Sub(started)

	s.mu.Lock()
	state.lastTestTime = s.now()
	state.testCount++
	s.stats.ActiveTests++

	if err == nil {
		state.consecutiveFailures = 0
		state.failureReason = ""
		state.errorKind = domain.ErrKindNone
		s.mu.Unlock()

		s.logger.InfoWithServer("Active recovery test passed", server.URL, "model", key.Model)
		s.delegate.OnActiveTestResult(key, nil)
		return
	}

	kind := domain.KindOf(err)
	state.consecutiveFailures++
	state.failureReason = err.Error()
	state.errorKind = kind
	if kind.NonRetryable() {
		// Switch ladders and restart the walk on the longer one.
		if !state.nonRetryable {
			state.nonRetryable = true
			state.testCount = 1
		}
	}
	failures := state.consecutiveFailures
	s.stats.ActiveTestFails++
	s.mu.Unlock()

	s.logger.WarnWithServer("Active recovery test failed", server.URL,
		"model", key.Model, "kind", string(kind), "error", err)

	s.recordFailure(domain.RecoveryFailureRecord{
		Timestamp:           s.now(),
		ServerID:            key.ServerID,
		Model:               key.Model,
		ErrorKind:           kind,
		ResponseTime:        elapsed,
		ConsecutiveFailures: failures,
		Source:              "active-test",
		BreakerState:        domain.BreakerHalfOpen.String(),
	})
	s.delegate.OnActiveTestResult(key, err)
}

// ResetTestState clears the active-test ladder for a pair, called when its
// breaker closes so a future trip starts fresh.
func (s *Scheduler) ResetTestState(key domain.PairKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.testStates, key)
}

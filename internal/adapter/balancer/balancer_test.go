package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

func testLBConfig() config.LoadBalancerConfig {
	return config.DefaultConfig().LoadBalancer
}

func candidate(serverID string, m *domain.PairSnapshot) *domain.Candidate {
	return &domain.Candidate{
		Server: &domain.Server{
			ID:             serverID,
			URL:            "http://" + serverID + ":11434",
			Healthy:        true,
			MaxConcurrency: 4,
		},
		Metrics: m,
		Breaker: domain.BreakerSnapshot{State: domain.BreakerClosed},
	}
}

func snapshot(last time.Duration, successRate float64) *domain.PairSnapshot {
	return &domain.PairSnapshot{
		LastLatency:   last,
		Latency:       domain.Percentiles{P50: last, P95: last, P99: last},
		SuccessRate:   successRate,
		TotalRequests: 100,
	}
}

func TestFactory_KnownAlgorithms(t *testing.T) {
	f := NewFactory(testLBConfig())

	for _, name := range []string{
		AlgorithmWeighted, AlgorithmFastestResponse, AlgorithmStreaming,
		AlgorithmRoundRobin, AlgorithmLeastConnections, AlgorithmRandom,
	} {
		selector, err := f.Create(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, selector.Name())
	}

	_, err := f.Create("priority")
	assert.Error(t, err)
	assert.Len(t, f.AvailableAlgorithms(), 6)
}

func TestWeighted_PrefersFasterServer(t *testing.T) {
	s := NewWeightedSelector(testLBConfig())
	candidates := []*domain.Candidate{
		candidate("slow", snapshot(2*time.Second, 1.0)),
		candidate("fast", snapshot(50*time.Millisecond, 1.0)),
	}

	selected, scores, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "fast", selected.Server.ID)
	require.Len(t, scores, 2)

	for _, score := range scores {
		b := score.Breakdown
		for _, component := range []float64{b.Latency, b.SuccessRate, b.Load, b.Capacity, b.CircuitBreaker, b.Timeout} {
			assert.GreaterOrEqual(t, component, 0.0)
			assert.LessOrEqual(t, component, 100.0)
		}
	}
}

func TestWeighted_BreakerStateScores(t *testing.T) {
	s := NewWeightedSelector(testLBConfig())

	closed := candidate("a", snapshot(100*time.Millisecond, 1.0))
	halfOpen := candidate("b", snapshot(100*time.Millisecond, 1.0))
	halfOpen.Breaker.State = domain.BreakerHalfOpen

	_, scores, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, []*domain.Candidate{closed, halfOpen})
	require.NoError(t, err)
	assert.Equal(t, 100.0, scores[0].Breakdown.CircuitBreaker)
	assert.Equal(t, 20.0, scores[1].Breakdown.CircuitBreaker)
}

func TestWeighted_EmptyCandidates(t *testing.T) {
	s := NewWeightedSelector(testLBConfig())
	_, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, nil)
	assert.ErrorIs(t, err, domain.ErrNoCandidate)
}

func TestWeighted_TieBreaksByInsertionOrder(t *testing.T) {
	s := NewWeightedSelector(testLBConfig())
	candidates := []*domain.Candidate{
		candidate("first", snapshot(100*time.Millisecond, 1.0)),
		candidate("second", snapshot(100*time.Millisecond, 1.0)),
	}

	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "first", selected.Server.ID)
}

func TestFastest_HotModelBoost(t *testing.T) {
	s := NewFastestSelector(testLBConfig())

	cold := candidate("cold", snapshot(100*time.Millisecond, 1.0))
	hot := candidate("hot", snapshot(150*time.Millisecond, 1.0))
	hot.Server.LoadedModels = []domain.LoadedModel{{Name: "m"}}

	// 150ms * 0.5 = 75ms beats 100ms despite higher raw latency.
	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, []*domain.Candidate{cold, hot})
	require.NoError(t, err)
	assert.Equal(t, "hot", selected.Server.ID)
}

func TestFastest_EvictionPenalty(t *testing.T) {
	s := NewFastestSelector(testLBConfig())
	base := time.Now()
	s.now = func() time.Time { return base }

	evicting := candidate("evicting", snapshot(100*time.Millisecond, 1.0))
	evicting.Server.LoadedModels = []domain.LoadedModel{{Name: "m", ExpiresAt: base.Add(10 * time.Second)}}

	stable := candidate("stable", snapshot(100*time.Millisecond, 1.0))
	stable.Server.LoadedModels = []domain.LoadedModel{{Name: "m", ExpiresAt: base.Add(time.Hour)}}

	// evicting: 100*0.5*2 = 100; stable: 100*0.5 = 50.
	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, []*domain.Candidate{evicting, stable})
	require.NoError(t, err)
	assert.Equal(t, "stable", selected.Server.ID)
}

func TestFastest_DegradationPenalty(t *testing.T) {
	s := NewFastestSelector(testLBConfig())

	degraded := snapshot(100*time.Millisecond, 1.0)
	degraded.TotalErrors = 1
	degraded.Windows = map[domain.Resolution]domain.MetricsWindow{
		domain.Res1m: {Count: 10, Errors: 5}, // 50% recent vs 1% overall
	}

	steady := snapshot(120*time.Millisecond, 1.0)

	// degraded: 100*1.3 = 130 loses to steady 120.
	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"},
		[]*domain.Candidate{candidate("degraded", degraded), candidate("steady", steady)})
	require.NoError(t, err)
	assert.Equal(t, "steady", selected.Server.ID)
}

func TestFastest_ColdPairUsesDefaultLatency(t *testing.T) {
	cfg := testLBConfig()
	s := NewFastestSelector(cfg)

	warm := candidate("warm", snapshot(100*time.Millisecond, 1.0))
	cold := candidate("cold", nil)

	// cold scores at the 500ms default; warm wins.
	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, []*domain.Candidate{cold, warm})
	require.NoError(t, err)
	assert.Equal(t, "warm", selected.Server.ID)
}

func TestStreaming_UsesTTFTForStreams(t *testing.T) {
	s := NewStreamingSelector(testLBConfig())

	slowStart := snapshot(100*time.Millisecond, 1.0)
	slowStart.AvgTTFT = 2 * time.Second
	slowStart.TTFT = domain.Percentiles{P95: 2 * time.Second}
	slowStart.AvgStream = time.Second

	quickStart := snapshot(300*time.Millisecond, 1.0)
	quickStart.AvgTTFT = 200 * time.Millisecond
	quickStart.TTFT = domain.Percentiles{P95: 200 * time.Millisecond}
	quickStart.AvgStream = time.Second

	candidates := []*domain.Candidate{
		candidate("slow-start", slowStart),
		candidate("quick-start", quickStart),
	}

	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m", Streaming: true}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "quick-start", selected.Server.ID)

	// Non-streaming delegates to fastest-response: raw latency wins.
	selected, _, _, err = s.Select(context.Background(), &domain.RequestContext{Model: "m"}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "slow-start", selected.Server.ID)
}

func TestRoundRobin_VisitsAllCandidates(t *testing.T) {
	s := NewRoundRobinSelector(testLBConfig())
	candidates := []*domain.Candidate{
		candidate("a", nil),
		candidate("b", nil),
		candidate("c", nil),
	}

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, candidates)
		require.NoError(t, err)
		seen[selected.Server.ID]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2, "c": 2}, seen)
}

func TestRoundRobin_StickySessions(t *testing.T) {
	cfg := testLBConfig()
	cfg.RoundRobin.StickySessionsTTL = time.Second
	s := NewRoundRobinSelector(cfg)

	base := time.Now()
	s.now = func() time.Time { return base }

	candidates := []*domain.Candidate{
		candidate("a", nil),
		candidate("b", nil),
		candidate("c", nil),
	}
	req := &domain.RequestContext{Model: "m", ClientID: "x"}

	first, _, reason, err := s.Select(context.Background(), req, candidates)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Server.ID)
	assert.Equal(t, "rotation order", reason)

	// 500ms later: sticky hit, rotation untouched.
	s.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	again, _, reason, err := s.Select(context.Background(), req, candidates)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Server.ID)
	assert.Equal(t, "sticky session hit", reason)

	// 1.2s after assignment: expired, next in rotation.
	s.now = func() time.Time { return base.Add(1200 * time.Millisecond) }
	next, _, _, err := s.Select(context.Background(), req, candidates)
	require.NoError(t, err)
	assert.Equal(t, "b", next.Server.ID)
}

func TestRoundRobin_RetargetsWhenStuckServerIneligible(t *testing.T) {
	cfg := testLBConfig()
	cfg.RoundRobin.StickySessionsTTL = time.Minute
	s := NewRoundRobinSelector(cfg)

	all := []*domain.Candidate{candidate("a", nil), candidate("b", nil)}
	req := &domain.RequestContext{Model: "m", ClientID: "x"}

	first, _, _, err := s.Select(context.Background(), req, all)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Server.ID)

	// "a" leaves the candidate set; the client is reassigned.
	remaining := []*domain.Candidate{candidate("b", nil)}
	next, _, _, err := s.Select(context.Background(), req, remaining)
	require.NoError(t, err)
	assert.Equal(t, "b", next.Server.ID)
}

func TestLeastConnections_PicksLowestNormalisedLoad(t *testing.T) {
	s := NewLeastConnectionsSelector(testLBConfig())

	busy := snapshot(100*time.Millisecond, 1.0)
	busy.InFlight = 3

	idle := snapshot(100*time.Millisecond, 1.0)
	idle.InFlight = 1

	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"},
		[]*domain.Candidate{candidate("busy", busy), candidate("idle", idle)})
	require.NoError(t, err)
	assert.Equal(t, "idle", selected.Server.ID)
}

func TestLeastConnections_FailureRatePenalty(t *testing.T) {
	cfg := testLBConfig()
	cfg.LeastConnections.FailureRatePenalty = 10
	s := NewLeastConnectionsSelector(cfg)

	flaky := snapshot(100*time.Millisecond, 0.5)
	flaky.InFlight = 1

	steady := snapshot(100*time.Millisecond, 1.0)
	steady.InFlight = 2

	// flaky: 1/4 * (1 + 0.5*10) = 1.5; steady: 2/4 = 0.5.
	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"},
		[]*domain.Candidate{candidate("flaky", flaky), candidate("steady", steady)})
	require.NoError(t, err)
	assert.Equal(t, "steady", selected.Server.ID)
}

func TestRandom_StaysWithinCandidates(t *testing.T) {
	s := NewRandomSelector(testLBConfig())
	s.intN = func(n int) int { return n - 1 }

	candidates := []*domain.Candidate{candidate("a", nil), candidate("b", nil)}
	selected, _, _, err := s.Select(context.Background(), &domain.RequestContext{Model: "m"}, candidates)
	require.NoError(t, err)
	assert.Equal(t, "b", selected.Server.ID)

	_, _, _, err = s.Select(context.Background(), &domain.RequestContext{Model: "m"}, nil)
	assert.ErrorIs(t, err, domain.ErrNoCandidate)
}

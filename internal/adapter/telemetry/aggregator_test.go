package telemetry

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	return NewAggregator(config.DefaultConfig(), logger.NewStyledLogger(slog.Default()))
}

func event(serverID, model string, latency time.Duration, success bool) domain.MetricsEvent {
	return domain.MetricsEvent{
		ServerID:  serverID,
		Model:     model,
		Latency:   latency,
		Success:   success,
		Timestamp: time.Now(),
	}
}

func TestAggregator_RecordSingleSuccess(t *testing.T) {
	a := newTestAggregator(t)
	a.Record(event("s1", "m", 120*time.Millisecond, true))

	snap := a.Snapshot("s1", "m")
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.TotalErrors)
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Equal(t, int64(0), snap.InFlight)

	w := snap.Windows[domain.Res1m]
	assert.Equal(t, int64(1), w.Count)
	assert.Equal(t, int64(0), w.Errors)
	assert.Equal(t, 120*time.Millisecond, w.MinLatency)
	assert.Equal(t, 120*time.Millisecond, w.MaxLatency)
}

func TestAggregator_SuccessRateBounds(t *testing.T) {
	a := newTestAggregator(t)

	for i := 0; i < 7; i++ {
		a.Record(event("s1", "m", 50*time.Millisecond, true))
	}
	for i := 0; i < 3; i++ {
		a.Record(event("s1", "m", 50*time.Millisecond, false))
	}

	snap := a.Snapshot("s1", "m")
	assert.InDelta(t, 0.7, snap.SuccessRate, 1e-9)
	assert.GreaterOrEqual(t, snap.SuccessRate, 0.0)
	assert.LessOrEqual(t, snap.SuccessRate, 1.0)

	for _, w := range snap.Windows {
		assert.GreaterOrEqual(t, w.Count, w.Errors, "count >= errors invariant")
	}
}

func TestAggregator_PercentileOrdering(t *testing.T) {
	a := newTestAggregator(t)
	for i := 1; i <= 100; i++ {
		a.Record(event("s1", "m", time.Duration(i)*time.Millisecond, true))
	}

	snap := a.Snapshot("s1", "m")
	assert.LessOrEqual(t, snap.Latency.P50, snap.Latency.P95)
	assert.LessOrEqual(t, snap.Latency.P95, snap.Latency.P99)
	assert.Equal(t, 50*time.Millisecond, snap.Latency.P50)
	assert.Equal(t, 95*time.Millisecond, snap.Latency.P95)
	assert.Equal(t, 99*time.Millisecond, snap.Latency.P99)
}

func TestPercentile_EdgeCases(t *testing.T) {
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5), "empty sample is zero")

	single := []time.Duration{42 * time.Millisecond}
	assert.Equal(t, 42*time.Millisecond, percentile(single, 0.5))
	assert.Equal(t, 42*time.Millisecond, percentile(single, 0.99))
}

func TestLatencyRing_ReplacesOldest(t *testing.T) {
	r := newLatencyRing(3)
	for i := 1; i <= 5; i++ {
		r.Add(time.Duration(i))
	}
	assert.Equal(t, 3, r.Len())
	sorted := r.Sorted()
	assert.Equal(t, []time.Duration{3, 4, 5}, sorted)
}

func TestAggregator_WindowAdvance(t *testing.T) {
	a := newTestAggregator(t)
	base := time.Now()
	a.now = func() time.Time { return base }

	a.Record(domain.MetricsEvent{ServerID: "s1", Model: "m", Latency: 10 * time.Millisecond, Success: true, Timestamp: base})

	// 90s later the 1m window has rolled over; the 5m window has not.
	later := base.Add(90 * time.Second)
	a.Record(domain.MetricsEvent{ServerID: "s1", Model: "m", Latency: 20 * time.Millisecond, Success: true, Timestamp: later})

	a.now = func() time.Time { return later }
	snap := a.Snapshot("s1", "m")

	assert.Equal(t, int64(1), snap.Windows[domain.Res1m].Count, "1m window restarted")
	assert.Equal(t, int64(2), snap.Windows[domain.Res5m].Count, "5m window still accumulating")

	// New 1m window starts exactly at the previous end.
	w := snap.Windows[domain.Res1m]
	assert.Equal(t, base.Add(time.Minute), w.StartTime)
}

func TestAggregator_InFlightNeverNegative(t *testing.T) {
	a := newTestAggregator(t)

	a.IncInFlight("s1", "m")
	a.DecInFlight("s1", "m")
	a.DecInFlight("s1", "m") // double release

	assert.Equal(t, int64(0), a.InFlight("s1", "m"))
}

func TestAggregator_DecayAppliesWhenStale(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Decay.Enabled = true
	cfg.Metrics.Decay.StaleThreshold = time.Minute
	cfg.Metrics.Decay.HalfLife = time.Minute
	cfg.Metrics.Decay.MinDecayFactor = 0.1
	a := NewAggregator(cfg, logger.NewStyledLogger(slog.Default()))

	base := time.Now()
	a.Record(domain.MetricsEvent{ServerID: "s1", Model: "m", Latency: 10 * time.Millisecond, Success: true, Timestamp: base})

	// Exactly one half-life past the stale threshold boundary.
	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	snap := a.Snapshot("s1", "m")
	assert.InDelta(t, 0.25, snap.SuccessRate, 0.01, "two half-lives elapsed")

	// Far past: floored at the minimum factor.
	a.now = func() time.Time { return base.Add(time.Hour) }
	snap = a.Snapshot("s1", "m")
	assert.InDelta(t, 0.1, snap.SuccessRate, 0.001)
}

func TestAggregator_BlendedLatency(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LoadBalancer.LatencyBlendRecent = 0.6
	cfg.LoadBalancer.LatencyBlendHistorical = 0.4
	a := NewAggregator(cfg, logger.NewStyledLogger(slog.Default()))

	assert.Equal(t, cfg.LoadBalancer.DefaultLatency, a.BlendedLatency("s1", "m"), "no data falls back to default")

	for i := 1; i <= 10; i++ {
		a.Record(event("s1", "m", time.Duration(i*10)*time.Millisecond, true))
	}
	// last=100ms, P95 of 10..100 = 100ms -> blend = 100ms
	assert.Equal(t, 100*time.Millisecond, a.BlendedLatency("s1", "m"))
}

func TestAggregator_StreamingMetrics(t *testing.T) {
	a := newTestAggregator(t)
	a.Record(domain.MetricsEvent{
		ServerID:          "s1",
		Model:             "m",
		Latency:           2 * time.Second,
		Success:           true,
		Streaming:         true,
		TTFT:              300 * time.Millisecond,
		StreamingDuration: 1700 * time.Millisecond,
		TokensGenerated:   64,
		Timestamp:         time.Now(),
	})

	snap := a.Snapshot("s1", "m")
	assert.Equal(t, 300*time.Millisecond, snap.AvgTTFT)
	assert.Equal(t, 1700*time.Millisecond, snap.AvgStream)
	assert.Equal(t, 300*time.Millisecond, snap.TTFT.P50)
	assert.Equal(t, float64(64), snap.AvgTokens)
}

func TestAggregator_DumpRestoreRoundTrip(t *testing.T) {
	a := newTestAggregator(t)
	for i := 0; i < 5; i++ {
		a.Record(event("s1", "m", 100*time.Millisecond, i != 0))
	}

	dump := a.Dump()
	require.Contains(t, dump.Servers, "s1:m")

	b := newTestAggregator(t)
	b.Restore(dump)
	snap := b.Snapshot("s1", "m")
	assert.Equal(t, int64(5), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalErrors)
	assert.Equal(t, 100*time.Millisecond, snap.LastLatency)
}

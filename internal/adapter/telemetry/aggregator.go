package telemetry

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
)

// throughputAlpha smooths the requests-per-minute estimate.
const throughputAlpha = 0.2

// Aggregator ingests one event per completed request attempt and answers
// read queries for the load balancer and the health surface. State is
// partitioned per (server, model); each partition has its own mutex, the
// xsync map keeps partition lookup lock-free.
type Aggregator struct {
	pairs *xsync.Map[string, *pairMetrics]

	blendRecent     float64
	blendHistorical float64
	defaultLatency  time.Duration
	ringSize        int
	decay           config.DecayConfig

	logger *logger.StyledLogger
	now    func() time.Time
}

type pairMetrics struct {
	mu sync.Mutex

	serverID string
	model    string

	windows    map[domain.Resolution]*domain.MetricsWindow
	recent     *latencyRing
	ttftRecent *latencyRing

	totalRequests int64
	totalErrors   int64
	tokensSum     int64

	ttftSum     time.Duration
	ttftCount   int64
	streamSum   time.Duration
	streamCount int64

	lastLatency time.Duration
	throughput  float64 // req/min, EWMA
	lastUpdate  time.Time

	inFlight atomic.Int64
	queued   atomic.Int64
}

func NewAggregator(cfg *config.Config, log *logger.StyledLogger) *Aggregator {
	ringSize := cfg.Metrics.RecentLatencyWindow
	if ringSize < 1 {
		ringSize = 500
	}
	return &Aggregator{
		pairs:           xsync.NewMap[string, *pairMetrics](),
		blendRecent:     cfg.LoadBalancer.LatencyBlendRecent,
		blendHistorical: cfg.LoadBalancer.LatencyBlendHistorical,
		defaultLatency:  cfg.LoadBalancer.DefaultLatency,
		ringSize:        ringSize,
		decay:           cfg.Metrics.Decay,
		logger:          log,
		now:             time.Now,
	}
}

func (a *Aggregator) pair(serverID, model string) *pairMetrics {
	key := serverID + ":" + model
	if pm, ok := a.pairs.Load(key); ok {
		return pm
	}
	pm, _ := a.pairs.LoadOrStore(key, &pairMetrics{
		serverID:   serverID,
		model:      model,
		windows:    make(map[domain.Resolution]*domain.MetricsWindow, len(domain.Resolutions)),
		recent:     newLatencyRing(a.ringSize),
		ttftRecent: newLatencyRing(a.ringSize),
	})
	return pm
}

// Record ingests one observation.
func (a *Aggregator) Record(event domain.MetricsEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	pm := a.pair(event.ServerID, event.Model)
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, res := range domain.Resolutions {
		w := pm.window(res, event.Timestamp)
		w.Count++
		if !event.Success {
			w.Errors++
		}
		latencyMs := float64(event.Latency.Milliseconds())
		w.LatencySum += event.Latency
		w.LatencySquaredSum += latencyMs * latencyMs
		if w.MinLatency == 0 || event.Latency < w.MinLatency {
			w.MinLatency = event.Latency
		}
		if event.Latency > w.MaxLatency {
			w.MaxLatency = event.Latency
		}
		w.TokensGenerated += event.TokensGenerated
		w.TokensPrompt += event.TokensPrompt
		if event.Streaming {
			w.StreamCount++
			w.TTFTSum += event.TTFT
			w.StreamingDurationSum += event.StreamingDuration
		}
	}

	pm.totalRequests++
	if !event.Success {
		pm.totalErrors++
	}
	pm.tokensSum += event.TokensGenerated

	pm.recent.Add(event.Latency)
	pm.lastLatency = event.Latency

	if event.Streaming {
		if event.TTFT > 0 {
			pm.ttftRecent.Add(event.TTFT)
			pm.ttftSum += event.TTFT
			pm.ttftCount++
		}
		if event.StreamingDuration > 0 {
			pm.streamSum += event.StreamingDuration
			pm.streamCount++
		}
	}

	// Instantaneous rate from inter-arrival time, folded into the EWMA.
	if !pm.lastUpdate.IsZero() {
		gap := event.Timestamp.Sub(pm.lastUpdate)
		if gap > 0 {
			instant := float64(time.Minute) / float64(gap)
			pm.throughput = throughputAlpha*instant + (1-throughputAlpha)*pm.throughput
		}
	} else {
		pm.throughput = 1
	}
	pm.lastUpdate = event.Timestamp
}

// window returns the live window for res, advancing it when its span has
// elapsed. On advance the new window starts at the previous end, skipping
// whole periods if the pair was idle.
func (pm *pairMetrics) window(res domain.Resolution, now time.Time) *domain.MetricsWindow {
	size := res.Duration()
	w, ok := pm.windows[res]
	if !ok {
		w = &domain.MetricsWindow{StartTime: now, EndTime: now.Add(size)}
		pm.windows[res] = w
		return w
	}

	if elapsed := now.Sub(w.StartTime); elapsed >= size {
		periods := elapsed / size
		start := w.StartTime.Add(periods * size)
		*w = domain.MetricsWindow{StartTime: start, EndTime: start.Add(size)}
	}
	return w
}

// IncInFlight / DecInFlight bracket one dispatched attempt. The decrement is
// clamped so a double release can never push the counter negative.
func (a *Aggregator) IncInFlight(serverID, model string) {
	a.pair(serverID, model).inFlight.Add(1)
}

func (a *Aggregator) DecInFlight(serverID, model string) {
	pm := a.pair(serverID, model)
	if pm.inFlight.Add(-1) < 0 {
		pm.inFlight.Store(0)
	}
}

func (a *Aggregator) InFlight(serverID, model string) int64 {
	return a.pair(serverID, model).inFlight.Load()
}

func (a *Aggregator) IncQueued(serverID, model string) {
	a.pair(serverID, model).queued.Add(1)
}

func (a *Aggregator) DecQueued(serverID, model string) {
	pm := a.pair(serverID, model)
	if pm.queued.Add(-1) < 0 {
		pm.queued.Store(0)
	}
}

// Snapshot returns a coherent read view for (serverID, model). Percentiles
// are recomputed lazily from the recent rings; decay is applied to
// successRate and throughput when the pair has gone stale.
func (a *Aggregator) Snapshot(serverID, model string) *domain.PairSnapshot {
	pm := a.pair(serverID, model)
	now := a.now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	sorted := pm.recent.Sorted()
	ttftSorted := pm.ttftRecent.Sorted()

	snap := &domain.PairSnapshot{
		ServerID:      serverID,
		Model:         model,
		InFlight:      pm.inFlight.Load(),
		Queued:        pm.queued.Load(),
		TotalRequests: pm.totalRequests,
		TotalErrors:   pm.totalErrors,
		LastLatency:   pm.lastLatency,
		LastUpdated:   pm.lastUpdate,
		Latency: domain.Percentiles{
			P50: percentile(sorted, 0.50),
			P95: percentile(sorted, 0.95),
			P99: percentile(sorted, 0.99),
		},
		TTFT: domain.Percentiles{
			P50: percentile(ttftSorted, 0.50),
			P95: percentile(ttftSorted, 0.95),
			P99: percentile(ttftSorted, 0.99),
		},
		Windows: make(map[domain.Resolution]domain.MetricsWindow, len(pm.windows)),
	}

	if pm.ttftCount > 0 {
		snap.AvgTTFT = pm.ttftSum / time.Duration(pm.ttftCount)
	}
	if pm.streamCount > 0 {
		snap.AvgStream = pm.streamSum / time.Duration(pm.streamCount)
	}
	if pm.totalRequests > 0 {
		snap.SuccessRate = float64(pm.totalRequests-pm.totalErrors) / float64(pm.totalRequests)
		snap.AvgTokens = float64(pm.tokensSum) / float64(pm.totalRequests)
	} else {
		snap.SuccessRate = 1.0
	}
	snap.Throughput = pm.throughput

	for res, w := range pm.windows {
		// A window whose span fully elapsed while idle contributes nothing.
		if now.Sub(w.StartTime) >= res.Duration() {
			snap.Windows[res] = domain.MetricsWindow{
				StartTime: w.StartTime.Add(res.Duration()),
				EndTime:   w.StartTime.Add(2 * res.Duration()),
			}
			continue
		}
		snap.Windows[res] = *w
	}
	if w, ok := snap.Windows[domain.Res1m]; ok {
		snap.RecentFailures = w.Errors
	}

	a.applyDecay(snap, now)
	return snap
}

// applyDecay halves successRate and throughput per half-life once the pair
// has been stale longer than the threshold, floored at the configured
// minimum factor.
func (a *Aggregator) applyDecay(snap *domain.PairSnapshot, now time.Time) {
	if !a.decay.Enabled || snap.LastUpdated.IsZero() {
		return
	}
	stale := now.Sub(snap.LastUpdated)
	if stale <= a.decay.StaleThreshold {
		return
	}

	factor := math.Pow(0.5, float64(stale)/float64(a.decay.HalfLife))
	if factor < a.decay.MinDecayFactor {
		factor = a.decay.MinDecayFactor
	}
	snap.SuccessRate *= factor
	snap.Throughput *= factor
}

// BlendedLatency is the effective latency for latency-sensitive algorithms:
// recent (last response) blended with historical (P95). Pairs with no data
// report the configured default so new servers neither dominate nor vanish.
func (a *Aggregator) BlendedLatency(serverID, model string) time.Duration {
	pm := a.pair(serverID, model)
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.recent.Len() == 0 {
		return a.defaultLatency
	}
	historical := percentile(pm.recent.Sorted(), 0.95)
	blended := a.blendRecent*float64(pm.lastLatency) + a.blendHistorical*float64(historical)
	return time.Duration(blended)
}

// SnapshotAll returns snapshots for every tracked pair.
func (a *Aggregator) SnapshotAll() []*domain.PairSnapshot {
	var out []*domain.PairSnapshot
	a.pairs.Range(func(key string, pm *pairMetrics) bool {
		out = append(out, a.Snapshot(pm.serverID, pm.model))
		return true
	})
	return out
}

// Dump produces the persistable form keyed "<serverId>:<model>".
func (a *Aggregator) Dump() domain.MetricsDump {
	dump := domain.MetricsDump{
		Timestamp: a.now(),
		Servers:   make(map[string]domain.PairSnapshot),
	}
	a.pairs.Range(func(key string, pm *pairMetrics) bool {
		dump.Servers[key] = *a.Snapshot(pm.serverID, pm.model)
		return true
	})
	return dump
}

// Restore seeds lifetime counters and smoothed values from a persisted
// dump. Windows and rings restart empty; they only describe the current
// process.
func (a *Aggregator) Restore(dump domain.MetricsDump) {
	for _, snap := range dump.Servers {
		if snap.ServerID == "" || snap.Model == "" {
			continue
		}
		pm := a.pair(snap.ServerID, snap.Model)
		pm.mu.Lock()
		pm.totalRequests = snap.TotalRequests
		pm.totalErrors = snap.TotalErrors
		pm.lastLatency = snap.LastLatency
		pm.throughput = snap.Throughput
		if snap.TotalRequests > 0 {
			pm.tokensSum = int64(snap.AvgTokens * float64(snap.TotalRequests))
		}
		pm.mu.Unlock()
	}
}

// Forget drops all state for a server, across every model.
func (a *Aggregator) Forget(serverID string) {
	var keys []string
	a.pairs.Range(func(key string, pm *pairMetrics) bool {
		if pm.serverID == serverID {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		a.pairs.Delete(key)
	}
}

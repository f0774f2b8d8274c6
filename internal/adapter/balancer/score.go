package balancer

import (
	"time"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// maxAdaptiveTimeout normalises the timeout sub-score and caps outbound
// deadlines.
const maxAdaptiveTimeout = 300 * time.Second

const minAdaptiveTimeout = 30 * time.Second

// blendedLatency mirrors the aggregator's blend from a snapshot: recent and
// historical components weighted per config, falling back to the configured
// default when the pair has no data yet.
func blendedLatency(cfg config.LoadBalancerConfig, m *domain.PairSnapshot) time.Duration {
	if m == nil || m.LastLatency == 0 {
		return cfg.DefaultLatency
	}
	historical := m.Latency.P95
	if historical == 0 {
		historical = m.LastLatency
	}
	blended := cfg.LatencyBlendRecent*float64(m.LastLatency) + cfg.LatencyBlendHistorical*float64(historical)
	return time.Duration(blended)
}

// AdaptiveTimeout derives the outbound deadline for a pair from its blended
// latency, clamped so a cold pair still gets a generous window and a slow one
// cannot stretch past the ceiling.
func AdaptiveTimeout(cfg config.LoadBalancerConfig, m *domain.PairSnapshot) time.Duration {
	blended := blendedLatency(cfg, m)
	timeout := time.Duration(float64(blended) * cfg.LoadFactorMultiplier * 10)
	if timeout < minAdaptiveTimeout {
		timeout = minAdaptiveTimeout
	}
	if timeout > maxAdaptiveTimeout {
		timeout = maxAdaptiveTimeout
	}
	return timeout
}

func maxConcurrencyFor(cfg config.LoadBalancerConfig, s *domain.Server) int {
	if s.MaxConcurrency > 0 {
		return s.MaxConcurrency
	}
	return cfg.DefaultMaxConcurrency
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

package balancer

import (
	"context"
	"time"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// FastestSelector minimises blended latency, adjusted for model residency:
// a model already loaded on the server is strongly preferred, unless it is
// about to be evicted, and pairs degrading in the last minute are demoted.
type FastestSelector struct {
	cfg config.LoadBalancerConfig
	now func() time.Time
}

func NewFastestSelector(cfg config.LoadBalancerConfig) *FastestSelector {
	return &FastestSelector{cfg: cfg, now: time.Now}
}

func (f *FastestSelector) Name() string {
	return AlgorithmFastestResponse
}

func (f *FastestSelector) Select(ctx context.Context, req *domain.RequestContext, candidates []*domain.Candidate) (*domain.Candidate, []domain.CandidateScore, string, error) {
	if len(candidates) == 0 {
		return nil, nil, "", domain.ErrNoCandidate
	}

	scores := make([]domain.CandidateScore, 0, len(candidates))
	var selected *domain.Candidate
	best := -1.0

	for _, candidate := range candidates {
		score := f.score(req.Model, candidate)
		scores = append(scores, domain.CandidateScore{
			ServerID:   candidate.Server.ID,
			TotalScore: score,
			Breakdown:  domain.ScoreBreakdown{Latency: score},
			Snapshot:   candidate.Metrics,
		})
		// Lower is better; strictly lower keeps ties stable.
		if best < 0 || score < best {
			best = score
			selected = candidate
		}
	}

	return selected, scores, "lowest adjusted latency", nil
}

// score returns an adjusted latency in milliseconds, lower is better.
func (f *FastestSelector) score(model string, c *domain.Candidate) float64 {
	m := c.Metrics
	score := float64(blendedLatency(f.cfg, m)) / float64(time.Millisecond)

	if loaded := c.Server.GetLoadedModel(model); loaded != nil {
		score *= 0.5
		if !loaded.ExpiresAt.IsZero() {
			// Routing to a model about to be evicted just forces a reload.
			switch remaining := loaded.ExpiresAt.Sub(f.now()); {
			case remaining < 30*time.Second:
				score *= 2
			case remaining < 2*time.Minute:
				score *= 1.2
			}
		}
	}

	if m != nil {
		if m.SuccessRate < f.cfg.Thresholds.MinSuccessRate {
			score *= 1 + f.cfg.Thresholds.ErrorPenalty
		}
		if recentlyDegraded(m) {
			score *= 1.3
		}
		if m.Latency.P95 > f.cfg.Thresholds.MaxP95Latency {
			score *= 1 + f.cfg.Thresholds.LatencyPenalty
		}
	}

	if c.Breaker.State == domain.BreakerHalfOpen {
		score *= 1 + f.cfg.Thresholds.CircuitBreakerPenalty
	}

	return score
}

// recentlyDegraded reports whether the last-minute error rate runs at least
// 1.5x the pair's overall rate.
func recentlyDegraded(m *domain.PairSnapshot) bool {
	w, ok := m.Windows[domain.Res1m]
	if !ok || w.Count == 0 || m.TotalRequests == 0 {
		return false
	}
	recentRate := float64(w.Errors) / float64(w.Count)
	overallRate := float64(m.TotalErrors) / float64(m.TotalRequests)
	return recentRate > 1.5*overallRate && recentRate > 0
}

var _ domain.ServerSelector = (*FastestSelector)(nil)

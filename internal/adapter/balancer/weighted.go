package balancer

import (
	"context"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// WeightedSelector scores every candidate on six [0,100] components and
// takes the weighted sum. Weights need not sum to one, only be positive.
type WeightedSelector struct {
	cfg config.LoadBalancerConfig
}

func NewWeightedSelector(cfg config.LoadBalancerConfig) *WeightedSelector {
	return &WeightedSelector{cfg: cfg}
}

func (w *WeightedSelector) Name() string {
	return AlgorithmWeighted
}

func (w *WeightedSelector) Select(ctx context.Context, req *domain.RequestContext, candidates []*domain.Candidate) (*domain.Candidate, []domain.CandidateScore, string, error) {
	if len(candidates) == 0 {
		return nil, nil, "", domain.ErrNoCandidate
	}

	scores := make([]domain.CandidateScore, 0, len(candidates))
	var selected *domain.Candidate
	best := -1.0

	for _, candidate := range candidates {
		breakdown := w.score(candidate)
		total := w.cfg.Weights.Latency*breakdown.Latency +
			w.cfg.Weights.SuccessRate*breakdown.SuccessRate +
			w.cfg.Weights.Load*breakdown.Load +
			w.cfg.Weights.Capacity*breakdown.Capacity +
			w.cfg.Weights.CircuitBreaker*breakdown.CircuitBreaker +
			w.cfg.Weights.Timeout*breakdown.Timeout

		scores = append(scores, domain.CandidateScore{
			ServerID:   candidate.Server.ID,
			TotalScore: total,
			Breakdown:  breakdown,
			Snapshot:   candidate.Metrics,
		})

		// Strictly greater keeps ties stable in insertion order.
		if total > best {
			best = total
			selected = candidate
		}
	}

	return selected, scores, "highest weighted score", nil
}

func (w *WeightedSelector) score(c *domain.Candidate) domain.ScoreBreakdown {
	m := c.Metrics
	maxConcurrency := maxConcurrencyFor(w.cfg, c.Server)
	blended := blendedLatency(w.cfg, m)

	var breakdown domain.ScoreBreakdown

	breakdown.Latency = clampScore((1 - float64(blended)/float64(w.cfg.Thresholds.MaxP95Latency)) * 100)

	successRate := 1.0
	if m != nil {
		successRate = m.SuccessRate
	}
	successScore := successRate * 100
	if successRate < w.cfg.Thresholds.MinSuccessRate {
		successScore *= 1 - w.cfg.Thresholds.ErrorPenalty
	}
	breakdown.SuccessRate = clampScore(successScore)

	var inFlight, queued, recentFailures int64
	if m != nil {
		inFlight = m.InFlight
		queued = m.Queued
		recentFailures = m.RecentFailures
	}
	totalLoad := float64(inFlight + queued)
	breakdown.Load = clampScore((1 - totalLoad/(2*float64(maxConcurrency))) * 100)

	available := float64(maxConcurrency) - float64(inFlight)
	breakdown.Capacity = clampScore(available / float64(maxConcurrency) * 100)

	var breakerScore float64
	switch c.Breaker.State {
	case domain.BreakerClosed:
		breakerScore = 100
	case domain.BreakerHalfOpen:
		breakerScore = 20
	default:
		breakerScore = 5
	}
	breakerScore -= 5 * float64(recentFailures)
	breakdown.CircuitBreaker = clampScore(breakerScore)

	timeout := AdaptiveTimeout(w.cfg, m)
	breakdown.Timeout = clampScore((1 - float64(timeout)/float64(maxAdaptiveTimeout)) * 100)

	return breakdown
}

var _ domain.ServerSelector = (*WeightedSelector)(nil)

package balancer

import (
	"context"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// LeastConnectionsSelector minimises normalised load. Load is scaled by each
// server's concurrency limit so a busy large server can still beat an idle
// small one near its cap, and an optional failure-rate penalty steers
// traffic away from erroring pairs.
type LeastConnectionsSelector struct {
	cfg config.LoadBalancerConfig
}

func NewLeastConnectionsSelector(cfg config.LoadBalancerConfig) *LeastConnectionsSelector {
	return &LeastConnectionsSelector{cfg: cfg}
}

func (l *LeastConnectionsSelector) Name() string {
	return AlgorithmLeastConnections
}

func (l *LeastConnectionsSelector) Select(ctx context.Context, req *domain.RequestContext, candidates []*domain.Candidate) (*domain.Candidate, []domain.CandidateScore, string, error) {
	if len(candidates) == 0 {
		return nil, nil, "", domain.ErrNoCandidate
	}

	lc := l.cfg.LeastConnections
	scores := make([]domain.CandidateScore, 0, len(candidates))
	var selected *domain.Candidate
	best := -1.0

	for _, candidate := range candidates {
		if lc.SkipUnhealthy && !candidate.Server.Healthy {
			continue
		}

		var load float64
		successRate := 1.0
		if m := candidate.Metrics; m != nil {
			load = float64(m.InFlight)
			successRate = m.SuccessRate
		}

		score := load
		if lc.ConsiderCapacity {
			score = load / float64(maxConcurrencyFor(l.cfg, candidate.Server))
		}
		if lc.ConsiderFailureRate && successRate < 1 {
			score *= 1 + (1-successRate)*lc.FailureRatePenalty
		}

		scores = append(scores, domain.CandidateScore{
			ServerID:   candidate.Server.ID,
			TotalScore: score,
			Breakdown:  domain.ScoreBreakdown{Load: score},
			Snapshot:   candidate.Metrics,
		})
		if best < 0 || score < best {
			best = score
			selected = candidate
		}
	}

	if selected == nil {
		return nil, nil, "", domain.ErrNoCandidate
	}
	return selected, scores, "lowest normalised load", nil
}

var _ domain.ServerSelector = (*LeastConnectionsSelector)(nil)

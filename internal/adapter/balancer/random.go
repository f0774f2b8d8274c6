package balancer

import (
	"context"
	"math/rand/v2"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// RandomSelector picks uniformly. Useful for chaos testing and A/B
// comparisons against the scoring algorithms.
type RandomSelector struct {
	intN func(n int) int
}

func NewRandomSelector(_ config.LoadBalancerConfig) *RandomSelector {
	return &RandomSelector{intN: rand.IntN}
}

func (r *RandomSelector) Name() string {
	return AlgorithmRandom
}

func (r *RandomSelector) Select(ctx context.Context, req *domain.RequestContext, candidates []*domain.Candidate) (*domain.Candidate, []domain.CandidateScore, string, error) {
	if len(candidates) == 0 {
		return nil, nil, "", domain.ErrNoCandidate
	}
	return candidates[r.intN(len(candidates))], nil, "uniform random pick", nil
}

var _ domain.ServerSelector = (*RandomSelector)(nil)

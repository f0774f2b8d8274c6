package balancer

import (
	"context"
	"time"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// StreamingSelector optimises for time-to-first-token plus estimated stream
// duration. Non-streaming requests fall through to fastest-response, which
// also supplies the latency fallback for pairs with no streaming history.
type StreamingSelector struct {
	cfg     config.LoadBalancerConfig
	fastest *FastestSelector
}

func NewStreamingSelector(cfg config.LoadBalancerConfig) *StreamingSelector {
	return &StreamingSelector{cfg: cfg, fastest: NewFastestSelector(cfg)}
}

func (s *StreamingSelector) Name() string {
	return AlgorithmStreaming
}

func (s *StreamingSelector) Select(ctx context.Context, req *domain.RequestContext, candidates []*domain.Candidate) (*domain.Candidate, []domain.CandidateScore, string, error) {
	if len(candidates) == 0 {
		return nil, nil, "", domain.ErrNoCandidate
	}
	if !req.Streaming {
		return s.fastest.Select(ctx, req, candidates)
	}

	sc := s.cfg.Streaming
	scores := make([]domain.CandidateScore, 0, len(candidates))
	var selected *domain.Candidate
	best := -1.0

	for _, candidate := range candidates {
		ttft, duration := s.estimate(candidate.Metrics)
		score := float64(ttft)/float64(time.Millisecond)*sc.TTFTWeight +
			float64(duration)/float64(time.Millisecond)*sc.DurationWeight

		scores = append(scores, domain.CandidateScore{
			ServerID:   candidate.Server.ID,
			TotalScore: score,
			Breakdown: domain.ScoreBreakdown{
				Latency: float64(ttft) / float64(time.Millisecond),
				Timeout: float64(duration) / float64(time.Millisecond),
			},
			Snapshot: candidate.Metrics,
		})
		if best < 0 || score < best {
			best = score
			selected = candidate
		}
	}

	return selected, scores, "lowest streaming estimate", nil
}

// estimate blends observed TTFT with its P95 when streaming history exists,
// otherwise falls back to the blended base latency.
func (s *StreamingSelector) estimate(m *domain.PairSnapshot) (ttft, duration time.Duration) {
	base := blendedLatency(s.cfg, m)
	sc := s.cfg.Streaming

	ttft = base
	if m != nil && m.AvgTTFT > 0 {
		historical := m.TTFT.P95
		if historical == 0 {
			historical = m.AvgTTFT
		}
		ttft = time.Duration(sc.TTFTBlendAvg*float64(m.AvgTTFT) + sc.TTFTBlendP95*float64(historical))
	}

	duration = time.Duration(float64(base) * sc.DurationEstimateMultiplier)
	if m != nil && m.AvgStream > 0 {
		duration = m.AvgStream
	}
	return ttft, duration
}

var _ domain.ServerSelector = (*StreamingSelector)(nil)

package balancer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// RoundRobinSelector rotates through candidates with a monotonic counter.
// When sticky sessions are enabled, a client keeps its assigned server until
// the TTL expires or the server drops out of the candidate set.
type RoundRobinSelector struct {
	cfg     config.LoadBalancerConfig
	counter atomic.Uint64
	sticky  *xsync.Map[string, stickyEntry]
	now     func() time.Time
}

type stickyEntry struct {
	serverID  string
	expiresAt time.Time
}

func NewRoundRobinSelector(cfg config.LoadBalancerConfig) *RoundRobinSelector {
	return &RoundRobinSelector{
		cfg:    cfg,
		sticky: xsync.NewMap[string, stickyEntry](),
		now:    time.Now,
	}
}

func (r *RoundRobinSelector) Name() string {
	return AlgorithmRoundRobin
}

func (r *RoundRobinSelector) Select(ctx context.Context, req *domain.RequestContext, candidates []*domain.Candidate) (*domain.Candidate, []domain.CandidateScore, string, error) {
	if len(candidates) == 0 {
		return nil, nil, "", domain.ErrNoCandidate
	}

	ttl := r.cfg.RoundRobin.StickySessionsTTL
	if req.ClientID != "" && ttl > 0 {
		if entry, ok := r.sticky.Load(req.ClientID); ok {
			if r.now().Before(entry.expiresAt) {
				for _, candidate := range candidates {
					if candidate.Server.ID == entry.serverID {
						return candidate, nil, "sticky session hit", nil
					}
				}
			}
			// Expired or the server dropped out; retarget below.
			r.sticky.Delete(req.ClientID)
		}
	}

	selected := r.next(candidates)
	if selected == nil {
		return nil, nil, "", domain.ErrNoCandidate
	}

	if req.ClientID != "" && ttl > 0 {
		r.sticky.Store(req.ClientID, stickyEntry{
			serverID:  selected.Server.ID,
			expiresAt: r.now().Add(ttl),
		})
	}
	return selected, nil, "rotation order", nil
}

// next advances the rotation, skipping candidates the optional capacity and
// health checks reject. At most one full lap.
func (r *RoundRobinSelector) next(candidates []*domain.Candidate) *domain.Candidate {
	n := uint64(len(candidates))
	for range candidates {
		idx := (r.counter.Add(1) - 1) % n
		candidate := candidates[idx]
		if r.cfg.RoundRobin.SkipUnhealthy && !candidate.Server.Healthy {
			continue
		}
		if r.cfg.RoundRobin.CheckCapacity && candidate.Metrics != nil {
			if candidate.Metrics.InFlight >= int64(maxConcurrencyFor(r.cfg, candidate.Server)) {
				continue
			}
		}
		return candidate
	}
	return nil
}

var _ domain.ServerSelector = (*RoundRobinSelector)(nil)

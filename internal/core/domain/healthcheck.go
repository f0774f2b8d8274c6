package domain

import (
	"context"
	"time"
)

// ProbeResult is the outcome of one health probe against a server. Models
// and LoadedModels are nil when the respective enumeration failed, so the
// reconciler can tell "empty" from "unknown".
type ProbeResult struct {
	ServerID        string
	Healthy         bool
	Latency         time.Duration
	Models          []ModelInfo
	LoadedModels    []LoadedModel
	SupportsPrimary bool
	SupportsCompat  bool
	ErrorKind       ErrorKind
	Err             error
}

// Candidate is one eligible (server, model) pairing handed to a selector,
// carrying the telemetry and breaker snapshots the scoring needs.
type Candidate struct {
	Server  *Server
	Metrics *PairSnapshot
	Breaker BreakerSnapshot
}

// ServerSelector picks one candidate from a prefiltered set. Implementations
// return the per-candidate scores and a short human-readable reason for the
// pick so the orchestrator can record a decision event; algorithms without
// meaningful scores may return nil scores.
type ServerSelector interface {
	Name() string
	Select(ctx context.Context, req *RequestContext, candidates []*Candidate) (*Candidate, []CandidateScore, string, error)
}

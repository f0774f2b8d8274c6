package ports

import (
	"context"
	"io"
	"time"

	"github.com/nareth/helmsman/internal/core/domain"
)

// BackendClient is the protocol adapter for one fleet of homogeneous
// model-serving backends. Implementations classify failures into typed
// error kinds at this boundary; callers never pattern-match messages.
type BackendClient interface {
	// ListModels enumerates installed models. A nil error means the server
	// answered within the deadline.
	ListModels(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error)

	// ListLoadedModels enumerates models resident in VRAM. Optional on the
	// backend side; failures are non-fatal to health determination.
	ListLoadedModels(ctx context.Context, server *domain.Server) ([]domain.LoadedModel, error)

	// DiscoverCompat probes the OpenAI-compatible enumeration surface.
	DiscoverCompat(ctx context.Context, server *domain.Server) (bool, error)

	// Execute proxies one inference request. For streaming requests chunks
	// are forwarded to out as they arrive with TTFT / activity / duration
	// bookkeeping; for unary requests the payload is returned in the result.
	Execute(ctx context.Context, server *domain.Server, req *domain.RequestContext, payload []byte, out io.Writer) (*domain.CompletionResult, error)

	// TestModel issues a minimal model-level request used by active
	// recovery testing of half-open circuits.
	TestModel(ctx context.Context, server *domain.Server, model string, timeout time.Duration) error
}

// Store persists orchestrator state as versioned JSON files with atomic
// writes. Loads tolerate missing files (empty result) and corrupt payloads
// (logged by the implementation, empty result, nil error).
type Store interface {
	LoadServers() ([]*domain.Server, error)
	SaveServers(servers []*domain.Server) error

	LoadBans() ([]domain.Ban, error)
	SaveBans(bans []domain.Ban) error

	SaveMetrics(dump domain.MetricsDump) error
	LoadMetrics() (domain.MetricsDump, error)

	SaveDecisions(events []domain.DecisionEvent) error
	LoadDecisions() ([]domain.DecisionEvent, error)

	SaveRequests(byServer map[string][]domain.RequestRecord) error
	LoadRequests() (map[string][]domain.RequestRecord, error)

	SaveRecoveryFailures(records []domain.RecoveryFailureRecord) error
	LoadRecoveryFailures() ([]domain.RecoveryFailureRecord, error)
}

// HealthDelegate is the narrow callback surface the health scheduler holds
// instead of reaching into the registry and breakers directly.
type HealthDelegate interface {
	// Servers returns a coherent copy of the fleet.
	Servers() []*domain.Server

	// HalfOpenModels lists (server, model) pairs whose breaker is half-open
	// and therefore eligible for an active recovery test.
	HalfOpenModels() []domain.PairKey

	// OnProbeResult applies a probe outcome: health flag, model
	// reconciliation, capability flags and response time.
	OnProbeResult(result domain.ProbeResult)

	// OnActiveTestResult reports an active model-level test outcome back to
	// the breaker for the pair.
	OnActiveTestResult(key domain.PairKey, err error)
}

package orchestrator

import (
	"sync"
	"time"

	"github.com/nareth/helmsman/internal/core/domain"
)

const (
	maxDecisionHistory       = 10_000
	defaultDecisionRetention = 24 * time.Hour
	maxRequestsPerHost       = 500
)

// historyStore keeps bounded diagnostic histories: recent selection decisions
// and per-server request records. Reads copy so callers can hold results
// across further writes.
type historyStore struct {
	mu        sync.Mutex
	retention time.Duration
	decisions []domain.DecisionEvent
	requests  map[string][]domain.RequestRecord
}

func newHistoryStore(retention time.Duration) *historyStore {
	if retention <= 0 {
		retention = defaultDecisionRetention
	}
	return &historyStore{
		retention: retention,
		requests:  make(map[string][]domain.RequestRecord),
	}
}

func (h *historyStore) addDecision(event domain.DecisionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.decisions = append(h.decisions, event)
	h.pruneDecisionsLocked(event.Timestamp)
}

func (h *historyStore) pruneDecisionsLocked(now time.Time) {
	cutoff := now.Add(-h.retention)
	idx := 0
	for idx < len(h.decisions) && h.decisions[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if over := len(h.decisions) - idx - maxDecisionHistory; over > 0 {
		idx += over
	}
	if idx > 0 {
		h.decisions = append(h.decisions[:0], h.decisions[idx:]...)
	}
}

func (h *historyStore) addRequest(serverID string, record domain.RequestRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records := append(h.requests[serverID], record)
	if over := len(records) - maxRequestsPerHost; over > 0 {
		records = append(records[:0], records[over:]...)
	}
	h.requests[serverID] = records
}

// recentDecisions returns the newest events first, capped at limit (0 = all).
func (h *historyStore) recentDecisions(limit int) []domain.DecisionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.decisions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.DecisionEvent, n)
	for i := 0; i < n; i++ {
		out[i] = h.decisions[len(h.decisions)-1-i]
	}
	return out
}

func (h *historyStore) serverRequests(serverID string) []domain.RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	records := h.requests[serverID]
	out := make([]domain.RequestRecord, len(records))
	copy(out, records)
	return out
}

func (h *historyStore) decisionList() []domain.DecisionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]domain.DecisionEvent, len(h.decisions))
	copy(out, h.decisions)
	return out
}

func (h *historyStore) requestMap() map[string][]domain.RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string][]domain.RequestRecord, len(h.requests))
	for id, records := range h.requests {
		cp := make([]domain.RequestRecord, len(records))
		copy(cp, records)
		out[id] = cp
	}
	return out
}

func (h *historyStore) restoreDecisions(events []domain.DecisionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.decisions = append(h.decisions[:0], events...)
	if len(h.decisions) > 0 {
		h.pruneDecisionsLocked(h.decisions[len(h.decisions)-1].Timestamp)
	}
}

func (h *historyStore) restoreRequests(byServer map[string][]domain.RequestRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests = make(map[string][]domain.RequestRecord, len(byServer))
	for id, records := range byServer {
		cp := make([]domain.RequestRecord, len(records))
		copy(cp, records)
		h.requests[id] = cp
	}
}

func (h *historyStore) dropServer(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.requests, serverID)
}

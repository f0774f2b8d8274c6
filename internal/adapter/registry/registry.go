package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/core/ports"
	"github.com/nareth/helmsman/internal/logger"
	"github.com/nareth/helmsman/internal/util"
)

// Registry owns the server set and the ban list. One mutex guards all
// internal state; every read hands out clones so callers never observe a
// half-applied mutation.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*domain.Server
	byURL   map[string]string // normalised url -> id
	order   []string          // insertion order, drives List and dedup
	bans    map[domain.PairKey]domain.Ban

	defaultMaxConcurrency int
	store                 ports.Store
	logger                *logger.StyledLogger
	now                   func() time.Time
}

func New(defaultMaxConcurrency int, store ports.Store, log *logger.StyledLogger) *Registry {
	return &Registry{
		servers:               make(map[string]*domain.Server),
		byURL:                 make(map[string]string),
		bans:                  make(map[domain.PairKey]domain.Ban),
		defaultMaxConcurrency: defaultMaxConcurrency,
		store:                 store,
		logger:                log,
		now:                   time.Now,
	}
}

// Add registers a new server. The URL is canonicalised first; a second
// server mapping to the same canonical URL is rejected.
func (r *Registry) Add(spec domain.ServerSpec) (*domain.Server, error) {
	normalised, err := util.NormalizeURL(spec.URL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byURL[normalised]; ok {
		return nil, fmt.Errorf("%w: %s (server %s)", domain.ErrDuplicateURL, normalised, existing)
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := r.servers[id]; ok {
		return nil, fmt.Errorf("server id %q already registered", id)
	}

	maxConcurrency := r.defaultMaxConcurrency
	if spec.MaxConcurrency != nil {
		maxConcurrency = *spec.MaxConcurrency
	}

	serverType := spec.Type
	if serverType == "" {
		serverType = domain.ServerTypeOllama
	}

	now := r.now()
	server := &domain.Server{
		ID:             id,
		Name:           spec.Name,
		URL:            normalised,
		Type:           serverType,
		MaxConcurrency: maxConcurrency,
		APIKey:         spec.APIKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.servers[id] = server
	r.byURL[normalised] = id
	r.order = append(r.order, id)

	r.logger.InfoWithServer("Registered server", normalised, "id", id)
	return server.Clone(), nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrServerUnknown, id)
	}

	delete(r.servers, id)
	delete(r.byURL, server.URL)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for key := range r.bans {
		if key.ServerID == id {
			delete(r.bans, key)
		}
	}

	r.logger.InfoWithServer("Removed server", server.URL, "id", id)
	return nil
}

// Update applies an administrative patch. Nil fields are left alone.
func (r *Registry) Update(id string, patch domain.ServerPatch) (*domain.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerUnknown, id)
	}

	if patch.Name != nil {
		server.Name = *patch.Name
	}
	if patch.MaxConcurrency != nil {
		server.MaxConcurrency = *patch.MaxConcurrency
	}
	if patch.APIKey != nil {
		server.APIKey = *patch.APIKey
	}
	if patch.Healthy != nil {
		server.Healthy = *patch.Healthy
	}
	server.UpdatedAt = r.now()

	return server.Clone(), nil
}

func (r *Registry) Get(id string) (*domain.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerUnknown, id)
	}
	return server.Clone(), nil
}

// List returns all servers in insertion order.
func (r *Registry) List() []*domain.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Server, 0, len(r.order))
	for _, id := range r.order {
		if server, ok := r.servers[id]; ok {
			out = append(out, server.Clone())
		}
	}
	return out
}

// SetHealthy flips the health flag directly, used by model escalation when a
// server's breakers indicate systemic failure.
func (r *Registry) SetHealthy(id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if server, ok := r.servers[id]; ok && server.Healthy != healthy {
		server.Healthy = healthy
		server.UpdatedAt = r.now()
		r.logger.InfoHealthStatus("Server health set", server.URL, healthy)
	}
}

// ApplyProbe reconciles a health probe result into the server record. Model
// lists are replaced only when the probe actually enumerated them; a failed
// enumeration keeps the last known set.
func (r *Registry) ApplyProbe(result domain.ProbeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[result.ServerID]
	if !ok {
		return
	}

	wasHealthy := server.Healthy
	server.Healthy = result.Healthy
	server.LastResponseTime = result.Latency

	if result.Models != nil {
		names := make([]string, 0, len(result.Models))
		for _, m := range result.Models {
			names = append(names, m.Name)
		}
		server.Models = names
	}
	if result.LoadedModels != nil {
		server.LoadedModels = append([]domain.LoadedModel(nil), result.LoadedModels...)
	}
	if result.Healthy {
		server.SupportsPrimary = result.SupportsPrimary
		if result.SupportsCompat {
			server.SupportsCompat = true
		}
	}
	server.UpdatedAt = r.now()

	if wasHealthy != result.Healthy {
		r.logger.InfoHealthStatus("Server transition", server.URL, result.Healthy,
			"latency", result.Latency)
	}
}

// Ban excludes (serverID, model) from selection. Zero ttl bans until the ban
// is removed administratively.
func (r *Registry) Ban(serverID, model, reason string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ban := domain.Ban{
		ServerID:  serverID,
		Model:     model,
		Reason:    reason,
		CreatedAt: now,
	}
	if ttl > 0 {
		ban.ExpiresAt = now.Add(ttl)
	}
	r.bans[domain.PairKey{ServerID: serverID, Model: model}] = ban
}

func (r *Registry) Unban(serverID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bans, domain.PairKey{ServerID: serverID, Model: model})
}

// IsBanned reports whether the pair is banned at now. Expired bans are
// removed lazily on first read.
func (r *Registry) IsBanned(serverID, model string, now time.Time) bool {
	key := domain.PairKey{ServerID: serverID, Model: model}

	r.mu.RLock()
	ban, ok := r.bans[key]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	if ban.Expired(now) {
		r.mu.Lock()
		// Re-check under the write lock: the ban may have been replaced.
		if current, still := r.bans[key]; still && current.Expired(now) {
			delete(r.bans, key)
		}
		r.mu.Unlock()
		return false
	}
	return true
}

func (r *Registry) Bans() []domain.Ban {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Ban, 0, len(r.bans))
	for _, ban := range r.bans {
		out = append(out, ban)
	}
	return out
}

// Snapshot returns the persistable view of the fleet.
func (r *Registry) Snapshot() []*domain.Server {
	return r.List()
}

// LoadPersisted restores servers and bans from the store, deduplicating on
// normalised URL (first occurrence by stored order wins) and writing the
// deduped list back when anything was dropped.
func (r *Registry) LoadPersisted() error {
	if r.store == nil {
		return nil
	}

	servers, err := r.store.LoadServers()
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}

	deduped := make([]*domain.Server, 0, len(servers))
	dropped := 0

	r.mu.Lock()
	for _, server := range servers {
		normalised, err := util.NormalizeURL(server.URL)
		if err != nil {
			r.logger.Warn("Skipping persisted server with invalid url", "id", server.ID, "url", server.URL, "error", err)
			dropped++
			continue
		}
		if _, exists := r.byURL[normalised]; exists {
			dropped++
			continue
		}

		s := server.Clone()
		s.URL = normalised
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		r.servers[s.ID] = s
		r.byURL[normalised] = s.ID
		r.order = append(r.order, s.ID)
		deduped = append(deduped, s.Clone())
	}

	bans, err := r.store.LoadBans()
	if err == nil {
		now := r.now()
		for _, ban := range bans {
			if ban.Expired(now) {
				continue
			}
			r.bans[domain.PairKey{ServerID: ban.ServerID, Model: ban.Model}] = ban
		}
	}
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.InfoWithCount("Deduplicated persisted servers", dropped)
		if err := r.store.SaveServers(deduped); err != nil {
			r.logger.Warn("Failed to write back deduped server list", "error", err)
		}
	}

	r.logger.InfoWithCount("Loaded servers from disk", len(deduped))
	return nil
}

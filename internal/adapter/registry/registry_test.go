package registry

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.Default())
}

func newTestRegistry() *Registry {
	return New(4, nil, testLogger())
}

func TestRegistry_AddNormalisesAndDeduplicates(t *testing.T) {
	r := newTestRegistry()

	first, err := r.Add(domain.ServerSpec{URL: "HTTP://LocalHost:11434/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", first.URL)
	assert.Equal(t, 4, first.MaxConcurrency, "default max concurrency applied")
	assert.Equal(t, domain.ServerTypeOllama, first.Type)

	_, err = r.Add(domain.ServerSpec{URL: "http://localhost:11434"})
	require.ErrorIs(t, err, domain.ErrDuplicateURL)

	assert.Len(t, r.List(), 1, "duplicate add leaves one entry")
}

func TestRegistry_AddExplicitMaintenance(t *testing.T) {
	r := newTestRegistry()

	zero := 0
	server, err := r.Add(domain.ServerSpec{URL: "http://s1:11434", MaxConcurrency: &zero})
	require.NoError(t, err)
	assert.True(t, server.InMaintenance())
}

func TestRegistry_RemoveClearsURLIndexAndBans(t *testing.T) {
	r := newTestRegistry()

	server, err := r.Add(domain.ServerSpec{URL: "http://s1:11434"})
	require.NoError(t, err)
	r.Ban(server.ID, "llama3", "test", 0)

	require.NoError(t, r.Remove(server.ID))
	assert.Empty(t, r.Bans())

	// URL is reusable after removal.
	_, err = r.Add(domain.ServerSpec{URL: "http://s1:11434"})
	require.NoError(t, err)
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	r := newTestRegistry()
	assert.ErrorIs(t, r.Remove("nope"), domain.ErrServerUnknown)
}

func TestRegistry_UpdatePatchesOnlyProvidedFields(t *testing.T) {
	r := newTestRegistry()
	server, err := r.Add(domain.ServerSpec{URL: "http://s1:11434", Name: "alpha"})
	require.NoError(t, err)

	mc := 8
	updated, err := r.Update(server.ID, domain.ServerPatch{MaxConcurrency: &mc})
	require.NoError(t, err)
	assert.Equal(t, "alpha", updated.Name)
	assert.Equal(t, 8, updated.MaxConcurrency)
}

func TestRegistry_BanExpiry(t *testing.T) {
	r := newTestRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }

	server, err := r.Add(domain.ServerSpec{URL: "http://s1:11434"})
	require.NoError(t, err)

	r.Ban(server.ID, "llama3", "cooldown", time.Minute)
	assert.True(t, r.IsBanned(server.ID, "llama3", base))
	assert.False(t, r.IsBanned(server.ID, "other", base))

	// Expired bans are lazily removed on first read.
	later := base.Add(2 * time.Minute)
	assert.False(t, r.IsBanned(server.ID, "llama3", later))
	assert.Empty(t, r.Bans())
}

func TestRegistry_BanWithoutTTLPersists(t *testing.T) {
	r := newTestRegistry()
	server, err := r.Add(domain.ServerSpec{URL: "http://s1:11434"})
	require.NoError(t, err)

	r.Ban(server.ID, "llama3", "manual", 0)
	assert.True(t, r.IsBanned(server.ID, "llama3", time.Now().Add(24*time.Hour)))

	r.Unban(server.ID, "llama3")
	assert.False(t, r.IsBanned(server.ID, "llama3", time.Now()))
}

func TestRegistry_ApplyProbeReconcilesModels(t *testing.T) {
	r := newTestRegistry()
	server, err := r.Add(domain.ServerSpec{URL: "http://s1:11434"})
	require.NoError(t, err)

	r.ApplyProbe(domain.ProbeResult{
		ServerID: server.ID,
		Healthy:  true,
		Latency:  120 * time.Millisecond,
		Models: []domain.ModelInfo{
			{Name: "llama3"},
			{Name: "mistral"},
		},
		LoadedModels:    []domain.LoadedModel{{Name: "llama3"}},
		SupportsPrimary: true,
	})

	got, err := r.Get(server.ID)
	require.NoError(t, err)
	assert.True(t, got.Healthy)
	assert.Equal(t, []string{"llama3", "mistral"}, got.Models)
	assert.Equal(t, 120*time.Millisecond, got.LastResponseTime)
	assert.True(t, got.SupportsPrimary)

	// Unhealthy probe with nil model list keeps the last known models.
	r.ApplyProbe(domain.ProbeResult{ServerID: server.ID, Healthy: false})
	got, err = r.Get(server.ID)
	require.NoError(t, err)
	assert.False(t, got.Healthy)
	assert.Equal(t, []string{"llama3", "mistral"}, got.Models)
}

func TestRegistry_ListInsertionOrder(t *testing.T) {
	r := newTestRegistry()
	for _, u := range []string{"http://a:1", "http://b:1", "http://c:1"} {
		_, err := r.Add(domain.ServerSpec{URL: u})
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "http://a:1", list[0].URL)
	assert.Equal(t, "http://b:1", list[1].URL)
	assert.Equal(t, "http://c:1", list[2].URL)
}

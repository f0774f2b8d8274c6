package persistence

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
)

func newTestStore(t *testing.T, backupDepth int) *FileStore {
	t.Helper()
	store, err := NewFileStore(config.PersistenceConfig{
		Dir:         t.TempDir(),
		BackupDepth: backupDepth,
	}, logger.NewStyledLogger(slog.Default()))
	require.NoError(t, err)
	return store
}

func TestFileStore_ServersRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)

	in := []*domain.Server{{
		ID:             "s1",
		URL:            "http://localhost:11434",
		Type:           domain.ServerTypeOllama,
		Healthy:        true,
		Models:         []string{"llama3:8b"},
		MaxConcurrency: 4,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}}
	require.NoError(t, store.SaveServers(in))

	out, err := store.LoadServers()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in[0].ID, out[0].ID)
	assert.Equal(t, in[0].Models, out[0].Models)
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	store := newTestStore(t, 0)

	servers, err := store.LoadServers()
	require.NoError(t, err)
	assert.Empty(t, servers)

	requests, err := store.LoadRequests()
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestFileStore_CorruptFileIsEmpty(t *testing.T) {
	store := newTestStore(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, serversFile), []byte("{nope"), 0o644))

	servers, err := store.LoadServers()
	require.NoError(t, err, "corrupt payloads are tolerated")
	assert.Empty(t, servers)
}

func TestFileStore_BackupRotation(t *testing.T) {
	store := newTestStore(t, 2)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.SaveBans([]domain.Ban{{ServerID: "s1", Model: "m", CreatedAt: time.Now()}}))
	}

	assert.FileExists(t, filepath.Join(store.dir, bansFile))
	assert.FileExists(t, filepath.Join(store.dir, bansFile+".1"))
	assert.FileExists(t, filepath.Join(store.dir, bansFile+".2"))
	assert.NoFileExists(t, filepath.Join(store.dir, bansFile+".3"), "depth bounds the set")
}

func TestFileStore_MetricsDumpRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)

	dump := domain.MetricsDump{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Servers: map[string]domain.PairSnapshot{
			"s1:m": {ServerID: "s1", Model: "m", TotalRequests: 10, TotalErrors: 2},
		},
	}
	require.NoError(t, store.SaveMetrics(dump))

	loaded, err := store.LoadMetrics()
	require.NoError(t, err)
	require.Contains(t, loaded.Servers, "s1:m")
	assert.Equal(t, int64(10), loaded.Servers["s1:m"].TotalRequests)
}

func TestFileStore_RequestHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)

	in := map[string][]domain.RequestRecord{
		"s1": {{ID: "r1", Model: "m", Success: true, Duration: 120 * time.Millisecond}},
	}
	require.NoError(t, store.SaveRequests(in))

	out, err := store.LoadRequests()
	require.NoError(t, err)
	require.Len(t, out["s1"], 1)
	assert.Equal(t, "r1", out["s1"][0].ID)
}

func TestFileStore_RecoveryFailuresRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)

	in := []domain.RecoveryFailureRecord{{
		ServerID:  "s1",
		Model:     "m",
		ErrorKind: domain.ErrKindTimeout,
		Source:    "active-test",
	}}
	require.NoError(t, store.SaveRecoveryFailures(in))

	out, err := store.LoadRecoveryFailures()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.ErrKindTimeout, out[0].ErrorKind)
}

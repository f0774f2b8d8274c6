package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/core/ports"
	"github.com/nareth/helmsman/internal/logger"
)

const (
	serversFile          = "servers.json"
	bansFile             = "bans.json"
	metricsFile          = "metrics.json"
	decisionHistoryFile  = "decision-history.json"
	requestHistoryFile   = "request-history.json"
	recoveryFailuresFile = "recovery-failures.json"
)

// FileStore persists orchestrator state as JSON files in one directory.
// Writes go through a temp file and rename so a crash never leaves a
// half-written file, with a bounded set of rotated backups of the previous
// contents. Loads tolerate missing files and corrupt payloads: both yield an
// empty result, corrupt ones after a warning.
type FileStore struct {
	dir         string
	backupDepth int

	// one writer at a time per file
	locks sync.Map // filename -> *sync.Mutex

	logger *logger.StyledLogger
}

func NewFileStore(cfg config.PersistenceConfig, log *logger.StyledLogger) (*FileStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}
	return &FileStore{
		dir:         cfg.Dir,
		backupDepth: cfg.BackupDepth,
		logger:      log,
	}, nil
}

func (f *FileStore) lockFor(name string) *sync.Mutex {
	mu, _ := f.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// save marshals v and atomically replaces name, rotating backups first.
func (f *FileStore) save(name string, v any) error {
	mu := f.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(f.dir, name)
	f.rotateBackups(path)

	tmp, err := os.CreateTemp(f.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// rotateBackups shifts name.1 -> name.2 ... up to the depth, then copies the
// current file to name.1. Best effort; rotation failures never block a save.
func (f *FileStore) rotateBackups(path string) {
	if f.backupDepth <= 0 {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	for i := f.backupDepth - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = os.WriteFile(path+".1", data, 0o644)
}

// load unmarshals name into v. Missing and corrupt files both leave v
// untouched and return false.
func (f *FileStore) load(name string, v any) bool {
	mu := f.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(f.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("Failed to read state file", "file", name, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		f.logger.Warn("Ignoring corrupt state file", "file", name, "error", err)
		return false
	}
	return true
}

func (f *FileStore) SaveServers(servers []*domain.Server) error {
	return f.save(serversFile, servers)
}

func (f *FileStore) LoadServers() ([]*domain.Server, error) {
	var servers []*domain.Server
	f.load(serversFile, &servers)
	return servers, nil
}

func (f *FileStore) SaveBans(bans []domain.Ban) error {
	return f.save(bansFile, bans)
}

func (f *FileStore) LoadBans() ([]domain.Ban, error) {
	var bans []domain.Ban
	f.load(bansFile, &bans)
	return bans, nil
}

func (f *FileStore) SaveMetrics(dump domain.MetricsDump) error {
	return f.save(metricsFile, dump)
}

func (f *FileStore) LoadMetrics() (domain.MetricsDump, error) {
	var dump domain.MetricsDump
	f.load(metricsFile, &dump)
	return dump, nil
}

func (f *FileStore) SaveDecisions(events []domain.DecisionEvent) error {
	return f.save(decisionHistoryFile, events)
}

func (f *FileStore) LoadDecisions() ([]domain.DecisionEvent, error) {
	var events []domain.DecisionEvent
	f.load(decisionHistoryFile, &events)
	return events, nil
}

func (f *FileStore) SaveRequests(byServer map[string][]domain.RequestRecord) error {
	return f.save(requestHistoryFile, byServer)
}

func (f *FileStore) LoadRequests() (map[string][]domain.RequestRecord, error) {
	byServer := make(map[string][]domain.RequestRecord)
	f.load(requestHistoryFile, &byServer)
	return byServer, nil
}

func (f *FileStore) SaveRecoveryFailures(records []domain.RecoveryFailureRecord) error {
	return f.save(recoveryFailuresFile, records)
}

func (f *FileStore) LoadRecoveryFailures() ([]domain.RecoveryFailureRecord, error) {
	var records []domain.RecoveryFailureRecord
	f.load(recoveryFailuresFile, &records)
	return records, nil
}

var _ ports.Store = (*FileStore)(nil)

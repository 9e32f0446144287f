package registry

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"hyperhive/pkg/types"
)

// FileStore keeps registry state in JSON files under a directory, for hives
// running without Postgres. Layout:
//
//	strat_<id>.json   one document per strategy, replaced atomically
//	bots.json         last heartbeat per bot id
//	activity.log      append-only JSON lines, rotated by truncation
//
// Writes go to a .tmp file first and rename over the target so a crash
// mid-save never leaves a torn document.
type FileStore struct {
	dir string
	mu  sync.Mutex

	actFile *os.File
	actLine int
}

// activityLogMaxLines caps the append-only log before truncation. The
// durable trail is advisory; the rings in memory and the Postgres store are
// the real consumers.
const activityLogMaxLines = 10000

// OpenFileStore creates the directory if needed and opens the activity log.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "activity.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	return &FileStore{dir: dir, actFile: f}, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actFile == nil {
		return nil
	}
	err := s.actFile.Close()
	s.actFile = nil
	return err
}

// SaveStrategy atomically persists one strategy document.
func (s *FileStore) SaveStrategy(_ context.Context, rec PersistedStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	return s.replace(s.strategyPath(rec.Config.ID), data)
}

// DeleteStrategy removes the strategy document. Missing files are fine.
func (s *FileStore) DeleteStrategy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.strategyPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete strategy: %w", err)
	}
	return nil
}

// LoadStrategies reads every strategy document in the directory. Corrupt
// files are skipped rather than failing the whole boot.
func (s *FileStore) LoadStrategies(_ context.Context) ([]PersistedStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "strat_*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob strategies: %w", err)
	}
	out := make([]PersistedStrategy, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(p), err)
		}
		var rec PersistedStrategy
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AppendActivity writes one JSON line to the activity log.
func (s *FileStore) AppendActivity(_ context.Context, a types.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actFile == nil {
		return fmt.Errorf("activity log closed")
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	if _, err := s.actFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	s.actLine++
	if s.actLine >= activityLogMaxLines {
		return s.rotateActivityLog()
	}
	return nil
}

// RecentActivities reads the tail of the activity log, newest first. Used by
// Restore-time debugging and tests; live serving comes from the rings.
func (s *FileStore) RecentActivities(_ context.Context, strategyID string, limit int) ([]types.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, "activity.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	var all []types.Activity
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var a types.Activity
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			continue
		}
		if strategyID != "" && a.StrategyID != strategyID {
			continue
		}
		all = append(all, a)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan activity log: %w", err)
	}
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]types.Activity, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// SaveBotRun rewrites the bots document with the given run upserted.
func (s *FileStore) SaveBotRun(_ context.Context, run BotRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.loadBotRunsLocked()
	if err != nil {
		return err
	}
	runs[run.Heartbeat.ID] = run
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bot runs: %w", err)
	}
	return s.replace(filepath.Join(s.dir, "bots.json"), data)
}

// LoadBotRuns reads the persisted heartbeat map.
func (s *FileStore) LoadBotRuns(_ context.Context) (map[string]BotRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBotRunsLocked()
}

func (s *FileStore) loadBotRunsLocked() (map[string]BotRun, error) {
	runs := make(map[string]BotRun)
	data, err := os.ReadFile(filepath.Join(s.dir, "bots.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return runs, nil
		}
		return nil, fmt.Errorf("read bot runs: %w", err)
	}
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("unmarshal bot runs: %w", err)
	}
	return runs, nil
}

func (s *FileStore) strategyPath(id string) string {
	// IDs are uuids or caller-chosen; strip separators so they stay one
	// path element.
	clean := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' {
			return '_'
		}
		return r
	}, id)
	return filepath.Join(s.dir, "strat_"+clean+".json")
}

func (s *FileStore) replace(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) rotateActivityLog() error {
	path := filepath.Join(s.dir, "activity.log")
	if err := s.actFile.Close(); err != nil {
		return fmt.Errorf("rotate activity log: %w", err)
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate activity log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen activity log: %w", err)
	}
	s.actFile = f
	s.actLine = 0
	return nil
}

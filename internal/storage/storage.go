package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CurrentVersion is the schema version written by Save.
const CurrentVersion = "2.1"

// RunSummary is the persisted outcome of one rebalancing pass.
type RunSummary struct {
	SessionID    string         `json:"session_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	DryRun       bool           `json:"dry_run"`
	MarketClosed bool           `json:"market_closed,omitempty"`
	Planned      int            `json:"planned"`
	Counts       map[string]int `json:"counts"`
	NotAttempted int            `json:"not_attempted,omitempty"`
	Warnings     int            `json:"warnings"`
	Error        string         `json:"error,omitempty"`
}

// State is the on-disk run history.
type State struct {
	Version     string      `json:"version"`
	Runs        int         `json:"runs"`
	LastRun     *RunSummary `json:"last_run,omitempty"`
	LastSuccess *time.Time  `json:"last_success,omitempty"`
}

// Store reads and writes the state file.
type Store struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

// NewStore returns a store backed by path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log.With().Str("component", "storage").Logger()}
}

// Load reads the state. A missing file yields an empty current-version state.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (State, error) {
	st := State{Version: CurrentVersion}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	if migrateState(&st) {
		s.log.Info().Str("version", st.Version).Msg("State migrated")
	}
	return st, nil
}

// migrateState handles schema evolution.
// Returns true if changes were made and the state needs to be saved.
func migrateState(st *State) bool {
	updated := false

	// 2.0 -> 2.1: last_success derived from the last clean run
	if st.Version < "2.1" {
		if st.LastSuccess == nil && st.LastRun != nil && st.LastRun.Error == "" {
			t := st.LastRun.FinishedAt
			st.LastSuccess = &t
		}
		st.Version = "2.1"
		updated = true
	}
	return updated
}

// Record appends a pass outcome to the state file.
func (s *Store) Record(run RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		s.log.Warn().Err(err).Msg("Unreadable state file, starting fresh")
		st = State{Version: CurrentVersion}
	}
	st.Runs++
	st.LastRun = &run
	if run.Error == "" {
		t := run.FinishedAt
		st.LastSuccess = &t
	}
	return s.save(st)
}

func (s *Store) save(st State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return WriteAtomic(s.path, b)
}

// WriteAtomic replaces path with data using an atomic write pattern.
// 1. Write to a temporary file.
// 2. Sync to ensure data is on disk.
// 3. Rename temporary file to destination (atomic operation).
func WriteAtomic(path string, data []byte) error {
	tmpFile := path + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	// Close explicitly before renaming (essential on Windows)
	f.Close()

	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to replace %s (atomic rename): %w", path, err)
	}
	return nil
}

// Package store persists run records so that long-lived environments and
// past run outcomes survive process restarts. Each run is stored as one JSON
// file under the store directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRunNotFound indicates the requested run ID was not found.
	ErrRunNotFound = errors.New("run not found")
	// ErrStoreCorrupted indicates a store file is corrupted or invalid.
	ErrStoreCorrupted = errors.New("store corrupted")
)

// Status is the terminal state of a run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusRunning Status = "running"
)

// Record captures the outcome of one pipeline run.
type Record struct {
	RunID      string    `json:"runId"`
	Variant    string    `json:"variant"`
	Namespace  string    `json:"namespace"`
	Status     Status    `json:"status"`
	Failure    string    `json:"failure,omitempty"`
	BundlePath string    `json:"bundlePath,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// RunStore persists run records.
type RunStore interface {
	Save(record *Record) error
	Load(runID string) (*Record, error)
	List() ([]*Record, error)
	Delete(runID string) error
}

// JSONRunStore implements RunStore with one JSON file per run.
type JSONRunStore struct {
	storeDir string
	mu       sync.RWMutex
}

// NewJSONRunStore creates the store directory if needed.
func NewJSONRunStore(storeDir string) (*JSONRunStore, error) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &JSONRunStore{storeDir: storeDir}, nil
}

// Save writes a record to disk, replacing any previous record for the run.
func (s *JSONRunStore) Save(record *Record) error {
	if record == nil {
		return errors.New("run record is nil")
	}
	if record.RunID == "" {
		return errors.New("run ID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	if err := os.WriteFile(s.filePath(record.RunID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}

	return nil
}

// Load reads one record by run ID.
func (s *JSONRunStore) Load(runID string) (*Record, error) {
	if runID == "" {
		return nil, errors.New("run ID is empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.filePath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Join(err, ErrStoreCorrupted)
	}

	return &record, nil
}

// List returns all stored records, newest start first. Unreadable or
// corrupted files are skipped.
func (s *JSONRunStore) List() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.storeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var records []*Record

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.storeDir, entry.Name()))
		if err != nil {
			continue
		}

		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}

		records = append(records, &record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	return records, nil
}

// Delete removes a record from the store.
func (s *JSONRunStore) Delete(runID string) error {
	if runID == "" {
		return errors.New("run ID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.filePath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete run record: %w", err)
	}

	return nil
}

func (s *JSONRunStore) filePath(runID string) string {
	return filepath.Join(s.storeDir, runID+".json")
}

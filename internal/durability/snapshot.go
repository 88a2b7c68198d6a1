// ============================================================================
// Local Durability — Job Table Snapshot
// ============================================================================
//
// Package: internal/durability
// File: snapshot.go
// Purpose: Periodic full-state snapshot of the live/dead job maps. On
//          restart the job table is restored from the most recent snapshot
//          alone: journal events written after it are not replayed into the
//          queue, so mutations since that snapshot are not recovered.
//
// Design:
//   Atomic write-to-temp-then-rename strategy with a schema-version guard,
//   keyed over tango.Job.
//
// ============================================================================

package durability

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/araiyan/tango/pkg/tango"
)

var (
	ErrCorruptedSnapshot   = errors.New("durability: snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("durability: snapshot schema version is incompatible")
)

const snapshotSchemaVersion = 1

// SnapshotData is the full job table as of LastSeq journal entries applied.
type SnapshotData struct {
	Jobs      map[int]*tango.Job `json:"jobs"`
	SchemaVer int                `json:"schema_ver"`
	LastSeq   uint64             `json:"last_seq"`
}

// SnapshotManager persists and restores SnapshotData to a single file path.
type SnapshotManager struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotManager builds a manager rooted at path.
func NewSnapshotManager(path string) *SnapshotManager {
	return &SnapshotManager{path: path}
}

// Write atomically replaces the snapshot file with data: written to a .tmp
// sibling first, then renamed into place so a crash mid-write leaves either
// the old snapshot or the new one, never a half-written file.
func (m *SnapshotManager) Write(data SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = snapshotSchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file, returning an empty SnapshotData if none
// exists yet (first startup, nothing to recover from).
func (m *SnapshotManager) Load() (SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{Jobs: make(map[int]*tango.Job), SchemaVer: snapshotSchemaVersion}, nil
		}
		return SnapshotData{}, fmt.Errorf("read snapshot: %w", err)
	}

	var data SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != snapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, snapshotSchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[int]*tango.Job)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *SnapshotManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

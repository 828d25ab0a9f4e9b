package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize a value to a JSON file
// 2. Atomic write (temp file + fsync + rename) so readers never see a torn file
// 3. Distinguish "no file yet" from "file is corrupted" on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager persists one value of type T at a fixed path.
type Manager[T any] struct {
	path string     // snapshot file path
	mu   sync.Mutex // serializes file operations
}

// NewManager creates a manager for the snapshot file at path.
func NewManager[T any](path string) *Manager[T] {
	return &Manager[T]{
		path: path,
	}
}

// Write atomically replaces the snapshot file with data.
//
// The value is written to <path>.tmp, synced, then renamed over the target.
// A failed write leaves the previous file untouched.
func (m *Manager[T]) Write(data T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads the snapshot file.
//
// A missing file returns ErrSnapshotNotFound (first start); undecodable
// content returns ErrCorruptedSnapshot.
func (m *Manager[T]) Load() (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data T

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, ErrSnapshotNotFound
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	return data, nil
}

// exists reports whether the snapshot file is present.
func (m *Manager[T]) exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager[T]) GetPath() string {
	return m.path
}

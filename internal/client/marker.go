package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Trigger names what started a cancellation.
type Trigger string

const (
	TriggerUser   Trigger = "user"
	TriggerUnload Trigger = "unload"
	TriggerHidden Trigger = "hidden"
)

// Marker is a cancellation that must reach the server even if this process
// dies before the request completes.
type Marker struct {
	UploadID   string    `json:"uploadId"`
	Server     string    `json:"server"`
	RecordedAt time.Time `json:"recordedAt"`
	Trigger    Trigger   `json:"trigger"`
}

// MarkerStore keeps at most one pending marker in a JSON file.
type MarkerStore struct {
	mu   sync.Mutex
	path string
}

// NewMarkerStore stores the marker at path.
func NewMarkerStore(path string) *MarkerStore {
	return &MarkerStore{path: path}
}

// DefaultMarkerPath is the per-user location of the marker file.
func DefaultMarkerPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "erfa3ly", "pending-cancel.json")
}

// Save replaces the stored marker.
func (s *MarkerStore) Save(m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load returns the stored marker, if any.
func (s *MarkerStore) Load() (Marker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("read marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(b, &m); err != nil || m.UploadID == "" {
		// A torn write leaves nothing worth re-issuing.
		_ = os.Remove(s.path)
		return Marker{}, false, nil
	}
	return m, true, nil
}

// Clear removes the stored marker.
func (s *MarkerStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}

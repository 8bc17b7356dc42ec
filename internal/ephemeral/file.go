package ephemeral

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// NewFileStore returns a MemoryStore that rewrites a JSON snapshot at path
// after every mutation. It suits single-process deployments that want
// pending notifications to survive a restart.
func NewFileStore(path string) (*MemoryStore, error) {
	return newFileStore(path, MemoryOptions{})
}

func newFileStore(path string, opts MemoryOptions) (*MemoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := NewMemoryStoreWithOptions(opts)
	s.backend = "file"
	snapshot, err := loadFileSnapshot(path)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for key, entry := range snapshot.Values {
		if !expired(entry.ExpiresAt, now) {
			s.values[key] = entry
		}
	}
	for key, list := range snapshot.Lists {
		if !expired(list.ExpiresAt, now) {
			s.lists[key] = list
		}
	}
	s.persist = func(snapshot memorySnapshot) error {
		return saveFileSnapshot(path, snapshot)
	}
	return s, nil
}

func loadFileSnapshot(path string) (memorySnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return memorySnapshot{}, nil
		}
		return memorySnapshot{}, err
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return memorySnapshot{}, err
	}
	return snapshot, nil
}

func saveFileSnapshot(path string, snapshot memorySnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

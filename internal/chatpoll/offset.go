package chatpoll

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OffsetStore persists the last processed update id so restarts never replay
// old messages. Writes go through a temp file and rename; a crash mid-write
// leaves the previous offset intact.
type OffsetStore struct {
	path string
}

// NewOffsetStore creates a store at the given path.
func NewOffsetStore(path string) *OffsetStore {
	return &OffsetStore{path: path}
}

// Load returns the persisted offset, or 0 when none exists yet.
func (s *OffsetStore) Load() (int64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read offset file: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt offset file %s: %w", s.path, err)
	}
	return offset, nil
}

// Save atomically persists the offset.
func (s *OffsetStore) Save(offset int64) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create offset directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".offset-*")
	if err != nil {
		return fmt.Errorf("failed to create temp offset file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.FormatInt(offset, 10)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write offset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close offset file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit offset file: %w", err)
	}
	return nil
}

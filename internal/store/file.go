// Package store provides TokenSet persistence backends for the auth
// manager's load/save hooks: a JSON file and the OS keyring.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gridwatt/dukeusage/internal/auth"
)

// FileStore persists the TokenSet as a JSON file with owner-only
// permissions. The on-disk shape is the conventional one: access_token,
// refresh_token, id_token, expires_at.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed token store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted TokenSet, returning (nil, nil) when no tokens
// have been saved yet.
func (s *FileStore) Load() (*auth.TokenSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var ts auth.TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", s.path, err)
	}
	return &ts, nil
}

// Save writes the TokenSet, creating parent directories as needed.
func (s *FileStore) Save(ts *auth.TokenSet) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

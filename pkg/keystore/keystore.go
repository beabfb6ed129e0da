// Package keystore implements the Storage collaborator (spec §6): persisted
// key material, the pending-deployment record, and add-on state, under two
// logical stable keys ("auth-keys", "pending-deployment") plus any add-on
// keys such as "device_config".
//
// No pack repo carries a real (non-manifest-only) embedded-KV dependency, so
// the default implementation is a small file-based JSON document store, the
// way the teacher's own models package persists nothing locally and instead
// round-trips everything through a remote API — here the analog is a flat
// file per key, guarded by a mutex per spec §5's "must be safe to call from
// work items" requirement.
package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/raycarroll/mcu-mender-agent/pkg/taxonomy"
)

// Storage is the seam the core and add-ons consume for persistence.
type Storage interface {
	GetJSON(key string, out interface{}) error
	SetJSON(key string, value interface{}) error
	Delete(key string) error
}

// FileStorage is the default Storage implementation: one JSON file per key
// under baseDir.
type FileStorage struct {
	mu      sync.Mutex
	baseDir string
}

// New builds a FileStorage rooted at baseDir, creating it if necessary.
func New(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "keystore: create state dir %s", baseDir)
	}
	return &FileStorage{baseDir: baseDir}, nil
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.baseDir, key+".json")
}

// GetJSON loads the record stored under key into out. A missing record
// returns an error satisfying IsNotFound.
func (s *FileStorage) GetJSON(key string, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return taxonomy.NewNotFoundError(errors.Errorf("keystore: no record for %q", key))
		}
		return errors.Wrapf(err, "keystore: read %s", key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "keystore: decode %s", key)
	}
	return nil
}

// SetJSON persists value under key, overwriting any previous record.
func (s *FileStorage) SetJSON(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "keystore: encode %s", key)
	}
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "keystore: write %s", key)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return errors.Wrapf(err, "keystore: commit %s", key)
	}
	return nil
}

// Delete removes the record stored under key. Deleting an absent key is not
// an error — absence of either logical record is a normal state (spec §6).
func (s *FileStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "keystore: delete %s", key)
	}
	return nil
}

// IsNotFound reports whether err represents an absent record.
func IsNotFound(err error) bool {
	return taxonomy.IsNotFound(err)
}

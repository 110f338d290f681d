// Package session persists authenticated mail client sessions between runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	lockRetryDelay = 50 * time.Millisecond
	fileMode       = 0o600
	dirMode        = 0o700
)

// ErrInvalidState is returned by Decode when a session file has the wrong shape.
var ErrInvalidState = errors.New("invalid session state")

// State is the persisted storage state of one provider.
type State struct {
	Cookies []Cookie `json:"cookies"`
	// LocalStorage maps an origin to its key/value pairs.
	LocalStorage map[string]map[string]string `json:"local_storage,omitempty"`
	SavedAt      time.Time                    `json:"saved_at"`
}

// Store reads and writes session files under a directory, one per provider.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a store rooted at dir. The directory is created on first save.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger.Named("session_store")}
}

// Path returns the session file for a provider.
func (s *Store) Path(provider string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_auth.json", provider))
}

// Load returns the saved state for a provider, or nil when none exists. A file
// that cannot be decoded is deleted and treated as absent.
func (s *Store) Load(ctx context.Context, provider string) (*State, error) {
	path := s.Path(provider)
	lock := flock.New(path + ".lock")
	if _, err := os.Stat(s.dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("failed to lock session file %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	state, err := Decode(data)
	if err != nil {
		s.logger.Warn("Invalid session file. Deleting and proceeding without it.",
			zap.String("path", path), zap.Error(err))
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to delete invalid session file %s: %w", path, rmErr)
		}
		return nil, nil
	}
	s.logger.Info("Loaded saved session.", zap.String("provider", provider), zap.Int("cookies", len(state.Cookies)))
	return state, nil
}

// Save writes the state atomically under the provider's lock.
func (s *Store) Save(ctx context.Context, provider string, state *State) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidState)
	}
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("failed to create session directory %s: %w", s.dir, err)
	}

	path := s.Path(provider)
	lock := flock.New(path + ".lock")
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("failed to lock session file %s: %w", path, err)
	}
	defer lock.Unlock()

	if err := atomicWrite(path, data); err != nil {
		return err
	}
	s.logger.Info("Saved session.", zap.String("provider", provider), zap.String("path", path), zap.Int("cookies", len(state.Cookies)))
	return nil
}

// Delete removes a provider's saved session. Deleting a missing session is not an error.
func (s *Store) Delete(provider string) error {
	if err := os.Remove(s.Path(provider)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Decode parses a session file. It requires a cookies field to be present.
func Decode(data []byte) (*State, error) {
	var probe map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if _, ok := probe["cookies"]; !ok {
		return nil, fmt.Errorf("%w: missing cookies", ErrInvalidState)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	for i, c := range state.Cookies {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%w: cookie %d has no name", ErrInvalidState, i)
		}
	}
	return &state, nil
}

// atomicWrite writes data to a temp file in the target directory and renames it into place.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	tmp = nil
	return nil
}

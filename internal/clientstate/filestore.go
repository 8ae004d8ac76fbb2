// Package clientstate persists the CLI session between runs.
package clientstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/acadeveia/server/internal/model"
)

// ErrNoSession is returned by Load when nothing has been saved
var ErrNoSession = errors.New("no saved session")

// State is stored as a JSON object; token and userType are the keys other clients read.
type State struct {
	Token        string         `json:"token"`
	UserType     model.UserType `json:"userType"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	PhoneNumber  string         `json:"phoneNumber,omitempty"`
	BaseURL      string         `json:"baseUrl,omitempty"`
}

// FileStore keeps a State in a single file readable only by the owner
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath is <user config dir>/acadeveia/session.json
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "acadeveia", "session.json"), nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, ErrNoSession
		}
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if st.Token == "" {
		return State{}, ErrNoSession
	}
	return st, nil
}

// Save writes st atomically with mode 0600
func (s *FileStore) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Clear removes the saved session; clearing an empty store is not an error
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

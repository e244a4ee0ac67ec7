// Package credentials persists the login token and username between runs.
package credentials

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Credentials is the persisted login state.
type Credentials struct {
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
}

// Store is a YAML-file credential store. The file is written with 0600
// permissions; a missing file means logged out.
type Store struct {
	path string

	mu     sync.Mutex
	loaded bool
	creds  Credentials
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath is $XDG_CONFIG_HOME/dmchat/credentials.yaml or its OS equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user config dir")
	}
	return filepath.Join(dir, "dmchat", "credentials.yaml"), nil
}

func (s *Store) Path() string { return s.path }

// Token returns the stored token, if any.
func (s *Store) Token() (string, bool, error) {
	c, err := s.load()
	if err != nil {
		return "", false, err
	}
	return c.Token, c.Token != "", nil
}

// Username returns the stored username, if any.
func (s *Store) Username() (string, bool, error) {
	c, err := s.load()
	if err != nil {
		return "", false, err
	}
	return c.Username, c.Username != "", nil
}

// Load returns both fields.
func (s *Store) Load() (Credentials, error) {
	return s.load()
}

// Save replaces the stored credentials.
func (s *Store) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create credentials dir")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write credentials")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "replace credentials")
	}
	s.creds = c
	s.loaded = true
	return nil
}

// ClearToken drops the token and keeps the username.
func (s *Store) ClearToken() error {
	c, err := s.load()
	if err != nil {
		return err
	}
	if c.Token == "" {
		return nil
	}
	c.Token = ""
	return s.Save(c)
}

// Clear removes the credentials file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove credentials")
	}
	s.creds = Credentials{}
	s.loaded = true
	return nil
}

func (s *Store) load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.creds, nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, errors.Wrap(err, "read credentials")
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, errors.Wrapf(err, "parse credentials %s", s.path)
	}
	s.creds = c
	s.loaded = true
	return c, nil
}

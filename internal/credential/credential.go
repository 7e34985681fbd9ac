// Package credential persists the voice client access token and judges
// whether it is still fresh.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/scheerer/voice-key-lights/internal/logging"
)

var logger = logging.New("credential")

// Credential is an access token plus what is needed to judge its freshness.
// IssuedAt is the moment it was persisted, not when the remote service minted it.
type Credential struct {
	AccessToken string
	IssuedAt    time.Time
	ExpiresIn   int64
}

// ExpiresAt is IssuedAt plus the lifetime granted by the identity service.
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// IsExpired reports whether now has reached the expiry instant. Reaching it
// exactly counts as expired.
func IsExpired(c Credential, now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

type record struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	SavedAt     int64  `json:"saved_at"`
}

type Store struct {
	path string
	now  func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored credential. A missing, unreadable or corrupt file
// is reported as absent; the caller re-authorizes.
func (s *Store) Load() (Credential, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.With(zap.String("path", s.path)).Info("No stored token found")
		} else {
			logger.With(zap.String("path", s.path), zap.Error(err)).Error("Failed to read stored token")
		}
		return Credential{}, false
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		logger.With(zap.String("path", s.path), zap.Error(err)).Error("Stored token is not valid JSON")
		return Credential{}, false
	}
	if r.AccessToken == "" {
		logger.With(zap.String("path", s.path)).Error("Stored token has no access_token")
		return Credential{}, false
	}

	return Credential{
		AccessToken: r.AccessToken,
		IssuedAt:    time.UnixMilli(r.SavedAt),
		ExpiresIn:   r.ExpiresIn,
	}, true
}

// Save stamps IssuedAt with the current time and replaces the stored file.
// The stamped credential is returned even when writing fails so the caller
// can keep using it for this session.
func (s *Store) Save(c Credential) (Credential, error) {
	c.IssuedAt = s.now()

	err := s.write(record{
		AccessToken: c.AccessToken,
		ExpiresIn:   c.ExpiresIn,
		SavedAt:     c.IssuedAt.UnixMilli(),
	})
	if err != nil {
		logger.With(zap.String("path", s.path), zap.Error(err)).Error("Failed to save token")
		return c, err
	}

	logger.With(zap.String("path", s.path), zap.Time("expiresAt", c.ExpiresAt())).Info("Token saved")
	return c, nil
}

func (s *Store) write(r record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmp.Name(), s.path)
}

package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caravel-sh/caravel/internal/domain"
)

// SettingsStore persists operator settings plus the webhook secret,
// which lives in its own bare file so it can be mounted or rotated
// independently of the settings document.
type SettingsStore struct {
	fileStore
	secretPath string
	settings   domain.Settings
	secret     string
}

// NewSettingsStore loads the settings and secret files, seeding
// defaults when the settings file does not exist yet.
func NewSettingsStore(path, secretPath string) (*SettingsStore, error) {
	s := &SettingsStore{
		fileStore:  fileStore{path: path},
		secretPath: secretPath,
		settings:   domain.DefaultSettings(),
	}
	if err := readJSON(path, &s.settings); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(secretPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	s.secret = strings.TrimSpace(string(raw))
	return s, nil
}

// Get returns the current settings with the secret filled in.
func (s *SettingsStore) Get() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settings
	settings.WebhookSecret = s.secret
	return settings
}

// Secret returns the webhook secret, empty when none is configured.
func (s *SettingsStore) Secret() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secret
}

// Update persists new settings; a non-empty WebhookSecret also rotates
// the secret file.
func (s *SettingsStore) Update(settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret := strings.TrimSpace(settings.WebhookSecret)
	settings.WebhookSecret = ""
	if settings.MaxConcurrentBuilds <= 0 {
		settings.MaxConcurrentBuilds = domain.DefaultSettings().MaxConcurrentBuilds
	}
	if strings.TrimSpace(settings.DefaultBranch) == "" {
		settings.DefaultBranch = domain.DefaultSettings().DefaultBranch
	}
	if err := writeJSONAtomic(s.path, settings); err != nil {
		return err
	}
	s.settings = settings
	if secret != "" && secret != s.secret {
		return s.writeSecret(secret)
	}
	return nil
}

// GenerateSecret issues a new random 32-byte hex secret and persists it.
func (s *SettingsStore) GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeSecret(secret); err != nil {
		return "", err
	}
	return secret, nil
}

func (s *SettingsStore) writeSecret(secret string) error {
	if err := os.MkdirAll(filepath.Dir(s.secretPath), 0o755); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(s.secretPath, []byte(secret+"\n"), 0o600); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}
	s.secret = secret
	return nil
}

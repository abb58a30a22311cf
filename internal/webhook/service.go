package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/caravel-sh/caravel/internal/domain"
)

var (
	// ErrMissingSignature is returned when a secret is configured but
	// the request carried no signature header.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrBadSignature is returned on signature mismatch.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// Deployer triggers a deploy cycle for an application id.
type Deployer interface {
	Deploy(id string) (string, error)
}

// Registry is the read view the matcher needs.
type Registry interface {
	List() []domain.Application
}

// SecretSource supplies the shared webhook secret.
type SecretSource interface {
	Secret() string
}

// Service authenticates push events and maps them to registry entries.
type Service struct {
	registry Registry
	secrets  SecretSource
	deployer Deployer
	logger   *slog.Logger
}

// New constructs a webhook ingress service.
func New(registry Registry, secrets SecretSource, deployer Deployer, logger *slog.Logger) Service {
	return Service{registry: registry, secrets: secrets, deployer: deployer, logger: logger}
}

// PushEvent is the subset of a push payload the ingress needs.
type PushEvent struct {
	Ref        string `json:"ref"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
		SSHURL   string `json:"ssh_url"`
		GitURL   string `json:"git_url"`
	} `json:"repository"`
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against
// the configured secret using a constant-time comparison. When no
// secret is configured verification is skipped; that tradeoff is the
// operator's.
func (s Service) VerifySignature(body []byte, provided string) error {
	secret := s.secrets.Secret()
	if secret == "" {
		s.logger.Warn("webhook secret not configured; accepting unsigned payload")
		return nil
	}
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return ErrMissingSignature
	}
	provided = strings.TrimPrefix(provided, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// HandlePush parses the payload, finds the registry entry matching the
// pushed repository and branch, and triggers a deploy for it in the
// background. Unmatched pushes are expected and reported as a success
// message, not an error.
func (s Service) HandlePush(body []byte) (string, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return "", fmt.Errorf("malformed push payload: %w", err)
	}
	if !strings.HasPrefix(event.Ref, "refs/heads/") {
		s.logger.Info("ignoring non-branch push", "ref", event.Ref)
		return "No matching app found", nil
	}
	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	app, ok := s.match(event, branch)
	if !ok {
		return "No matching app found", nil
	}
	s.logger.Info("push matched application", "app_id", app.ID, "branch", branch)
	go func() {
		if _, err := s.deployer.Deploy(app.ID); err != nil {
			s.logger.Error("webhook deploy trigger failed", "app_id", app.ID, "error", err)
		}
	}()
	return "Deployment started", nil
}

func (s Service) match(event PushEvent, branch string) (domain.Application, bool) {
	candidates := map[string]struct{}{}
	for _, raw := range []string{event.Repository.CloneURL, event.Repository.HTMLURL, event.Repository.SSHURL, event.Repository.GitURL} {
		if normalized := NormalizeRepoURL(raw); normalized != "" {
			candidates[normalized] = struct{}{}
		}
	}
	for _, app := range s.registry.List() {
		if app.Branch != branch {
			continue
		}
		if _, ok := candidates[NormalizeRepoURL(app.RepoURL)]; ok {
			return app, true
		}
	}
	return domain.Application{}, false
}

// NormalizeRepoURL reduces repository URL variants (https, ssh, git,
// trailing .git) to a comparable host/path form.
func NormalizeRepoURL(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	for _, prefix := range []string{"https://", "http://", "git://", "ssh://"} {
		raw = strings.TrimPrefix(raw, prefix)
	}
	// git@host:owner/repo → host/owner/repo
	if at := strings.Index(raw, "@"); at >= 0 {
		raw = raw[at+1:]
	}
	raw = strings.Replace(raw, ":", "/", 1)
	raw = strings.TrimSuffix(raw, "/")
	raw = strings.TrimSuffix(raw, ".git")
	return raw
}

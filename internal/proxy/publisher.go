package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"log/slog"

	"github.com/caravel-sh/caravel/internal/domain"
)

// Lister is the registry view the publisher reads.
type Lister interface {
	List() []domain.Application
}

// Publisher regenerates the reverse-proxy configuration fragment from
// the registry and asks the proxy to reload. Output is deterministic so
// repeated publishes of an unchanged registry are byte-identical.
type Publisher struct {
	mu           sync.Mutex
	registry     Lister
	fragmentPath string
	reloader     Reloader
	logger       *slog.Logger
}

// NewPublisher constructs a route publisher.
func NewPublisher(registry Lister, fragmentPath string, reloader Reloader, logger *slog.Logger) *Publisher {
	return &Publisher{
		registry:     registry,
		fragmentPath: fragmentPath,
		reloader:     reloader,
		logger:       logger,
	}
}

// Republish atomically replaces the generated fragment and signals the
// proxy. A reload failure is surfaced as a warning, not an error; the
// proxy keeps serving its previous configuration until the next
// successful republish.
func (p *Publisher) Republish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fragment := Render(p.registry.List())
	if err := replaceFile(p.fragmentPath, fragment); err != nil {
		return fmt.Errorf("write proxy fragment: %w", err)
	}
	if p.reloader == nil {
		return nil
	}
	if err := p.reloader.Reload(ctx); err != nil {
		p.logger.Warn("proxy reload failed; serving previous configuration", "error", err)
	}
	return nil
}

// Render emits one server block per application that has both a domain
// and a positive port, ordered by id.
func Render(apps []domain.Application) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Generated by caravel. Do not edit; changes are overwritten on republish.\n")
	for _, app := range apps {
		if app.Domain == "" || app.Port <= 0 {
			continue
		}
		fmt.Fprintf(&buf, `
server {
    listen 80;
    server_name %s;

    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    }
}
`, app.Domain, app.Port)
	}
	return buf.Bytes()
}

func replaceFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

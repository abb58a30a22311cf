package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"log/slog"

	"github.com/caravel-sh/caravel/internal/domain"
)

type staticLister struct {
	apps []domain.Application
}

func (l *staticLister) List() []domain.Application { return l.apps }

type fakeReloader struct {
	calls int
	err   error
}

func (r *fakeReloader) Reload(ctx context.Context) error {
	r.calls++
	return r.err
}

func (r *fakeReloader) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRenderSkipsUnroutableApps(t *testing.T) {
	apps := []domain.Application{
		{ID: "blog", Domain: "blog.localhost", Port: 4000},
		{ID: "no-domain", Domain: "", Port: 4001},
		{ID: "no-port", Domain: "noport.localhost", Port: 0},
	}
	out := string(Render(apps))
	if !strings.Contains(out, "server_name blog.localhost;") {
		t.Fatalf("routable app missing from fragment:\n%s", out)
	}
	if !strings.Contains(out, "proxy_pass http://127.0.0.1:4000;") {
		t.Fatalf("upstream missing from fragment:\n%s", out)
	}
	if strings.Contains(out, "4001") || strings.Contains(out, "noport.localhost") {
		t.Fatalf("unroutable app leaked into fragment:\n%s", out)
	}
}

func TestRenderDeterministic(t *testing.T) {
	apps := []domain.Application{
		{ID: "a", Domain: "a.localhost", Port: 4000},
		{ID: "b", Domain: "b.localhost", Port: 4001},
	}
	if !bytes.Equal(Render(apps), Render(apps)) {
		t.Fatal("repeated renders of the same registry differ")
	}
}

func TestRepublishWritesFragmentAndReloads(t *testing.T) {
	fragment := filepath.Join(t.TempDir(), "caravel.conf")
	lister := &staticLister{apps: []domain.Application{
		{ID: "blog", Domain: "blog.localhost", Port: 4000},
	}}
	reloader := &fakeReloader{}
	p := NewPublisher(lister, fragment, reloader, discardLogger())

	if err := p.Republish(context.Background()); err != nil {
		t.Fatalf("Republish: %v", err)
	}
	raw, err := os.ReadFile(fragment)
	if err != nil {
		t.Fatalf("read fragment: %v", err)
	}
	if !strings.Contains(string(raw), "blog.localhost") {
		t.Fatalf("fragment missing route:\n%s", raw)
	}
	if reloader.calls != 1 {
		t.Fatalf("reload calls = %d, want 1", reloader.calls)
	}
}

func TestRepublishRouteRoundTrip(t *testing.T) {
	fragment := filepath.Join(t.TempDir(), "caravel.conf")
	lister := &staticLister{apps: []domain.Application{
		{ID: "blog", Domain: "blog.localhost", Port: 4000},
	}}
	p := NewPublisher(lister, fragment, &fakeReloader{}, discardLogger())

	if err := p.Republish(context.Background()); err != nil {
		t.Fatalf("Republish: %v", err)
	}

	// Record removed: the next publish must drop the route.
	lister.apps = nil
	if err := p.Republish(context.Background()); err != nil {
		t.Fatalf("Republish: %v", err)
	}
	raw, _ := os.ReadFile(fragment)
	if strings.Contains(string(raw), "blog.localhost") {
		t.Fatalf("deleted app still routed:\n%s", raw)
	}
}

func TestRepublishToleratesReloadFailure(t *testing.T) {
	fragment := filepath.Join(t.TempDir(), "caravel.conf")
	p := NewPublisher(&staticLister{}, fragment, &fakeReloader{err: errors.New("nginx down")}, discardLogger())
	if err := p.Republish(context.Background()); err != nil {
		t.Fatalf("reload failure should not fail the publish: %v", err)
	}
	if _, err := os.Stat(fragment); err != nil {
		t.Fatalf("fragment was not written: %v", err)
	}
}

package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/caravel-sh/caravel/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apps.json")
	r, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, path
}

func sampleApp(id string) domain.Application {
	return domain.Application{
		ID:           id,
		Name:         id,
		RepoURL:      "https://github.com/acme/" + id,
		Branch:       "main",
		BuildCommand: "npm install",
		StartCommand: "npm start",
		Port:         4000,
		Domain:       id + ".localhost",
		Status:       domain.StatusStopped,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	app := sampleApp("blog")
	if err := r.Create(app); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := r.Get("blog")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RepoURL != app.RepoURL || got.Port != app.Port {
		t.Fatalf("got %+v, want %+v", got, app)
	}
}

func TestRegistryCreateConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Create(sampleApp("blog")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := r.Create(sampleApp("blog"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryUpdateAllowlist(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Create(sampleApp("blog")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	branch := "develop"
	port := 4005
	env := map[string]string{"NODE_ENV": "production"}
	updated, err := r.Update("blog", UpdateInput{Branch: &branch, Port: &port, Env: &env})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Branch != "develop" || updated.Port != 4005 {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if updated.Env["NODE_ENV"] != "production" {
		t.Fatalf("env not applied: %+v", updated.Env)
	}
	// Untouched fields survive.
	if updated.RepoURL != "https://github.com/acme/blog" {
		t.Fatalf("repo url changed unexpectedly: %s", updated.RepoURL)
	}
}

func TestRegistryUpdateNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	branch := "main"
	if _, err := r.Update("missing", UpdateInput{Branch: &branch}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryDelete(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Create(sampleApp("blog")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Delete("blog"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("blog"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.Delete("blog"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestRegistrySetStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Create(sampleApp("blog")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.SetStatus("blog", domain.StatusBuilding, time.Time{}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := r.Get("blog")
	if got.Status != domain.StatusBuilding {
		t.Fatalf("status = %q, want building", got.Status)
	}
	if !got.LastDeployed.IsZero() {
		t.Fatal("zero timestamp should not set LastDeployed")
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := r.SetStatus("blog", domain.StatusRunning, at); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ = r.Get("blog")
	if got.Status != domain.StatusRunning || !got.LastDeployed.Equal(at) {
		t.Fatalf("got status %q at %v", got.Status, got.LastDeployed)
	}
}

func TestRegistryPersistenceAcrossReopen(t *testing.T) {
	r, path := newTestRegistry(t)
	if err := r.Create(sampleApp("blog")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Create(sampleApp("shop")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	reopened, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	apps := reopened.List()
	if len(apps) != 2 {
		t.Fatalf("got %d apps after reopen, want 2", len(apps))
	}
	if apps[0].ID != "blog" || apps[1].ID != "shop" {
		t.Fatalf("unexpected order: %s, %s", apps[0].ID, apps[1].ID)
	}
}

func TestRegistryListReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	app := sampleApp("blog")
	app.Env = map[string]string{"KEY": "one"}
	if err := r.Create(app); err != nil {
		t.Fatalf("Create: %v", err)
	}
	list := r.List()
	list[0].Env["KEY"] = "mutated"
	got, _ := r.Get("blog")
	if got.Env["KEY"] != "one" {
		t.Fatal("mutating a listed record leaked into the store")
	}
}

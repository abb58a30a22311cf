package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/caravel-sh/caravel/internal/domain"
)

// Registry is the durable record of every known application. All
// mutations hold the store lock and rewrite the applications file
// before returning, so a crash never leaves committed state corrupt.
type Registry struct {
	fileStore
	apps map[string]domain.Application
}

// NewRegistry loads (or initializes) the applications file at path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		fileStore: fileStore{path: path},
		apps:      make(map[string]domain.Application),
	}
	var records []domain.Application
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	for _, app := range records {
		r.apps[app.ID] = app
	}
	return r, nil
}

// UpdateInput carries the allowlisted mutable fields; nil means leave
// the field unchanged.
type UpdateInput struct {
	Branch       *string
	BuildCommand *string
	StartCommand *string
	Port         *int
	Domain       *string
	Env          *map[string]string
}

// List returns all applications sorted by id.
func (r *Registry) List() []domain.Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Application, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, copyApp(app))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the application with the given id.
func (r *Registry) Get(id string) (domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[id]
	if !ok {
		return domain.Application{}, fmt.Errorf("application %q: %w", id, ErrNotFound)
	}
	return copyApp(app), nil
}

// Create persists a new application record.
func (r *Registry) Create(app domain.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[app.ID]; ok {
		return fmt.Errorf("application %q: %w", app.ID, ErrConflict)
	}
	r.apps[app.ID] = copyApp(app)
	return r.persist()
}

// Update mutates the allowlisted fields of an existing record.
func (r *Registry) Update(id string, input UpdateInput) (domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[id]
	if !ok {
		return domain.Application{}, fmt.Errorf("application %q: %w", id, ErrNotFound)
	}
	if input.Branch != nil {
		app.Branch = *input.Branch
	}
	if input.BuildCommand != nil {
		app.BuildCommand = *input.BuildCommand
	}
	if input.StartCommand != nil {
		app.StartCommand = *input.StartCommand
	}
	if input.Port != nil {
		app.Port = *input.Port
	}
	if input.Domain != nil {
		app.Domain = *input.Domain
	}
	if input.Env != nil {
		app.Env = copyEnv(*input.Env)
	}
	r.apps[id] = app
	if err := r.persist(); err != nil {
		return domain.Application{}, err
	}
	return copyApp(app), nil
}

// Delete removes the record for id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[id]; !ok {
		return fmt.Errorf("application %q: %w", id, ErrNotFound)
	}
	delete(r.apps, id)
	return r.persist()
}

// SetStatus records a status transition and, for terminal deploy
// outcomes, the deploy timestamp.
func (r *Registry) SetStatus(id string, status domain.Status, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[id]
	if !ok {
		return fmt.Errorf("application %q: %w", id, ErrNotFound)
	}
	app.Status = status
	if !at.IsZero() {
		app.LastDeployed = at.UTC()
	}
	r.apps[id] = app
	return r.persist()
}

func (r *Registry) persist() error {
	records := make([]domain.Application, 0, len(r.apps))
	for _, app := range r.apps {
		records = append(records, app)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return writeJSONAtomic(r.path, records)
}

func copyApp(app domain.Application) domain.Application {
	app.Env = copyEnv(app.Env)
	return app
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

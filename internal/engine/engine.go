package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/caravel-sh/caravel/internal/domain"
	"github.com/caravel-sh/caravel/internal/store"
	"github.com/caravel-sh/caravel/internal/supervisor"
	"github.com/caravel-sh/caravel/internal/vcs"
	"github.com/caravel-sh/caravel/internal/ws"
)

// RoutePublisher keeps the reverse proxy in sync with the registry.
type RoutePublisher interface {
	Republish(ctx context.Context) error
}

// staticOutputDirs is the fixed preference order for detecting a static
// build output directory.
var staticOutputDirs = []string{"dist", "build", "out"}

// Options carries the engine's tunables.
type Options struct {
	AppsDir      string
	GitTimeout   time.Duration
	BuildTimeout time.Duration
}

// build is the in-memory handle of one in-flight deploy cycle. The
// active map is never persisted; builds do not survive a restart.
type build struct {
	cycleID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Engine drives the clone/build/run pipeline for applications. It
// enforces at most one active build per application id: a new deploy
// for an id cancels and waits out any build already in flight.
type Engine struct {
	registry  *store.Registry
	ports     *store.PortLedger
	settings  *store.SettingsStore
	logs      *store.BuildLogs
	vcs       vcs.Client
	runner    Runner
	sup       supervisor.Supervisor
	publisher RoutePublisher
	hub       *ws.Hub
	logger    *slog.Logger
	opts      Options

	mu     sync.Mutex
	active map[string]*build
	sem    chan struct{}
}

// New constructs a deployment engine. The concurrent-build ceiling is
// read from settings at construction.
func New(registry *store.Registry, ports *store.PortLedger, settings *store.SettingsStore, logs *store.BuildLogs, vcsClient vcs.Client, runner Runner, sup supervisor.Supervisor, publisher RoutePublisher, hub *ws.Hub, logger *slog.Logger, opts Options) *Engine {
	limit := settings.Get().MaxConcurrentBuilds
	if limit <= 0 {
		limit = 1
	}
	return &Engine{
		registry:  registry,
		ports:     ports,
		settings:  settings,
		logs:      logs,
		vcs:       vcsClient,
		runner:    runner,
		sup:       sup,
		publisher: publisher,
		hub:       hub,
		logger:    logger,
		opts:      opts,
		active:    make(map[string]*build),
		sem:       make(chan struct{}, limit),
	}
}

// Deploy starts a deploy cycle for the application and returns its
// cycle id once the pipeline is running in the background. Any build
// already in flight for the id is cancelled first and has fully exited
// before the new cycle begins.
func (e *Engine) Deploy(id string) (string, error) {
	app, err := e.registry.Get(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	for {
		prev := e.active[id]
		if prev == nil {
			break
		}
		e.mu.Unlock()
		e.logger.Info("superseding in-flight build", "app_id", id, "cycle_id", prev.cycleID)
		prev.cancel()
		<-prev.done
		e.mu.Lock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &build{cycleID: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	e.active[id] = b
	e.mu.Unlock()

	if err := e.registry.SetStatus(id, domain.StatusBuilding, time.Time{}); err != nil {
		e.logger.Warn("failed to persist building status", "app_id", id, "error", err)
	}
	e.logger.Info("deploy started", "app_id", id, "cycle_id", b.cycleID, "branch", app.Branch)
	go e.run(ctx, b, app)
	return b.cycleID, nil
}

// Cancel stops the in-flight build for id and waits until its process
// has exited. It reports false when there was nothing to cancel.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	b := e.active[id]
	e.mu.Unlock()
	if b == nil {
		return false
	}
	e.logger.Info("cancelling build", "app_id", id, "cycle_id", b.cycleID)
	b.cancel()
	<-b.done
	return true
}

// Building reports whether a build is currently in flight for id.
func (e *Engine) Building(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[id] != nil
}

// StartApp asks the supervisor to resume the application's process
// without rebuilding.
func (e *Engine) StartApp(ctx context.Context, id string) error {
	if _, err := e.registry.Get(id); err != nil {
		return err
	}
	if err := e.sup.Resume(ctx, id); err != nil {
		_ = e.registry.SetStatus(id, domain.StatusError, time.Time{})
		return err
	}
	return e.registry.SetStatus(id, domain.StatusRunning, time.Time{})
}

// StopApp cancels any in-flight build, stops the supervised process and
// marks the application stopped.
func (e *Engine) StopApp(ctx context.Context, id string) error {
	if _, err := e.registry.Get(id); err != nil {
		return err
	}
	cancelled := e.Cancel(id)
	if err := e.sup.Stop(ctx, id); err != nil {
		if !cancelled {
			return err
		}
		e.logger.Warn("supervisor stop failed after build cancellation", "app_id", id, "error", err)
	}
	return e.registry.SetStatus(id, domain.StatusStopped, time.Time{})
}

// Remove tears the application down: cancels its build, unregisters the
// supervised process, releases the port, deletes the working directory,
// the build log and the registry record, then republishes routes.
func (e *Engine) Remove(ctx context.Context, id string) error {
	app, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	e.Cancel(id)
	if err := e.sup.Delete(ctx, id); err != nil {
		e.logger.Warn("supervisor delete failed", "app_id", id, "error", err)
	}
	if err := e.ports.Release(id); err != nil {
		return err
	}
	if err := os.RemoveAll(e.workdir(id)); err != nil {
		e.logger.Warn("failed to remove working directory", "app_id", id, "error", err)
	}
	if err := e.logs.Remove(id); err != nil {
		e.logger.Warn("failed to remove build log", "app_id", id, "error", err)
	}
	if err := e.registry.Delete(id); err != nil {
		return err
	}
	if app.Domain != "" {
		e.republish(ctx)
	}
	return nil
}

// ReconcileStartup brings persisted statuses back in line with reality
// after a restart: applications left in building status are marked
// errored (their builds died with the previous process), and
// running/stopped statuses are checked against the supervisor's actual
// process list.
func (e *Engine) ReconcileStartup(ctx context.Context) {
	for _, app := range e.registry.List() {
		if app.Status != domain.StatusBuilding {
			continue
		}
		e.logger.Warn("abandoning stale build from previous run", "app_id", app.ID)
		if err := e.registry.SetStatus(app.ID, domain.StatusError, time.Time{}); err != nil {
			e.logger.Error("failed to reconcile stale build", "app_id", app.ID, "error", err)
			continue
		}
		note := fmt.Sprintf("\n[%s] build interrupted by orchestrator restart\n", time.Now().UTC().Format(time.RFC3339))
		if err := e.logs.Append(app.ID, note); err != nil {
			e.logger.Warn("failed to annotate build log", "app_id", app.ID, "error", err)
		}
	}

	infos, err := e.sup.List(ctx)
	if err != nil {
		e.logger.Warn("supervisor list failed; skipping process reconciliation", "error", err)
		return
	}
	online := make(map[string]bool, len(infos))
	for _, info := range infos {
		online[info.Name] = info.Status == "online"
	}
	for _, app := range e.registry.List() {
		switch app.Status {
		case domain.StatusRunning:
			if !online[app.ID] {
				e.logger.Warn("supervised process gone; marking stopped", "app_id", app.ID)
				if err := e.registry.SetStatus(app.ID, domain.StatusStopped, time.Time{}); err != nil {
					e.logger.Error("failed to reconcile process state", "app_id", app.ID, "error", err)
				}
			}
		case domain.StatusStopped:
			if online[app.ID] {
				e.logger.Info("supervised process still online; marking running", "app_id", app.ID)
				if err := e.registry.SetStatus(app.ID, domain.StatusRunning, time.Time{}); err != nil {
					e.logger.Error("failed to reconcile process state", "app_id", app.ID, "error", err)
				}
			}
		}
	}
}

func (e *Engine) run(ctx context.Context, b *build, app domain.Application) {
	defer func() {
		e.mu.Lock()
		if e.active[app.ID] == b {
			delete(e.active, app.ID)
		}
		e.mu.Unlock()
		close(b.done)
	}()

	var log bytes.Buffer
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.finish(ctx, app, &log, domain.StatusStopped, nil)
		return
	}

	dir := e.workdir(app.ID)
	e.stage(&log, app.ID, "fetch", "syncing %s (branch %s)", app.RepoURL, app.Branch)
	gitCtx, cancelGit := context.WithTimeout(ctx, e.opts.GitTimeout)
	var out string
	var err error
	if vcs.HasClone(dir) {
		out, err = e.vcs.FetchAndReset(gitCtx, dir, app.Branch)
	} else {
		out, err = e.vcs.Clone(gitCtx, app.RepoURL, app.Branch, dir)
	}
	cancelGit()
	e.capture(&log, app.ID, out)
	if err != nil {
		e.finishStep(ctx, app, &log, "fetch", err)
		return
	}

	if app.BuildCommand != "" {
		e.stage(&log, app.ID, "build", "%s", app.BuildCommand)
		buildCtx, cancelBuild := context.WithTimeout(ctx, e.opts.BuildTimeout)
		out, err = e.runner.Run(buildCtx, Step{
			Command: app.BuildCommand,
			Dir:     dir,
			Env:     e.buildEnv(app, dir),
		})
		cancelBuild()
		e.capture(&log, app.ID, out)
		if err != nil {
			e.finishStep(ctx, app, &log, "build", err)
			return
		}
	}

	spec := supervisor.ProcessSpec{
		Name:    app.ID,
		Dir:     dir,
		Command: app.StartCommand,
		Env:     app.Env,
		Port:    app.Port,
	}
	if static := detectStaticDir(dir); static != "" {
		e.stage(&log, app.ID, "run", "serving static output %s on port %d", static, app.Port)
		spec.Command = ""
		spec.StaticDir = filepath.Join(dir, static)
	} else {
		e.stage(&log, app.ID, "run", "%s", app.StartCommand)
	}
	if err := e.sup.Start(ctx, spec); err != nil {
		e.finishStep(ctx, app, &log, "run", err)
		return
	}
	e.stage(&log, app.ID, "done", "deployed %s", app.ID)
	e.finish(ctx, app, &log, domain.StatusRunning, nil)
}

// finishStep resolves a failed pipeline step, treating cancellation as
// a stop rather than an error.
func (e *Engine) finishStep(ctx context.Context, app domain.Application, log *bytes.Buffer, stage string, err error) {
	if ctx.Err() != nil {
		e.stage(log, app.ID, stage, "cancelled")
		e.finish(ctx, app, log, domain.StatusStopped, nil)
		return
	}
	e.stage(log, app.ID, stage, "failed: %v", err)
	e.finish(ctx, app, log, domain.StatusError, err)
}

func (e *Engine) finish(ctx context.Context, app domain.Application, log *bytes.Buffer, status domain.Status, failErr error) {
	now := time.Now().UTC()
	if err := e.logs.Write(app.ID, log.String()); err != nil {
		e.logger.Warn("failed to persist build log", "app_id", app.ID, "error", err)
	}
	if err := e.registry.SetStatus(app.ID, status, now); err != nil {
		e.logger.Error("failed to persist final status", "app_id", app.ID, "status", status, "error", err)
	}
	switch status {
	case domain.StatusError:
		e.logger.Error("deploy failed", "app_id", app.ID, "error", failErr)
	case domain.StatusStopped:
		e.logger.Info("deploy cancelled", "app_id", app.ID)
	default:
		e.logger.Info("deploy completed", "app_id", app.ID, "status", status)
	}
	if app.Domain != "" {
		e.republish(context.WithoutCancel(ctx))
	}
}

func (e *Engine) republish(ctx context.Context) {
	if e.publisher == nil || !e.settings.Get().ProxyEnabled {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.publisher.Republish(opCtx); err != nil {
		e.logger.Warn("route republish failed", "error", err)
	}
}

func (e *Engine) buildEnv(app domain.Application, dir string) []string {
	env := os.Environ()
	for k, v := range app.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"APP_ID="+app.ID,
		"APP_NAME="+app.Name,
		"PORT="+strconv.Itoa(app.Port),
		"DEPLOY_DIR="+dir,
	)
	return env
}

func (e *Engine) workdir(id string) string {
	return filepath.Join(e.opts.AppsDir, id)
}

// stage appends a marker line to the build log and streams it to any
// subscribers.
func (e *Engine) stage(log *bytes.Buffer, appID, stage, format string, args ...any) {
	line := fmt.Sprintf("[%s] %s\n", stage, fmt.Sprintf(format, args...))
	log.WriteString(line)
	if e.hub != nil {
		e.hub.Broadcast(appID, []byte(line))
	}
}

// capture appends raw step output to the build log and streams it.
func (e *Engine) capture(log *bytes.Buffer, appID, output string) {
	if output == "" {
		return
	}
	log.WriteString(output)
	if !bytes.HasSuffix([]byte(output), []byte("\n")) {
		log.WriteByte('\n')
	}
	if e.hub != nil {
		e.hub.Broadcast(appID, []byte(output))
	}
}

func detectStaticDir(dir string) string {
	for _, name := range staticOutputDirs {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && info.IsDir() {
			return name
		}
	}
	return ""
}

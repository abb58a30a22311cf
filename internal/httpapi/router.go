package httpapi

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caravel-sh/caravel/internal/domain"
	"github.com/caravel-sh/caravel/internal/engine"
	"github.com/caravel-sh/caravel/internal/store"
	"github.com/caravel-sh/caravel/internal/webhook"
	"github.com/caravel-sh/caravel/internal/ws"
)

const (
	rateWindowDefault = time.Minute
	rateLimitWebhook  = 120
	rateLimitWrite    = 60
	rateLimitRead     = 240

	defaultBuildCommand = "npm install"
	defaultStartCommand = "npm start"
)

// Router wires the management API and webhook ingress to the engine
// and stores.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	registry  *store.Registry
	ports     *store.PortLedger
	settings  *store.SettingsStore
	logs      *store.BuildLogs
	engine    *engine.Engine
	webhook   webhook.Service
	publisher engine.RoutePublisher
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployTriggers     *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, registry *store.Registry, ports *store.PortLedger, settings *store.SettingsStore, logs *store.BuildLogs, eng *engine.Engine, webhookSvc webhook.Service, publisher engine.RoutePublisher, hub *ws.Hub, limiter RateLimiter) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		registry:  registry,
		ports:     ports,
		settings:  settings,
		logs:      logs,
		engine:    eng,
		webhook:   webhookSvc,
		publisher: publisher,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/health", r.audit(r.instrument("/health", r.handleHealth)))
	r.mux.HandleFunc("/webhook", r.audit(r.instrument("/webhook", r.withRateLimit(rateLimitWebhook, rateWindowDefault, r.handleWebhook))))
	r.mux.HandleFunc("/api/apps", r.audit(r.instrument("/api/apps", r.withRateLimit(rateLimitWrite, rateWindowDefault, r.handleApps))))
	r.mux.HandleFunc("/api/apps/", r.audit(r.instrument("/api/apps/{id}", r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleAppSubroutes))))
	r.mux.HandleFunc("/api/settings", r.audit(r.instrument("/api/settings", r.withRateLimit(rateLimitWrite, rateWindowDefault, r.handleSettings))))
	r.mux.HandleFunc("/api/settings/generate-secret", r.audit(r.instrument("/api/settings/generate-secret", r.withRateLimit(rateLimitWrite, rateWindowDefault, r.handleGenerateSecret))))
	r.mux.HandleFunc("/ws/logs", r.audit(r.handleLogsWS))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if err := r.webhook.VerifySignature(body, signature); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	message, err := r.webhook.HandlePush(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if message == "Deployment started" {
		r.recordDeployTrigger("webhook")
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

type createPayload struct {
	Name         string            `json:"name"`
	RepoURL      string            `json:"repoUrl"`
	Branch       string            `json:"branch"`
	BuildCommand string            `json:"buildCommand"`
	StartCommand string            `json:"startCommand"`
	Port         int               `json:"port"`
	Domain       string            `json:"domain"`
	Env          map[string]string `json:"env"`
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.registry.List())
	case http.MethodPost:
		r.handleCreateApp(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCreateApp(w http.ResponseWriter, req *http.Request) {
	var payload createPayload
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(payload.RepoURL) == "" {
		writeError(w, http.StatusBadRequest, "repoUrl is required")
		return
	}
	id := domain.Slugify(payload.Name)
	if id == "" {
		writeError(w, http.StatusBadRequest, "name must contain at least one alphanumeric character")
		return
	}
	if payload.Port < 0 {
		writeError(w, http.StatusBadRequest, "port must be positive")
		return
	}
	settings := r.settings.Get()
	app := domain.Application{
		ID:           id,
		Name:         strings.TrimSpace(payload.Name),
		RepoURL:      strings.TrimSpace(payload.RepoURL),
		Branch:       orDefault(payload.Branch, settings.DefaultBranch),
		BuildCommand: orDefault(payload.BuildCommand, defaultBuildCommand),
		StartCommand: orDefault(payload.StartCommand, defaultStartCommand),
		Port:         payload.Port,
		Domain:       strings.TrimSpace(payload.Domain),
		Env:          payload.Env,
		Status:       domain.StatusStopped,
		CreatedAt:    time.Now().UTC(),
	}
	if app.Domain == "" {
		app.Domain = id + "." + settings.BaseDomain
	}
	if err := r.registry.Create(app); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if app.Port > 0 {
		if err := r.ports.Claim(id, app.Port); err != nil {
			r.rollbackCreate(id)
			r.writeStoreError(w, err)
			return
		}
	} else {
		port, err := r.ports.Allocate(id)
		if err != nil {
			r.rollbackCreate(id)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		updated, err := r.registry.Update(id, store.UpdateInput{Port: &port})
		if err != nil {
			r.rollbackCreate(id)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		app = updated
	}
	if _, err := r.engine.Deploy(id); err != nil {
		r.logger.Error("initial deploy trigger failed", "app_id", id, "error", err)
	} else {
		r.recordDeployTrigger("create")
	}
	r.logger.Info("application created", "app_id", id, "port", app.Port, "domain", app.Domain)
	writeJSON(w, http.StatusCreated, app)
}

func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/apps/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		r.handleApp(w, req, id)
	case len(parts) == 2 && parts[1] == "logs":
		r.handleAppLogs(w, req, id)
	case len(parts) == 2:
		r.handleAppAction(w, req, id, parts[1])
	default:
		r.notFound(w)
	}
}

type updatePayload struct {
	Branch       *string            `json:"branch"`
	BuildCommand *string            `json:"buildCommand"`
	StartCommand *string            `json:"startCommand"`
	Port         *int               `json:"port"`
	Domain       *string            `json:"domain"`
	Env          *map[string]string `json:"env"`
}

func (r *Router) handleApp(w http.ResponseWriter, req *http.Request, id string) {
	switch req.Method {
	case http.MethodGet:
		app, err := r.registry.Get(id)
		if err != nil {
			r.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	case http.MethodPut:
		r.handleUpdateApp(w, req, id)
	case http.MethodDelete:
		if err := r.engine.Remove(req.Context(), id); err != nil {
			r.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleUpdateApp(w http.ResponseWriter, req *http.Request, id string) {
	var payload updatePayload
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Port != nil && *payload.Port <= 0 {
		writeError(w, http.StatusBadRequest, "port must be positive")
		return
	}
	before, err := r.registry.Get(id)
	if err != nil {
		r.writeStoreError(w, err)
		return
	}
	portChanged := payload.Port != nil && *payload.Port != before.Port
	if portChanged {
		if err := r.ports.Claim(id, *payload.Port); err != nil {
			r.writeStoreError(w, err)
			return
		}
	}
	updated, err := r.registry.Update(id, store.UpdateInput{
		Branch:       payload.Branch,
		BuildCommand: payload.BuildCommand,
		StartCommand: payload.StartCommand,
		Port:         payload.Port,
		Domain:       payload.Domain,
		Env:          payload.Env,
	})
	if err != nil {
		if portChanged {
			r.restoreClaim(id, before.Port)
		}
		r.writeStoreError(w, err)
		return
	}
	if updated.Domain != before.Domain || updated.Port != before.Port {
		r.republish(req)
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleAppAction(w http.ResponseWriter, req *http.Request, id, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	switch action {
	case "start":
		if err := r.engine.StartApp(req.Context(), id); err != nil {
			r.writeStoreError(w, err)
			return
		}
		app, _ := r.registry.Get(id)
		writeJSON(w, http.StatusOK, app)
	case "stop":
		if err := r.engine.StopApp(req.Context(), id); err != nil {
			r.writeStoreError(w, err)
			return
		}
		app, _ := r.registry.Get(id)
		writeJSON(w, http.StatusOK, app)
	case "redeploy":
		if _, err := r.engine.Deploy(id); err != nil {
			r.writeStoreError(w, err)
			return
		}
		r.recordDeployTrigger("redeploy")
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "Deployment started"})
	case "cancel":
		if _, err := r.registry.Get(id); err != nil {
			r.writeStoreError(w, err)
			return
		}
		if r.engine.Cancel(id) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "Build cancelled"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Nothing to cancel"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleAppLogs(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.registry.Get(id); err != nil {
		r.writeStoreError(w, err)
		return
	}
	content, err := r.logs.Read(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

func (r *Router) handleSettings(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.settings.Get())
	case http.MethodPut:
		var payload domain.Settings
		if err := decodeJSON(req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		before := r.settings.Get()
		if err := r.settings.Update(payload); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if payload.ProxyEnabled != before.ProxyEnabled {
			r.republish(req)
		}
		writeJSON(w, http.StatusOK, r.settings.Get())
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleGenerateSecret(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	secret, err := r.settings.GenerateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusNotFound, "log streaming disabled")
		return
	}
	appID := req.URL.Query().Get("app_id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "app_id query parameter required")
		return
	}
	if _, err := r.registry.Get(appID); err != nil {
		r.writeStoreError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(appID, client)
	go func() {
		defer func() {
			r.hub.Unregister(appID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) republish(req *http.Request) {
	if r.publisher == nil || !r.settings.Get().ProxyEnabled {
		return
	}
	if err := r.publisher.Republish(req.Context()); err != nil {
		r.logger.Warn("route republish failed", "error", err)
	}
}

// rollbackCreate undoes a freshly created record whose port could not
// be secured, so a failed create leaves no partial state.
func (r *Router) rollbackCreate(id string) {
	if err := r.registry.Delete(id); err != nil {
		r.logger.Error("failed to roll back record after ledger failure", "app_id", id, "error", err)
	}
}

// restoreClaim puts the ledger back on the application's previous port
// after a failed update.
func (r *Router) restoreClaim(id string, port int) {
	var err error
	if port > 0 {
		err = r.ports.Claim(id, port)
	} else {
		err = r.ports.Release(id)
	}
	if err != nil {
		r.logger.Warn("failed to restore port ledger after update failure", "app_id", id, "error", err)
	}
}

func (r *Router) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func orDefault(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

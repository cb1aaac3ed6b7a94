// Package httpx exposes the engine's HTTP surface: site CRUD, deploys,
// lifecycle transitions, log and status reads, plus health and metrics.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/repository"
	"github.com/nexushost/sites/internal/service/deploy"
	"github.com/nexushost/sites/internal/service/lifecycle"
	"github.com/nexushost/sites/internal/service/site"
	"github.com/nexushost/sites/internal/service/status"
	"github.com/nexushost/sites/internal/template"
	"github.com/nexushost/sites/internal/ws"
)

// SiteService is the site CRUD surface the router needs.
type SiteService interface {
	Create(ctx context.Context, req site.CreateRequest) (*domain.Site, error)
	List(ctx context.Context) ([]domain.SiteSummary, error)
	Get(ctx context.Context, id string) (*site.Detail, error)
	Update(ctx context.Context, id string, req site.UpdateRequest) (*domain.Site, string, error)
	Delete(ctx context.Context, id string) (*domain.Site, error)
}

// DeployService runs deploys.
type DeployService interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// LifecycleService drives start/stop/restart.
type LifecycleService interface {
	Start(ctx context.Context, siteID string) error
	Stop(ctx context.Context, siteID string) error
	Restart(ctx context.Context, siteID string) error
}

// StatusService reads live runtime state.
type StatusService interface {
	Report(ctx context.Context, siteID string) (status.Report, error)
	Logs(ctx context.Context, siteID string, tail int) (string, error)
	Stream(ctx context.Context, siteID string, tail int, w io.Writer) error
}

// Config bundles router dependencies.
type Config struct {
	Logger         *slog.Logger
	Sites          SiteService
	Deploys        DeployService
	Lifecycle      LifecycleService
	Status         StatusService
	Limiter        RateLimiter
	JWTSecret      string
	MaxUploadBytes int64
	DBHealth       func(context.Context) error
	RuntimeHealth  func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	sites          SiteService
	deploys        DeployService
	lifecycle      LifecycleService
	status         StatusService
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	jwtSecret      string
	maxUploadBytes int64
	dbHealth       func(context.Context) error
	runtimeHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault    = time.Minute
	rateWindowRealtime   = 30 * time.Second
	rateLimitRead        = 120
	rateLimitWrite       = 60
	rateLimitDeploy      = 12
	rateLimitWebsocket   = 30
	healthCheckTimeout   = 2 * time.Second
	multipartMemoryLimit = 32 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(cfg Config) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    cfg.Logger,
		sites:     cfg.Sites,
		deploys:   cfg.Deploys,
		lifecycle: cfg.Lifecycle,
		status:    cfg.Status,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        cfg.Limiter,
		jwtSecret:      strings.TrimSpace(cfg.JWTSecret),
		maxUploadBytes: cfg.MaxUploadBytes,
		dbHealth:       cfg.DBHealth,
		runtimeHealth:  cfg.RuntimeHealth,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.maxUploadBytes <= 0 {
		r.maxUploadBytes = 100 << 20
	}
	if r.jwtSecret == "" {
		r.logger.Warn("jwt secret not configured; request authentication disabled")
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
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
	r.mux.HandleFunc("/", r.audit(r.instrument("root", r.handleRoot)))
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("healthz", r.handleHealthz)))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/templates", r.audit(r.instrument("templates", r.handleTemplates)))
	r.mux.HandleFunc("/sites", r.audit(r.instrument("sites", r.handlerAuthRate("sites", rateLimitWrite, rateWindowDefault, r.handleSites))))
	r.mux.HandleFunc("/sites/", r.audit(r.instrument("site_subroutes", r.handleSiteSubroutes)))
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "nexus-sites",
		"version": "1.0.0",
		"status":  "healthy",
		"endpoints": map[string]string{
			"health":    "GET /healthz",
			"metrics":   "GET /metrics",
			"templates": "GET /templates",
			"sites":     "GET /sites, POST /sites",
			"site":      "GET /sites/:id, PUT /sites/:id, DELETE /sites/:id",
			"deploy":    "POST /sites/:id/deploy (multipart/form-data zip or JSON with git_url)",
			"start":     "POST /sites/:id/start",
			"stop":      "POST /sites/:id/stop",
			"restart":   "POST /sites/:id/restart",
			"logs":      "GET /sites/:id/logs?tail=200",
			"stream":    "GET /sites/:id/logs/stream",
			"status":    "GET /sites/:id/status",
		},
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	overall := "ok"
	check := func(name string, fn func(context.Context) error) {
		if fn == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			overall = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("docker", r.runtimeHealth)

	code := http.StatusOK
	if overall != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, template.All())
}

func (r *Router) handleSites(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name   string            `json:"name"`
			Slug   string            `json:"slug"`
			Type   string            `json:"type"`
			Domain string            `json:"domain"`
			Config map[string]string `json:"config"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.sites.Create(req.Context(), site.CreateRequest{
			Name:   payload.Name,
			Slug:   payload.Slug,
			Type:   payload.Type,
			Domain: payload.Domain,
			Config: payload.Config,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		summaries, err := r.sites.List(req.Context())
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		if summaries == nil {
			summaries = []domain.SiteSummary{}
		}
		writeJSON(w, http.StatusOK, summaries)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSiteSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/sites/")
	parts := strings.Split(trimmed, "/")
	siteID := parts[0]
	if siteID == "" {
		r.notFound(w)
		return
	}

	wrap := func(route string, limit int, window time.Duration, h func(http.ResponseWriter, *http.Request)) {
		r.handlerAuthRate(route, limit, window, h)(w, req)
	}

	switch {
	case len(parts) == 1:
		wrap("site", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleSite(w, req, siteID)
		})
	case len(parts) == 2 && parts[1] == "deploy":
		wrap("site_deploy", rateLimitDeploy, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDeploy(w, req, siteID)
		})
	case len(parts) == 2 && (parts[1] == "start" || parts[1] == "stop" || parts[1] == "restart"):
		action := parts[1]
		wrap("site_lifecycle", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleLifecycle(w, req, siteID, action)
		})
	case len(parts) == 2 && parts[1] == "logs":
		wrap("site_logs", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogs(w, req, siteID)
		})
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		wrap("site_logs_stream", rateLimitWebsocket, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogsStream(w, req, siteID)
		})
	case len(parts) == 2 && parts[1] == "status":
		wrap("site_status", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleStatus(w, req, siteID)
		})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleSite(w http.ResponseWriter, req *http.Request, siteID string) {
	switch req.Method {
	case http.MethodGet:
		detail, err := r.sites.Get(req.Context(), siteID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		containers := detail.Containers
		if containers == nil {
			containers = []domain.SiteContainer{}
		}
		deployments := detail.Deployments
		if deployments == nil {
			deployments = []domain.Deployment{}
		}
		writeJSON(w, http.StatusOK, struct {
			*domain.Site
			Containers  []domain.SiteContainer `json:"containers"`
			Deployments []domain.Deployment    `json:"deployments"`
		}{detail.Site, containers, deployments})
	case http.MethodPut:
		var payload struct {
			Name   *string `json:"name"`
			Domain *string `json:"domain"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, notice, err := r.sites.Update(req.Context(), siteID, site.UpdateRequest{
			Name:   payload.Name,
			Domain: payload.Domain,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			*domain.Site
			Notice string `json:"notice,omitempty"`
		}{updated, notice})
	case http.MethodDelete:
		deleted, err := r.sites.Delete(req.Context(), siteID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Site \"" + deleted.Name + "\" and all associated resources deleted",
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}

	deployReq := deploy.Request{SiteID: siteID}
	contentType := req.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		req.Body = http.MaxBytesReader(w, req.Body, r.maxUploadBytes)
		if err := req.ParseMultipartForm(multipartMemoryLimit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
			return
		}
		deployReq.Version = req.FormValue("version")
		deployReq.GitURL = req.FormValue("git_url")
		deployReq.GitBranch = req.FormValue("branch")

		file, _, err := req.FormFile("file")
		if err == nil {
			defer file.Close()
			archive, err := saveUpload(file)
			if err != nil {
				r.logger.Error("persist upload", "site_id", siteID, "error", err)
				writeError(w, http.StatusInternalServerError, "could not store upload")
				return
			}
			defer os.Remove(archive)
			deployReq.ArchivePath = archive
		} else if !errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "invalid file upload")
			return
		}
	} else {
		var payload struct {
			Version   string `json:"version"`
			GitURL    string `json:"git_url"`
			GitBranch string `json:"branch"`
		}
		if req.Body != nil {
			_ = json.NewDecoder(req.Body).Decode(&payload)
		}
		deployReq.Version = payload.Version
		deployReq.GitURL = payload.GitURL
		deployReq.GitBranch = payload.GitBranch
	}

	result, err := r.deploys.Deploy(req.Context(), deployReq)
	if err != nil {
		r.recordDeployResult("failure")
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "Site not found")
		case errors.Is(err, deploy.ErrNodeSourceRequired),
			errors.Is(err, deploy.ErrViteSourceRequired),
			errors.Is(err, deploy.ErrMissingCredentials):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			payload := map[string]any{"error": "Deploy failed: " + err.Error()}
			if result.DeploymentID != "" {
				payload["deployment_id"] = result.DeploymentID
			}
			writeJSON(w, http.StatusInternalServerError, payload)
		}
		return
	}

	r.recordDeployResult("success")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"deployment_id": result.DeploymentID,
		"version":       result.Version,
		"image":         result.Image,
	})
}

func (r *Router) handleLifecycle(w http.ResponseWriter, req *http.Request, siteID, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var (
		err     error
		message string
	)
	switch action {
	case "start":
		err = r.lifecycle.Start(req.Context(), siteID)
		message = "Site started"
	case "stop":
		err = r.lifecycle.Stop(req.Context(), siteID)
		message = "Site stopped"
	case "restart":
		err = r.lifecycle.Restart(req.Context(), siteID)
		message = "Site restarted"
	default:
		r.notFound(w)
		return
	}
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
	out, err := r.status.Logs(req.Context(), siteID, tail)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (r *Router) handleLogsStream(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	defer client.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := r.status.Stream(ctx, siteID, tail, client); err != nil && ctx.Err() == nil {
		r.logger.Warn("log stream ended", "site_id", siteID, "error", err)
		_ = client.Send([]byte("error: " + err.Error()))
	}
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	report, err := r.status.Report(req.Context(), siteID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeServiceError maps service failures onto the HTTP error taxonomy.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var validation site.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "Site not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "Slug already exists")
	case errors.Is(err, lifecycle.ErrNoContainers),
		errors.Is(err, status.ErrNoAppContainer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, status.ErrContainerGone):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func saveUpload(file io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "site-upload-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
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
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.Role != "" {
				fields = append(fields, "role", info.Role)
			}
		}
		fields = append(fields, "actor", actor)

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
	ctx    context.Context
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

// SetContext propagates auth context outward through nested recorders so the
// audit layer can attribute the request.
func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
	if setter, ok := sr.ResponseWriter.(contextSetter); ok {
		setter.SetContext(ctx)
	}
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

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
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

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

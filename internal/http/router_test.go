package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/repository"
	"github.com/nexushost/sites/internal/service/deploy"
	"github.com/nexushost/sites/internal/service/lifecycle"
	"github.com/nexushost/sites/internal/service/site"
	"github.com/nexushost/sites/internal/service/status"
	"github.com/nexushost/sites/pkg/jwt"
)

type stubSites struct {
	createFn func(ctx context.Context, req site.CreateRequest) (*domain.Site, error)
	listFn   func(ctx context.Context) ([]domain.SiteSummary, error)
	getFn    func(ctx context.Context, id string) (*site.Detail, error)
	updateFn func(ctx context.Context, id string, req site.UpdateRequest) (*domain.Site, string, error)
	deleteFn func(ctx context.Context, id string) (*domain.Site, error)
}

func (s *stubSites) Create(ctx context.Context, req site.CreateRequest) (*domain.Site, error) {
	if s.createFn == nil {
		return nil, errors.New("unexpected Create")
	}
	return s.createFn(ctx, req)
}

func (s *stubSites) List(ctx context.Context) ([]domain.SiteSummary, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx)
}

func (s *stubSites) Get(ctx context.Context, id string) (*site.Detail, error) {
	if s.getFn == nil {
		return nil, repository.ErrNotFound
	}
	return s.getFn(ctx, id)
}

func (s *stubSites) Update(ctx context.Context, id string, req site.UpdateRequest) (*domain.Site, string, error) {
	if s.updateFn == nil {
		return nil, "", repository.ErrNotFound
	}
	return s.updateFn(ctx, id, req)
}

func (s *stubSites) Delete(ctx context.Context, id string) (*domain.Site, error) {
	if s.deleteFn == nil {
		return nil, repository.ErrNotFound
	}
	return s.deleteFn(ctx, id)
}

type stubDeploys struct {
	fn func(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

func (s *stubDeploys) Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error) {
	if s.fn == nil {
		return deploy.Result{}, errors.New("unexpected Deploy")
	}
	return s.fn(ctx, req)
}

type stubLifecycle struct {
	actions []string
	err     error
}

func (s *stubLifecycle) Start(ctx context.Context, siteID string) error {
	s.actions = append(s.actions, "start:"+siteID)
	return s.err
}

func (s *stubLifecycle) Stop(ctx context.Context, siteID string) error {
	s.actions = append(s.actions, "stop:"+siteID)
	return s.err
}

func (s *stubLifecycle) Restart(ctx context.Context, siteID string) error {
	s.actions = append(s.actions, "restart:"+siteID)
	return s.err
}

type stubStatus struct {
	report    status.Report
	reportErr error
	logs      string
	logsErr   error
	gotTail   int
}

func (s *stubStatus) Report(ctx context.Context, siteID string) (status.Report, error) {
	return s.report, s.reportErr
}

func (s *stubStatus) Logs(ctx context.Context, siteID string, tail int) (string, error) {
	s.gotTail = tail
	return s.logs, s.logsErr
}

func (s *stubStatus) Stream(ctx context.Context, siteID string, tail int, w io.Writer) error {
	_, err := io.WriteString(w, s.logs)
	return err
}

func testRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Sites == nil {
		cfg.Sites = &stubSites{}
	}
	if cfg.Deploys == nil {
		cfg.Deploys = &stubDeploys{}
	}
	if cfg.Lifecycle == nil {
		cfg.Lifecycle = &stubLifecycle{}
	}
	if cfg.Status == nil {
		cfg.Status = &stubStatus{}
	}
	router := NewRouter(cfg)
	t.Cleanup(router.Close)
	return router
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestRootDescriptor(t *testing.T) {
	router := testRouter(t, Config{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["service"] != "nexus-sites" {
		t.Fatalf("service = %v", payload["service"])
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", rec.Code)
	}
}

func TestHealthzDegraded(t *testing.T) {
	router := testRouter(t, Config{
		DBHealth:      func(context.Context) error { return nil },
		RuntimeHealth: func(context.Context) error { return errors.New("daemon unreachable") },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["status"] != "degraded" {
		t.Fatalf("overall = %v", payload["status"])
	}
	components := payload["components"].(map[string]any)
	if components["database"].(map[string]any)["status"] != "up" {
		t.Fatalf("database component = %v", components["database"])
	}
	if components["docker"].(map[string]any)["status"] != "down" {
		t.Fatalf("docker component = %v", components["docker"])
	}
}

func TestTemplatesEndpoint(t *testing.T) {
	router := testRouter(t, Config{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/templates", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var templates []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &templates); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(templates) != 4 {
		t.Fatalf("template count = %d", len(templates))
	}
}

func TestCreateSite(t *testing.T) {
	sites := &stubSites{
		createFn: func(ctx context.Context, req site.CreateRequest) (*domain.Site, error) {
			if req.Slug != "blog" || req.Type != "wordpress" {
				t.Fatalf("request = %+v", req)
			}
			return &domain.Site{ID: "s1", Name: req.Name, Slug: req.Slug, Type: req.Type, Status: domain.SiteStatusCreating}, nil
		},
	}
	router := testRouter(t, Config{Sites: sites})

	body := strings.NewReader(`{"name":"Blog","slug":"blog","type":"wordpress"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sites", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["status"] != "creating" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCreateSiteErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"validation", site.ValidationError("name, slug, and type are required"), http.StatusBadRequest, "name, slug, and type are required"},
		{"conflict", repository.ErrConflict, http.StatusConflict, "Slug already exists"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sites := &stubSites{
				createFn: func(ctx context.Context, req site.CreateRequest) (*domain.Site, error) {
					return nil, tc.err
				},
			}
			router := testRouter(t, Config{Sites: sites})

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sites", strings.NewReader(`{}`)))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := decodeBody(t, rec)["error"]; got != tc.wantMsg {
				t.Fatalf("error = %v", got)
			}
		})
	}
}

func TestCreateSiteInvalidJSON(t *testing.T) {
	router := testRouter(t, Config{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sites", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListSites(t *testing.T) {
	sites := &stubSites{
		listFn: func(ctx context.Context) ([]domain.SiteSummary, error) {
			return []domain.SiteSummary{
				{Site: domain.Site{ID: "s1", Slug: "blog"}, RuntimeState: "running"},
			}, nil
		},
	}
	router := testRouter(t, Config{Sites: sites})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var summaries []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 1 || summaries[0]["docker_state"] != "running" {
		t.Fatalf("summaries = %v", summaries)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("expected rate limit headers")
	}
}

func TestGetSiteNotFound(t *testing.T) {
	router := testRouter(t, Config{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Site not found" {
		t.Fatalf("error = %v", got)
	}
}

func TestGetSiteDetail(t *testing.T) {
	sites := &stubSites{
		getFn: func(ctx context.Context, id string) (*site.Detail, error) {
			return &site.Detail{
				Site:        &domain.Site{ID: id, Slug: "blog"},
				Containers:  []domain.SiteContainer{{ID: "c1", Role: domain.RoleApp}},
				Deployments: []domain.Deployment{{ID: "d1", Status: domain.DeployStatusDeployed}},
			}, nil
		},
	}
	router := testRouter(t, Config{Sites: sites})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/s1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["slug"] != "blog" {
		t.Fatalf("payload = %v", payload)
	}
	if len(payload["containers"].([]any)) != 1 || len(payload["deployments"].([]any)) != 1 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestUpdateSiteReturnsNotice(t *testing.T) {
	sites := &stubSites{
		updateFn: func(ctx context.Context, id string, req site.UpdateRequest) (*domain.Site, string, error) {
			return &domain.Site{ID: id, Domain: *req.Domain}, site.DomainChangeNotice, nil
		},
	}
	router := testRouter(t, Config{Sites: sites})

	body := strings.NewReader(`{"domain":"new.example.com"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/sites/s1", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["notice"] != site.DomainChangeNotice {
		t.Fatalf("notice = %v", payload["notice"])
	}
}

func TestDeleteSite(t *testing.T) {
	sites := &stubSites{
		deleteFn: func(ctx context.Context, id string) (*domain.Site, error) {
			return &domain.Site{ID: id, Name: "My Blog", Slug: "blog"}, nil
		},
	}
	router := testRouter(t, Config{Sites: sites})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sites/s1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["message"] != `Site "My Blog" and all associated resources deleted` {
		t.Fatalf("message = %v", payload["message"])
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	lc := &stubLifecycle{}
	router := testRouter(t, Config{Lifecycle: lc})

	for action, message := range map[string]string{
		"start":   "Site started",
		"stop":    "Site stopped",
		"restart": "Site restarted",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sites/s1/"+action, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", action, rec.Code)
		}
		if got := decodeBody(t, rec)["message"]; got != message {
			t.Fatalf("%s message = %v", action, got)
		}
	}
	if len(lc.actions) != 3 {
		t.Fatalf("actions = %v", lc.actions)
	}
}

func TestLifecycleWithoutContainers(t *testing.T) {
	router := testRouter(t, Config{Lifecycle: &stubLifecycle{err: lifecycle.ErrNoContainers}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sites/s1/start", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "No containers found for this site. Deploy first." {
		t.Fatalf("error = %v", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router := testRouter(t, Config{Status: &stubStatus{
		report: status.Report{State: "running", CPUPercent: 3.14, MemoryMB: 128, MemoryLimitMB: 1024},
	}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/s1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["state"] != "running" || payload["cpu_percent"] != 3.14 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestStatusContainerGone(t *testing.T) {
	router := testRouter(t, Config{Status: &stubStatus{reportErr: status.ErrContainerGone}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/s1/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	st := &stubStatus{logs: "line one\nline two\n"}
	router := testRouter(t, Config{Status: st})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/s1/logs?tail=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "line one\nline two\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if st.gotTail != 5 {
		t.Fatalf("tail = %d", st.gotTail)
	}
}

func TestDeployWithGitURL(t *testing.T) {
	var got deploy.Request
	deploys := &stubDeploys{fn: func(ctx context.Context, req deploy.Request) (deploy.Result, error) {
		got = req
		return deploy.Result{DeploymentID: "d1", Version: "v1", Image: "nexus-site-api:latest"}, nil
	}}
	router := testRouter(t, Config{Deploys: deploys})

	body := strings.NewReader(`{"git_url":"https://example.com/repo.git","branch":"main","version":"v1"}`)
	req := httptest.NewRequest(http.MethodPost, "/sites/s1/deploy", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got.SiteID != "s1" || got.GitURL != "https://example.com/repo.git" || got.GitBranch != "main" {
		t.Fatalf("request = %+v", got)
	}
	payload := decodeBody(t, rec)
	if payload["success"] != true || payload["deployment_id"] != "d1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDeployMultipartUpload(t *testing.T) {
	var uploaded []byte
	deploys := &stubDeploys{fn: func(ctx context.Context, req deploy.Request) (deploy.Result, error) {
		if req.ArchivePath == "" {
			t.Fatal("archive path not set")
		}
		data, err := os.ReadFile(req.ArchivePath)
		if err != nil {
			t.Fatalf("read staged upload: %v", err)
		}
		uploaded = data
		return deploy.Result{DeploymentID: "d1", Version: req.Version}, nil
	}}
	router := testRouter(t, Config{Deploys: deploys})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "site.zip")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("zip-bytes")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.WriteField("version", "v7"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/sites/s1/deploy", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if string(uploaded) != "zip-bytes" {
		t.Fatalf("uploaded = %q", uploaded)
	}
}

func TestDeployValidationFailure(t *testing.T) {
	deploys := &stubDeploys{fn: func(ctx context.Context, req deploy.Request) (deploy.Result, error) {
		return deploy.Result{}, deploy.ErrNodeSourceRequired
	}}
	router := testRouter(t, Config{Deploys: deploys})

	req := httptest.NewRequest(http.MethodPost, "/sites/s1/deploy", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Node.js deploy requires a file upload or git_url" {
		t.Fatalf("error = %v", got)
	}
}

func TestDeployFailureIncludesDeploymentID(t *testing.T) {
	deploys := &stubDeploys{fn: func(ctx context.Context, req deploy.Request) (deploy.Result, error) {
		return deploy.Result{DeploymentID: "d9"}, errors.New("build image: npm install exploded")
	}}
	router := testRouter(t, Config{Deploys: deploys})

	req := httptest.NewRequest(http.MethodPost, "/sites/s1/deploy", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["deployment_id"] != "d9" {
		t.Fatalf("payload = %v", payload)
	}
	if !strings.HasPrefix(payload["error"].(string), "Deploy failed: ") {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	router := testRouter(t, Config{JWTSecret: "unit-test-secret"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	token, err := jwt.GenerateToken("user-1", "admin", "unit-test-secret", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/sites", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/sites", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	router := testRouter(t, Config{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	router := testRouter(t, Config{})

	var last int
	for i := 0; i < rateLimitWrite+1; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sites", nil)
		req.RemoteAddr = "10.1.2.3:4567"
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status after exhaustion = %d", last)
	}
}

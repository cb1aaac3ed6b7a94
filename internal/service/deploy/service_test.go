package deploy

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexushost/sites/internal/docker"
	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/repository"
	"github.com/nexushost/sites/internal/workspace"
	"github.com/nexushost/sites/pkg/crypto"
)

const testSecret = "unit-test-secret"

type fakeSites struct {
	sites    map[string]*domain.Site
	statuses map[string]string
}

func (f *fakeSites) CreateSite(ctx context.Context, site *domain.Site) error { return nil }

func (f *fakeSites) GetSiteByID(ctx context.Context, id string) (*domain.Site, error) {
	if site, ok := f.sites[id]; ok {
		copied := *site
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSites) ListSites(ctx context.Context) ([]domain.SiteSummary, error) { return nil, nil }

func (f *fakeSites) UpdateSite(ctx context.Context, site *domain.Site) error { return nil }

func (f *fakeSites) UpdateSiteStatus(ctx context.Context, id, status string) error {
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeSites) SetSiteError(ctx context.Context, id, cause string) error { return nil }

func (f *fakeSites) SetSiteCredentials(ctx context.Context, id string, secrets domain.SiteSecrets) error {
	return nil
}

func (f *fakeSites) DeleteSite(ctx context.Context, id string) error { return nil }

type fakeContainers struct {
	replaced []domain.SiteContainer
}

func (f *fakeContainers) InsertContainer(ctx context.Context, c *domain.SiteContainer) error {
	return nil
}

func (f *fakeContainers) ReplaceContainer(ctx context.Context, c *domain.SiteContainer) error {
	f.replaced = append(f.replaced, *c)
	return nil
}

func (f *fakeContainers) ListSiteContainers(ctx context.Context, siteID string) ([]domain.SiteContainer, error) {
	return nil, nil
}

func (f *fakeContainers) UpdateContainerStatus(ctx context.Context, id, status string) error {
	return nil
}

func (f *fakeContainers) DeleteSiteContainers(ctx context.Context, siteID string) error { return nil }

type fakeDeployments struct {
	created   []domain.Deployment
	completed map[string]struct {
		status string
		log    string
	}
}

func newFakeDeployments() *fakeDeployments {
	return &fakeDeployments{completed: make(map[string]struct {
		status string
		log    string
	})}
}

func (f *fakeDeployments) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	f.created = append(f.created, *d)
	return nil
}

func (f *fakeDeployments) CompleteDeployment(ctx context.Context, id, status, log string) error {
	f.completed[id] = struct {
		status string
		log    string
	}{status, log}
	return nil
}

func (f *fakeDeployments) ListSiteDeployments(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

type fakeRuntime struct {
	calls      []string
	specs      []docker.ContainerSpec
	dockerfile string
	buildFiles []string
	buildErr   error
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string, onOutput docker.BuildOutputCallback) error {
	f.calls = append(f.calls, "pull:"+ref)
	if onOutput != nil {
		onOutput("Pulling " + ref)
	}
	return nil
}

// BuildImage snapshots the staging directory; the deploy pipeline cleans the
// workspace up before returning.
func (f *fakeRuntime) BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error {
	f.calls = append(f.calls, "build:"+tag)
	if data, err := os.ReadFile(filepath.Join(dir, "Dockerfile")); err == nil {
		f.dockerfile = string(data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	f.buildFiles = f.buildFiles[:0]
	for _, e := range entries {
		f.buildFiles = append(f.buildFiles, e.Name())
	}
	if f.buildErr != nil {
		return f.buildErr
	}
	if onOutput != nil {
		onOutput("Successfully built " + tag)
	}
	return nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name string) (string, error) {
	f.calls = append(f.calls, "network:"+name)
	return "net-id", nil
}

func (f *fakeRuntime) ConnectNetwork(ctx context.Context, networkName, containerRef string) error {
	f.calls = append(f.calls, "connect:"+networkName)
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	f.calls = append(f.calls, "create:"+spec.Name)
	f.specs = append(f.specs, spec)
	return spec.Name + "-id", nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, ref string) error {
	f.calls = append(f.calls, "start:"+ref)
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, ref string) error {
	f.calls = append(f.calls, "stop:"+ref)
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, ref string) error {
	f.calls = append(f.calls, "remove:"+ref)
	return nil
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

func testService(t *testing.T, sites *fakeSites, containers *fakeContainers, deployments *fakeDeployments, runtime *fakeRuntime) *Service {
	t.Helper()
	workspaces, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	svc, err := New(sites, containers, deployments, runtime, workspaces, nil, Options{
		BaseDomain:     "sebhosting.com",
		IngressNetwork: "traefik-public",
		SecretsKey:     testSecret,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func provisionedSecrets(t *testing.T) domain.SiteSecrets {
	t.Helper()
	pass, err := crypto.EncryptString(testSecret, "wp-password")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return domain.SiteSecrets{DBUser: "site_blog", DBName: "site_blog", DBPassword: pass}
}

func TestDeployValidatesSourceBeforeRecording(t *testing.T) {
	cases := []struct {
		name string
		site *domain.Site
		req  Request
		want error
	}{
		{
			name: "node without source",
			site: &domain.Site{ID: "s1", Slug: "api", Type: "node"},
			req:  Request{SiteID: "s1"},
			want: ErrNodeSourceRequired,
		},
		{
			name: "vite without archive",
			site: &domain.Site{ID: "s2", Slug: "web", Type: "vite"},
			req:  Request{SiteID: "s2", GitURL: "https://example.com/repo.git"},
			want: ErrViteSourceRequired,
		},
		{
			name: "wordpress without credentials",
			site: &domain.Site{ID: "s3", Slug: "blog", Type: "wordpress"},
			req:  Request{SiteID: "s3"},
			want: ErrMissingCredentials,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deployments := newFakeDeployments()
			svc := testService(t, &fakeSites{sites: map[string]*domain.Site{tc.site.ID: tc.site}}, &fakeContainers{}, deployments, &fakeRuntime{})

			_, err := svc.Deploy(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if len(deployments.created) != 0 {
				t.Fatal("rejected request must not create a deployment row")
			}
		})
	}
}

func TestDeployUnknownSite(t *testing.T) {
	svc := testService(t, &fakeSites{}, &fakeContainers{}, newFakeDeployments(), &fakeRuntime{})
	if _, err := svc.Deploy(context.Background(), Request{SiteID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeployTemplateSwapsAppContainer(t *testing.T) {
	site := &domain.Site{ID: "s1", Slug: "blog", Type: "wordpress", Status: domain.SiteStatusRunning, Secrets: provisionedSecrets(t)}
	sites := &fakeSites{sites: map[string]*domain.Site{"s1": site}}
	containers := &fakeContainers{}
	deployments := newFakeDeployments()
	runtime := &fakeRuntime{}
	svc := testService(t, sites, containers, deployments, runtime)

	res, err := svc.Deploy(context.Background(), Request{SiteID: "s1", Version: "2.0.0"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Image != "wordpress:latest" || res.Version != "2.0.0" {
		t.Fatalf("result = %+v", res)
	}

	want := []string{
		"pull:wordpress:latest",
		"network:nexus-site-blog-net",
		"stop:nexus-site-blog",
		"remove:nexus-site-blog",
		"create:nexus-site-blog",
		"connect:traefik-public",
		"start:nexus-site-blog-id",
	}
	if len(runtime.calls) != len(want) {
		t.Fatalf("calls = %v", runtime.calls)
	}
	for i, call := range want {
		if runtime.calls[i] != call {
			t.Fatalf("call %d = %q, want %q", i, runtime.calls[i], call)
		}
	}

	spec := runtime.specs[0]
	var passVar string
	for _, env := range spec.Env {
		if strings.HasPrefix(env, "WORDPRESS_DB_PASSWORD=") {
			passVar = env
		}
	}
	if passVar != "WORDPRESS_DB_PASSWORD=wp-password" {
		t.Fatalf("db password env = %q", passVar)
	}

	if len(containers.replaced) != 1 || containers.replaced[0].Role != domain.RoleApp {
		t.Fatalf("replaced rows = %+v", containers.replaced)
	}
	if got := deployments.completed[res.DeploymentID].status; got != domain.DeployStatusDeployed {
		t.Fatalf("deployment status = %q", got)
	}
	if sites.statuses["s1"] != domain.SiteStatusRunning {
		t.Fatalf("site status = %q", sites.statuses["s1"])
	}
}

func TestDeployStaticArchive(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"dist/index.html": "<h1>hi</h1>",
	})
	site := &domain.Site{ID: "s1", Slug: "web", Type: "vite"}
	sites := &fakeSites{sites: map[string]*domain.Site{"s1": site}}
	runtime := &fakeRuntime{}
	svc := testService(t, sites, &fakeContainers{}, newFakeDeployments(), runtime)

	res, err := svc.Deploy(context.Background(), Request{SiteID: "s1", ArchivePath: archive})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Image != "nexus-site-web:latest" {
		t.Fatalf("image = %q", res.Image)
	}
	if res.Version == "" {
		t.Fatal("expected generated version")
	}

	if !strings.Contains(runtime.dockerfile, "nginx:alpine") {
		t.Fatalf("unexpected Dockerfile: %s", runtime.dockerfile)
	}
	// The lone "dist" root must be hoisted before the build.
	hoisted := false
	for _, name := range runtime.buildFiles {
		if name == "index.html" {
			hoisted = true
		}
	}
	if !hoisted {
		t.Fatalf("archive root not flattened, staged files: %v", runtime.buildFiles)
	}

	spec := runtime.specs[0]
	if spec.Network != "traefik-public" || spec.ExposedPort != 80 {
		t.Fatalf("spec = %+v", spec)
	}
	for _, call := range runtime.calls {
		if strings.HasPrefix(call, "connect:") {
			t.Fatalf("built site must not be reconnected, calls = %v", runtime.calls)
		}
	}
}

func TestDeployFailureKeepsSiteStatus(t *testing.T) {
	archive := writeZip(t, map[string]string{"package.json": "{}"})
	site := &domain.Site{ID: "s1", Slug: "api", Type: "node", Status: domain.SiteStatusRunning}
	sites := &fakeSites{sites: map[string]*domain.Site{"s1": site}}
	deployments := newFakeDeployments()
	runtime := &fakeRuntime{buildErr: errors.New("npm install exploded")}
	svc := testService(t, sites, &fakeContainers{}, deployments, runtime)

	res, err := svc.Deploy(context.Background(), Request{SiteID: "s1", ArchivePath: archive})
	if err == nil {
		t.Fatal("expected build failure")
	}
	if res.DeploymentID == "" {
		t.Fatal("failed deploy must still report its deployment id")
	}
	rec := deployments.completed[res.DeploymentID]
	if rec.status != domain.DeployStatusFailed {
		t.Fatalf("deployment status = %q", rec.status)
	}
	if !strings.Contains(rec.log, "npm install exploded") {
		t.Fatalf("deployment log = %q", rec.log)
	}
	if _, ok := sites.statuses["s1"]; ok {
		t.Fatal("failed deploy must leave the site status alone")
	}
}

func TestDeployNodeSynthesizesDockerfileWhenMissing(t *testing.T) {
	archive := writeZip(t, map[string]string{"package.json": "{}"})
	site := &domain.Site{ID: "s1", Slug: "api", Type: "node"}
	runtime := &fakeRuntime{}
	svc := testService(t, &fakeSites{sites: map[string]*domain.Site{"s1": site}}, &fakeContainers{}, newFakeDeployments(), runtime)

	if _, err := svc.Deploy(context.Background(), Request{SiteID: "s1", ArchivePath: archive}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !strings.Contains(runtime.dockerfile, "node:20-alpine") {
		t.Fatalf("unexpected Dockerfile: %s", runtime.dockerfile)
	}
}

func TestDeployNodeKeepsProvidedDockerfile(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"package.json": "{}",
		"Dockerfile":   "FROM node:22\n",
	})
	site := &domain.Site{ID: "s1", Slug: "api", Type: "node"}
	runtime := &fakeRuntime{}
	svc := testService(t, &fakeSites{sites: map[string]*domain.Site{"s1": site}}, &fakeContainers{}, newFakeDeployments(), runtime)

	if _, err := svc.Deploy(context.Background(), Request{SiteID: "s1", ArchivePath: archive}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if runtime.dockerfile != "FROM node:22\n" {
		t.Fatalf("user Dockerfile was overwritten: %s", runtime.dockerfile)
	}
}

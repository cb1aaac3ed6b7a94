// Package deploy implements the source-to-running-container pipeline:
// uploads and git checkouts become images for build-from-source sites, and
// database-backed sites get their app container recreated from the latest
// template image.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexushost/sites/internal/docker"
	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/git"
	"github.com/nexushost/sites/internal/ingress"
	"github.com/nexushost/sites/internal/naming"
	"github.com/nexushost/sites/internal/repository"
	"github.com/nexushost/sites/internal/service/lifecycle"
	"github.com/nexushost/sites/internal/template"
	"github.com/nexushost/sites/internal/workspace"
	"github.com/nexushost/sites/pkg/crypto"
)

// Validation failures surfaced to the API as bad requests.
var (
	ErrNodeSourceRequired = errors.New("Node.js deploy requires a file upload or git_url")
	ErrViteSourceRequired = errors.New("Vite/static deploy requires a file upload (ZIP)")
	ErrMissingCredentials = errors.New("Site config missing database credentials. Was the site provisioned correctly?")
)

// Runtime is the subset of the container runtime deploys need.
type Runtime interface {
	PullImage(ctx context.Context, ref string, onOutput docker.BuildOutputCallback) error
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error
	EnsureNetwork(ctx context.Context, name string) (string, error)
	ConnectNetwork(ctx context.Context, networkName, containerRef string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, ref string) error
	StopContainer(ctx context.Context, ref string) error
	RemoveContainer(ctx context.Context, ref string) error
}

// Options carries the environment-level settings deploys depend on.
type Options struct {
	BaseDomain     string
	IngressNetwork string
	SecretsKey     string
	GitTimeout     time.Duration
	PullTimeout    time.Duration
	BuildTimeout   time.Duration
}

// Request describes one deploy attempt. ArchivePath points at an uploaded
// ZIP already written to disk; GitURL selects a shallow clone instead. With
// neither set, database-backed sites are redeployed from their template
// image.
type Request struct {
	SiteID      string
	Version     string
	ArchivePath string
	GitURL      string
	GitBranch   string
}

// Result reports a finished deploy.
type Result struct {
	DeploymentID string
	Version      string
	Image        string
}

// Service runs deploys under the shared per-site lock.
type Service struct {
	sites       repository.SiteRepository
	containers  repository.ContainerRepository
	deployments repository.DeploymentRepository
	runtime     Runtime
	workspaces  *workspace.Manager
	locks       *lifecycle.KeyedMutex
	opts        Options
	log         *slog.Logger
}

// New wires a deploy service.
func New(sites repository.SiteRepository, containers repository.ContainerRepository, deployments repository.DeploymentRepository, runtime Runtime, workspaces *workspace.Manager, locks *lifecycle.KeyedMutex, opts Options, log *slog.Logger) (*Service, error) {
	if sites == nil || containers == nil || deployments == nil {
		return nil, errors.New("nil repository provided")
	}
	if runtime == nil {
		return nil, errors.New("nil runtime provided")
	}
	if workspaces == nil {
		return nil, errors.New("nil workspace manager provided")
	}
	if locks == nil {
		locks = lifecycle.NewKeyedMutex()
	}
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = 2 * time.Minute
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 5 * time.Minute
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		sites:       sites,
		containers:  containers,
		deployments: deployments,
		runtime:     runtime,
		workspaces:  workspaces,
		locks:       locks,
		opts:        opts,
		log:         log,
	}, nil
}

// Deploy validates the request, records a deployment and runs the pipeline
// for the site's archetype. On failure the deployment is marked failed with
// the collected log; the site's lifecycle status is left alone so a broken
// deploy does not take down a running site.
func (s *Service) Deploy(ctx context.Context, req Request) (Result, error) {
	site, err := s.sites.GetSiteByID(ctx, req.SiteID)
	if err != nil {
		return Result{}, err
	}
	tpl, ok := template.Lookup(site.Type)
	if !ok {
		return Result{}, fmt.Errorf("unknown site type: %s", site.Type)
	}

	// Reject unusable requests before recording anything.
	switch site.Type {
	case "node":
		if req.ArchivePath == "" && req.GitURL == "" {
			return Result{}, ErrNodeSourceRequired
		}
	case "vite":
		if req.ArchivePath == "" {
			return Result{}, ErrViteSourceRequired
		}
	default:
		if !site.Secrets.Provisioned() {
			return Result{}, ErrMissingCredentials
		}
	}

	version := req.Version
	if version == "" {
		version = time.Now().UTC().Format("2006-01-02-15-04-05")
	}
	source := domain.DeploySourceRedeploy
	if req.ArchivePath != "" {
		source = domain.DeploySourceUpload
	} else if req.GitURL != "" {
		source = domain.DeploySourceGit
	}

	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		SiteID:    site.ID,
		Version:   version,
		Source:    source,
		Status:    domain.DeployStatusDeploying,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return Result{}, fmt.Errorf("record deployment: %w", err)
	}

	s.locks.Lock(site.ID)
	defer s.locks.Unlock(site.ID)

	logs := &logCollector{}
	var image string
	switch site.Type {
	case "node", "vite":
		image, err = s.deployBuilt(ctx, site, tpl, req, logs)
	default:
		image, err = s.redeployTemplate(ctx, site, tpl, logs)
	}

	if err != nil {
		logs.append("deploy failed: " + err.Error())
		if dbErr := s.deployments.CompleteDeployment(ctx, dep.ID, domain.DeployStatusFailed, logs.String()); dbErr != nil {
			s.log.Error("record failed deployment", "deployment_id", dep.ID, "error", dbErr)
		}
		s.log.Error("deploy failed", "site_id", site.ID, "deployment_id", dep.ID, "error", err)
		return Result{DeploymentID: dep.ID, Version: version}, err
	}

	if err := s.deployments.CompleteDeployment(ctx, dep.ID, domain.DeployStatusDeployed, logs.String()); err != nil {
		s.log.Error("record finished deployment", "deployment_id", dep.ID, "error", err)
	}
	if err := s.sites.UpdateSiteStatus(ctx, site.ID, domain.SiteStatusRunning); err != nil {
		s.log.Error("record site status", "site_id", site.ID, "error", err)
	}

	s.log.Info("deploy finished", "site_id", site.ID, "deployment_id", dep.ID, "version", version, "image", image)
	return Result{DeploymentID: dep.ID, Version: version, Image: image}, nil
}

// deployBuilt handles the build-from-source archetypes: stage the sources,
// build an image and swap the app container.
func (s *Service) deployBuilt(ctx context.Context, site *domain.Site, tpl template.Template, req Request, logs *logCollector) (string, error) {
	dir, err := s.workspaces.Prepare(site.Slug)
	if err != nil {
		return "", fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := s.workspaces.Cleanup(dir); err != nil {
			s.log.Warn("cleanup workspace", "site", site.Slug, "error", err)
		}
	}()

	switch {
	case req.ArchivePath != "":
		if err := workspace.ExtractArchive(req.ArchivePath, dir); err != nil {
			return "", fmt.Errorf("extract archive: %w", err)
		}
		if err := workspace.Flatten(dir); err != nil {
			return "", fmt.Errorf("flatten workspace: %w", err)
		}
	case req.GitURL != "":
		cloneCtx, cancel := context.WithTimeout(ctx, s.opts.GitTimeout)
		defer cancel()
		if err := git.Clone(cloneCtx, req.GitURL, req.GitBranch, dir); err != nil {
			return "", err
		}
	}

	if site.Type == "vite" {
		if err := writeStaticDockerfile(dir); err != nil {
			return "", err
		}
	} else {
		if err := ensureNodeDockerfile(dir); err != nil {
			return "", err
		}
	}

	image := naming.ImageTag(site.Slug)
	buildCtx, cancel := context.WithTimeout(ctx, s.opts.BuildTimeout)
	defer cancel()
	if err := s.runtime.BuildImage(buildCtx, dir, image, logs.append); err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}

	spec := docker.ContainerSpec{
		Name:  naming.AppContainer(site.Slug),
		Image: image,
		Labels: ingress.Labels(ingress.Router{
			Slug:         site.Slug,
			Domain:       site.Slug + "." + s.opts.BaseDomain,
			CustomDomain: site.Domain,
			Port:         tpl.AppPort,
			Network:      s.opts.IngressNetwork,
		}),
		Network:     s.opts.IngressNetwork,
		ExposedPort: tpl.AppPort,
	}
	if err := s.swapAppContainer(ctx, site, spec, image, tpl.AppPort, false); err != nil {
		return "", err
	}
	return image, nil
}

// redeployTemplate recreates the app container of a database-backed site
// from the latest template image. The database container keeps running.
func (s *Service) redeployTemplate(ctx context.Context, site *domain.Site, tpl template.Template, logs *logCollector) (string, error) {
	pullCtx, cancel := context.WithTimeout(ctx, s.opts.PullTimeout)
	defer cancel()
	if err := s.runtime.PullImage(pullCtx, tpl.AppImage, logs.append); err != nil {
		return "", fmt.Errorf("pull %s: %w", tpl.AppImage, err)
	}

	dbPass, err := crypto.DecryptToString(s.opts.SecretsKey, site.Secrets.DBPassword)
	if err != nil {
		return "", fmt.Errorf("decrypt db password: %w", err)
	}

	networkName := naming.SiteNetwork(site.Slug)
	if _, err := s.runtime.EnsureNetwork(ctx, networkName); err != nil {
		return "", fmt.Errorf("ensure site network: %w", err)
	}

	prefix := "WORDPRESS"
	if site.Type == "drupal" {
		prefix = "DRUPAL"
	}
	dbHost := naming.DBContainer(site.Slug)
	spec := docker.ContainerSpec{
		Name:  naming.AppContainer(site.Slug),
		Image: tpl.AppImage,
		Env: []string{
			prefix + "_DB_HOST=" + dbHost,
			prefix + "_DB_USER=" + site.Secrets.DBUser,
			prefix + "_DB_PASSWORD=" + dbPass,
			prefix + "_DB_NAME=" + site.Secrets.DBName,
		},
		Labels: ingress.Labels(ingress.Router{
			Slug:         site.Slug,
			Domain:       site.Slug + "." + s.opts.BaseDomain,
			CustomDomain: site.Domain,
			Port:         tpl.AppPort,
			Network:      s.opts.IngressNetwork,
		}),
		Binds:   []string{naming.DataVolume(site.Slug) + ":/var/www/html"},
		Network: networkName,
	}
	if err := s.swapAppContainer(ctx, site, spec, tpl.AppImage, tpl.AppPort, true); err != nil {
		return "", err
	}
	return tpl.AppImage, nil
}

// swapAppContainer replaces the site's app container with a fresh one built
// from spec. The old container is stopped and removed first; routing labels
// are only readable at creation time, so in-place updates are impossible.
func (s *Service) swapAppContainer(ctx context.Context, site *domain.Site, spec docker.ContainerSpec, image string, port int, joinIngress bool) error {
	old := naming.AppContainer(site.Slug)
	if err := s.runtime.StopContainer(ctx, old); err != nil {
		s.log.Warn("stop previous app container", "container", old, "error", err)
	}
	if err := s.runtime.RemoveContainer(ctx, old); err != nil {
		s.log.Warn("remove previous app container", "container", old, "error", err)
	}

	id, err := s.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return fmt.Errorf("create app container: %w", err)
	}
	if joinIngress {
		if err := s.runtime.ConnectNetwork(ctx, s.opts.IngressNetwork, id); err != nil {
			return fmt.Errorf("connect ingress network: %w", err)
		}
	}
	if err := s.runtime.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("start app container: %w", err)
	}

	row := &domain.SiteContainer{
		ID:            uuid.NewString(),
		SiteID:        site.ID,
		ContainerID:   id,
		ContainerName: spec.Name,
		Role:          domain.RoleApp,
		Image:         image,
		Status:        "running",
		Port:          port,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.containers.ReplaceContainer(ctx, row); err != nil {
		return fmt.Errorf("record app container: %w", err)
	}
	return nil
}

// logCollector accumulates build and pull output for the deployment record.
type logCollector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (l *logCollector) append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		l.buf.WriteByte('\n')
	}
}

func (l *logCollector) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

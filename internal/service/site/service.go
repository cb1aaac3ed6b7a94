// Package site implements site CRUD: validation, creation with background
// provisioning, enriched reads and full cascade deletion.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/naming"
	"github.com/nexushost/sites/internal/repository"
	"github.com/nexushost/sites/internal/service/lifecycle"
	"github.com/nexushost/sites/internal/template"
	"github.com/nexushost/sites/internal/workspace"
)

// slugPattern enforces DNS-label syntax: the slug becomes a subdomain and a
// container name prefix.
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidationError is a request problem surfaced to the API as a bad request.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

const (
	errMissingFields = ValidationError("name, slug, and type are required")
	errInvalidSlug   = ValidationError("Slug must be alphanumeric with hyphens, max 63 chars, must start and end with alphanumeric")
)

// Provisioner launches and cancels background provisioning tasks.
type Provisioner interface {
	Launch(site *domain.Site)
	Cancel(siteID string)
}

// Teardowner removes a site's runtime resources.
type Teardowner interface {
	Teardown(ctx context.Context, site *domain.Site, containers []domain.SiteContainer)
}

// Runtime is the read-only runtime access used for list enrichment.
type Runtime interface {
	ContainerState(ctx context.Context, ref string) (string, error)
}

// Service implements site CRUD.
type Service struct {
	sites       repository.SiteRepository
	containers  repository.ContainerRepository
	deployments repository.DeploymentRepository
	runtime     Runtime
	provisioner Provisioner
	teardowner  Teardowner
	workspaces  *workspace.Manager
	locks       *lifecycle.KeyedMutex
	log         *slog.Logger
}

// New wires a site service.
func New(sites repository.SiteRepository, containers repository.ContainerRepository, deployments repository.DeploymentRepository, runtime Runtime, provisioner Provisioner, teardowner Teardowner, workspaces *workspace.Manager, locks *lifecycle.KeyedMutex, log *slog.Logger) (*Service, error) {
	if sites == nil || containers == nil || deployments == nil {
		return nil, errors.New("nil repository provided")
	}
	if runtime == nil {
		return nil, errors.New("nil runtime provided")
	}
	if provisioner == nil {
		return nil, errors.New("nil provisioner provided")
	}
	if teardowner == nil {
		return nil, errors.New("nil teardowner provided")
	}
	if locks == nil {
		locks = lifecycle.NewKeyedMutex()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		sites:       sites,
		containers:  containers,
		deployments: deployments,
		runtime:     runtime,
		provisioner: provisioner,
		teardowner:  teardowner,
		workspaces:  workspaces,
		locks:       locks,
		log:         log,
	}, nil
}

// CreateRequest carries the fields of a site creation.
type CreateRequest struct {
	Name   string
	Slug   string
	Type   string
	Domain string
	Config map[string]string
}

// Create validates and inserts a new site. Database-backed archetypes start
// provisioning in the background and report status "creating";
// build-from-source archetypes sit at "stopped" until their first deploy.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Site, error) {
	if req.Name == "" || req.Slug == "" || req.Type == "" {
		return nil, errMissingFields
	}
	if !slugPattern.MatchString(req.Slug) {
		return nil, errInvalidSlug
	}
	tpl, ok := template.Lookup(req.Type)
	if !ok {
		return nil, ValidationError(fmt.Sprintf("Unknown type: %s. Valid types: %s",
			req.Type, strings.Join(template.Names(), ", ")))
	}

	status := domain.SiteStatusStopped
	if tpl.HasDB {
		status = domain.SiteStatusCreating
	}

	now := time.Now().UTC()
	site := &domain.Site{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Slug:      req.Slug,
		Type:      req.Type,
		Domain:    req.Domain,
		Status:    status,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sites.CreateSite(ctx, site); err != nil {
		return nil, err
	}
	s.log.Info("site created", "site_id", site.ID, "slug", site.Slug, "type", site.Type)

	if tpl.HasDB {
		s.provisioner.Launch(site)
	}
	return site, nil
}

// List returns all sites enriched with their latest deployment and the live
// state of their app container. Runtime lookups are best-effort; a missing
// container reads as "stopped".
func (s *Service) List(ctx context.Context) ([]domain.SiteSummary, error) {
	summaries, err := s.sites.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		state, err := s.runtime.ContainerState(ctx, naming.AppContainer(summaries[i].Slug))
		if err != nil {
			state = "stopped"
		}
		summaries[i].RuntimeState = state
	}
	return summaries, nil
}

// Detail is a site with its containers and recent deployment history.
type Detail struct {
	Site        *domain.Site
	Containers  []domain.SiteContainer
	Deployments []domain.Deployment
}

// Get loads one site with containers and the last 20 deployments.
func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	site, err := s.sites.GetSiteByID(ctx, id)
	if err != nil {
		return nil, err
	}
	containers, err := s.containers.ListSiteContainers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list site containers: %w", err)
	}
	deployments, err := s.deployments.ListSiteDeployments(ctx, id, 20)
	if err != nil {
		return nil, fmt.Errorf("list site deployments: %w", err)
	}
	return &Detail{Site: site, Containers: containers, Deployments: deployments}, nil
}

// UpdateRequest carries a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Name   *string
	Domain *string
}

// DomainChangeNotice is returned when a domain changes under a running site.
// Routing labels are fixed at container creation, so the new domain only
// takes effect after a restart.
const DomainChangeNotice = "Domain updated in database. A restart is needed to apply the new domain to the running container (container labels cannot be changed after creation)."

// Update applies a partial update and reports whether a restart is needed
// for the change to take effect.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*domain.Site, string, error) {
	site, err := s.sites.GetSiteByID(ctx, id)
	if err != nil {
		return nil, "", err
	}

	domainChanged := false
	if req.Name != nil && *req.Name != "" {
		site.Name = *req.Name
	}
	if req.Domain != nil && *req.Domain != site.Domain {
		site.Domain = *req.Domain
		domainChanged = true
	}

	if err := s.sites.UpdateSite(ctx, site); err != nil {
		return nil, "", err
	}

	notice := ""
	if domainChanged && site.Status == domain.SiteStatusRunning {
		notice = DomainChangeNotice
	}
	return site, notice, nil
}

// Delete tears down every resource belonging to the site: containers,
// volumes, network, built image, database rows and build directory. Runtime
// teardown is best-effort so a half-provisioned site still disappears.
func (s *Service) Delete(ctx context.Context, id string) (*domain.Site, error) {
	site, err := s.sites.GetSiteByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Abort an in-flight provision before removing what it builds; taking
	// the site lock then waits out any deploy or transition in progress.
	s.provisioner.Cancel(id)
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	containers, err := s.containers.ListSiteContainers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list site containers: %w", err)
	}
	s.teardowner.Teardown(ctx, site, containers)

	if err := s.sites.DeleteSite(ctx, id); err != nil {
		return nil, err
	}

	if s.workspaces != nil {
		if err := s.workspaces.CleanupByID(site.Slug); err != nil {
			s.log.Warn("cleanup build directory", "slug", site.Slug, "error", err)
		}
	}

	s.log.Info("site deleted", "site_id", site.ID, "slug", site.Slug)
	return site, nil
}

// Package lifecycle implements start, stop and restart transitions for
// provisioned sites, plus the best-effort runtime teardown used by deletes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/naming"
	"github.com/nexushost/sites/internal/repository"
)

// ErrNoContainers is returned when a lifecycle transition is requested for a
// site that has never been deployed.
var ErrNoContainers = errors.New("No containers found for this site. Deploy first.")

// Runtime is the subset of the container runtime lifecycle needs.
type Runtime interface {
	StartContainer(ctx context.Context, ref string) error
	StopContainer(ctx context.Context, ref string) error
	RemoveContainer(ctx context.Context, ref string) error
	RemoveNetwork(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, ref string) error
}

// Service drives lifecycle transitions.
type Service struct {
	sites      repository.SiteRepository
	containers repository.ContainerRepository
	runtime    Runtime
	locks      *KeyedMutex
	log        *slog.Logger
}

// New wires a lifecycle service.
func New(sites repository.SiteRepository, containers repository.ContainerRepository, runtime Runtime, locks *KeyedMutex, log *slog.Logger) (*Service, error) {
	if sites == nil || containers == nil {
		return nil, errors.New("nil repository provided")
	}
	if runtime == nil {
		return nil, errors.New("nil runtime provided")
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{sites: sites, containers: containers, runtime: runtime, locks: locks, log: log}, nil
}

// Locks exposes the per-site mutex so deploy and provisioning share it.
func (s *Service) Locks() *KeyedMutex { return s.locks }

// Start brings a site's containers up, database before app, and marks the
// site running.
func (s *Service) Start(ctx context.Context, siteID string) error {
	s.locks.Lock(siteID)
	defer s.locks.Unlock(siteID)
	return s.start(ctx, siteID)
}

func (s *Service) start(ctx context.Context, siteID string) error {
	containers, err := s.loadContainers(ctx, siteID)
	if err != nil {
		return err
	}

	for _, role := range []string{domain.RoleDB, domain.RoleApp} {
		c, ok := domain.FindRole(containers, role)
		if !ok {
			continue
		}
		if err := s.runtime.StartContainer(ctx, c.Ref()); err != nil {
			return fmt.Errorf("start %s container: %w", role, err)
		}
		if err := s.containers.UpdateContainerStatus(ctx, c.ID, "running"); err != nil {
			s.log.Warn("record container status", "container", c.ContainerName, "error", err)
		}
	}

	if err := s.sites.UpdateSiteStatus(ctx, siteID, domain.SiteStatusRunning); err != nil {
		return fmt.Errorf("record site status: %w", err)
	}
	s.log.Info("site started", "site_id", siteID)
	return nil
}

// Stop halts a site's containers, app before database, and marks the site
// stopped.
func (s *Service) Stop(ctx context.Context, siteID string) error {
	s.locks.Lock(siteID)
	defer s.locks.Unlock(siteID)
	return s.stop(ctx, siteID)
}

func (s *Service) stop(ctx context.Context, siteID string) error {
	containers, err := s.loadContainers(ctx, siteID)
	if err != nil {
		return err
	}

	for _, role := range []string{domain.RoleApp, domain.RoleDB} {
		c, ok := domain.FindRole(containers, role)
		if !ok {
			continue
		}
		if err := s.runtime.StopContainer(ctx, c.Ref()); err != nil {
			return fmt.Errorf("stop %s container: %w", role, err)
		}
		if err := s.containers.UpdateContainerStatus(ctx, c.ID, "stopped"); err != nil {
			s.log.Warn("record container status", "container", c.ContainerName, "error", err)
		}
	}

	if err := s.sites.UpdateSiteStatus(ctx, siteID, domain.SiteStatusStopped); err != nil {
		return fmt.Errorf("record site status: %w", err)
	}
	s.log.Info("site stopped", "site_id", siteID)
	return nil
}

// Restart stops and starts a site under one lock acquisition.
func (s *Service) Restart(ctx context.Context, siteID string) error {
	s.locks.Lock(siteID)
	defer s.locks.Unlock(siteID)

	if err := s.stop(ctx, siteID); err != nil {
		return err
	}
	return s.start(ctx, siteID)
}

func (s *Service) loadContainers(ctx context.Context, siteID string) ([]domain.SiteContainer, error) {
	if _, err := s.sites.GetSiteByID(ctx, siteID); err != nil {
		return nil, err
	}
	containers, err := s.containers.ListSiteContainers(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("list site containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, ErrNoContainers
	}
	return containers, nil
}

// Teardown removes every runtime resource belonging to a site. Each step is
// best-effort so a half-provisioned site can still be cleaned up; the caller
// holds the site lock.
func (s *Service) Teardown(ctx context.Context, site *domain.Site, containers []domain.SiteContainer) {
	for _, role := range []string{domain.RoleApp, domain.RoleDB} {
		c, ok := domain.FindRole(containers, role)
		if !ok {
			continue
		}
		if err := s.runtime.StopContainer(ctx, c.Ref()); err != nil {
			s.log.Warn("teardown stop container", "container", c.ContainerName, "error", err)
		}
		if err := s.runtime.RemoveContainer(ctx, c.Ref()); err != nil {
			s.log.Warn("teardown remove container", "container", c.ContainerName, "error", err)
		}
	}
	// Rows may be missing after a failed provision; fall back to the
	// deterministic names.
	if len(containers) == 0 {
		for _, name := range []string{naming.AppContainer(site.Slug), naming.DBContainer(site.Slug)} {
			if err := s.runtime.StopContainer(ctx, name); err != nil {
				s.log.Warn("teardown stop container", "container", name, "error", err)
			}
			if err := s.runtime.RemoveContainer(ctx, name); err != nil {
				s.log.Warn("teardown remove container", "container", name, "error", err)
			}
		}
	}

	if err := s.runtime.RemoveNetwork(ctx, naming.SiteNetwork(site.Slug)); err != nil {
		s.log.Warn("teardown remove network", "site", site.Slug, "error", err)
	}
	for _, vol := range []string{naming.DataVolume(site.Slug), naming.DBVolume(site.Slug)} {
		if err := s.runtime.RemoveVolume(ctx, vol); err != nil {
			s.log.Warn("teardown remove volume", "volume", vol, "error", err)
		}
	}
	if err := s.runtime.RemoveImage(ctx, naming.ImageTag(site.Slug)); err != nil {
		s.log.Warn("teardown remove image", "site", site.Slug, "error", err)
	}
}

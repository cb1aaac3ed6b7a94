// Package status reads live runtime truth for a site: container state,
// resource usage and logs. It never mutates anything.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/nexushost/sites/internal/docker"
	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/repository"
)

// DefaultLogTail bounds how much history a log read returns by default.
const DefaultLogTail = 200

var (
	// ErrNoAppContainer is returned when the site has no recorded app
	// container to read from.
	ErrNoAppContainer = errors.New("No app container found for this site")
	// ErrContainerGone is returned when the recorded container no longer
	// exists at the runtime.
	ErrContainerGone = errors.New("Container not found. Is the site deployed?")
)

// Runtime is the read-only subset of the container runtime used here.
type Runtime interface {
	ContainerState(ctx context.Context, ref string) (string, error)
	ContainerStats(ctx context.Context, ref string) (docker.Stats, error)
	ContainerLogs(ctx context.Context, ref string, tail int) (string, error)
	StreamLogs(ctx context.Context, ref string, tail int, w io.Writer) error
}

// Report is one live usage sample of a site's app container.
type Report struct {
	State         string  `json:"state"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
}

// Service reads runtime state for sites.
type Service struct {
	sites      repository.SiteRepository
	containers repository.ContainerRepository
	runtime    Runtime
	log        *slog.Logger
}

// New wires a status service.
func New(sites repository.SiteRepository, containers repository.ContainerRepository, runtime Runtime, log *slog.Logger) (*Service, error) {
	if sites == nil || containers == nil {
		return nil, errors.New("nil repository provided")
	}
	if runtime == nil {
		return nil, errors.New("nil runtime provided")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{sites: sites, containers: containers, runtime: runtime, log: log}, nil
}

// Report samples the app container's state and resource usage. A site that
// has never been deployed reports "no_container"; a recorded container that
// vanished from the runtime reports "not_found". Neither is an error.
func (s *Service) Report(ctx context.Context, siteID string) (Report, error) {
	app, err := s.appContainer(ctx, siteID)
	if err != nil {
		if errors.Is(err, ErrNoAppContainer) {
			return Report{State: "no_container"}, nil
		}
		return Report{}, err
	}

	state, err := s.runtime.ContainerState(ctx, app.Ref())
	if err != nil {
		if docker.IsNotFound(err) {
			return Report{State: "not_found"}, nil
		}
		return Report{}, fmt.Errorf("inspect app container: %w", err)
	}

	report := Report{State: state}
	if state != "running" {
		return report, nil
	}

	stats, err := s.runtime.ContainerStats(ctx, app.Ref())
	if err != nil {
		if docker.IsNotFound(err) {
			return Report{State: "not_found"}, nil
		}
		return Report{}, fmt.Errorf("sample app container: %w", err)
	}
	report.CPUPercent = round2(stats.CPUPercent)
	report.MemoryMB = round2(float64(stats.MemoryUsage) / 1024 / 1024)
	report.MemoryLimitMB = round2(float64(stats.MemoryLimit) / 1024 / 1024)
	return report, nil
}

// Logs returns up to tail lines of the app container's output.
func (s *Service) Logs(ctx context.Context, siteID string, tail int) (string, error) {
	app, err := s.appContainer(ctx, siteID)
	if err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}
	out, err := s.runtime.ContainerLogs(ctx, app.Ref(), tail)
	if err != nil {
		if docker.IsNotFound(err) {
			return "", ErrContainerGone
		}
		return "", err
	}
	return out, nil
}

// Stream follows the app container's output into w until ctx is cancelled.
func (s *Service) Stream(ctx context.Context, siteID string, tail int, w io.Writer) error {
	app, err := s.appContainer(ctx, siteID)
	if err != nil {
		return err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}
	if err := s.runtime.StreamLogs(ctx, app.Ref(), tail, w); err != nil {
		if docker.IsNotFound(err) {
			return ErrContainerGone
		}
		return err
	}
	return nil
}

func (s *Service) appContainer(ctx context.Context, siteID string) (domain.SiteContainer, error) {
	if _, err := s.sites.GetSiteByID(ctx, siteID); err != nil {
		return domain.SiteContainer{}, err
	}
	containers, err := s.containers.ListSiteContainers(ctx, siteID)
	if err != nil {
		return domain.SiteContainer{}, fmt.Errorf("list site containers: %w", err)
	}
	app, ok := domain.FindRole(containers, domain.RoleApp)
	if !ok {
		return domain.SiteContainer{}, ErrNoAppContainer
	}
	return app, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

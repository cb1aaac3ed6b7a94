// Package repository defines the persistence contracts for sites, their
// containers and their deployment history.
package repository

import (
	"context"

	"github.com/nexushost/sites/internal/domain"
)

// SiteRepository persists sites and their credential material.
type SiteRepository interface {
	// CreateSite inserts a new site. Returns ErrConflict when the slug is
	// already taken.
	CreateSite(ctx context.Context, site *domain.Site) error
	// GetSiteByID loads a single site including its secrets.
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	// ListSites returns all sites enriched with their latest deployment.
	ListSites(ctx context.Context) ([]domain.SiteSummary, error)
	// UpdateSite persists name, domain and config changes.
	UpdateSite(ctx context.Context, site *domain.Site) error
	// UpdateSiteStatus transitions the lifecycle status and clears last_error.
	UpdateSiteStatus(ctx context.Context, id, status string) error
	// SetSiteError marks the site failed and records the cause.
	SetSiteError(ctx context.Context, id, cause string) error
	// SetSiteCredentials stores generated database credentials.
	SetSiteCredentials(ctx context.Context, id string, secrets domain.SiteSecrets) error
	// DeleteSite removes the site row; container and deployment rows cascade.
	DeleteSite(ctx context.Context, id string) error
}

// ContainerRepository persists the container rows backing a site.
type ContainerRepository interface {
	InsertContainer(ctx context.Context, c *domain.SiteContainer) error
	// ReplaceContainer swaps the row for the container's role in one
	// transaction so a redeploy never leaves two app rows behind.
	ReplaceContainer(ctx context.Context, c *domain.SiteContainer) error
	ListSiteContainers(ctx context.Context, siteID string) ([]domain.SiteContainer, error)
	UpdateContainerStatus(ctx context.Context, id, status string) error
	DeleteSiteContainers(ctx context.Context, siteID string) error
}

// DeploymentRepository persists deployment attempts.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	// CompleteDeployment records the terminal status, final log and stamp.
	CompleteDeployment(ctx context.Context, id, status, log string) error
	ListSiteDeployments(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error)
}

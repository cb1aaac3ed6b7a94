// Package postgres implements the repository contracts on a pgx connection
// pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/repository"
)

// Store bundles the site, container and deployment repositories over a
// single connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to the given DSN and verifies it with a ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

func marshalConfig(config map[string]string) ([]byte, error) {
	if config == nil {
		config = map[string]string{}
	}
	return json.Marshal(config)
}

// CreateSite inserts a site row.
func (s *Store) CreateSite(ctx context.Context, site *domain.Site) error {
	cfg, err := marshalConfig(site.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sites (id, name, slug, type, domain, status, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		site.ID, site.Name, site.Slug, site.Type, site.Domain, site.Status, cfg,
		site.CreatedAt, site.UpdatedAt,
	)
	if err != nil {
		return translateError(err)
	}
	return nil
}

func scanSite(row pgx.Row) (*domain.Site, error) {
	var (
		site domain.Site
		cfg  []byte
	)
	err := row.Scan(
		&site.ID, &site.Name, &site.Slug, &site.Type, &site.Domain, &site.Status,
		&cfg, &site.Secrets.DBUser, &site.Secrets.DBName,
		&site.Secrets.DBPassword, &site.Secrets.DBRootPassword,
		&site.LastError, &site.CreatedAt, &site.UpdatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &site.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &site, nil
}

// GetSiteByID loads a site with its secrets.
func (s *Store) GetSiteByID(ctx context.Context, id string) (*domain.Site, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, slug, type, domain, status, config,
		       COALESCE(db_user, ''), COALESCE(db_name, ''),
		       db_password, db_root_password,
		       COALESCE(last_error, ''), created_at, updated_at
		FROM sites WHERE id = $1`, id)
	return scanSite(row)
}

// ListSites returns all sites with their latest deployment and no secret
// material.
func (s *Store) ListSites(ctx context.Context) ([]domain.SiteSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.name, s.slug, s.type, s.domain, s.status, s.config,
		       COALESCE(s.last_error, ''), s.created_at, s.updated_at,
		       COALESCE(d.version, ''), COALESCE(d.source, ''),
		       COALESCE(d.status, ''), d.completed_at
		FROM sites s
		LEFT JOIN LATERAL (
			SELECT version, source, status, completed_at
			FROM site_deployments
			WHERE site_id = s.id
			ORDER BY created_at DESC
			LIMIT 1
		) d ON true
		ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var summaries []domain.SiteSummary
	for rows.Next() {
		var (
			sum domain.SiteSummary
			cfg []byte
		)
		err := rows.Scan(
			&sum.ID, &sum.Name, &sum.Slug, &sum.Type, &sum.Domain, &sum.Status,
			&cfg, &sum.LastError, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.LatestVersion, &sum.LatestSource, &sum.DeployStatus, &sum.LastDeployed,
		)
		if err != nil {
			return nil, translateError(err)
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &sum.Config); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// UpdateSite persists name, domain and config changes.
func (s *Store) UpdateSite(ctx context.Context, site *domain.Site) error {
	cfg, err := marshalConfig(site.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites SET name = $2, domain = $3, config = $4, updated_at = now()
		WHERE id = $1`,
		site.ID, site.Name, site.Domain, cfg,
	)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateSiteStatus transitions the lifecycle status and clears last_error.
func (s *Store) UpdateSiteStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites SET status = $2, last_error = NULL, updated_at = now()
		WHERE id = $1`, id, status)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetSiteError marks the site failed and records the cause.
func (s *Store) SetSiteError(ctx context.Context, id, cause string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, domain.SiteStatusError, cause)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetSiteCredentials stores the generated, already-encrypted credentials.
func (s *Store) SetSiteCredentials(ctx context.Context, id string, secrets domain.SiteSecrets) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites SET db_user = $2, db_name = $3, db_password = $4,
		       db_root_password = $5, updated_at = now()
		WHERE id = $1`,
		id, secrets.DBUser, secrets.DBName, secrets.DBPassword, secrets.DBRootPassword,
	)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteSite removes the site row. Containers and deployments cascade.
func (s *Store) DeleteSite(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sites WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertContainer records a container row.
func (s *Store) InsertContainer(ctx context.Context, c *domain.SiteContainer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO site_containers (id, site_id, container_id, container_name, role, image, status, port, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.SiteID, c.ContainerID, c.ContainerName, c.Role, c.Image, c.Status, c.Port, c.CreatedAt,
	)
	if err != nil {
		return translateError(err)
	}
	return nil
}

// ReplaceContainer swaps the row for the container's role transactionally.
func (s *Store) ReplaceContainer(ctx context.Context, c *domain.SiteContainer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM site_containers WHERE site_id = $1 AND role = $2`,
		c.SiteID, c.Role,
	); err != nil {
		return translateError(err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO site_containers (id, site_id, container_id, container_name, role, image, status, port, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.SiteID, c.ContainerID, c.ContainerName, c.Role, c.Image, c.Status, c.Port, c.CreatedAt,
	); err != nil {
		return translateError(err)
	}
	return tx.Commit(ctx)
}

// ListSiteContainers returns the container rows for a site in a stable
// role order.
func (s *Store) ListSiteContainers(ctx context.Context, siteID string) ([]domain.SiteContainer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, container_id, container_name, role, image, status, port, created_at
		FROM site_containers
		WHERE site_id = $1
		ORDER BY role ASC, created_at ASC`, siteID)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var containers []domain.SiteContainer
	for rows.Next() {
		var c domain.SiteContainer
		err := rows.Scan(&c.ID, &c.SiteID, &c.ContainerID, &c.ContainerName,
			&c.Role, &c.Image, &c.Status, &c.Port, &c.CreatedAt)
		if err != nil {
			return nil, translateError(err)
		}
		containers = append(containers, c)
	}
	return containers, rows.Err()
}

// UpdateContainerStatus records the last observed container state.
func (s *Store) UpdateContainerStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE site_containers SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteSiteContainers removes all container rows for a site.
func (s *Store) DeleteSiteContainers(ctx context.Context, siteID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM site_containers WHERE site_id = $1`, siteID)
	if err != nil {
		return translateError(err)
	}
	return nil
}

// CreateDeployment inserts a deployment attempt.
func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO site_deployments (id, site_id, version, source, status, log, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.SiteID, d.Version, d.Source, d.Status, d.Log, d.CreatedAt,
	)
	if err != nil {
		return translateError(err)
	}
	return nil
}

// CompleteDeployment records the terminal status, final log and stamp.
func (s *Store) CompleteDeployment(ctx context.Context, id, status, log string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE site_deployments SET status = $2, log = $3, completed_at = $4
		WHERE id = $1`, id, status, log, time.Now().UTC())
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListSiteDeployments returns the most recent deployments for a site.
func (s *Store) ListSiteDeployments(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, version, source, status, log, created_at, completed_at
		FROM site_deployments
		WHERE site_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, siteID, limit)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		err := rows.Scan(&d.ID, &d.SiteID, &d.Version, &d.Source, &d.Status,
			&d.Log, &d.CreatedAt, &d.CompletedAt)
		if err != nil {
			return nil, translateError(err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

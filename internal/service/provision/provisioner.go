// Package provision runs the asynchronous first-boot pipeline for
// database-backed sites: credentials, images, network, containers, routing.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexushost/sites/internal/docker"
	"github.com/nexushost/sites/internal/domain"
	"github.com/nexushost/sites/internal/ingress"
	"github.com/nexushost/sites/internal/naming"
	"github.com/nexushost/sites/internal/repository"
	"github.com/nexushost/sites/internal/service/lifecycle"
	"github.com/nexushost/sites/internal/template"
	"github.com/nexushost/sites/pkg/crypto"
)

const dbPort = 3306

// Runtime is the subset of the container runtime provisioning needs.
type Runtime interface {
	PullImage(ctx context.Context, ref string, onOutput docker.BuildOutputCallback) error
	EnsureNetwork(ctx context.Context, name string) (string, error)
	ConnectNetwork(ctx context.Context, networkName, containerRef string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, ref string) error
}

// Options carries the environment-level settings provisioning depends on.
type Options struct {
	BaseDomain     string
	IngressNetwork string
	SecretsKey     string
	PullTimeout    time.Duration
}

// Provisioner owns the in-flight provisioning tasks. One task per site; a
// delete cancels the task before teardown.
type Provisioner struct {
	sites       repository.SiteRepository
	containers  repository.ContainerRepository
	deployments repository.DeploymentRepository
	runtime     Runtime
	locks       *lifecycle.KeyedMutex
	opts        Options
	log         *slog.Logger

	tasks sync.Map // site id -> context.CancelFunc
	wg    sync.WaitGroup
}

// New wires a provisioner.
func New(sites repository.SiteRepository, containers repository.ContainerRepository, deployments repository.DeploymentRepository, runtime Runtime, locks *lifecycle.KeyedMutex, opts Options, log *slog.Logger) (*Provisioner, error) {
	if sites == nil || containers == nil || deployments == nil {
		return nil, errors.New("nil repository provided")
	}
	if runtime == nil {
		return nil, errors.New("nil runtime provided")
	}
	if locks == nil {
		locks = lifecycle.NewKeyedMutex()
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{
		sites:       sites,
		containers:  containers,
		deployments: deployments,
		runtime:     runtime,
		locks:       locks,
		opts:        opts,
		log:         log,
	}, nil
}

// Launch starts provisioning in the background. The create request returns
// immediately; failures land in the site's status and last_error.
func (p *Provisioner) Launch(site *domain.Site) {
	ctx, cancel := context.WithCancel(context.Background())
	p.tasks.Store(site.ID, cancel)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer cancel()
		defer p.tasks.Delete(site.ID)

		if err := p.Provision(ctx, site); err != nil {
			p.log.Error("provisioning failed", "site_id", site.ID, "slug", site.Slug, "error", err)
			if dbErr := p.sites.SetSiteError(context.Background(), site.ID, err.Error()); dbErr != nil {
				p.log.Error("record provisioning failure", "site_id", site.ID, "error", dbErr)
			}
			return
		}
		p.log.Info("site provisioned", "site_id", site.ID, "slug", site.Slug)
	}()
}

// Cancel aborts an in-flight provisioning task for the site, if any.
func (p *Provisioner) Cancel(siteID string) {
	if cancel, ok := p.tasks.Load(siteID); ok {
		cancel.(context.CancelFunc)()
	}
}

// Wait blocks until all background tasks finish. Used during shutdown.
func (p *Provisioner) Wait() {
	p.wg.Wait()
}

// Provision runs the pipeline synchronously under the site lock.
func (p *Provisioner) Provision(ctx context.Context, site *domain.Site) error {
	tpl, ok := template.Lookup(site.Type)
	if !ok {
		return fmt.Errorf("unknown template: %s", site.Type)
	}
	if !tpl.HasDB {
		return fmt.Errorf("template %s does not use provisioning", site.Type)
	}

	p.locks.Lock(site.ID)
	defer p.locks.Unlock(site.ID)

	creds, err := p.generateCredentials(ctx, site)
	if err != nil {
		return err
	}

	for _, ref := range []string{tpl.AppImage, tpl.DBImage} {
		if err := p.pull(ctx, ref); err != nil {
			return err
		}
	}

	networkName := naming.SiteNetwork(site.Slug)
	if _, err := p.runtime.EnsureNetwork(ctx, networkName); err != nil {
		return fmt.Errorf("ensure site network: %w", err)
	}

	dbName := naming.DBContainer(site.Slug)
	dbID, err := p.runtime.CreateContainer(ctx, docker.ContainerSpec{
		Name:  dbName,
		Image: tpl.DBImage,
		Env: []string{
			"MARIADB_ROOT_PASSWORD=" + creds.rootPassword,
			"MARIADB_DATABASE=" + creds.dbName,
			"MARIADB_USER=" + creds.dbUser,
			"MARIADB_PASSWORD=" + creds.dbPassword,
		},
		Binds:   []string{naming.DBVolume(site.Slug) + ":/var/lib/mysql"},
		Network: networkName,
	})
	if err != nil {
		return fmt.Errorf("create db container: %w", err)
	}

	appName := naming.AppContainer(site.Slug)
	appID, err := p.runtime.CreateContainer(ctx, docker.ContainerSpec{
		Name:  appName,
		Image: tpl.AppImage,
		Env:   appEnv(site.Type, dbName, creds),
		Labels: ingress.Labels(ingress.Router{
			Slug:         site.Slug,
			Domain:       site.Slug + "." + p.opts.BaseDomain,
			CustomDomain: site.Domain,
			Port:         tpl.AppPort,
			Network:      p.opts.IngressNetwork,
		}),
		Binds:   []string{naming.DataVolume(site.Slug) + ":/var/www/html"},
		Network: networkName,
	})
	if err != nil {
		return fmt.Errorf("create app container: %w", err)
	}

	if err := p.runtime.ConnectNetwork(ctx, p.opts.IngressNetwork, appID); err != nil {
		return fmt.Errorf("connect ingress network: %w", err)
	}

	// DB first so the app finds its database on first boot.
	if err := p.runtime.StartContainer(ctx, dbID); err != nil {
		return fmt.Errorf("start db container: %w", err)
	}
	if err := p.runtime.StartContainer(ctx, appID); err != nil {
		return fmt.Errorf("start app container: %w", err)
	}

	now := time.Now().UTC()
	rows := []*domain.SiteContainer{
		{ID: uuid.NewString(), SiteID: site.ID, ContainerID: dbID, ContainerName: dbName,
			Role: domain.RoleDB, Image: tpl.DBImage, Status: "running", Port: dbPort, CreatedAt: now},
		{ID: uuid.NewString(), SiteID: site.ID, ContainerID: appID, ContainerName: appName,
			Role: domain.RoleApp, Image: tpl.AppImage, Status: "running", Port: tpl.AppPort, CreatedAt: now},
	}
	for _, row := range rows {
		if err := p.containers.InsertContainer(ctx, row); err != nil {
			return fmt.Errorf("record %s container: %w", row.Role, err)
		}
	}

	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		SiteID:    site.ID,
		Version:   "1.0.0",
		Source:    domain.DeploySourceTemplate,
		Status:    domain.DeployStatusDeploying,
		CreatedAt: now,
	}
	if err := p.deployments.CreateDeployment(ctx, dep); err != nil {
		return fmt.Errorf("record deployment: %w", err)
	}
	if err := p.deployments.CompleteDeployment(ctx, dep.ID, domain.DeployStatusDeployed, ""); err != nil {
		return fmt.Errorf("complete deployment: %w", err)
	}

	if err := p.sites.UpdateSiteStatus(ctx, site.ID, domain.SiteStatusRunning); err != nil {
		return fmt.Errorf("record site status: %w", err)
	}
	return nil
}

type credentials struct {
	dbUser       string
	dbName       string
	dbPassword   string
	rootPassword string
}

func (p *Provisioner) generateCredentials(ctx context.Context, site *domain.Site) (credentials, error) {
	ident := naming.DatabaseIdent(site.Slug)
	creds := credentials{
		dbUser:       ident,
		dbName:       ident,
		dbPassword:   randomPassword(),
		rootPassword: randomPassword(),
	}

	encPass, err := crypto.EncryptString(p.opts.SecretsKey, creds.dbPassword)
	if err != nil {
		return credentials{}, fmt.Errorf("encrypt db password: %w", err)
	}
	encRoot, err := crypto.EncryptString(p.opts.SecretsKey, creds.rootPassword)
	if err != nil {
		return credentials{}, fmt.Errorf("encrypt root password: %w", err)
	}

	err = p.sites.SetSiteCredentials(ctx, site.ID, domain.SiteSecrets{
		DBUser:         creds.dbUser,
		DBName:         creds.dbName,
		DBPassword:     encPass,
		DBRootPassword: encRoot,
	})
	if err != nil {
		return credentials{}, fmt.Errorf("store credentials: %w", err)
	}
	return creds, nil
}

func (p *Provisioner) pull(ctx context.Context, ref string) error {
	pullCtx, cancel := context.WithTimeout(ctx, p.opts.PullTimeout)
	defer cancel()
	if err := p.runtime.PullImage(pullCtx, ref, nil); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// appEnv builds the CMS database environment for the app container. The db
// container's name doubles as its hostname on the site network.
func appEnv(siteType, dbHost string, creds credentials) []string {
	prefix := "WORDPRESS"
	if siteType == "drupal" {
		prefix = "DRUPAL"
	}
	return []string{
		prefix + "_DB_HOST=" + dbHost,
		prefix + "_DB_USER=" + creds.dbUser,
		prefix + "_DB_PASSWORD=" + creds.dbPassword,
		prefix + "_DB_NAME=" + creds.dbName,
	}
}

// randomPassword returns 18 random bytes encoded as 24 URL-safe characters.
func randomPassword() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

package domain

import "time"

// Site lifecycle statuses.
const (
	SiteStatusCreating = "creating"
	SiteStatusRunning  = "running"
	SiteStatusStopped  = "stopped"
	SiteStatusError    = "error"
)

// Site describes a hosted site and its persisted desired state.
type Site struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Slug      string            `json:"slug"`
	Type      string            `json:"type"`
	Domain    string            `json:"domain,omitempty"`
	Status    string            `json:"status"`
	Config    map[string]string `json:"config"`
	Secrets   SiteSecrets       `json:"-"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SiteSecrets holds generated database credentials. Password material is
// encrypted before it reaches the repository and never serialized into API
// responses.
type SiteSecrets struct {
	DBUser         string
	DBName         string
	DBPassword     []byte
	DBRootPassword []byte
}

// Provisioned reports whether database credentials have been generated.
func (s SiteSecrets) Provisioned() bool {
	return s.DBUser != "" && s.DBName != "" && len(s.DBPassword) > 0
}

// SiteSummary is a Site enriched with its most recent deployment and the
// live runtime state of its app container.
type SiteSummary struct {
	Site
	LatestVersion string     `json:"latest_version,omitempty"`
	LatestSource  string     `json:"latest_source,omitempty"`
	DeployStatus  string     `json:"deploy_status,omitempty"`
	LastDeployed  *time.Time `json:"last_deployed,omitempty"`
	RuntimeState  string     `json:"docker_state"`
}

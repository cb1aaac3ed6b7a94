package domain

import "time"

// Deployment statuses.
const (
	DeployStatusDeploying = "deploying"
	DeployStatusDeployed  = "deployed"
	DeployStatusFailed    = "failed"
)

// Deployment sources.
const (
	DeploySourceTemplate = "template"
	DeploySourceUpload   = "upload"
	DeploySourceGit      = "git"
	DeploySourceRedeploy = "redeploy"
)

// Deployment captures a single deploy attempt. Rows are append-only: the
// only mutation is the terminal status transition with its completion stamp.
type Deployment struct {
	ID          string     `json:"id"`
	SiteID      string     `json:"site_id"`
	Version     string     `json:"version"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	Log         string     `json:"deploy_log,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

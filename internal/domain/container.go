package domain

import "time"

// Container roles within a site.
const (
	RoleApp = "app"
	RoleDB  = "db"
)

// SiteContainer is one container belonging to a site. A site has at most one
// row per role; redeploys replace the app row rather than accumulating.
type SiteContainer struct {
	ID            string    `json:"id"`
	SiteID        string    `json:"site_id"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	Role          string    `json:"role"`
	Image         string    `json:"image"`
	Status        string    `json:"status"`
	Port          int       `json:"port"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ref returns the identifier used to address the container at the runtime,
// preferring the runtime id over the deterministic name.
func (c SiteContainer) Ref() string {
	if c.ContainerID != "" {
		return c.ContainerID
	}
	return c.ContainerName
}

// FindRole returns the first container with the given role, if any.
func FindRole(containers []SiteContainer, role string) (SiteContainer, bool) {
	for _, c := range containers {
		if c.Role == role {
			return c, true
		}
	}
	return SiteContainer{}, false
}

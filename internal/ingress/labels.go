// Package ingress builds the Traefik routing labels attached to app
// containers. Traefik watches the Docker socket, so labels are the entire
// routing configuration.
package ingress

import "fmt"

// Router describes the routing surface of one site.
type Router struct {
	Slug         string
	Domain       string
	CustomDomain string
	Port         int
	Network      string
}

// Labels renders the Traefik label set for the router. The primary domain
// always gets a router; a custom domain adds a second router with its own
// rule so certificates are issued per host.
func Labels(r Router) map[string]string {
	router := "site-" + r.Slug
	labels := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers." + router + ".rule":                      fmt.Sprintf("Host(`%s`)", r.Domain),
		"traefik.http.routers." + router + ".entrypoints":               "websecure",
		"traefik.http.routers." + router + ".tls.certresolver":          "letsencrypt",
		"traefik.http.services." + router + ".loadbalancer.server.port": fmt.Sprintf("%d", r.Port),
		"traefik.docker.network": r.Network,
	}
	if r.CustomDomain != "" && r.CustomDomain != r.Domain {
		custom := router + "-custom"
		labels["traefik.http.routers."+custom+".rule"] = fmt.Sprintf("Host(`%s`)", r.CustomDomain)
		labels["traefik.http.routers."+custom+".entrypoints"] = "websecure"
		labels["traefik.http.routers."+custom+".tls.certresolver"] = "letsencrypt"
		labels["traefik.http.routers."+custom+".service"] = router
	}
	return labels
}

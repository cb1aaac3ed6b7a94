// Package naming derives deterministic runtime resource names from a site
// slug. Every component addresses containers, volumes, networks and built
// images through these helpers so teardown can find resources even when the
// persisted rows are gone.
package naming

import "strings"

const prefix = "nexus-site-"

// AppContainer returns the app container name for a slug.
func AppContainer(slug string) string {
	return prefix + slug
}

// DBContainer returns the database container name for a slug.
func DBContainer(slug string) string {
	return prefix + slug + "-db"
}

// SiteNetwork returns the isolated bridge network name for a slug.
func SiteNetwork(slug string) string {
	return prefix + slug + "-net"
}

// DataVolume returns the app state volume name for a slug.
func DataVolume(slug string) string {
	return prefix + slug + "-data"
}

// DBVolume returns the database volume name for a slug.
func DBVolume(slug string) string {
	return prefix + slug + "-db"
}

// ImageTag returns the built image reference for a slug.
func ImageTag(slug string) string {
	return prefix + slug + ":latest"
}

// DatabaseIdent returns the database user and schema name derived from a
// slug. Hyphens are not valid in MariaDB identifiers.
func DatabaseIdent(slug string) string {
	return "site_" + strings.ReplaceAll(slug, "-", "_")
}

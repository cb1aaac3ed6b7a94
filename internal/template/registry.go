package template

import "sort"

// Template describes the runtime shape of a site archetype.
type Template struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
	HasDB       bool   `json:"has_db"`
	AppImage    string `json:"app_image,omitempty"`
	DBImage     string `json:"db_image,omitempty"`
	AppPort     int    `json:"app_port"`
}

// BuildsFromSource reports whether the archetype's app image is produced by
// the build pipeline instead of pulled from a registry.
func (t Template) BuildsFromSource() bool {
	return !t.HasDB
}

var catalog = map[string]Template{
	"wordpress": {
		Name:        "wordpress",
		Label:       "WordPress",
		Description: "Full WordPress CMS with dedicated MariaDB",
		HasDB:       true,
		AppImage:    "wordpress:latest",
		DBImage:     "mariadb:11",
		AppPort:     80,
	},
	"drupal": {
		Name:        "drupal",
		Label:       "Drupal",
		Description: "Drupal CMS with dedicated MariaDB",
		HasDB:       true,
		AppImage:    "drupal:latest",
		DBImage:     "mariadb:11",
		AppPort:     80,
	},
	"node": {
		Name:        "node",
		Label:       "Node.js",
		Description: "Node.js application from ZIP or Git",
		HasDB:       false,
		AppPort:     3000,
	},
	"vite": {
		Name:        "vite",
		Label:       "Vite / Static",
		Description: "Static site served by Nginx",
		HasDB:       false,
		AppPort:     80,
	},
}

// Lookup returns the template for an archetype name.
func Lookup(name string) (Template, bool) {
	t, ok := catalog[name]
	return t, ok
}

// All returns the catalog sorted by archetype name.
func All() []Template {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	templates := make([]Template, 0, len(names))
	for _, name := range names {
		templates = append(templates, catalog[name])
	}
	return templates
}

// Names returns the valid archetype names sorted alphabetically.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

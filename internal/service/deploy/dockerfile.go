package deploy

import (
	"fmt"
	"os"
	"path/filepath"
)

const nodeDockerfile = `FROM node:20-alpine
WORKDIR /app
COPY package*.json ./
RUN npm ci --production
COPY . .
EXPOSE 3000
CMD ["npm", "start"]
`

const staticDockerfile = `FROM nginx:alpine
COPY . /usr/share/nginx/html
`

// ensureNodeDockerfile synthesizes a default Node.js Dockerfile when the
// project does not ship its own.
func ensureNodeDockerfile(dir string) error {
	path := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("check dockerfile: %w", err)
	}
	if err := os.WriteFile(path, []byte(nodeDockerfile), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}

// writeStaticDockerfile bakes the extracted files into an nginx image. Any
// Dockerfile in the upload is replaced; static sites are always served the
// same way.
func writeStaticDockerfile(dir string) error {
	path := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(path, []byte(staticDockerfile), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}

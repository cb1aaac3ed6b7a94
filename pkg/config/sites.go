package config

import "time"

// SitesConfig holds runtime configuration for the sites engine.
type SitesConfig struct {
	Environment    string
	LogLevel       string
	Addr           string
	DatabaseURL    string
	MigrationsDir  string
	DockerHost     string
	DataDir        string
	BaseDomain     string
	IngressNetwork string
	GitTimeout     time.Duration
	PullTimeout    time.Duration
	BuildTimeout   time.Duration
	MaxUploadBytes int64
	JWTSecret      string
	SecretsKey     string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadSitesConfig constructs a SitesConfig from environment variables.
func LoadSitesConfig() SitesConfig {
	return SitesConfig{
		Environment:    GetString("APP_ENV", "development"),
		LogLevel:       GetString("LOG_LEVEL", "info"),
		Addr:           GetString("SITES_ADDR", ":7005"),
		DatabaseURL:    GetString("DATABASE_URL", "postgres://nexus:nexus@db:5432/nexus?sslmode=disable"),
		MigrationsDir:  GetString("MIGRATIONS_DIR", "migrations"),
		DockerHost:     GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DataDir:        GetString("SITES_DATA_DIR", "/data/sites"),
		BaseDomain:     GetString("SITES_BASE_DOMAIN", "sebhosting.com"),
		IngressNetwork: GetString("INGRESS_NETWORK", "traefik-public"),
		GitTimeout:     GetSeconds("GIT_TIMEOUT_SECONDS", 120),
		PullTimeout:    GetSeconds("PULL_TIMEOUT_SECONDS", 300),
		BuildTimeout:   GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		MaxUploadBytes: GetInt64("MAX_UPLOAD_BYTES", 100<<20),
		JWTSecret:      GetString("JWT_SECRET", ""),
		SecretsKey:     GetString("SECRETS_KEY", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

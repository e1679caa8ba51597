// Package config loads the daemon configuration from the environment.
package config

import (
	"errors"
	"os"
)

// Config carries every environment-driven setting of the daemon.
type Config struct {
	DatabaseURL        string
	SupabaseURL        string
	SupabaseProjectRef string
	SupabaseJWTSecret  string
	FrontendBaseURL    string

	WGPoolCIDR        string
	WGServerPublicKey string
	WGEndpointHost    string
	WGEndpointPort    string
	WGDNSDefault      string
	WGInterface       string

	RunDBMigrations bool
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseProjectRef: os.Getenv("SUPABASE_PROJECT_REF"),
		SupabaseJWTSecret:  os.Getenv("SUPABASE_JWT_SECRET"),
		FrontendBaseURL:    getenv("FRONTEND_BASE_URL", "http://localhost:5173"),

		WGPoolCIDR:        getenv("WG_POOL_CIDR", "10.200.0.0/24"),
		WGServerPublicKey: os.Getenv("WG_SERVER_PUBLIC_KEY"),
		WGEndpointHost:    os.Getenv("WG_ENDPOINT_HOST"),
		WGEndpointPort:    getenv("WG_ENDPOINT_PORT", "51820"),
		WGDNSDefault:      getenv("WG_DNS_DEFAULT", "1.1.1.1"),
		WGInterface:       getenv("WG_INTERFACE", "wg0"),

		RunDBMigrations: os.Getenv("RUN_DB_MIGRATIONS") == "1" || os.Getenv("RUN_DB_MIGRATIONS") == "true",
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

// JWKSURL returns the Supabase JWKS endpoint for asymmetric token
// verification, or empty when no project is configured.
func (c *Config) JWKSURL() string {
	if c.SupabaseURL != "" {
		return c.SupabaseURL + "/auth/v1/.well-known/jwks.json"
	}
	if c.SupabaseProjectRef != "" {
		return "https://" + c.SupabaseProjectRef + ".supabase.co/auth/v1/.well-known/jwks.json"
	}
	return ""
}

// Package config loads Bay's process-wide configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Admission policies for when the global ship cap is reached.
const (
	BehaviorReject = "reject"
	BehaviorWait   = "wait"
)

// Config holds all Bay settings. Immutable after Load.
type Config struct {
	// Server
	Host  string
	Port  string
	Debug bool

	// Ship management
	MaxShipNum           int
	BehaviorAfterMaxShip string

	// Authentication
	AccessToken string

	// Database
	DatabaseURL string

	// Docker
	DockerImage   string
	DockerNetwork string

	// Ship defaults
	DefaultShipTTL    int
	DefaultShipCPUs   float64
	DefaultShipMemory string

	// Ship health check
	ShipHealthCheckTimeout  time.Duration
	ShipHealthCheckInterval time.Duration

	// File upload
	MaxUploadSize int64
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Host:                    getEnv("HOST", "0.0.0.0"),
		Port:                    getEnv("PORT", "8000"),
		Debug:                   getEnvBool("DEBUG", false),
		MaxShipNum:              getEnvInt("MAX_SHIP_NUM", 10),
		BehaviorAfterMaxShip:    getEnv("BEHAVIOR_AFTER_MAX_SHIP", BehaviorWait),
		AccessToken:             getEnv("ACCESS_TOKEN", "secret-token"),
		DatabaseURL:             getEnv("DATABASE_URL", "file:bay.db"),
		DockerImage:             getEnv("DOCKER_IMAGE", "ship:latest"),
		DockerNetwork:           getEnv("DOCKER_NETWORK", "shipyard"),
		DefaultShipTTL:          getEnvInt("DEFAULT_SHIP_TTL", 3600),
		DefaultShipCPUs:         getEnvFloat("DEFAULT_SHIP_CPUS", 1.0),
		DefaultShipMemory:       getEnv("DEFAULT_SHIP_MEMORY", "512m"),
		ShipHealthCheckTimeout:  time.Duration(getEnvInt("SHIP_HEALTH_CHECK_TIMEOUT", 60)) * time.Second,
		ShipHealthCheckInterval: time.Duration(getEnvInt("SHIP_HEALTH_CHECK_INTERVAL", 2)) * time.Second,
		MaxUploadSize:           int64(getEnvInt("MAX_UPLOAD_SIZE", 100*1024*1024)),
	}

	if cfg.BehaviorAfterMaxShip != BehaviorReject && cfg.BehaviorAfterMaxShip != BehaviorWait {
		return nil, fmt.Errorf("invalid BEHAVIOR_AFTER_MAX_SHIP %q: must be %q or %q",
			cfg.BehaviorAfterMaxShip, BehaviorReject, BehaviorWait)
	}
	if cfg.MaxShipNum <= 0 {
		return nil, fmt.Errorf("MAX_SHIP_NUM must be positive, got %d", cfg.MaxShipNum)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", cfg.MaxUploadSize)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	envOnce   sync.Once
	envLoaded bool
)

// LoadEnvOnce loads the .env file only once during the process lifetime,
// so repeated calls from independent packages never reload or clobber it.
func LoadEnvOnce() {
	envOnce.Do(func() {
		loadEnvironment()
	})
}

func loadEnvironment() {
	envPaths := []string{
		".env",
		"../.env",
		"../../.env",
		filepath.Join(os.Getenv("APP_ROOT"), ".env"),
	}

	var loaded bool
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				log.Printf("environment loaded from: %s", path)
				loaded = true
				break
			}
		}
	}

	if !loaded {
		if isContainerEnvironment() {
			log.Println("running in a container - using environment variables")
		} else if isDevelopment() {
			log.Println("no .env file found - using environment variables or defaults")
		}
	}

	envLoaded = true
}

func isContainerEnvironment() bool {
	indicators := []string{
		"/.dockerenv",
		"/run/.containerenv",
	}
	for _, indicator := range indicators {
		if _, err := os.Stat(indicator); err == nil {
			return true
		}
	}

	containerEnvVars := []string{
		"KUBERNETES_SERVICE_HOST",
		"DOCKER_CONTAINER",
		"CONTAINER_ID",
	}
	for _, envVar := range containerEnvVars {
		if os.Getenv(envVar) != "" {
			return true
		}
	}

	return os.Getenv("UPLOAD_DIR") != "" && os.Getenv("PORT") != ""
}

func isDevelopment() bool {
	env := os.Getenv("ENVIRONMENT")
	return env == "" || env == "development" || env == "dev"
}

// GetEnvWithFallback returns the named environment variable, or fallback if unset/empty.
func GetEnvWithFallback(key, fallback string) string {
	LoadEnvOnce()
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// MustGetEnv returns the named environment variable or fails startup immediately.
func MustGetEnv(key string) string {
	LoadEnvOnce()
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("required environment variable %s is not set", key)
	}
	return value
}

// GetEnvBool returns the named environment variable parsed as a boolean, or fallback.
func GetEnvBool(key string, fallback bool) bool {
	LoadEnvOnce()
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value == "true" || value == "1" || value == "yes" || value == "on"
}

// GetEnvInt returns the named environment variable parsed as an int, or fallback.
func GetEnvInt(key string, fallback int) int {
	LoadEnvOnce()
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid int for %s=%q, using fallback %d", key, value, fallback)
		return fallback
	}
	return n
}

// GetEnvInt64 returns the named environment variable parsed as an int64, or fallback.
func GetEnvInt64(key string, fallback int64) int64 {
	LoadEnvOnce()
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("invalid int64 for %s=%q, using fallback %d", key, value, fallback)
		return fallback
	}
	return n
}

// GetEnvDuration returns the named environment variable parsed as a duration, or fallback.
// The value is read as a Go duration string (e.g. "30m"), falling back to bare minutes
// (e.g. "30") for compatibility with the plain integer knobs used elsewhere in this config.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	LoadEnvOnce()
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Minute
	}
	log.Printf("invalid duration for %s=%q, using fallback %s", key, value, fallback)
	return fallback
}

// IsEnvLoaded reports whether LoadEnvOnce has run.
func IsEnvLoaded() bool {
	return envLoaded
}

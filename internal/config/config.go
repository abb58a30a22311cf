package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Config holds runtime configuration for the orchestrator.
type Config struct {
	Environment        string
	Addr               string
	DataDir            string
	AppsDir            string
	LogsDir            string
	ProxyFragmentPath  string
	ProxyReloadCommand string
	ProxyContainerName string
	SupervisorBin      string
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	CancelGrace        time.Duration
	BasePort           int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	dataDir := GetString("CARAVEL_DATA_DIR", "/var/lib/caravel")
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("CARAVEL_ADDR", ":3000"),
		DataDir:            dataDir,
		AppsDir:            GetString("CARAVEL_APPS_DIR", filepath.Join(dataDir, "apps")),
		LogsDir:            GetString("CARAVEL_LOGS_DIR", filepath.Join(dataDir, "logs")),
		ProxyFragmentPath:  GetString("PROXY_FRAGMENT_PATH", "/etc/nginx/conf.d/caravel.conf"),
		ProxyReloadCommand: GetString("PROXY_RELOAD_COMMAND", "nginx -s reload"),
		ProxyContainerName: GetString("PROXY_CONTAINER_NAME", ""),
		SupervisorBin:      GetString("SUPERVISOR_BIN", "pm2"),
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 120)) * time.Second,
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 900)) * time.Second,
		CancelGrace:        time.Duration(GetInt("CANCEL_GRACE_SECONDS", 5)) * time.Second,
		BasePort:           GetInt("BASE_PORT", 4000),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// Package config loads the environment-variable configuration recognised
// by the two daemons (spec §6) and the deployment-supplied YAML file that
// carries per-tool binary overrides and extra redaction patterns,
// generalized from the teacher's user/project settings.json merge idiom
// to this module's env-first, single-deployment configuration model.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// HostConfig is the host daemon's environment configuration.
type HostConfig struct {
	ServerBaseURL   string // SERVER_BASE_URL
	HostID          string // HOST_ID
	HostToken       string // HOST_TOKEN
	LocalUnixSocket string // LOCAL_UNIX_SOCKET
	SpoolDBPath     string // SPOOL_DB_PATH
	LogPath         string // HOSTD_LOG_PATH (optional)
	ToolsConfigPath string // RELAY_TOOLS_CONFIG (optional; YAML binary-map + redaction extensions)
	SpoolMaxRows    int    // SPOOL_MAX_ROWS (optional; compaction trigger, §4.2)
}

// defaultSpoolMaxRows bounds the spool at 20000 buffered events per host
// before compaction starts coalescing the longest-idle runs' output.
const defaultSpoolMaxRows = 20000

// LoadHostConfig reads the HD environment variables named in spec §6.
// Required variables missing from the environment are reported together
// rather than one at a time.
func LoadHostConfig() (HostConfig, error) {
	cfg := HostConfig{
		ServerBaseURL:   os.Getenv("SERVER_BASE_URL"),
		HostID:          os.Getenv("HOST_ID"),
		HostToken:       os.Getenv("HOST_TOKEN"),
		LocalUnixSocket: getenvDefault("LOCAL_UNIX_SOCKET", defaultSocketPath()),
		SpoolDBPath:     getenvDefault("SPOOL_DB_PATH", defaultSpoolPath()),
		LogPath:         os.Getenv("HOSTD_LOG_PATH"),
		ToolsConfigPath: os.Getenv("RELAY_TOOLS_CONFIG"),
		SpoolMaxRows:    getenvIntDefault("SPOOL_MAX_ROWS", defaultSpoolMaxRows),
	}

	var missing []string
	if cfg.ServerBaseURL == "" {
		missing = append(missing, "SERVER_BASE_URL")
	}
	if cfg.HostID == "" {
		missing = append(missing, "HOST_ID")
	}
	if cfg.HostToken == "" {
		missing = append(missing, "HOST_TOKEN")
	}
	if len(missing) > 0 {
		return HostConfig{}, fmt.Errorf("config: missing required variables: %v", missing)
	}
	return cfg, nil
}

// BrokerConfig is the server broker's environment configuration.
type BrokerConfig struct {
	JWTSecret         string // JWT_SECRET
	AdminUsername     string // ADMIN_USERNAME
	AdminPasswordHash string // ADMIN_PASSWORD_HASH (bcrypt)
	DatabaseURL       string // DATABASE_URL
	BindAddr          string // BIND_ADDR
	WebDistDir        string // WEB_DIST_DIR (optional)
	LogPath           string // SERVER_LOG_PATH (optional)
	EventRetention    time.Duration
}

// defaultEventRetention matches the 3-day default retention named in §4.8.
const defaultEventRetention = 72 * time.Hour

// LoadBrokerConfig reads the SB environment variables named in spec §6.
func LoadBrokerConfig() (BrokerConfig, error) {
	cfg := BrokerConfig{
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AdminUsername:     os.Getenv("ADMIN_USERNAME"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		DatabaseURL:       getenvDefault("DATABASE_URL", "relay.db"),
		BindAddr:          getenvDefault("BIND_ADDR", ":8080"),
		WebDistDir:        os.Getenv("WEB_DIST_DIR"),
		LogPath:           os.Getenv("SERVER_LOG_PATH"),
		EventRetention:    defaultEventRetention,
	}

	var missing []string
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.AdminUsername == "" {
		missing = append(missing, "ADMIN_USERNAME")
	}
	if cfg.AdminPasswordHash == "" {
		missing = append(missing, "ADMIN_PASSWORD_HASH")
	}
	if len(missing) > 0 {
		return BrokerConfig{}, fmt.Errorf("config: missing required variables: %v", missing)
	}

	if days := os.Getenv("EVENT_RETENTION_DAYS"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return BrokerConfig{}, fmt.Errorf("config: invalid EVENT_RETENTION_DAYS %q: %w", days, err)
		}
		cfg.EventRetention = time.Duration(n) * 24 * time.Hour
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func defaultSocketPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/relay-hostd.sock"
	}
	return dir + "/.relay/hostd.sock"
}

func defaultSpoolPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/relay-spool.db"
	}
	return dir + "/.relay/spool.db"
}

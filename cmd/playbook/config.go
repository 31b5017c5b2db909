package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Store backends.
const (
	backendFS     = "fs"
	backendLibSQL = "libsql"
)

// Config holds all playbook CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DataDir        string `json:"data_dir"`
	StoreBackend   string `json:"store_backend"`
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	ManifestDir    string `json:"manifest_dir"`
	PlaybookDir    string `json:"playbook_dir"`
	RetentionCron  string `json:"retention_cron"`
	DefaultRuntime string `json:"default_runtime"`
	BreakerFails   int    `json:"breaker_failures"`
}

func defaultConfig() Config {
	dir := playbookDir()
	return Config{
		DataDir:        filepath.Join(dir, "data"),
		StoreBackend:   backendFS,
		DBPath:         filepath.Join(dir, "playbook.db"),
		LogLevel:       "info",
		LogFormat:      "text",
		ManifestDir:    filepath.Join(dir, "manifests"),
		PlaybookDir:    filepath.Join(dir, "playbooks"),
		RetentionCron:  "@hourly",
		DefaultRuntime: "simple",
		BreakerFails:   5,
	}
}

// playbookDir is $PLAYBOOK_HOME, else ~/.playbook.
func playbookDir() string {
	if v := os.Getenv("PLAYBOOK_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playbook"
	}
	return filepath.Join(home, ".playbook")
}

func settingsPath() string {
	return filepath.Join(playbookDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PLAYBOOK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PLAYBOOK_STORE"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("PLAYBOOK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PLAYBOOK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PLAYBOOK_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PLAYBOOK_MANIFEST_DIR"); v != "" {
		cfg.ManifestDir = v
	}
	if v := os.Getenv("PLAYBOOK_DIR"); v != "" {
		cfg.PlaybookDir = v
	}
	if v := os.Getenv("PLAYBOOK_RETENTION_CRON"); v != "" {
		cfg.RetentionCron = v
	}
	if v := os.Getenv("PLAYBOOK_DEFAULT_RUNTIME"); v != "" {
		cfg.DefaultRuntime = v
	}
	if v := os.Getenv("PLAYBOOK_BREAKER_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakerFails = n
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case backendFS:
		if c.DataDir == "" {
			return fmt.Errorf("store %q needs data_dir", backendFS)
		}
	case backendLibSQL:
		if c.DBPath == "" {
			return fmt.Errorf("store %q needs db_path", backendLibSQL)
		}
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.StoreBackend, backendFS, backendLibSQL)
	}
	if c.BreakerFails < 0 {
		return fmt.Errorf("breaker_failures must not be negative")
	}
	return nil
}

// dsn returns the libSQL file URI for DBPath.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

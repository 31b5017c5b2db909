package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

// runInstall writes settings.json from flags and creates the directories
// the configuration points at.
func runInstall(args []string) error {
	def := defaultConfig()
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	dataDir := fs.String("data-dir", def.DataDir, "blob store root for the fs backend")
	backend := fs.String("store", def.StoreBackend, "store backend: fs or libsql")
	dbPath := fs.String("db-path", def.DBPath, "libSQL database path")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", def.LogFormat, "log format: text or json")
	manifestDir := fs.String("manifest-dir", def.ManifestDir, "directory of tool manifests")
	pbDir := fs.String("playbook-dir", def.PlaybookDir, "directory of playbook definitions")
	retention := fs.String("retention-cron", def.RetentionCron, "artifact retention sweep schedule")
	defaultRuntime := fs.String("default-runtime", def.DefaultRuntime, "runtime used when no candidate scores")
	breakerFails := fs.Int("breaker-failures", def.BreakerFails, "consecutive tool failures that open a breaker")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := Config{
		DataDir:        *dataDir,
		StoreBackend:   *backend,
		DBPath:         *dbPath,
		LogLevel:       *logLevel,
		LogFormat:      *logFormat,
		ManifestDir:    *manifestDir,
		PlaybookDir:    *pbDir,
		RetentionCron:  *retention,
		DefaultRuntime: *defaultRuntime,
		BreakerFails:   *breakerFails,
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	for _, dir := range []string{playbookDir(), cfg.ManifestDir, cfg.PlaybookDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	if cfg.StoreBackend == backendFS {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("cannot create %s: %w", cfg.DataDir, err)
		}
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}

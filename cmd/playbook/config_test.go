package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PLAYBOOK_HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, backendFS, cfg.StoreBackend)
	assert.Equal(t, filepath.Join(home, "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "playbooks"), cfg.PlaybookDir)
	assert.Equal(t, "@hourly", cfg.RetentionCron)
	assert.Equal(t, "simple", cfg.DefaultRuntime)
}

func TestLoadConfig_Layers(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PLAYBOOK_HOME", home)
	settings := `{"store_backend": "libsql", "log_level": "debug", "breaker_failures": 3}`
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte(settings), 0o644))
	t.Setenv("PLAYBOOK_LOG_LEVEL", "warn")
	t.Setenv("PLAYBOOK_BREAKER_FAILURES", "not-a-number")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, backendLibSQL, cfg.StoreBackend)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.BreakerFails)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadConfig_BadSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PLAYBOOK_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte("{"), 0o644))

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("PLAYBOOK_HOME", t.TempDir())

	cfg := defaultConfig()
	cfg.StoreBackend = "s3"
	assert.ErrorContains(t, cfg.validate(), "unknown store backend")

	cfg = defaultConfig()
	cfg.StoreBackend, cfg.DBPath = backendLibSQL, ""
	assert.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.BreakerFails = -1
	assert.Error(t, cfg.validate())
}

func TestConfig_DSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/p.db", Config{DBPath: "/tmp/p.db"}.dsn())
	assert.Equal(t, "file:/tmp/p.db", Config{DBPath: "file:/tmp/p.db"}.dsn())
	assert.Equal(t, "libsql://db.example.com", Config{DBPath: "libsql://db.example.com"}.dsn())
}

func TestInstall_WritesSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PLAYBOOK_HOME", home)

	require.NoError(t, runInstall([]string{"-log-format", "json", "-default-runtime", "durable"}))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "durable", cfg.DefaultRuntime)
	assert.DirExists(t, cfg.PlaybookDir)
	assert.DirExists(t, cfg.DataDir)
}

func TestInputFlags(t *testing.T) {
	f := inputFlags{}
	require.NoError(t, f.Set("ticket=T-1"))
	require.NoError(t, f.Set("count=3"))
	require.NoError(t, f.Set("urgent=true"))
	require.NoError(t, f.Set("note="))
	assert.Error(t, f.Set("novalue"))

	assert.Equal(t, "T-1", f["ticket"])
	assert.Equal(t, 3, f["count"])
	assert.Equal(t, true, f["urgent"])
	assert.Equal(t, "", f["note"])
}

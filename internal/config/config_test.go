package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every recognized variable so tests see a clean slate
// regardless of the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envKeys {
		t.Setenv(env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultConcurrency, cfg.WorkerConcurrency)
	assert.Equal(t, DefaultPollInterval, cfg.WorkerPollInterval)
	assert.Equal(t, DefaultAgentTimeout, cfg.AgentTimeout)
	assert.Equal(t, "codex", cfg.CodexCLIPath)
	assert.Equal(t, "git", cfg.GitPath)
	assert.NotEmpty(t, cfg.WorktreeBaseDir)
	assert.Equal(t, filepath.Join(cfg.WorktreeBaseDir, DefaultDatabaseName), cfg.DatabasePath)
	assert.Contains(t, cfg.URL, "4000")
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKTREE_BASE_DIR", "/srv/codexd")
	t.Setenv("ORCHESTRATOR_PORT", "9999")
	t.Setenv("WORKER_POLL_INTERVAL_MS", "500")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("CODEX_MODEL", "gpt-5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/srv/codexd", cfg.WorktreeBaseDir)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, filepath.Join("/srv/codexd", DefaultDatabaseName), cfg.DatabasePath)
}

func TestInvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCHESTRATOR_PORT", "not-a-port")
	t.Setenv("WORKER_POLL_INTERVAL_MS", "-3")
	t.Setenv("WORKER_CONCURRENCY", "zero")
	t.Setenv("CODEX_TIMEOUT_MS", "soon")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPollInterval, cfg.WorkerPollInterval)
	assert.Equal(t, DefaultConcurrency, cfg.WorkerConcurrency)
	assert.Equal(t, DefaultAgentTimeout, cfg.AgentTimeout)
}

func TestYAMLFileLayeredUnderEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 7070\nworktree_base_dir: /from/file\n"), 0644))
	t.Setenv("ORCHESTRATOR_PORT", "8081")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Port, "environment wins over file")
	assert.Equal(t, "/from/file", cfg.WorktreeBaseDir)
}

func TestSaveToRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Port = 4242
	require.NoError(t, cfg.SaveTo(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, loaded.Port)
	assert.Equal(t, cfg.WorktreeBaseDir, loaded.WorktreeBaseDir)
}

func TestAddrAndRepoCacheDir(t *testing.T) {
	cfg := Default()
	cfg.Port = 1234
	cfg.WorktreeBaseDir = "/base"
	assert.Equal(t, ":1234", cfg.Addr())
	assert.Equal(t, filepath.Join("/base", RepoCacheDirName), cfg.RepoCacheDir())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, 3, cfg.Window)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "claude", cfg.Engines.Primary)
	assert.Equal(t, []string{"opencode", "codex"}, cfg.Engines.Fallbacks)
	assert.Equal(t, 45*time.Minute, cfg.SlotTimeoutDuration())
	assert.Contains(t, cfg.ReaperPatterns, "watchman")
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
base_branch: develop
window: 5
max_attempts: 2
engines:
  primary: codex
  fallbacks: [claude]
  commands:
    codex: /opt/bin/codex
slot_timeout: 1h
loop_threshold: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".drover.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "develop", cfg.BaseBranch)
	assert.Equal(t, 5, cfg.Window)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, "codex", cfg.Engines.Primary)
	assert.Equal(t, []string{"claude"}, cfg.Engines.Fallbacks)
	assert.Equal(t, "/opt/bin/codex", cfg.Engines.Commands["codex"])
	assert.Equal(t, time.Hour, cfg.SlotTimeoutDuration())
	assert.Equal(t, 5, cfg.LoopThreshold)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".drover.yaml"),
		[]byte("window: [not a number"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DROVER_BASE_BRANCH", "release")
	t.Setenv("DROVER_WINDOW", "7")
	t.Setenv("DROVER_ENGINE", "opencode")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.BaseBranch)
	assert.Equal(t, 7, cfg.Window)
	assert.Equal(t, "opencode", cfg.Engines.Primary)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("DROVER_WINDOW", "lots")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, cfg.Window)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Window = 0
	cfg.MaxAttempts = 0
	cfg.Engines.Primary = "gpt-magic"
	cfg.SlotTimeout = "soon"

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.window")
	assert.Contains(t, err.Error(), "config.max_attempts")
	assert.Contains(t, err.Error(), "config.engines.primary")
	assert.Contains(t, err.Error(), "config.slot_timeout")
}

func TestValidateBadFallback(t *testing.T) {
	cfg := Default()
	cfg.Engines.Fallbacks = []string{"opencode", "hal9000"}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hal9000")
}

func TestPathHelpers(t *testing.T) {
	cfg := Default()
	cfg.TempDir = "/tmp"
	assert.Equal(t, "/tmp/drover-worktrees", cfg.WorktreeBase())
	assert.Equal(t, "/tmp/drover-locks", cfg.LockDir())
}

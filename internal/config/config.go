// Package config loads drover's configuration: defaults, then the
// optional .drover.yaml at the repository root, then environment
// overrides, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig selects the engine chain.
type EngineConfig struct {
	// Primary is the engine tried first: "claude", "opencode" or "codex".
	Primary string `yaml:"primary"`

	// Fallbacks are tried in order when the primary fails retryably.
	Fallbacks []string `yaml:"fallbacks"`

	// Commands overrides the CLI binary per engine name.
	Commands map[string]string `yaml:"commands,omitempty"`
}

// BoardConfig identifies an optional GitHub project board to mirror
// slot state onto. All board updates are best-effort.
type BoardConfig struct {
	Owner       string `yaml:"owner"`
	Number      int    `yaml:"number"`
	StatusField string `yaml:"status_field"`
	BranchField string `yaml:"branch_field"`
}

// Config holds all drover settings. Immutable after Load.
type Config struct {
	// BaseBranch is the integration target.
	BaseBranch string `yaml:"base_branch"`

	// Window is the maximum number of simultaneously active slots.
	Window int `yaml:"window"`

	// MaxAttempts bounds total attempts per work item.
	MaxAttempts int `yaml:"max_attempts"`

	// Engines configures the fallback chain.
	Engines EngineConfig `yaml:"engines"`

	// SlotTimeout is the hard per-attempt engine deadline ("45m").
	SlotTimeout string `yaml:"slot_timeout"`

	// WarnAfter is when the supervisor starts warning about a slot.
	WarnAfter string `yaml:"warn_after"`

	// LoopThreshold blocks an issue after this many close/reopen
	// cycles. 0 disables the loop detector.
	LoopThreshold int `yaml:"loop_threshold"`

	// ReaperPatterns are command substrings the process sweep matches.
	ReaperPatterns []string `yaml:"reaper_patterns"`

	// TempDir roots the worktree and lock directories.
	TempDir string `yaml:"temp_dir"`

	// Board is the optional project board.
	Board BoardConfig `yaml:"board"`
}

// SlotTimeoutDuration returns the parsed hard deadline.
func (c *Config) SlotTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.SlotTimeout)
	return d
}

// WarnAfterDuration returns the parsed warning threshold.
func (c *Config) WarnAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.WarnAfter)
	return d
}

// WorktreeBase is where workspaces are created.
func (c *Config) WorktreeBase() string {
	return filepath.Join(c.TempDir, "drover-worktrees")
}

// LockDir is where run locks and item claims live.
func (c *Config) LockDir() string {
	return filepath.Join(c.TempDir, "drover-locks")
}

// Load reads configuration for a repository: defaults, optional
// .drover.yaml, environment overrides, then validation.
func Load(repoRoot string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(repoRoot, ".drover.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	// Missing config file is fine; defaults apply.

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

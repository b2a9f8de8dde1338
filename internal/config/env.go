package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides layers DROVER_* environment variables over the
// loaded config. These are for operators; child engine processes never
// see them (the runner scrubs DROVER* from their environment).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DROVER_BASE_BRANCH"); v != "" {
		cfg.BaseBranch = v
	}
	if v := os.Getenv("DROVER_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Window = n
		}
	}
	if v := os.Getenv("DROVER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("DROVER_ENGINE"); v != "" {
		cfg.Engines.Primary = v
	}
	if v := os.Getenv("DROVER_SLOT_TIMEOUT"); v != "" {
		cfg.SlotTimeout = v
	}
	if v := os.Getenv("DROVER_TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
}

package config

import "os"

const (
	DefaultBaseBranch    = "main"
	DefaultWindow        = 3
	DefaultMaxAttempts   = 3
	DefaultPrimaryEngine = "claude"
	DefaultSlotTimeout   = "45m"
	DefaultWarnAfter     = "20m"
	DefaultLoopThreshold = 3
)

// DefaultReaperPatterns identify likely orphan processes left by
// engines: the engines themselves and the watchers they spawn.
var DefaultReaperPatterns = []string{
	"claude", "opencode", "codex", "vitest", "jest", "watchman",
}

// DefaultFallbacks is the engine order tried after the primary.
var DefaultFallbacks = []string{"opencode", "codex"}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		BaseBranch:  DefaultBaseBranch,
		Window:      DefaultWindow,
		MaxAttempts: DefaultMaxAttempts,
		Engines: EngineConfig{
			Primary:   DefaultPrimaryEngine,
			Fallbacks: append([]string(nil), DefaultFallbacks...),
		},
		SlotTimeout:    DefaultSlotTimeout,
		WarnAfter:      DefaultWarnAfter,
		LoopThreshold:  DefaultLoopThreshold,
		ReaperPatterns: append([]string(nil), DefaultReaperPatterns...),
		TempDir:        os.TempDir(),
	}
}

package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError describes one invalid config field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

var knownEngines = map[string]bool{
	"claude":   true,
	"opencode": true,
	"codex":    true,
}

// validate checks every field, collecting all failures.
func validate(cfg *Config) error {
	var errs []error

	if cfg.BaseBranch == "" {
		errs = append(errs, &ValidationError{
			Field: "base_branch", Value: cfg.BaseBranch, Message: "must not be empty"})
	}
	if cfg.Window < 1 {
		errs = append(errs, &ValidationError{
			Field: "window", Value: cfg.Window, Message: "must be at least 1"})
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, &ValidationError{
			Field: "max_attempts", Value: cfg.MaxAttempts, Message: "must be at least 1"})
	}
	if !knownEngines[cfg.Engines.Primary] {
		errs = append(errs, &ValidationError{
			Field: "engines.primary", Value: cfg.Engines.Primary,
			Message: "must be one of claude, opencode, codex"})
	}
	for _, fb := range cfg.Engines.Fallbacks {
		if !knownEngines[fb] {
			errs = append(errs, &ValidationError{
				Field: "engines.fallbacks", Value: fb,
				Message: "must be one of claude, opencode, codex"})
		}
	}
	if _, err := time.ParseDuration(cfg.SlotTimeout); err != nil {
		errs = append(errs, &ValidationError{
			Field: "slot_timeout", Value: cfg.SlotTimeout, Message: "must be a duration"})
	}
	if _, err := time.ParseDuration(cfg.WarnAfter); err != nil {
		errs = append(errs, &ValidationError{
			Field: "warn_after", Value: cfg.WarnAfter, Message: "must be a duration"})
	}
	if cfg.LoopThreshold < 0 {
		errs = append(errs, &ValidationError{
			Field: "loop_threshold", Value: cfg.LoopThreshold, Message: "must not be negative"})
	}
	if cfg.TempDir == "" {
		errs = append(errs, &ValidationError{
			Field: "temp_dir", Value: cfg.TempDir, Message: "must not be empty"})
	}

	return errors.Join(errs...)
}

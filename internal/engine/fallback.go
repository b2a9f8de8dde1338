package engine

import (
	"context"
	"errors"
	"fmt"
)

// Chain runs a primary engine and falls through to alternates on
// retryable classified failures (rate limit, crash). Validation failures
// and engine-stuck results are not fallback triggers; they propagate to
// the scheduler's retry policy. An engine kill aborts the whole chain.
type Chain struct {
	// Engines is the ordered list: primary first, then alternates.
	Engines []Engine

	// OnSwitch is notified before each fallback attempt. May be nil.
	OnSwitch func(from, to string, cause ErrorType)
}

// NewChain builds a chain from engine names. command overrides come from
// the commands map (name -> binary path).
func NewChain(primary string, alternates []string, commands map[string]string) (*Chain, error) {
	names := append([]string{primary}, alternates...)
	engines := make([]Engine, 0, len(names))
	seen := make(map[string]bool)

	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		eng, err := New(name, commands[name])
		if err != nil {
			return nil, err
		}
		engines = append(engines, eng)
	}
	return &Chain{Engines: engines}, nil
}

// Run tries each engine in order until one returns a non-retryable
// result. Returns the final result and the name of the engine that
// produced it.
func (c *Chain) Run(ctx context.Context, req Request) (*Result, string, error) {
	if len(c.Engines) == 0 {
		return nil, "", fmt.Errorf("fallback chain has no engines")
	}

	var last *Result
	lastName := ""

	for i, eng := range c.Engines {
		res, err := eng.Run(ctx, req)
		if err != nil {
			if errors.Is(err, ErrKilled) {
				return res, eng.Name(), err
			}
			return res, eng.Name(), fmt.Errorf("engine %s: %w", eng.Name(), err)
		}

		last, lastName = res, eng.Name()

		if res.Success || !res.ErrorType.Retryable() {
			return res, lastName, nil
		}

		if i+1 < len(c.Engines) {
			if c.OnSwitch != nil {
				c.OnSwitch(eng.Name(), c.Engines[i+1].Name(), res.ErrorType)
			}
			continue
		}
	}

	return last, lastName, nil
}

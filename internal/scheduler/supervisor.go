package scheduler

import (
	"context"
	"time"

	"github.com/drovertools/drover/internal/events"
)

// warnRepeat is how often a long-running slot is re-warned about after
// the first warning.
const warnRepeat = time.Minute

// supervise runs the periodic tick: hard-timeout kills, long-runner
// warnings, and a fill nudge. Exits on shutdown.
func (s *Scheduler) supervise(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
			s.signalFill()
		}
	}
}

// tick inspects every running slot once.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	slots := append([]*Slot(nil), s.slots...)
	s.mu.Unlock()

	for _, slot := range slots {
		kill, warn, elapsed := slot.checkDeadlines(now, s.opts.SlotTimeout, s.opts.WarnAfter)

		if kill {
			if slot.killEngine() {
				s.bus.Emit(events.New(events.EngineKill, slot.Issue.Number).
					WithSlot(slot.ID).
					WithPayload(map[string]any{"reason": "hard timeout", "elapsed": elapsed.String()}))
			}
			continue
		}
		if warn {
			s.bus.Emit(events.New(events.SlotWarn, slot.Issue.Number).
				WithSlot(slot.ID).
				WithPayload(map[string]any{"elapsed": elapsed.String()}))
		}
	}
}

// checkDeadlines reports whether the slot is past its hard timeout or
// due a warning. Warnings fire once at the threshold and then once per
// minute. Only running slots are eligible.
func (s *Slot) checkDeadlines(now time.Time, hard, warnAfter time.Duration) (kill, warn bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning || s.startedAt.IsZero() {
		return false, false, 0
	}
	elapsed = now.Sub(s.startedAt)

	if hard > 0 && elapsed > hard {
		return true, false, elapsed
	}
	if warnAfter > 0 && elapsed > warnAfter {
		if s.lastWarn.IsZero() || now.Sub(s.lastWarn) >= warnRepeat {
			s.lastWarn = now
			return false, true, elapsed
		}
	}
	return false, false, elapsed
}

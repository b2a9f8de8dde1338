package scheduler

import (
	"time"

	"github.com/drovertools/drover/internal/events"
)

// RunState is a point-in-time snapshot of the whole run for observers
// (dashboards, the status command). Reading it never blocks the run.
type RunState struct {
	WindowSize int
	Slots      []SlotSnapshot
	Active     int
	Completed  int
	Failed     int
	Blocked    int
	Queued     int
	Total      int
	StartedAt  time.Time
}

// State snapshots the scheduler.
func (s *Scheduler) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := RunState{
		WindowSize: s.opts.Window,
		Queued:     len(s.queue),
		StartedAt:  s.startedAt,
	}
	for _, slot := range s.slots {
		snap := slot.snapshot()
		st.Slots = append(st.Slots, snap)
		switch {
		case snap.Status.Active():
			st.Active++
		case snap.Status == StatusDone:
			st.Completed++
		case snap.Status == StatusBlocked:
			st.Blocked++
		case snap.Status == StatusFailed:
			st.Failed++
		}
	}
	st.Total = len(s.slots) + len(s.queue)
	return st
}

func (s *Scheduler) emitDashboard() {
	s.bus.Emit(events.New(events.DashboardSnapshot, 0).WithPayload(s.State()))
}

package scheduler

import (
	"sync"
	"time"

	"github.com/drovertools/drover/internal/domain"
	"github.com/drovertools/drover/internal/engine"
	"github.com/drovertools/drover/internal/tracker"
)

// Status is a slot's position in its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusMerging Status = "merging"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// Active reports whether the slot counts against the window.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusMerging
}

// occupiesWindow additionally counts pending slots: they have been
// dispatched and will be running momentarily, so selection and window
// accounting must not look past them.
func (s Status) occupiesWindow() bool {
	return s == StatusPending || s.Active()
}

// Terminal reports whether the slot has finished for good.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusBlocked
}

// Slot is the bookkeeping record for one work item's attempt pipeline.
// All mutation goes through the mutex; the supervisor and external
// killers read concurrently with the owning goroutine.
type Slot struct {
	mu sync.Mutex

	// ID is scheduler-local and monotonically increasing.
	ID int

	// Issue is the work item, immutable.
	Issue tracker.Issue

	// Domain is classified once at selection time.
	Domain domain.Domain

	status     Status
	branch     string
	workPath   string
	engineName string
	attempt    int
	startedAt  time.Time
	finishedAt time.Time
	lastError  string
	merged     bool
	lastWarn   time.Time

	// handle is the live engine subprocess, nil when none is running.
	handle *engine.Handle
}

func newSlot(id int, issue tracker.Issue, dom domain.Domain) *Slot {
	return &Slot{ID: id, Issue: issue, Domain: dom, status: StatusPending}
}

// Status returns the slot's current status.
func (s *Slot) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Slot) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	if st.Terminal() {
		s.finishedAt = time.Now()
	}
}

func (s *Slot) setWorkspace(branch, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branch = branch
	s.workPath = path
}

func (s *Slot) clearWorkspace() {
	s.setWorkspace("", "")
}

func (s *Slot) workspace() (branch, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branch, s.workPath
}

func (s *Slot) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

func (s *Slot) startAttempt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = n
	s.status = StatusRunning
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	s.lastWarn = time.Time{}
}

// registerEngine records the live subprocess handle. At most one engine
// runs per slot; registration is replaced, never stacked.
func (s *Slot) registerEngine(h *engine.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

func (s *Slot) setEngineName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engineName = name
}

// unregisterEngine drops the handle. Called on natural completion as
// well as shutdown so the registry never grows stale entries.
func (s *Slot) unregisterEngine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = nil
}

// killEngine terminates the registered subprocess, if any. Safe to call
// from the supervisor or an external killer while the slot runs.
func (s *Slot) killEngine() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h.Kill()
	return true
}

// SlotSnapshot is an immutable copy of a slot for observers.
type SlotSnapshot struct {
	ID         int
	Issue      int
	Title      string
	Domain     domain.Domain
	Status     Status
	Branch     string
	Engine     string
	Attempt    int
	StartedAt  time.Time
	FinishedAt time.Time
	LastError  string
	Merged     bool
}

func (s *Slot) snapshot() SlotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotSnapshot{
		ID:         s.ID,
		Issue:      s.Issue.Number,
		Title:      s.Issue.Title,
		Domain:     s.Domain,
		Status:     s.status,
		Branch:     s.branch,
		Engine:     s.engineName,
		Attempt:    s.attempt,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		LastError:  s.lastError,
		Merged:     s.merged,
	}
}

// Package scheduler drives drover's sliding window: it pulls labeled
// issues from the tracker, claims them across processes, runs engine
// attempts in isolated worktrees, and serializes integration into the
// base branch. One Scheduler owns one run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/drovertools/drover/internal/domain"
	"github.com/drovertools/drover/internal/engine"
	"github.com/drovertools/drover/internal/events"
	"github.com/drovertools/drover/internal/git"
	"github.com/drovertools/drover/internal/lessons"
	"github.com/drovertools/drover/internal/tracker"
)

// rateLimitBackoff is how long a slot sleeps after a rate-limited
// attempt before retrying. The sleep is cancellable by shutdown.
const rateLimitBackoff = 30 * time.Second

// WorkspaceManager creates and destroys isolated worktrees.
type WorkspaceManager interface {
	Create(ctx context.Context, issue int, slug string, attempt int) (*git.Workspace, error)
	CleanupForRetry(ctx context.Context, path, branch string)
	Remove(ctx context.Context, ws *git.Workspace, deleteBranch bool) error
	HasDiff(ctx context.Context, workdir string) (bool, error)
}

// Integrator merges feature branches into the base branch.
type Integrator interface {
	Integrate(ctx context.Context, req git.IntegrationRequest) *git.IntegrationResult
}

// Tracker is the slice of the issue tracker the scheduler needs.
type Tracker interface {
	ListByLabel(ctx context.Context, label string) ([]tracker.Issue, error)
	Get(ctx context.Context, number int) (*tracker.Issue, error)
	Comment(ctx context.Context, number int, body string) error
	Close(ctx context.Context, number int, comment string) error
	Block(ctx context.Context, number int, reason string) error
	IsLooping(ctx context.Context, number, threshold int) (bool, error)
}

// Claimer is the cross-process item-lock surface.
type Claimer interface {
	Claim(issue int) (bool, error)
	ReleaseClaim(issue int)
}

// Options configure one run.
type Options struct {
	RepoRoot      string
	BaseBranch    string
	Label         string
	Window        int
	MaxAttempts   int
	SlotTimeout   time.Duration
	WarnAfter     time.Duration
	LoopThreshold int

	// TickInterval overrides the supervisor cadence (tests).
	TickInterval time.Duration

	// Backoff overrides the rate-limit sleep (tests).
	Backoff time.Duration
}

// Summary is the outcome of a completed run.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Blocked   int
	Elapsed   time.Duration
}

// Failed counts toward a nonzero exit; blocked items count as failures
// for exit-code purposes.
func (s Summary) AllSucceeded() bool {
	return s.Failed == 0 && s.Blocked == 0
}

type queuedItem struct {
	issue  tracker.Issue
	domain domain.Domain
}

// Scheduler owns one run's slots, queue, and workers.
type Scheduler struct {
	opts Options

	bus        *events.Bus
	tracker    Tracker
	workspaces WorkspaceManager
	integrator Integrator
	claims     Claimer
	engines    []engine.Engine

	running atomic.Bool
	sem     *semaphore.Weighted

	mu        sync.Mutex
	queue     []queuedItem
	slots     []*Slot
	nextID    int
	startedAt time.Time

	fillCh     chan struct{}
	shutdownCh chan struct{}
	doneCh     chan struct{}
	killOnce   sync.Once
	doneOnce   sync.Once
	wg         sync.WaitGroup
}

// New assembles a scheduler. The engine slice is the fallback order:
// primary first.
func New(opts Options, bus *events.Bus, trk Tracker, wm WorkspaceManager,
	integ Integrator, claims Claimer, engines []engine.Engine) *Scheduler {

	if opts.Window < 1 {
		opts.Window = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = rateLimitBackoff
	}

	return &Scheduler{
		opts:       opts,
		bus:        bus,
		tracker:    trk,
		workspaces: wm,
		integrator: integ,
		claims:     claims,
		engines:    engines,
		sem:        semaphore.NewWeighted(int64(opts.Window)),
		fillCh:     make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run executes the batch and blocks until every slot is terminal or the
// context is cancelled. Returns the run summary.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	issues, err := s.tracker.ListByLabel(ctx, s.opts.Label)
	if err != nil {
		return nil, fmt.Errorf("listing work items: %w", err)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	for _, iss := range issues {
		s.queue = append(s.queue, queuedItem{
			issue:  iss,
			domain: domain.Classify(iss.Title, iss.Labels),
		})
	}
	total := len(s.queue)
	s.mu.Unlock()

	s.bus.Emit(events.New(events.RunStarted, 0).WithPayload(map[string]any{
		"label": s.opts.Label,
		"items": total,
	}))

	if total == 0 {
		summary := &Summary{}
		s.bus.Emit(events.New(events.BatchComplete, 0).WithPayload(summary))
		return summary, nil
	}

	s.running.Store(true)

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		s.supervise(ctx)
	}()
	go s.fillWorker(ctx)

	s.signalFill()

	select {
	case <-s.doneCh:
	case <-ctx.Done():
		s.Kill()
	}

	s.wg.Wait()
	s.running.Store(false)
	s.killOnce.Do(func() { close(s.shutdownCh) })
	<-supervisorDone

	summary := s.summarize()
	s.bus.Emit(events.New(events.BatchComplete, 0).WithPayload(summary))
	return summary, ctx.Err()
}

// Kill initiates shutdown: the running flag drops, every registered
// engine is killed, and sleeps are interrupted. In-flight slots observe
// the flag between steps and clean up.
func (s *Scheduler) Kill() {
	s.running.Store(false)
	s.killOnce.Do(func() { close(s.shutdownCh) })

	s.mu.Lock()
	slots := append([]*Slot(nil), s.slots...)
	s.mu.Unlock()

	for _, slot := range slots {
		if slot.killEngine() {
			s.bus.Emit(events.New(events.EngineKill, slot.Issue.Number).WithSlot(slot.ID))
		}
	}
	s.signalFill()
}

// signalFill nudges the fill worker. Lossless under contention: the
// buffered channel holds one pending signal and the worker re-checks
// conditions on every pass.
func (s *Scheduler) signalFill() {
	select {
	case s.fillCh <- struct{}{}:
	default:
	}
}

// fillWorker is the single goroutine that starts slots. Completing
// slots and supervisor ticks signal it; running fill in one place keeps
// window accounting serial. After shutdown it keeps draining completion
// signals until every slot settles, then closes doneCh.
func (s *Scheduler) fillWorker(ctx context.Context) {
	shutdown := false
	for {
		if shutdown {
			<-s.fillCh
		} else {
			select {
			case <-s.fillCh:
			case <-s.shutdownCh:
				shutdown = true
			}
		}

		if !shutdown && s.running.Load() {
			s.fillSlots(ctx)
		}
		if s.finishIfIdle() {
			return
		}
	}
}

// finishIfIdle closes doneCh once nothing is queued or active.
func (s *Scheduler) finishIfIdle() bool {
	s.mu.Lock()
	idle := len(s.queue) == 0 || !s.running.Load()
	if idle {
		for _, slot := range s.slots {
			if !slot.Status().Terminal() {
				idle = false
				break
			}
		}
	}
	s.mu.Unlock()

	if idle {
		s.doneOnce.Do(func() { close(s.doneCh) })
	}
	return idle
}

// fillSlots starts slots until the window is full or nothing compatible
// remains in the queue.
func (s *Scheduler) fillSlots(ctx context.Context) {
	for s.running.Load() {
		s.mu.Lock()
		if s.activeLocked() >= s.opts.Window {
			s.mu.Unlock()
			return
		}
		item, ok := s.pickNextLocked()
		s.mu.Unlock()
		if !ok {
			return
		}

		if !s.sem.TryAcquire(1) {
			// A just-finished slot has not released its unit yet; put
			// the item back and wait for the completion signal.
			s.mu.Lock()
			s.queue = append([]queuedItem{item}, s.queue...)
			s.mu.Unlock()
			return
		}

		slot, started := s.startSlot(ctx, item)
		if !started {
			s.sem.Release(1)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.runSlot(ctx, slot)
		}()
	}
}

// activeLocked counts slots occupying the window. Callers hold s.mu.
func (s *Scheduler) activeLocked() int {
	n := 0
	for _, slot := range s.slots {
		if slot.Status().occupiesWindow() {
			n++
		}
	}
	return n
}

// pickNextLocked applies the selection rule: first queued item whose
// domain can run beside every active slot. With nothing active the head
// is taken regardless. Callers hold s.mu.
func (s *Scheduler) pickNextLocked() (queuedItem, bool) {
	if len(s.queue) == 0 {
		return queuedItem{}, false
	}

	var activeDomains []domain.Domain
	for _, slot := range s.slots {
		if slot.Status().occupiesWindow() {
			activeDomains = append(activeDomains, slot.Domain)
		}
	}

	if len(activeDomains) == 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		return item, true
	}

	for i, item := range s.queue {
		compatible := true
		for _, d := range activeDomains {
			if !domain.CanRunParallel(item.domain, d) {
				compatible = false
				break
			}
		}
		if compatible {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			return item, true
		}
	}
	return queuedItem{}, false
}

// startSlot runs the pre-attempt gates: upstream ownership, loop
// detection, cross-process claim. Returns the registered slot when all
// gates pass.
func (s *Scheduler) startSlot(ctx context.Context, item queuedItem) (*Slot, bool) {
	num := item.issue.Number

	// Re-read upstream state; the listing may be stale by now.
	if fresh, err := s.tracker.Get(ctx, num); err == nil {
		if fresh.State != "open" || fresh.InProgress() {
			log.Printf("skipping #%d: already in progress upstream", num)
			return nil, false
		}
		item.issue = *fresh
	}

	if looping, err := s.tracker.IsLooping(ctx, num, s.opts.LoopThreshold); err == nil && looping {
		reason := fmt.Sprintf("Blocked: issue #%d has been closed and reopened more than %d times; a human should take a look.",
			num, s.opts.LoopThreshold)
		if berr := s.tracker.Block(ctx, num, reason); berr != nil {
			log.Printf("blocking #%d: %v", num, berr)
		}
		// The item never enters the attempt loop; record it as a
		// blocked slot so the run summary accounts for it.
		s.mu.Lock()
		s.nextID++
		blocked := newSlot(s.nextID, item.issue, item.domain)
		blocked.setError("loop detected")
		blocked.setStatus(StatusBlocked)
		s.slots = append(s.slots, blocked)
		s.mu.Unlock()
		s.bus.Emit(events.New(events.SlotBlocked, num).WithPayload("loop detected"))
		return nil, false
	}

	ok, err := s.claims.Claim(num)
	if err != nil {
		log.Printf("claim #%d: %v", num, err)
		return nil, false
	}
	if !ok {
		log.Printf("skipping #%d: claimed by another process", num)
		return nil, false
	}

	s.mu.Lock()
	s.nextID++
	slot := newSlot(s.nextID, item.issue, item.domain)
	s.slots = append(s.slots, slot)
	s.mu.Unlock()
	return slot, true
}

// runSlot drives one slot's attempt loop to a terminal status. The
// claim release, slot.done event and fill signal are guaranteed.
func (s *Scheduler) runSlot(ctx context.Context, slot *Slot) {
	defer func() {
		s.claims.ReleaseClaim(slot.Issue.Number)
		snap := slot.snapshot()
		s.bus.Emit(events.New(events.SlotDone, snap.Issue).
			WithSlot(snap.ID).
			WithAttempt(snap.Attempt).
			WithPayload(map[string]any{"status": string(snap.Status), "merged": snap.Merged}))
		s.signalFill()
	}()

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if !s.running.Load() {
			slot.setError("scheduler shutdown")
			slot.setStatus(StatusFailed)
			return
		}

		done := s.runAttempt(ctx, slot, attempt)
		if done {
			return
		}
	}
}

// runAttempt executes one iteration of the attempt loop. Returns true
// when the slot reached a terminal status.
func (s *Scheduler) runAttempt(ctx context.Context, slot *Slot, attempt int) (terminal bool) {
	num := slot.Issue.Number
	lastAttempt := attempt == s.opts.MaxAttempts

	slot.startAttempt(attempt)
	s.bus.Emit(events.New(events.SlotFill, num).
		WithSlot(slot.ID).
		WithAttempt(attempt).
		WithPayload(map[string]any{"title": slot.Issue.Title, "domain": string(slot.Domain)}))
	s.emitDashboard()

	// Guaranteed per-iteration cleanup: whatever happened above, a
	// terminal slot keeps no workspace and no engine registration.
	// Cleanup runs on a fresh context; shutdown must not skip it.
	defer func() {
		slot.unregisterEngine()
		branch, path := slot.workspace()
		if branch == "" {
			return
		}
		cleanupCtx := context.Background()
		if terminal {
			err := s.workspaces.Remove(cleanupCtx, &git.Workspace{Branch: branch, Path: path, Issue: num}, true)
			if err != nil {
				// The workspace stays on the slot until removal is
				// confirmed: the post-run audit lists the leftover
				// worktree and a later run can still sweep it.
				log.Printf("cleanup #%d: %v", num, err)
				return
			}
		} else {
			s.workspaces.CleanupForRetry(cleanupCtx, path, branch)
		}
		slot.clearWorkspace()
	}()

	ws, err := s.workspaces.Create(ctx, num, domain.Slugify(slot.Issue.Title), attempt)
	if err != nil {
		slot.setError(fmt.Sprintf("workspace: %v", err))
		if lastAttempt {
			s.failWithComment(ctx, slot, "workspace creation kept failing")
			return true
		}
		return false
	}
	slot.setWorkspace(ws.Branch, ws.Path)

	if err := lessons.Propagate(s.opts.RepoRoot, ws.Path); err != nil {
		log.Printf("lessons for #%d: %v", num, err)
	}

	chain := &engine.Chain{
		Engines: s.engines,
		OnSwitch: func(from, to string, cause engine.ErrorType) {
			s.bus.Emit(events.New(events.EngineSwitch, num).
				WithSlot(slot.ID).
				WithAttempt(attempt).
				WithPayload(map[string]any{"from": from, "to": to, "cause": string(cause)}))
		},
	}

	res, engName, runErr := chain.Run(ctx, engine.Request{
		Prompt:  BuildPrompt(slot.Issue, slot.Domain),
		WorkDir: ws.Path,
		Timeout: s.opts.SlotTimeout,
		Issue:   num,
		OnStart: slot.registerEngine,
	})
	slot.unregisterEngine()

	if runErr != nil {
		if errors.Is(runErr, engine.ErrKilled) {
			s.bus.Emit(events.New(events.EngineKill, num).WithSlot(slot.ID).WithAttempt(attempt))
			if !s.running.Load() {
				slot.setError("engine killed during shutdown")
				slot.setStatus(StatusFailed)
				return true
			}
			// Supervisor hard-timeout kill: treat as a failed attempt.
			slot.setError("engine killed (hard timeout)")
		} else {
			slot.setError(runErr.Error())
		}
		if lastAttempt {
			s.failWithComment(ctx, slot, "engine kept failing")
			return true
		}
		return false
	}

	slot.setEngineName(engName)

	hasDiff, diffErr := s.workspaces.HasDiff(ctx, ws.Path)
	if diffErr != nil {
		log.Printf("diff check #%d: %v", num, diffErr)
		// Trust the engine's claim when the filesystem check fails.
		hasDiff = res.Success
	}
	stuck := res.Success && !hasDiff

	switch {
	case hasDiff:
		return s.integrate(ctx, slot, ws, attempt, lastAttempt)

	case res.ErrorType == engine.ErrorRateLimit:
		slot.setError("engine rate-limited")
		if lastAttempt {
			s.failWithComment(ctx, slot, "rate limit persisted across attempts")
			return true
		}
		s.bus.Emit(events.New(events.SlotRetry, num).
			WithSlot(slot.ID).WithAttempt(attempt).WithPayload("rate limit backoff"))
		if !s.sleep(s.opts.Backoff) {
			slot.setError("scheduler shutdown")
			slot.setStatus(StatusFailed)
			return true
		}
		return false

	case stuck:
		slot.setError("engine reported success but produced no changes")
		if lastAttempt {
			s.failWithComment(ctx, slot, "no changes after all attempts")
			return true
		}
		return false

	default:
		if res.ErrorType != "" {
			slot.setError(fmt.Sprintf("engine failure: %s", res.ErrorType))
		} else {
			slot.setError("engine failure")
		}
		if lastAttempt {
			s.failWithComment(ctx, slot, "engine kept failing")
			return true
		}
		return false
	}
}

// integrate merges the workspace into the base branch and settles the
// slot. Integration itself serializes on the integrator's mutex.
func (s *Scheduler) integrate(ctx context.Context, slot *Slot, ws *git.Workspace, attempt int, lastAttempt bool) bool {
	num := slot.Issue.Number

	slot.setStatus(StatusMerging)
	s.emitDashboard()

	result := s.integrator.Integrate(ctx, git.IntegrationRequest{
		Branch:        ws.Branch,
		Base:          s.opts.BaseBranch,
		Issue:         num,
		WorkspacePath: ws.Path,
	})

	s.bus.Emit(events.New(events.MergeResult, num).
		WithSlot(slot.ID).
		WithAttempt(attempt).
		WithPayload(map[string]any{
			"success":   result.Success,
			"branch":    ws.Branch,
			"conflicts": result.ConflictFiles,
		}))

	if result.Success {
		if err := s.tracker.Close(ctx, num, "Completed automatically and merged."); err != nil {
			log.Printf("closing #%d: %v", num, err)
		}
		if err := lessons.MergeBack(s.opts.RepoRoot, ws.Path); err != nil {
			log.Printf("lessons merge-back #%d: %v", num, err)
		}
		slot.mu.Lock()
		slot.merged = true
		slot.mu.Unlock()
		slot.setStatus(StatusDone)
		s.emitDashboard()
		return true
	}

	slot.setError(fmt.Sprintf("merge failed: %s", result.Err))
	if lastAttempt {
		reason := fmt.Sprintf("Merge failed: %s", result.Err)
		if len(result.ConflictFiles) > 0 {
			reason += fmt.Sprintf(" (conflicts: %v)", result.ConflictFiles)
		}
		if err := s.tracker.Block(ctx, num, reason); err != nil {
			log.Printf("blocking #%d: %v", num, err)
		}
		slot.setStatus(StatusFailed)
		s.emitDashboard()
		return true
	}
	slot.setStatus(StatusRunning)
	return false
}

// failWithComment marks the slot failed and posts an attempt summary.
func (s *Scheduler) failWithComment(ctx context.Context, slot *Slot, reason string) {
	snap := slot.snapshot()
	body := fmt.Sprintf("Automated run gave up after %d attempt(s): %s.\nLast error: %s",
		snap.Attempt, reason, snap.LastError)
	if err := s.tracker.Comment(ctx, snap.Issue, body); err != nil {
		log.Printf("commenting on #%d: %v", snap.Issue, err)
	}
	slot.setStatus(StatusFailed)
	s.emitDashboard()
}

// sleep waits d, returning false if shutdown interrupted it.
func (s *Scheduler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.shutdownCh:
		return false
	}
}

func (s *Scheduler) summarize() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{Elapsed: time.Since(s.startedAt)}
	sum.Total = len(s.slots) + len(s.queue)
	for _, slot := range s.slots {
		switch slot.Status() {
		case StatusDone:
			sum.Completed++
		case StatusBlocked:
			sum.Blocked++
		default:
			sum.Failed++
		}
	}
	// Items never started (shutdown before dispatch) count as neither
	// completed nor failed; they remain for a future run.
	return sum
}

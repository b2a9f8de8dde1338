// Package coordinator implements the cross-process filesystem locks that
// keep concurrent drover runs against the same repository from corrupting
// each other: one run lock per label, and one claim file per issue.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// acquireSettle is how long callers must wait after Acquire before
// checking for conflicting instances. Two processes acquiring at nearly
// the same moment both sleep, so each sees the other's record.
const acquireSettle = 150 * time.Millisecond

// RunRecord is the JSON body of a run-lock file.
type RunRecord struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Label     string    `json:"label"`
}

// ItemRecord is the JSON body of an item claim file.
type ItemRecord struct {
	PID        int       `json:"pid"`
	Issue      int       `json:"issue"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ErrConflict is returned when another live process holds the run lock.
var ErrConflict = errors.New("conflicting drover instance")

// DefaultLockDir is where lock files live unless overridden.
func DefaultLockDir() string {
	return filepath.Join(os.TempDir(), "drover-locks")
}

// Coordinator manages the run lock for one label plus item claims.
type Coordinator struct {
	Dir   string
	Label string

	pid   int
	fl    *flock.Flock
	owned bool
}

// New returns a coordinator rooted at dir for the given run label.
func New(dir, label string) *Coordinator {
	if dir == "" {
		dir = DefaultLockDir()
	}
	return &Coordinator{Dir: dir, Label: label, pid: os.Getpid()}
}

var unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func sanitizeLabel(label string) string {
	s := unsafeLabelChars.ReplaceAllString(label, "-")
	if s == "" {
		s = "run"
	}
	return s
}

func (c *Coordinator) runLockPath() string {
	return filepath.Join(c.Dir, sanitizeLabel(c.Label)+".lock")
}

func (c *Coordinator) itemLockPath(issue int) string {
	return filepath.Join(c.Dir, fmt.Sprintf("issue-%d.lock", issue))
}

// Acquire takes the run lock for the coordinator's label. It holds an
// OS-level file lock for the lifetime of the process and records the
// owner pid in the file body so a later process can detect staleness.
//
// Callers MUST sleep acquireSettle and then call HasConflictingInstance
// before proceeding; on a near-simultaneous start the lower pid keeps
// the run and the higher pid backs off.
func (c *Coordinator) Acquire() error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	path := c.runLockPath()

	// A lock file whose recorded owner is dead can be taken over. The
	// OS lock itself died with the process; only the body lingers.
	if rec, err := readRunRecord(path); err == nil && rec.PID != c.pid && !processExists(rec.PID) {
		_ = os.Remove(path)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		rec, _ := readRunRecord(path)
		if rec != nil {
			return fmt.Errorf("%w: pid %d holds label %q since %s",
				ErrConflict, rec.PID, rec.Label, rec.StartedAt.Format(time.RFC3339))
		}
		return fmt.Errorf("%w: %s is locked", ErrConflict, path)
	}

	rec := RunRecord{PID: c.pid, StartedAt: time.Now().UTC(), Label: c.Label}
	if err := writeJSON(path, rec); err != nil {
		_ = fl.Unlock()
		return fmt.Errorf("write run record: %w", err)
	}

	c.fl = fl
	c.owned = true
	return nil
}

// Settle blocks for the post-acquire settle interval. Split out so tests
// can skip the real sleep.
func (c *Coordinator) Settle() {
	time.Sleep(acquireSettle)
}

// HasConflictingInstance scans every run-lock file in the directory and
// returns the first record owned by a different live process with the
// same label. Records whose pid is dead are reaped in passing. Ties
// between live processes go to the lower pid: if the conflicting pid is
// lower than ours, the caller should release and exit.
func (c *Coordinator) HasConflictingInstance() (*RunRecord, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".lock") || strings.HasPrefix(name, "issue-") {
			continue
		}
		path := filepath.Join(c.Dir, name)
		rec, err := readRunRecord(path)
		if err != nil {
			continue
		}
		if rec.PID == c.pid {
			continue
		}
		if !processExists(rec.PID) {
			_ = os.Remove(path)
			continue
		}
		if rec.Label == c.Label && rec.PID < c.pid {
			return rec, nil
		}
	}
	return nil, nil
}

// Release drops the run lock and removes its file. Safe to call when the
// lock was never acquired.
func (c *Coordinator) Release() {
	if !c.owned {
		return
	}
	c.owned = false
	_ = os.Remove(c.runLockPath())
	if c.fl != nil {
		_ = c.fl.Unlock()
	}
}

// Claim attempts to take the per-issue lock. Returns false when another
// live process owns it. A claim file left by a dead process is reaped and
// the claim retried once.
func (c *Coordinator) Claim(issue int) (bool, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}

	path := c.itemLockPath(issue)
	for try := 0; try < 2; try++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			rec := ItemRecord{PID: c.pid, Issue: issue, AcquiredAt: time.Now().UTC()}
			data, _ := json.Marshal(rec)
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return false, fmt.Errorf("write claim %s: %w", path, errors.Join(werr, cerr))
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("claim %s: %w", path, err)
		}

		rec, rerr := readItemRecord(path)
		if rerr == nil && rec.PID != c.pid && !processExists(rec.PID) {
			_ = os.Remove(path)
			continue
		}
		return false, nil
	}
	return false, nil
}

// ReleaseClaim removes the claim file for an issue. Unconditional:
// called on every slot completion regardless of outcome.
func (c *Coordinator) ReleaseClaim(issue int) {
	_ = os.Remove(c.itemLockPath(issue))
}

// ReapStale removes every lock file in the directory whose recorded
// owner pid no longer exists. Returns the number of files removed.
func (c *Coordinator) ReapStale() (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	reaped := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(c.Dir, e.Name())
		pid, ok := ownerPID(path)
		if !ok {
			continue
		}
		if pid == c.pid || processExists(pid) {
			continue
		}
		if err := os.Remove(path); err == nil {
			reaped++
		}
	}
	return reaped, nil
}

func ownerPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var probe struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.PID <= 0 {
		// Legacy plain-pid body.
		pid, aerr := strconv.Atoi(strings.TrimSpace(string(data)))
		if aerr != nil || pid <= 0 {
			return 0, false
		}
		return pid, true
	}
	return probe.PID, true
}

func readRunRecord(path string) (*RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.PID <= 0 {
		return nil, fmt.Errorf("no pid in %s", path)
	}
	return &rec, nil
}

func readItemRecord(path string) (*ItemRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec ItemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LockInfo describes the current contents of a lock directory.
type LockInfo struct {
	Runs  []RunRecord
	Items []ItemRecord
}

// Inspect reads every lock file in dir without taking or reaping
// anything. Used by the status command.
func Inspect(dir string) (*LockInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &LockInfo{}, nil
		}
		return nil, err
	}

	info := &LockInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if strings.HasPrefix(e.Name(), "issue-") {
			if rec, err := readItemRecord(path); err == nil {
				info.Items = append(info.Items, *rec)
			}
			continue
		}
		if rec, err := readRunRecord(path); err == nil {
			info.Runs = append(info.Runs, *rec)
		}
	}
	return info, nil
}

// Alive reports whether the record's owner process still exists.
func (r RunRecord) Alive() bool { return processExists(r.PID) }

// Alive reports whether the claim's owner process still exists.
func (r ItemRecord) Alive() bool { return processExists(r.PID) }

// processExists checks pid liveness with a null signal.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

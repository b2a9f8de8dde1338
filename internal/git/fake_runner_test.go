package git

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeRunner scripts git command responses for tests. Commands are matched
// by their joined argument string; unmatched commands succeed with empty
// output unless strict is set.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
	strict    bool
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]fakeResponse)}
}

func (f *fakeRunner) stub(args string, out string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[args] = fakeResponse{out: out, err: err}
}

func (f *fakeRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")

	f.mu.Lock()
	f.calls = append(f.calls, key)
	resp, ok := f.responses[key]
	strict := f.strict
	f.mu.Unlock()

	if !ok {
		if strict {
			return "", fmt.Errorf("unexpected git command: %s", key)
		}
		return "", nil
	}
	return resp.out, resp.err
}

func (f *fakeRunner) called(args string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == args {
			return true
		}
	}
	return false
}

func (f *fakeRunner) callsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Package lessons propagates the repository's LESSONS.md — accumulated
// notes engines leave for future runs — into each workspace before an
// attempt, and merges new entries back after a successful integration.
package lessons

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the lessons file looked for at the repo and workspace root.
const FileName = "LESSONS.md"

// header starts a fresh lessons file so engines know what it is for.
const header = "# Lessons\n\nNotes from previous automated runs. Append; do not rewrite history.\n"

// Propagate copies the repo's lessons file into the workspace. A missing
// repo file is not an error; the engine simply starts without context.
func Propagate(repoRoot, workspace string) error {
	src := filepath.Join(repoRoot, FileName)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", src, err)
	}

	dst := filepath.Join(workspace, FileName)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// MergeBack folds workspace lessons into the repo file as an append-only
// union: every line of the workspace file missing from the repo file is
// appended, in workspace order. Existing repo content is never rewritten.
func MergeBack(repoRoot, workspace string) error {
	wsPath := filepath.Join(workspace, FileName)
	wsData, err := os.ReadFile(wsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", wsPath, err)
	}

	repoPath := filepath.Join(repoRoot, FileName)
	repoData, err := os.ReadFile(repoPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", repoPath, err)
	}

	existing := make(map[string]bool)
	for _, line := range strings.Split(string(repoData), "\n") {
		if t := strings.TrimSpace(line); t != "" {
			existing[t] = true
		}
	}

	var additions []string
	for _, line := range strings.Split(string(wsData), "\n") {
		t := strings.TrimSpace(line)
		if t == "" || existing[t] {
			continue
		}
		existing[t] = true
		additions = append(additions, line)
	}
	if len(additions) == 0 {
		return nil
	}

	var sb strings.Builder
	if len(repoData) == 0 {
		sb.WriteString(header)
	} else {
		sb.Write(repoData)
		if !strings.HasSuffix(string(repoData), "\n") {
			sb.WriteByte('\n')
		}
	}
	sb.WriteString(strings.Join(additions, "\n"))
	sb.WriteByte('\n')

	if err := os.WriteFile(repoPath, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", repoPath, err)
	}
	return nil
}

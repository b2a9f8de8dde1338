package engine

import (
	"encoding/json"
	"strings"
)

// Envelope is the structured result shape engines print as their final
// JSON line. Stdout is otherwise free-form.
type Envelope struct {
	// Success is the engine's claim that the task was completed.
	Success bool `json:"success"`

	// Error is the engine-reported error message, if any.
	Error string `json:"error,omitempty"`

	// FilesChanged is the engine's count of modified files, when
	// reported. Advisory only; the filesystem is authoritative.
	FilesChanged int `json:"files_changed,omitempty"`

	// NoChanges is set by engines that completed without editing
	// anything.
	NoChanges bool `json:"no_changes,omitempty"`
}

// ParseEnvelope scans output from the last line backwards for a
// JSON-parseable line with an envelope shape (an object containing a
// "success" key). Returns ok false when no such line exists.
func ParseEnvelope(output string) (*Envelope, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		if _, ok := probe["success"]; !ok {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		return &env, true
	}
	return nil, false
}

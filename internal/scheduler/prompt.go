package scheduler

import (
	"fmt"
	"strings"

	"github.com/drovertools/drover/internal/domain"
	"github.com/drovertools/drover/internal/lessons"
	"github.com/drovertools/drover/internal/tracker"
)

// domainGuidance gives the engine a nudge appropriate to the kind of
// work. Unknown domains get no extra text.
var domainGuidance = map[domain.Domain]string{
	domain.Database:      "Database work: include migrations for any schema change and keep them reversible.",
	domain.Security:      "Security-sensitive change: do not weaken existing checks; add tests for the threat being addressed.",
	domain.Billing:       "Billing code: money amounts are integers in minor units; never use floats.",
	domain.Testing:       "Testing task: improve coverage without deleting existing assertions.",
	domain.Documentation: "Documentation task: change docs only; do not modify source files.",
	domain.Frontend:      "Frontend work: keep changes consistent with the existing component patterns.",
	domain.Backend:       "Backend work: maintain backward compatibility of any exported API.",
}

// BuildPrompt assembles the engine prompt for one work item: the issue
// itself, domain guidance, the lessons file, and the output contract.
func BuildPrompt(iss tracker.Issue, dom domain.Domain) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Implement the following issue (#%d): %s\n\n", iss.Number, iss.Title)
	if body := strings.TrimSpace(iss.Body); body != "" {
		sb.WriteString(body)
		sb.WriteString("\n\n")
	}

	if g, ok := domainGuidance[dom]; ok {
		sb.WriteString(g)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "If a %s file exists in the working directory, read it first and follow its advice. Append any new lesson you learn to it.\n\n", lessons.FileName)

	sb.WriteString("Work only inside the current directory; it is an isolated checkout on a dedicated branch. ")
	sb.WriteString("Commit your changes when done. ")
	sb.WriteString(`As the last line of output, print a JSON object: {"success": true|false, "error": "...", "files_changed": N}.`)

	return sb.String()
}

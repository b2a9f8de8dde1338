// Package domain classifies work items into coarse domains and decides
// which domains may run in parallel. Classification is a pure function of
// an issue's labels and title; it never consults the repository.
package domain

import "strings"

// Domain is a coarse label describing the area an issue touches.
type Domain string

const (
	Backend        Domain = "backend"
	Frontend       Domain = "frontend"
	Database       Domain = "database"
	Infrastructure Domain = "infrastructure"
	Security       Domain = "security"
	Testing        Domain = "testing"
	Documentation  Domain = "documentation"
	Billing        Domain = "billing"
	Unknown        Domain = "unknown"
)

// labelPrefixes maps label prefixes to domains. Checked before title
// keywords; first match wins in the order listed here.
var labelPrefixes = []struct {
	prefix string
	domain Domain
}{
	{"database", Database},
	{"db", Database},
	{"migration", Database},
	{"billing", Billing},
	{"payment", Billing},
	{"security", Security},
	{"auth", Security},
	{"frontend", Frontend},
	{"ui", Frontend},
	{"backend", Backend},
	{"api", Backend},
	{"infra", Infrastructure},
	{"deploy", Infrastructure},
	{"ci", Infrastructure},
	{"test", Testing},
	{"docs", Documentation},
	{"documentation", Documentation},
}

// titleKeywords maps title substrings to domains. Only consulted when no
// label matched.
var titleKeywords = []struct {
	keyword string
	domain  Domain
}{
	{"migration", Database},
	{"schema", Database},
	{"index", Database},
	{"billing", Billing},
	{"invoice", Billing},
	{"payment", Billing},
	{"security", Security},
	{"vulnerability", Security},
	{"auth", Security},
	{"css", Frontend},
	{"component", Frontend},
	{"frontend", Frontend},
	{"endpoint", Backend},
	{"api", Backend},
	{"handler", Backend},
	{"deploy", Infrastructure},
	{"docker", Infrastructure},
	{"pipeline", Infrastructure},
	{"test", Testing},
	{"coverage", Testing},
	{"readme", Documentation},
	{"docs", Documentation},
	{"document", Documentation},
}

// Classify derives a domain from an issue's labels and title.
// Label prefix matches take precedence over title keywords; unmatched
// issues are Unknown.
func Classify(title string, labels []string) Domain {
	for _, label := range labels {
		l := strings.ToLower(strings.TrimSpace(label))
		for _, entry := range labelPrefixes {
			if strings.HasPrefix(l, entry.prefix) {
				return entry.domain
			}
		}
	}

	t := strings.ToLower(title)
	for _, entry := range titleKeywords {
		if strings.Contains(t, entry.keyword) {
			return entry.domain
		}
	}

	return Unknown
}

// selfExclusive domains cannot run alongside another issue of the same
// domain: concurrent schema migrations, billing changes, or security
// changes tend to touch the same shared surfaces.
var selfExclusive = map[Domain]bool{
	Database: true,
	Billing:  true,
	Security: true,
}

// CanRunParallel reports whether issues in domains a and b may occupy
// scheduler slots simultaneously. The relation is symmetric.
//
// Exact table:
//   - documentation and unknown are compatible with everything
//   - database, billing and security are incompatible with themselves
//   - every other pairing is compatible
func CanRunParallel(a, b Domain) bool {
	if a == Documentation || b == Documentation {
		return true
	}
	if a == Unknown || b == Unknown {
		return true
	}
	if a == b && selfExclusive[a] {
		return false
	}
	return true
}

package engine

import "strings"

// rateLimitMarkers are substrings engines print when throttled.
var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"too many requests",
	"overloaded",
	"quota exceeded",
	"usage limit",
}

// crashMarkers indicate the process died rather than declining the task.
var crashMarkers = []string{
	"panic:",
	"segmentation fault",
	"killed",
	"signal:",
	"fatal error",
}

// classifyFailure maps engine output to a coarse error type. Rate limits
// are checked first so a throttled engine that also crashed still backs
// off instead of hammering the next alternate.
func classifyFailure(texts ...string) ErrorType {
	joined := strings.ToLower(strings.Join(texts, "\n"))

	for _, m := range rateLimitMarkers {
		if strings.Contains(joined, m) {
			return ErrorRateLimit
		}
	}
	for _, m := range crashMarkers {
		if strings.Contains(joined, m) {
			return ErrorCrash
		}
	}
	return ErrorUnknown
}

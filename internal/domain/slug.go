package domain

import "strings"

// maxSlugLen caps slug length so branch names stay readable.
const maxSlugLen = 40

// Slugify converts an issue title into a short branch-safe slug:
// lowercase, [a-z0-9-] only, runs of other characters collapsed to a
// single hyphen, at most 40 characters, no leading or trailing hyphen.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen

	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "issue"
	}
	return slug
}

package outbox

import (
	"regexp"
	"strings"
)

const (
	maxLoggedErrorLength = 512
	truncatedSuffix      = "... (truncated)"
	redacted             = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// Observer errors may echo connection strings or credentials from downstream clients.
var redactions = []redaction{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redacted + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + redacted,
	},
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redacted,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_]?key|access[-_]?token|password|secret)\s*[:=]\s*([^\s,;&]+)`),
		replacement: `$1=` + redacted,
	},
}

// SanitizeError renders err for logs with credentials redacted and length bounded.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.TrimSpace(err.Error())

	for _, r := range redactions {
		msg = r.pattern.ReplaceAllString(msg, r.replacement)
	}

	runes := []rune(msg)
	if len(runes) <= maxLoggedErrorLength {
		return msg
	}

	return string(runes[:maxLoggedErrorLength-len(truncatedSuffix)]) + truncatedSuffix
}

package render

import "regexp"

// Credential-shaped substrings are scrubbed before artifacts are emitted.
// Patterns cover bearer tokens, API-key assignments, and basic-auth header
// values pasted into descriptions or comments.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`(?i)\bbasic\s+[A-Za-z0-9+/=]{8,}`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|api[_-]?token|access[_-]?token|secret[_-]?key)\s*[:=]\s*["']?[A-Za-z0-9._~+/-]{8,}["']?`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
}

const redactedPlaceholder = "[REDACTED]"

// Redact replaces credential-shaped substrings with [REDACTED].
func Redact(data []byte) []byte {
	for _, re := range redactPatterns {
		data = re.ReplaceAll(data, []byte(redactedPlaceholder))
	}
	return data
}

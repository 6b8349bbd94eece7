package outbox

import (
	"regexp"
	"strings"
)

// Publish errors end up in logs. They can echo broker URLs with credentials,
// tokens or card numbers from a payload, so they are redacted and bounded
// first.
const maxErrorLength = 512

const (
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(password|passwd|secret|api[-_]?key|token)\s*[:=]\s*([^\s,;&]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		replacement: redactedValue,
	},
}

var cardNumberPattern = regexp.MustCompile(`\b\d{12,19}\b`)

// SanitizeErrorMessage redacts credentials, tokens, e-mail addresses and
// Luhn-valid card numbers from err and caps the result at 512 runes.
func SanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.TrimSpace(err.Error())

	for _, r := range redactions {
		msg = r.pattern.ReplaceAllString(msg, r.replacement)
	}

	msg = cardNumberPattern.ReplaceAllStringFunc(msg, func(candidate string) string {
		if luhnValid(candidate) {
			return redactedValue
		}

		return candidate
	})

	return truncate(msg, maxErrorLength)
}

func luhnValid(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		double = !double
	}

	return sum%10 == 0
}

func truncate(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	return string(runes[:maxRunes-len([]rune(errorTruncatedSuffix))]) + errorTruncatedSuffix
}

package zap

import "strings"

// controlCharReplacer escapes characters that could forge extra log lines
// (CWE-117). Entity payload values come from API callers.
var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeString(s string) string {
	return controlCharReplacer.Replace(s)
}

// Package redact masks credentials that agents commonly echo into their logs
// before a line is persisted to the decision ledger.
package redact

import (
	"regexp"
)

// Placeholder replaces every masked span.
const Placeholder = "[REDACTED]"

var credentialPatterns = []*regexp.Regexp{
	// Cloud keys
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// Forge tokens
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),

	// Exchange and broker API credentials as they show up in request dumps
	regexp.MustCompile(`(?i)(x-mbx-apikey|apca-api-key-id|apca-api-secret-key|ok-access-key|cb-access-key)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|api_secret|secret_key|access_token|auth_token|signature)\s*[=:]\s*['"]?[A-Za-z0-9_\-/+=]{16,}['"]?`),

	// Private key blocks
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),

	// Bearer tokens and JWTs
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),

	// Basic auth in URLs
	regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^:/\s]+:[^@\s]+@`),

	// Slack and Stripe
	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),
	regexp.MustCompile(`[sr]k_live_[0-9a-zA-Z]{24}`),

	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),
}

// Redact masks every credential found in line.
func Redact(line string) string {
	result := line
	for _, pattern := range credentialPatterns {
		result = pattern.ReplaceAllString(result, Placeholder)
	}
	return result
}

// Contains reports whether line carries anything Redact would mask.
func Contains(line string) bool {
	for _, pattern := range credentialPatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}

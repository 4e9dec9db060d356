package observability

import (
	"regexp"
	"strings"
)

// credentialRedacted marks scrubbed span values. Distinct from the body
// redaction marker, so telemetry shows which layer replaced the value.
const credentialRedacted = "[CREDENTIAL_REDACTED]"

// minCredentialLen is a pre-filter: no pattern below matches fewer than
// eight characters.
const minCredentialLen = 8

// Secret material traveling under innocent keys, where field-name
// redaction cannot see it.
var (
	reVendorKey = regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)_[a-z0-9_-]{8,}\b`)
	reJWT       = regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`)
	reBearer    = regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`)
	reKVSecret  = regexp.MustCompile(`(?i)\b(?:password|secret|token)\s*=\s*\S{4,}`)
)

var credentialPatterns = []*regexp.Regexp{reVendorKey, reJWT, reBearer, reKVSecret}

// ContainsCredential reports whether s holds anything credential-shaped:
// a vendor API key prefix, a JWT, a bearer token, or a key=value secret
// in connection-string form.
func ContainsCredential(s string) bool {
	if len(s) < minCredentialLen {
		return false
	}
	for _, re := range credentialPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every credential match in s with the
// [CREDENTIAL_REDACTED] marker. Input with no matches comes back as the
// original string.
func ScrubCredentials(s string) string {
	if len(s) < minCredentialLen {
		return s
	}
	out := s
	for _, re := range credentialPatterns {
		out = re.ReplaceAllString(out, credentialRedacted)
	}
	if out == s {
		return s
	}
	return strings.TrimSpace(out)
}

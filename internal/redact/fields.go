// Package redact decides which request-body fields are sensitive and
// replaces their values with a fixed marker before anything reaches a
// span attribute or journal record.
//
// Matching is deliberately coarse: a field name is sensitive when any
// configured entry is a case-insensitive substring of it. This catches
// variants like user_password or apiKeyId without per-service tuning,
// at the cost of occasional over-redaction.
package redact

import (
	"regexp"
	"strings"
)

// Marker is substituted for every sensitive value.
const Marker = "[REDACTED]"

// builtinFields are always part of a field set, regardless of caller
// configuration.
var builtinFields = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"access_token",
	"auth",
	"credentials",
	"mysql_pwd",
	"stripetoken",
	"card",
	"cardnumber",
	"ccv",
	"cvc",
	"cvv",
	"ssn",
	"pin",
}

// FieldSet holds the lowercased sensitive-field substrings plus the
// precompiled text patterns used by QueryText. Built once at
// configuration time and immutable afterwards, so it is safe to share
// across requests without locking.
type FieldSet struct {
	entries  []string
	patterns []fieldPatterns
}

type fieldPatterns struct {
	doubleQuoted *regexp.Regexp
	singleQuoted *regexp.Regexp
	bare         *regexp.Regexp
}

// NewFieldSet builds a field set from the built-in list plus extra
// caller-supplied substrings. Entries are lowercased; empty or
// whitespace-only extras are dropped so an empty entry can never match
// every field name.
func NewFieldSet(extra []string) *FieldSet {
	entries := make([]string, 0, len(builtinFields)+len(extra))
	seen := make(map[string]struct{}, len(builtinFields)+len(extra))
	for _, name := range builtinFields {
		entries = appendEntry(entries, seen, name)
	}
	for _, name := range extra {
		entries = appendEntry(entries, seen, name)
	}

	patterns := make([]fieldPatterns, 0, len(entries))
	for _, entry := range entries {
		patterns = append(patterns, compileFieldPatterns(entry))
	}

	return &FieldSet{entries: entries, patterns: patterns}
}

func appendEntry(entries []string, seen map[string]struct{}, name string) []string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return entries
	}
	if _, ok := seen[normalized]; ok {
		return entries
	}
	seen[normalized] = struct{}{}
	return append(entries, normalized)
}

func compileFieldPatterns(entry string) fieldPatterns {
	quoted := regexp.QuoteMeta(entry)
	return fieldPatterns{
		// password : "value" -> password : "[REDACTED]" (quotes preserved).
		doubleQuoted: regexp.MustCompile(`(?i)([\w]*` + quoted + `[\w]*\s*:\s*")[^"]*(")`),
		singleQuoted: regexp.MustCompile(`(?i)([\w]*` + quoted + `[\w]*\s*:\s*')[^']*(')`),
		// password : $var or password : 123 up to the next delimiter. The
		// token class excludes quotes so the quoted patterns above are not
		// re-matched after their own replacement.
		bare: regexp.MustCompile(`(?i)([\w]*` + quoted + `[\w]*\s*:\s*)[^\s,})"'` + "\n" + `]+`),
	}
}

// Entries returns the normalized entries of the set.
func (s *FieldSet) Entries() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out
}

// Match reports whether fieldName is sensitive: true when any entry is
// a substring of the lowercased field name. Never panics; an empty
// field name only matches if an entry were empty, which construction
// forbids.
func (s *FieldSet) Match(fieldName string) bool {
	if s == nil {
		return false
	}
	lower := strings.ToLower(fieldName)
	for _, entry := range s.entries {
		if strings.Contains(lower, entry) {
			return true
		}
	}
	return false
}

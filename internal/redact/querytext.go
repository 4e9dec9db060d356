package redact

// QueryText masks sensitive arguments embedded in a query-language
// payload (GraphQL-style) that has no generic key/value structure to
// walk. Matching is textual: for each field entry the set replaces
// quoted values (`password: "x"`, quotes preserved) and bare tokens
// (`password: $x`) following the field name.
//
// This is a best-effort filter. It can miss values inside complex
// argument expressions and can over-redact unrelated tokens that
// textually follow a matching field name; full grammar parsing is out
// of scope.
func QueryText(text string, set *FieldSet) string {
	if text == "" || set == nil {
		return text
	}

	out := text
	for _, p := range set.patterns {
		// Quoted forms first so the bare pattern never sees an opening
		// quote as the start of a token. Re-applying any pattern to its
		// own output is a no-op since Marker matches as a whole.
		out = p.doubleQuoted.ReplaceAllString(out, "${1}"+Marker+"${2}")
		out = p.singleQuoted.ReplaceAllString(out, "${1}"+Marker+"${2}")
		out = p.bare.ReplaceAllString(out, "${1}"+Marker)
	}
	return out
}

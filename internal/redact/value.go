package redact

// maxDepth bounds recursion over untrusted payloads. Parsed JSON and
// form data cannot contain cycles, but pathologically nested documents
// could otherwise exhaust the stack. Subtrees below the cap are kept
// as-is rather than dropped.
const maxDepth = 50

// Value returns a copy of v with every value under a sensitive mapping
// key replaced by Marker. Container shape is preserved at every level:
// maps stay maps with the same key set, slices keep their length, and
// scalars pass through unchanged. The input is never mutated.
//
// Elements of a slice carry no field name of their own, so a bare
// sensitive scalar inside an array passes through; only nested maps
// within the slice are redacted.
func Value(v any, set *FieldSet) any {
	return redactValue(v, set, 0)
}

func redactValue(v any, set *FieldSet, depth int) any {
	if depth >= maxDepth {
		return v
	}

	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, raw := range typed {
			if set.Match(key) {
				out[key] = Marker
				continue
			}
			out[key] = redactValue(raw, set, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item, set, depth+1)
		}
		return out
	default:
		return v
	}
}

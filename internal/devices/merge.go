package devices

// Merge returns current with partial applied on top. Where a key holds an
// object on both sides the two objects are merged recursively, so sibling
// keys survive; any other value in partial replaces the current one
// wholesale, lists included. Neither argument is modified.
func Merge(current, partial Info) Info {
	out := make(Info, len(current)+len(partial))
	for k, v := range current {
		out[k] = cloneValue(v)
	}
	for k, v := range partial {
		if next, ok := asInfo(v); ok {
			if prev, ok := asInfo(out[k]); ok {
				out[k] = map[string]interface{}(Merge(prev, next))
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

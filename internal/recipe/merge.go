package recipe

// Merge deep-merges src into dst and returns the merged tree; neither
// argument is modified. Maps merge by key and slices by index. When the
// container kinds differ, the result takes the shape of src.
func Merge(dst, src any) any {
	switch s := src.(type) {
	case map[string]any:
		d, _ := dst.(map[string]any)
		out := make(map[string]any, len(d)+len(s))
		for k, v := range d {
			out[k] = v
		}
		for k, v := range s {
			out[k] = Merge(out[k], v)
		}
		return out
	case []any:
		d, _ := dst.([]any)
		out := make([]any, max(len(d), len(s)))
		copy(out, d)
		for i, v := range s {
			out[i] = Merge(out[i], v)
		}
		return out
	default:
		return src
	}
}

package loop

// Context accumulation is strictly first-writer-wins: once any step has set a
// key, later steps can never replace its value for the rest of the run. This
// guarantees a retried or out-of-order step cannot resurrect a stale value
// for a key a different step legitimately set.

// MergeAccumulated overlays src onto dst additively, skipping keys dst
// already holds. dst is mutated and returned; a nil dst allocates.
func MergeAccumulated(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
	return dst
}

// EffectiveContext computes the context visible to the next step: the base
// context first, then keys from the last execution result not already
// present, then persistent accumulated keys not already present. The result
// is a fresh map; none of the inputs are mutated.
func EffectiveContext(base map[string]interface{}, last *ExecResult, accumulated map[string]interface{}) map[string]interface{} {
	effective := make(map[string]interface{}, len(base)+len(accumulated))
	for k, v := range base {
		effective[k] = v
	}
	if last != nil {
		effective = MergeAccumulated(effective, last.Result)
	}
	return MergeAccumulated(effective, accumulated)
}

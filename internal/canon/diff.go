package canon

import "bytes"

// Merge returns base with every key of patch applied on top (shallow).
// A Null in patch is stored as Null, it does not delete the key.
func Merge(base, patch Object) Object {
	out := base.Clone()
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Equal reports whether two values have the same canonical encoding.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, errA := Marshal(a)
	bb, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Diff computes a shallow field diff between two snapshots:
// {field: {"before": old, "after": new}} for every field that changed.
// Missing fields appear as Null on the side where they are absent.
func Diff(before, after Object) Object {
	out := Object{}
	for k, av := range after {
		bv, ok := before[k]
		if !ok {
			out[k] = Object{"before": Null{}, "after": av}
			continue
		}
		if !Equal(av, bv) {
			out[k] = Object{"before": bv, "after": av}
		}
	}
	for k, bv := range before {
		if _, ok := after[k]; !ok {
			out[k] = Object{"before": bv, "after": Null{}}
		}
	}
	return out
}

package model

import "sort"

// ParameterUpdate is a partial, key addressed parameter change as received from
// a user topic.
type ParameterUpdate map[string]float64

// Keys returns the update keys in sorted order.
func (u ParameterUpdate) Keys() []string {
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

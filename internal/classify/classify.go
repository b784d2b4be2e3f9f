// Package classify decides whether a tensor participates in split
// allocation based on its name.
package classify

import "strings"

// expertMarkers are the operator roots that mark a tensor as an expert
// tensor. The marker must include the "_exps" suffix: plain "ffn_gate",
// "ffn_up", "ffn_down" tensors (the dense, non-MoE variants) must not
// match.
var expertMarkers = [...]string{
	"ffn_gate_exps",
	"ffn_up_exps",
	"ffn_down_exps",
}

// IsExpertTensor reports whether name identifies an expert-bank weight
// tensor. Tensor names are hierarchical, e.g. "blk.0.ffn_up_exps.weight",
// so the marker is searched as a substring rather than a prefix.
func IsExpertTensor(name string) bool {
	for _, marker := range expertMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

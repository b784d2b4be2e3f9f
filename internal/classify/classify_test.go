package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsExpertTensorMatches(t *testing.T) {
	names := []string{
		"blk.0.ffn_gate_exps.weight",
		"blk.12.ffn_up_exps.weight",
		"blk.31.ffn_down_exps.weight",
		"ffn_gate_exps",
	}
	for _, n := range names {
		assert.True(t, IsExpertTensor(n), "expected %q to be classified as an expert tensor", n)
	}
}

func TestIsExpertTensorRejectsDenseVariants(t *testing.T) {
	names := []string{
		"blk.0.ffn_gate.weight",
		"blk.0.ffn_up.weight",
		"blk.0.ffn_down.weight",
		"blk.0.attn_q.weight",
		"",
	}
	for _, n := range names {
		assert.False(t, IsExpertTensor(n), "expected %q to not be classified as an expert tensor", n)
	}
}

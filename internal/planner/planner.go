// Package planner computes how expert ids or tensor rows are split
// across a fixed number of remote endpoints, proportional to an
// operator-supplied weighting.
package planner

import (
	"github.com/jihwankim/ggml-rpc-split/internal/rpcerr"
)

// MaxEndpoints bounds the endpoint count so plan/ownership arrays and
// bitmasks elsewhere in the engine can stay fixed-size.
const MaxEndpoints = 16

// Range is a disjoint half-open interval [Lo, Hi) over an expert or row
// dimension, owned by one endpoint.
type Range struct {
	Lo, Hi int
}

// Len reports the number of units (experts or rows) the range covers.
func (r Range) Len() int { return r.Hi - r.Lo }

// NormalizeWeights replaces an all-zero or empty weight vector with a
// uniform distribution and otherwise returns weights scaled to sum to 1.
// Negative weights are rejected by the caller before this is invoked.
func NormalizeWeights(weights []float64) []float64 {
	n := len(weights)
	out := make([]float64, n)
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		uniform := 1.0 / float64(n)
		for i := range out {
			out[i] = uniform
		}
		return out
	}
	for i, w := range weights {
		out[i] = w / sum
	}
	return out
}

func validate(n int, weights []float64) error {
	if n <= 0 {
		return rpcerr.Configf("endpoint count must be positive, got %d", n)
	}
	if n > MaxEndpoints {
		return rpcerr.Configf("endpoint count %d exceeds maximum of %d", n, MaxEndpoints)
	}
	if len(weights) != n {
		return rpcerr.Configf("expected %d weights, got %d", n, len(weights))
	}
	for i, w := range weights {
		if w < 0 {
			return rpcerr.Configf("weight[%d]=%g is negative", i, w)
		}
	}
	return nil
}

// PlanExpert partitions n_expert experts across N endpoints in proportion
// to weights, satisfying the contiguous-cover invariant: lo_0=0,
// hi_{N-1}=n_expert, hi_i=lo_{i+1}, no gaps or overlaps.
//
// A defensive donation pass follows the cumulative-boundary computation:
// when an endpoint with nonzero weight would receive an empty range
// while an adjacent neighbor holds more than one expert, one expert is
// donated from that neighbor. The pass runs once, left to right; an
// empty range whose neighbors both hold at most one expert at that
// point stays empty.
func PlanExpert(nExpert int, weights []float64) ([]Range, error) {
	n := len(weights)
	if err := validate(n, weights); err != nil {
		return nil, err
	}
	if nExpert < n {
		return nil, rpcerr.Configf("n_expert (%d) is smaller than endpoint count (%d)", nExpert, n)
	}

	norm := NormalizeWeights(weights)

	bounds := make([]int, n+1)
	cum := 0.0
	for i := 0; i < n; i++ {
		bounds[i] = int(float64(nExpert) * cum)
		cum += norm[i]
	}
	bounds[n] = nExpert

	ranges := make([]Range, n)
	for i := 0; i < n; i++ {
		ranges[i] = Range{Lo: bounds[i], Hi: bounds[i+1]}
	}
	ranges[n-1].Hi = nExpert

	donateToEmptyRanges(ranges, norm)
	return ranges, nil
}

// donateToEmptyRanges walks the ranges once, left to right; whenever one
// with nonzero normalized weight is empty while a neighbor holds more
// than one expert (see richerNeighbor), it borrows the left neighbor's
// last unit or the right neighbor's first unit.
func donateToEmptyRanges(ranges []Range, norm []float64) {
	n := len(ranges)
	for i := 0; i < n; i++ {
		if ranges[i].Len() > 0 || norm[i] == 0 {
			continue
		}
		donor := richerNeighbor(ranges, i)
		if donor < 0 {
			continue
		}
		if donor < i {
			ranges[donor].Hi--
			ranges[i].Lo--
		} else {
			ranges[donor].Lo++
			ranges[i].Hi++
		}
	}
}

// richerNeighbor returns the adjacent index (i-1 or i+1) holding more
// than one unit, preferring the left neighbor, or -1 if neither can
// spare one.
func richerNeighbor(ranges []Range, i int) int {
	if i > 0 && ranges[i-1].Len() > 1 {
		return i - 1
	}
	if i+1 < len(ranges) && ranges[i+1].Len() > 1 {
		return i + 1
	}
	return -1
}

// PlanRows partitions nrows rows across N endpoints in proportion to
// weights, flooring each boundary to the given alignment. The final
// endpoint absorbs whatever remainder the alignment leaves behind.
func PlanRows(nrows int, weights []float64, rounding int) ([]Range, error) {
	n := len(weights)
	if err := validate(n, weights); err != nil {
		return nil, err
	}
	if rounding <= 0 {
		return nil, rpcerr.Configf("rounding must be positive, got %d", rounding)
	}

	norm := NormalizeWeights(weights)

	bounds := make([]int, n+1)
	cum := 0.0
	for i := 0; i < n; i++ {
		lo := int(float64(nrows) * cum)
		bounds[i] = lo - (lo % rounding)
		cum += norm[i]
	}
	bounds[n] = nrows

	ranges := make([]Range, n)
	for i := 0; i < n; i++ {
		hi := bounds[i+1]
		if i < n-1 {
			ranges[i] = Range{Lo: bounds[i], Hi: hi}
		} else {
			ranges[i] = Range{Lo: bounds[i], Hi: nrows}
		}
	}

	// Enforce monotonic, non-overlapping boundaries: alignment can push a
	// later lo below an earlier hi when a range is thin relative to
	// rounding. Clamp forward.
	for i := 1; i < n; i++ {
		if ranges[i].Lo < ranges[i-1].Lo {
			ranges[i].Lo = ranges[i-1].Lo
		}
		ranges[i-1].Hi = ranges[i].Lo
	}
	ranges[n-1].Hi = nrows

	return ranges, nil
}

// OwnerOf returns the index of the endpoint whose range contains id, or
// -1 if no range contains it. N is capped at MaxEndpoints so the linear
// scan is trivially cheap.
func OwnerOf(id int, ranges []Range) int {
	for i, r := range ranges {
		if id >= r.Lo && id < r.Hi {
			return i
		}
	}
	return -1
}

// Package report formats a Profiler snapshot for human or machine
// consumption, the way an embedding CLI presents dispatch results to
// an operator.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jihwankim/ggml-rpc-split/internal/profiler"
)

// Format selects how WriteSnapshot renders a profiler.Snapshot.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// WriteSnapshot renders snap to w in the given format.
func WriteSnapshot(w io.Writer, format Format, snap profiler.Snapshot) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, snap)
	default:
		return writeText(w, snap)
	}
}

func writeJSON(w io.Writer, snap profiler.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func writeText(w io.Writer, snap profiler.Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "load balance: %.3f\n", snap.LoadBalance)
	fmt.Fprintln(&b, "per-endpoint:")
	for _, ep := range snap.PerEndpoint {
		fmt.Fprintf(&b, "  %-24s samples=%-6d mean=%8.1fus min=%8.1fus max=%8.1fus transport_fails=%d\n",
			ep.Endpoint, ep.Samples, ep.MeanNs/1000, float64(ep.MinNs)/1000, float64(ep.MaxNs)/1000, ep.TransportFails)
	}
	fmt.Fprintln(&b, "top experts:")
	limit := len(snap.TopExperts)
	if limit > 10 {
		limit = 10
	}
	for _, e := range snap.TopExperts[:limit] {
		fmt.Fprintf(&b, "  expert %-6d activations=%d\n", e.ExpertID, e.Count)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

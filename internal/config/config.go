// Package config parses the endpoint topology, both from the compact
// CLI string form and from a richer YAML file for operators managing
// more than a couple of endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jihwankim/ggml-rpc-split/internal/endpoint"
	"github.com/jihwankim/ggml-rpc-split/internal/rpcerr"
	"github.com/jihwankim/ggml-rpc-split/internal/telemetry"
)

// EndpointConfig describes one remote endpoint in a YAML topology file.
type EndpointConfig struct {
	Address string  `yaml:"address"`
	Device  uint32  `yaml:"device"`
	Name    string  `yaml:"name,omitempty"`
	Weight  float64 `yaml:"weight"`
}

// LogConfig mirrors internal/telemetry.Config in YAML-serializable form.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Topology is the root of a YAML topology file.
type Topology struct {
	Hosts []EndpointConfig `yaml:"endpoints"`
	Log   LogConfig        `yaml:"log,omitempty"`
}

// Load reads and validates a YAML topology file, expanding ${VAR} /
// $VAR environment references in every string field before parsing,
// the same pattern the reference config loader uses for its
// Prometheus/Kurtosis URLs.
func Load(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, rpcerr.Configf("read topology file %s: %v", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var t Topology
	if err := yaml.Unmarshal([]byte(expanded), &t); err != nil {
		return nil, rpcerr.Configf("parse topology file %s: %v", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks structural requirements the distributed dispatch
// layer relies on: at least one endpoint, no duplicate identities, no
// negative weights.
func (t *Topology) Validate() error {
	if len(t.Hosts) == 0 {
		return rpcerr.Configf("topology must list at least one endpoint")
	}
	if len(t.Hosts) > MaxEndpoints {
		return rpcerr.Configf("topology lists %d endpoints, exceeding the maximum of %d", len(t.Hosts), MaxEndpoints)
	}
	seen := make(map[string]bool, len(t.Hosts))
	for _, e := range t.Hosts {
		if e.Address == "" {
			return rpcerr.Configf("endpoint entry missing address")
		}
		id := fmt.Sprintf("%s#%d", e.Address, e.Device)
		if seen[id] {
			return rpcerr.Configf("duplicate endpoint %s", id)
		}
		seen[id] = true
		if e.Weight < 0 {
			return rpcerr.Configf("endpoint %s has negative weight %g", id, e.Weight)
		}
	}
	return nil
}

// Endpoints returns the topology's endpoints as internal/endpoint.Endpoint
// values, preserving file order.
func (t *Topology) Endpoints() []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, len(t.Hosts))
	for i, e := range t.Hosts {
		out[i] = endpoint.Endpoint{Address: e.Address, Device: e.Device, Name: e.Name}
	}
	return out
}

// Weights returns the topology's per-endpoint weights in file order.
func (t *Topology) Weights() []float64 {
	out := make([]float64, len(t.Hosts))
	for i, e := range t.Hosts {
		out[i] = e.Weight
	}
	return out
}

// LoggerConfig translates the YAML log block into a telemetry.Config,
// defaulting to info/text when the block is absent.
func (t *Topology) LoggerConfig() telemetry.Config {
	cfg := telemetry.Config{Level: telemetry.LevelInfo, Format: telemetry.FormatText}
	if t.Log.Level != "" {
		cfg.Level = telemetry.Level(t.Log.Level)
	}
	if t.Log.Format != "" {
		cfg.Format = telemetry.Format(t.Log.Format)
	}
	return cfg
}

// MaxEndpoints bounds the endpoint count this package will accept,
// duplicated here (rather than imported) to keep internal/config free
// of a dependency on internal/planner.
const MaxEndpoints = 16

// ParseEndpointString parses the compact CLI/env configuration string
// "h1:p1,h2:p2,...|w1,w2,..." into a parallel endpoint/weight pair. The
// weight section is optional; its absence means uniform weights.
// Trailing whitespace is trimmed on every token.
func ParseEndpointString(s string) ([]endpoint.Endpoint, []float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, rpcerr.Configf("empty endpoint configuration string")
	}

	hostPart := s
	weightPart := ""
	if idx := strings.IndexByte(s, '|'); idx >= 0 {
		hostPart = s[:idx]
		weightPart = s[idx+1:]
	}

	hostTokens := splitNonEmpty(hostPart)
	if len(hostTokens) == 0 {
		return nil, nil, rpcerr.Configf("endpoint list is empty")
	}
	if len(hostTokens) > MaxEndpoints {
		return nil, nil, rpcerr.Configf("endpoint count %d exceeds maximum of %d", len(hostTokens), MaxEndpoints)
	}

	endpoints := make([]endpoint.Endpoint, len(hostTokens))
	for i, tok := range hostTokens {
		addr := strings.TrimSpace(tok)
		if !strings.Contains(addr, ":") {
			return nil, nil, rpcerr.Configf("endpoint %q is missing a port", addr)
		}
		endpoints[i] = endpoint.Endpoint{Address: addr}
	}

	weights := make([]float64, len(hostTokens))
	if weightPart == "" {
		uniform := 1.0 / float64(len(hostTokens))
		for i := range weights {
			weights[i] = uniform
		}
		return endpoints, weights, nil
	}

	weightTokens := splitNonEmpty(weightPart)
	if len(weightTokens) != len(hostTokens) {
		return nil, nil, rpcerr.Configf("endpoint count (%d) and weight count (%d) disagree", len(hostTokens), len(weightTokens))
	}
	for i, tok := range weightTokens {
		w, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return nil, nil, rpcerr.Configf("weight %q is not numeric", tok)
		}
		if w < 0 {
			return nil, nil, rpcerr.Configf("weight %q is negative", tok)
		}
		weights[i] = w
	}
	return endpoints, weights, nil
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpointStringWithWeights(t *testing.T) {
	endpoints, weights, err := ParseEndpointString("10.0.0.1:50052,10.0.0.2:50052|0.6,0.4")
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "10.0.0.1:50052", endpoints[0].Address)
	assert.Equal(t, "10.0.0.2:50052", endpoints[1].Address)
	assert.Equal(t, []float64{0.6, 0.4}, weights)
}

func TestParseEndpointStringUniformWhenNoWeights(t *testing.T) {
	endpoints, weights, err := ParseEndpointString("h1:1,h2:2,h3:3")
	require.NoError(t, err)
	require.Len(t, endpoints, 3)
	for _, w := range weights {
		assert.InDelta(t, 1.0/3.0, w, 1e-9)
	}
}

func TestParseEndpointStringTrimsWhitespace(t *testing.T) {
	endpoints, weights, err := ParseEndpointString("  h1:1 , h2:2  | 1, 2 ")
	require.NoError(t, err)
	assert.Equal(t, "h1:1", endpoints[0].Address)
	assert.Equal(t, "h2:2", endpoints[1].Address)
	assert.Equal(t, []float64{1, 2}, weights)
}

func TestParseEndpointStringRejectsCountMismatch(t *testing.T) {
	_, _, err := ParseEndpointString("h1:1,h2:2|1,2,3")
	assert.Error(t, err)
}

func TestParseEndpointStringRejectsNonNumericWeight(t *testing.T) {
	_, _, err := ParseEndpointString("h1:1|abc")
	assert.Error(t, err)
}

func TestParseEndpointStringRejectsNegativeWeight(t *testing.T) {
	_, _, err := ParseEndpointString("h1:1,h2:2|1,-1")
	assert.Error(t, err)
}

func TestParseEndpointStringRejectsEmpty(t *testing.T) {
	_, _, err := ParseEndpointString("")
	assert.Error(t, err)
}

func TestParseEndpointStringRejectsMissingPort(t *testing.T) {
	_, _, err := ParseEndpointString("not-a-host-port")
	assert.Error(t, err)
}

func TestLoadTopologyFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	content := `
endpoints:
  - address: 127.0.0.1:50051
    device: 0
    name: gpu-a
    weight: 0.7
  - address: 127.0.0.1:50052
    device: 0
    name: gpu-b
    weight: 0.3
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	topo, err := Load(path)
	require.NoError(t, err)
	require.Len(t, topo.Hosts, 2)
	assert.Equal(t, "gpu-a", topo.Hosts[0].Name)
	assert.Equal(t, []float64{0.7, 0.3}, topo.Weights())
	assert.Equal(t, "debug", topo.Log.Level)
}

func TestTopologyValidateRejectsEmpty(t *testing.T) {
	topo := &Topology{}
	assert.Error(t, topo.Validate())
}

func TestTopologyValidateRejectsDuplicateEndpoint(t *testing.T) {
	topo := &Topology{Hosts: []EndpointConfig{
		{Address: "h:1", Device: 0, Weight: 0.5},
		{Address: "h:1", Device: 0, Weight: 0.5},
	}}
	assert.Error(t, topo.Validate())
}

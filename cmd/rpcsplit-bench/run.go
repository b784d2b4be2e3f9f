package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jihwankim/ggml-rpc-split/internal/config"
	"github.com/jihwankim/ggml-rpc-split/internal/dispatch"
	"github.com/jihwankim/ggml-rpc-split/internal/endpoint"
	"github.com/jihwankim/ggml-rpc-split/internal/endpoint/endpointtest"
	"github.com/jihwankim/ggml-rpc-split/internal/report"
	"github.com/jihwankim/ggml-rpc-split/internal/telemetry"
	"github.com/jihwankim/ggml-rpc-split/internal/wire"

	"github.com/jihwankim/ggml-rpc-split"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Args:  cobra.NoArgs,
	Short: "Build a split buffer and run synthetic dispatch iterations",
	RunE:  runBench,
}

func init() {
	runCmd.Flags().String("topology", "", "path to a YAML topology file")
	runCmd.Flags().String("endpoints", "", "inline endpoint string: host:port,...[|w,...]")
	runCmd.Flags().Bool("simulate", false, "run against in-process loopback endpoint servers instead of real TCP endpoints")
	runCmd.Flags().Int("iterations", 10, "number of dispatch calls to run")
	runCmd.Flags().Int("tokens", 4, "tokens per dispatch call")
	runCmd.Flags().Int("top-k", 2, "experts routed per token")
	runCmd.Flags().Int("n-expert", 8, "total number of experts")
	runCmd.Flags().Int("n-embd", 16, "embedding dimension")
	runCmd.Flags().String("format", "text", "report format: text or json")
}

func runBench(cmd *cobra.Command, args []string) error {
	topologyPath, _ := cmd.Flags().GetString("topology")
	endpointsStr, _ := cmd.Flags().GetString("endpoints")
	simulate, _ := cmd.Flags().GetBool("simulate")
	iterations, _ := cmd.Flags().GetInt("iterations")
	nTokens, _ := cmd.Flags().GetInt("tokens")
	topK, _ := cmd.Flags().GetInt("top-k")
	nExpert, _ := cmd.Flags().GetInt("n-expert")
	nEmbd, _ := cmd.Flags().GetInt("n-embd")
	format, _ := cmd.Flags().GetString("format")

	if (topologyPath == "") == (endpointsStr == "") {
		return fmt.Errorf("exactly one of --topology or --endpoints must be set")
	}

	logLevel := telemetry.LevelInfo
	if verbose {
		logLevel = telemetry.LevelDebug
	}
	log := telemetry.New(telemetry.Config{Level: logLevel, Format: telemetry.FormatText, Output: os.Stdout})

	endpoints, weights, err := loadTopology(topologyPath, endpointsStr)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}

	var listeners []closeFunc
	defer func() {
		for _, c := range listeners {
			c()
		}
	}()

	if simulate {
		endpoints, listeners, err = simulateEndpoints(endpoints)
		if err != nil {
			return fmt.Errorf("simulate endpoints: %w", err)
		}
	}

	buft, err := rpcsplit.CreateSplitBufferType(endpoints, nil, weights)
	if err != nil {
		return fmt.Errorf("create split buffer type: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clients, err := rpcsplit.DialAll(ctx, buft, log)
	if err != nil {
		return fmt.Errorf("dial endpoints: %w", err)
	}

	buf, err := rpcsplit.NewSplitBuffer(buft, clients, log)
	if err != nil {
		return fmt.Errorf("create split buffer: %w", err)
	}
	defer rpcsplit.DestroySplitBufferType(ctx, buft, buf)

	const bytesPerExpert = 4
	const tensorName = "blk.0.ffn_up_exps.weight"
	if err := buf.AllocateTensor(ctx, tensorName, nExpert, bytesPerExpert); err != nil {
		return fmt.Errorf("allocate expert tensor: %w", err)
	}

	weightBytes := make([]byte, nExpert*bytesPerExpert)
	for i := 0; i < nExpert; i++ {
		binary.LittleEndian.PutUint32(weightBytes[i*4:i*4+4], math.Float32bits(float32(i+1)))
	}
	if err := buf.UploadTensor(ctx, tensorName, weightBytes, bytesPerExpert); err != nil {
		return fmt.Errorf("upload expert tensor: %w", err)
	}

	prof := rpcsplit.NewProfiler(nil)
	dispatcher := rpcsplit.NewDispatcher(buf, prof, log)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < iterations; i++ {
		req := syntheticRequest(rng, tensorName, nEmbd, nTokens, topK, nExpert)
		if _, err := dispatcher.Dispatch(ctx, req); err != nil {
			return fmt.Errorf("dispatch iteration %d: %w", i, err)
		}
	}

	snap := prof.Snapshot()
	var reportFormat report.Format
	switch format {
	case "json":
		reportFormat = report.FormatJSON
	default:
		reportFormat = report.FormatText
	}
	return report.WriteSnapshot(os.Stdout, reportFormat, snap)
}

func loadTopology(topologyPath, endpointsStr string) ([]endpoint.Endpoint, []float64, error) {
	if topologyPath != "" {
		topo, err := config.Load(topologyPath)
		if err != nil {
			return nil, nil, err
		}
		return topo.Endpoints(), topo.Weights(), nil
	}
	return rpcsplit.ParseConfig(endpointsStr)
}

type closeFunc func()

// simulateEndpoints replaces every endpoint's address with an
// in-process loopback listener backed by endpointtest.Server, so the
// engine can be driven end to end without a real cluster.
func simulateEndpoints(endpoints []endpoint.Endpoint) ([]endpoint.Endpoint, []closeFunc, error) {
	out := make([]endpoint.Endpoint, len(endpoints))
	var closers []closeFunc
	for i, ep := range endpoints {
		srv := endpointtest.NewServer(wire.FullCaps())
		ln, err := endpointtest.ListenAndServe("127.0.0.1:0", srv)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, func() { ln.Close() })
		out[i] = ep
		out[i].Address = ln.Addr().String()
	}
	return out, closers, nil
}

func syntheticRequest(rng *rand.Rand, tensorName string, nEmbd, nTokens, topK, nExpert int) dispatch.Request {
	routing := make([]int32, nTokens*topK)
	for i := range routing {
		routing[i] = int32(rng.Intn(nExpert))
	}
	activations := make([]byte, nTokens*nEmbd*4)
	for i := 0; i < nTokens*nEmbd; i++ {
		v := rng.Float32()
		binary.LittleEndian.PutUint32(activations[i*4:i*4+4], math.Float32bits(v))
	}
	return dispatch.Request{
		WeightTensor: tensorName,
		NEmbd:        nEmbd,
		NTokens:      nTokens,
		TopK:         topK,
		Routing:      routing,
		Activations:  activations,
	}
}

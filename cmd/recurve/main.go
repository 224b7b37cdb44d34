package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-recurve/internal/client"
	"github.com/23skdu/longbow-recurve/internal/compute"
	"github.com/23skdu/longbow-recurve/internal/device"
	"github.com/23skdu/longbow-recurve/internal/rnn"
	"github.com/23skdu/longbow-recurve/internal/weights"
)

var (
	precision     = flag.String("precision", "fp32", "Precision (fp32, fp16)")
	batch         = flag.Int("batch", 1, "Batch size per cell")
	inputSize     = flag.Int("input-size", 32, "Input feature width")
	numUnits      = flag.Int("num-units", 64, "LSTM units")
	outputSize    = flag.Int("output-size", 0, "Output width (defaults to num-units; differs only with -projection)")
	steps         = flag.Int("steps", 16, "Time steps to run per cell")
	cells         = flag.Int("cells", 1, "Independent cells to run")
	maxConcurrent = flag.Int("max-concurrent", 8, "Maximum cells running at once")
	useCIFG       = flag.Bool("cifg", false, "Couple the input gate to the forget gate")
	usePeephole   = flag.Bool("peephole", false, "Enable peephole connections")
	useProjection = flag.Bool("projection", false, "Enable output projection")
	useLayerNorm  = flag.Bool("layer-norm", false, "Enable per-gate layer normalization")
	cellClip      = flag.Float64("cell-clip", 0, "Cell state clip threshold (0 disables)")
	projClip      = flag.Float64("proj-clip", 0, "Projection clip threshold (0 disables)")
	weightsPath   = flag.String("weights", "", "CBOR weight bundle to load")
	saveWeights   = flag.String("save-weights", "", "Write the generated weight bundle to this path")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "recurve_steps", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to serve /metrics and /health on (e.g. :8080)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	seed          = flag.Int64("seed", 1, "Seed for generated weights and inputs")
)

type cellConfig struct {
	batch, inputSize, numUnits, outputSize int
	cifg, peephole, projection, layerNorm  bool
	clip                                   rnn.ClippingThresholds
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *listenAddr != "" {
		go serveMetrics(*listenAddr)
	}

	cfg := cellConfig{
		batch:      *batch,
		inputSize:  *inputSize,
		numUnits:   *numUnits,
		outputSize: *outputSize,
		cifg:       *useCIFG,
		peephole:   *usePeephole,
		projection: *useProjection,
		layerNorm:  *useLayerNorm,
		clip: rnn.ClippingThresholds{
			Cell:       float32(*cellClip),
			Projection: float32(*projClip),
		},
	}
	if cfg.outputSize == 0 {
		cfg.outputSize = cfg.numUnits
	}

	var bundle *weights.Bundle
	if *weightsPath != "" {
		var err error
		bundle, err = weights.LoadFile(*weightsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *weightsPath).Msg("Failed to load weight bundle")
		}
		log.Info().Str("path", *weightsPath).Strs("tensors", bundle.Names()).Msg("Loaded weight bundle")
	}

	var flightClient *client.FlightClient
	if *serverAddr != "" {
		var err error
		flightClient, err = client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer flightClient.Close()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight server")
	}

	start := time.Now()
	sem := semaphore.NewWeighted(int64(*maxConcurrent))
	var wg sync.WaitGroup
	ctx := context.Background()

	for c := 0; c < *cells; c++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Fatal().Err(err).Msg("Semaphore acquire failed")
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer sem.Release(1)
			if err := runCell(ctx, id, cfg, bundle, flightClient); err != nil {
				log.Error().Err(err).Int("cell", id).Msg("Cell run failed")
			}
		}(c)
	}
	wg.Wait()

	elapsed := time.Since(start)
	totalSteps := *cells * *steps
	log.Info().
		Int("cells", *cells).
		Int("steps", totalSteps).
		Dur("elapsed", elapsed).
		Float64("steps_per_sec", float64(totalSteps)/elapsed.Seconds()).
		Msg("Run complete")
}

func buildBackend() device.Backend {
	if *precision == "fp16" {
		return device.NewCPUBackendFP16()
	}
	return device.NewCPUBackend()
}

// runCell builds one LSTM cell, steps it with its states fed back, and
// optionally ships the per-step outputs to the Flight server.
func runCell(ctx context.Context, id int, cfg cellConfig, bundle *weights.Bundle, fc *client.FlightClient) error {
	ctx, span := otel.Tracer("recurve").Start(ctx, "cell")
	span.SetAttributes(attribute.Int("cell", id), attribute.Int("steps", *steps))
	defer span.End()

	backend := buildBackend()
	rng := rand.New(rand.NewSource(*seed + int64(id)))

	step, params := buildTensors(backend, rng, cfg)
	if bundle != nil {
		if err := loadFromBundle(bundle, step, params); err != nil {
			return err
		}
	} else if *saveWeights != "" && id == 0 {
		b := weights.NewBundle()
		saveToBundle(b, step, params)
		if err := b.SaveFile(*saveWeights); err != nil {
			return err
		}
		log.Info().Str("path", *saveWeights).Msg("Saved weight bundle")
	}

	layer := rnn.NewLSTMLayer(backend)
	defer layer.Close()
	act := compute.ActivationSpec{Func: compute.ActivationTanh}
	if err := layer.Configure(step, params, act, cfg.clip); err != nil {
		return err
	}
	layer.Prepare()

	outputs := make([][]float32, 0, *steps)
	cellStates := make([][]float32, 0, *steps)
	for s := 0; s < *steps; s++ {
		randomize(rng, step.Input)
		layer.Run()
		step.OutputStateIn.Copy(step.OutputStateOut)
		step.CellStateIn.Copy(step.CellStateOut)
		if fc != nil {
			outputs = append(outputs, append([]float32(nil), step.Output.ToHost()...))
			cellStates = append(cellStates, append([]float32(nil), step.CellStateOut.ToHost()...))
		}
	}

	if fc != nil {
		builder := client.NewStepRecordBuilder(arrowmem.NewGoAllocator())
		rec, err := builder.Build(0, outputs, cellStates)
		if err != nil {
			return err
		}
		defer rec.Release()
		pushCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fc.PushSteps(pushCtx, *datasetName, rec); err != nil {
			return err
		}
		log.Info().Int("cell", id).Int("steps", *steps).Str("dataset", *datasetName).Msg("Pushed step records")
	}
	return nil
}

// buildTensors allocates every step tensor and the optional parameters,
// filled with small random weights. The forget gate bias starts at 1.0 so a
// fresh cell begins by retaining its state.
func buildTensors(b device.Backend, rng *rand.Rand, cfg cellConfig) (*rnn.StepTensors, *rnn.Params) {
	n, in, out, batch := cfg.numUnits, cfg.inputSize, cfg.outputSize, cfg.batch

	gateWidth := 4 * n
	if cfg.cifg {
		gateWidth = 3 * n
	}

	ones := make([]float32, n)
	for i := range ones {
		ones[i] = 1
	}

	step := &rnn.StepTensors{
		Input:                    randomTensor(b, rng, batch, in),
		InputToForgetWeights:     randomTensor(b, rng, n, in),
		InputToCellWeights:       randomTensor(b, rng, n, in),
		InputToOutputWeights:     randomTensor(b, rng, n, in),
		RecurrentToForgetWeights: randomTensor(b, rng, n, out),
		RecurrentToCellWeights:   randomTensor(b, rng, n, out),
		RecurrentToOutputWeights: randomTensor(b, rng, n, out),
		ForgetGateBias:           b.NewTensor(1, n, ones),
		CellBias:                 b.NewTensor(1, n, nil),
		OutputGateBias:           b.NewTensor(1, n, nil),
		OutputStateIn:            b.NewTensor(batch, out, nil),
		CellStateIn:              b.NewTensor(batch, n, nil),
		ScratchBuffer:            b.NewTensor(batch, gateWidth, nil),
		OutputStateOut:           b.NewTensor(batch, out, nil),
		CellStateOut:             b.NewTensor(batch, n, nil),
		Output:                   b.NewTensor(batch, out, nil),
	}

	params := &rnn.Params{}
	if !cfg.cifg {
		params.InputToInputWeights = randomTensor(b, rng, n, in)
		params.RecurrentToInputWeights = randomTensor(b, rng, n, out)
		params.InputGateBias = b.NewTensor(1, n, nil)
	}
	if cfg.peephole {
		params.CellToForgetWeights = randomTensor(b, rng, 1, n)
		params.CellToOutputWeights = randomTensor(b, rng, 1, n)
		if !cfg.cifg {
			params.CellToInputWeights = randomTensor(b, rng, 1, n)
		}
	}
	if cfg.projection {
		params.ProjectionWeights = randomTensor(b, rng, out, n)
		params.ProjectionBias = b.NewTensor(1, out, nil)
	}
	if cfg.layerNorm {
		params.ForgetLayerNormWeights = b.NewTensor(1, n, ones)
		params.CellLayerNormWeights = b.NewTensor(1, n, ones)
		params.OutputLayerNormWeights = b.NewTensor(1, n, ones)
		if !cfg.cifg {
			params.InputLayerNormWeights = b.NewTensor(1, n, ones)
		}
	}
	return step, params
}

func randomTensor(b device.Backend, rng *rand.Rand, r, c int) device.Tensor {
	t := b.NewTensor(r, c, nil)
	randomize(rng, t)
	return t
}

func randomize(rng *rand.Rand, t device.Tensor) {
	r, c := t.Dims()
	data := make([]float32, r*c)
	for i := range data {
		data[i] = (rng.Float32() - 0.5) * 0.2
	}
	t.CopyFromFloat32(data)
}

// Bundle tensor names mirror the parameter names.
func bundleEntries(step *rnn.StepTensors, params *rnn.Params) map[string]device.Tensor {
	entries := map[string]device.Tensor{
		"input_to_forget_weights":     step.InputToForgetWeights,
		"input_to_cell_weights":       step.InputToCellWeights,
		"input_to_output_weights":     step.InputToOutputWeights,
		"recurrent_to_forget_weights": step.RecurrentToForgetWeights,
		"recurrent_to_cell_weights":   step.RecurrentToCellWeights,
		"recurrent_to_output_weights": step.RecurrentToOutputWeights,
		"forget_gate_bias":            step.ForgetGateBias,
		"cell_bias":                   step.CellBias,
		"output_gate_bias":            step.OutputGateBias,
		"input_to_input_weights":      params.InputToInputWeights,
		"recurrent_to_input_weights":  params.RecurrentToInputWeights,
		"input_gate_bias":             params.InputGateBias,
		"cell_to_input_weights":       params.CellToInputWeights,
		"cell_to_forget_weights":      params.CellToForgetWeights,
		"cell_to_output_weights":      params.CellToOutputWeights,
		"projection_weights":          params.ProjectionWeights,
		"projection_bias":             params.ProjectionBias,
		"input_layer_norm_weights":    params.InputLayerNormWeights,
		"forget_layer_norm_weights":   params.ForgetLayerNormWeights,
		"cell_layer_norm_weights":     params.CellLayerNormWeights,
		"output_layer_norm_weights":   params.OutputLayerNormWeights,
	}
	for name, t := range entries {
		if t == nil {
			delete(entries, name)
		}
	}
	return entries
}

func loadFromBundle(b *weights.Bundle, step *rnn.StepTensors, params *rnn.Params) error {
	for name, t := range bundleEntries(step, params) {
		if !b.Has(name) {
			// Generated values stand in for tensors the bundle omits
			continue
		}
		if err := b.Load(name, t); err != nil {
			return err
		}
	}
	return nil
}

func saveToBundle(b *weights.Bundle, step *rnn.StepTensors, params *rnn.Params) {
	for name, t := range bundleEntries(step, params) {
		b.Put(name, t)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("recurve"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

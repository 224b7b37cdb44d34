// Package rnn builds composite recurrent layers out of the primitives in
// internal/compute. The LSTM layer here performs a single time step: the
// pipeline is assembled once at configuration time from the derived feature
// topology and replayed on every Run.
package rnn

import (
	"fmt"
	stdlog "log"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-recurve/internal/compute"
	"github.com/23skdu/longbow-recurve/internal/device"
	"github.com/23skdu/longbow-recurve/internal/memory"
)

// StepTensors binds every caller-owned tensor of one LSTM time step. The
// caller owns all of them for the full lifetime of the layer; output tensors
// are distinct objects from the layer's internal working buffers, so
// aliasing outputs with inputs is never assumed.
type StepTensors struct {
	Input device.Tensor // (batch, inputSize)

	InputToForgetWeights device.Tensor // (numUnits, inputSize)
	InputToCellWeights   device.Tensor // (numUnits, inputSize)
	InputToOutputWeights device.Tensor // (numUnits, inputSize)

	RecurrentToForgetWeights device.Tensor // (numUnits, outputSize)
	RecurrentToCellWeights   device.Tensor // (numUnits, outputSize)
	RecurrentToOutputWeights device.Tensor // (numUnits, outputSize)

	ForgetGateBias device.Tensor // (1, numUnits)
	CellBias       device.Tensor // (1, numUnits)
	OutputGateBias device.Tensor // (1, numUnits)

	OutputStateIn device.Tensor // (batch, outputSize)
	CellStateIn   device.Tensor // (batch, numUnits)

	ScratchBuffer  device.Tensor // (batch, numUnits*4), numUnits*3 under CIFG
	OutputStateOut device.Tensor // (batch, outputSize)
	CellStateOut   device.Tensor // (batch, numUnits)
	Output         device.Tensor // (batch, outputSize)
}

// Describe returns the shape/type descriptors of the step tensors.
func (s *StepTensors) Describe() *StepDescriptors {
	return &StepDescriptors{
		Input:                    describe(s.Input),
		InputToForgetWeights:     describe(s.InputToForgetWeights),
		InputToCellWeights:       describe(s.InputToCellWeights),
		InputToOutputWeights:     describe(s.InputToOutputWeights),
		RecurrentToForgetWeights: describe(s.RecurrentToForgetWeights),
		RecurrentToCellWeights:   describe(s.RecurrentToCellWeights),
		RecurrentToOutputWeights: describe(s.RecurrentToOutputWeights),
		ForgetGateBias:           describe(s.ForgetGateBias),
		CellBias:                 describe(s.CellBias),
		OutputGateBias:           describe(s.OutputGateBias),
		OutputStateIn:            describe(s.OutputStateIn),
		CellStateIn:              describe(s.CellStateIn),
		ScratchBuffer:            describe(s.ScratchBuffer),
		OutputStateOut:           describe(s.OutputStateOut),
		CellStateOut:             describe(s.CellStateOut),
		Output:                   describe(s.Output),
	}
}

// StepDescriptors mirrors StepTensors at the descriptor level.
type StepDescriptors struct {
	Input                    *device.TensorInfo
	InputToForgetWeights     *device.TensorInfo
	InputToCellWeights       *device.TensorInfo
	InputToOutputWeights     *device.TensorInfo
	RecurrentToForgetWeights *device.TensorInfo
	RecurrentToCellWeights   *device.TensorInfo
	RecurrentToOutputWeights *device.TensorInfo
	ForgetGateBias           *device.TensorInfo
	CellBias                 *device.TensorInfo
	OutputGateBias           *device.TensorInfo
	OutputStateIn            *device.TensorInfo
	CellStateIn              *device.TensorInfo
	ScratchBuffer            *device.TensorInfo
	OutputStateOut           *device.TensorInfo
	CellStateOut             *device.TensorInfo
	Output                   *device.TensorInfo
}

// cellDims are the four quantities every shape check derives from. They come
// from the input and forget-weight shapes; outputSize comes from the
// recurrent forget weights.
type cellDims struct {
	batch      int
	inputSize  int
	numUnits   int
	outputSize int
}

func deriveCellDims(step *StepDescriptors) cellDims {
	return cellDims{
		batch:      step.Input.Rows,
		inputSize:  step.Input.Cols,
		numUnits:   step.InputToForgetWeights.Rows,
		outputSize: step.RecurrentToForgetWeights.Cols,
	}
}

var sigmoid = compute.ActivationSpec{Func: compute.ActivationLogistic}

// LSTMLayer performs a single LSTM time step composed from primitive
// operations. Lifecycle: Configure once, then Run any number of times;
// Prepare runs one-time weight layout work and is invoked lazily by the
// first Run if not called explicitly. Configuring an already-configured
// layer is not supported.
type LSTMLayer struct {
	backend device.Backend
	scratch *memory.Group

	prepOps []compute.Operation
	fcs     []*compute.FullyConnected
	ops     []compute.Operation

	topo       Topology
	configured bool
	prepared   bool
}

// NewLSTMLayer creates an unconfigured layer on the given backend.
func NewLSTMLayer(b device.Backend) *LSTMLayer {
	return &LSTMLayer{backend: b}
}

// Validate checks, without touching the device, whether the given
// descriptors lead to a valid configuration. It re-derives the same feature
// topology Configure would derive and mirrors every primitive validation
// Configure would perform, failing fast on the first error.
func Validate(step *StepDescriptors, params *ParamDescriptors, act compute.ActivationSpec, clip ClippingThresholds) error {
	type binding struct {
		name string
		info *device.TensorInfo
	}

	// Required tensors
	required := []binding{
		{"input", step.Input},
		{"input_to_forget_weights", step.InputToForgetWeights},
		{"input_to_cell_weights", step.InputToCellWeights},
		{"input_to_output_weights", step.InputToOutputWeights},
		{"recurrent_to_forget_weights", step.RecurrentToForgetWeights},
		{"recurrent_to_cell_weights", step.RecurrentToCellWeights},
		{"recurrent_to_output_weights", step.RecurrentToOutputWeights},
		{"forget_gate_bias", step.ForgetGateBias},
		{"cell_bias", step.CellBias},
		{"output_gate_bias", step.OutputGateBias},
		{"output_state_in", step.OutputStateIn},
		{"cell_state_in", step.CellStateIn},
		{"scratch_buffer", step.ScratchBuffer},
		{"output_state_out", step.OutputStateOut},
		{"cell_state_out", step.CellStateOut},
		{"output", step.Output},
	}
	for _, r := range required {
		if r.info == nil {
			return fmt.Errorf("%w: missing %s", compute.ErrInvalidConfiguration, r.name)
		}
	}

	// Uniform element type across every bound tensor
	dt := step.Input.DType
	if dt != device.F32 && dt != device.F16 {
		return fmt.Errorf("%w: data type %s", compute.ErrUnsupportedFeature, dt)
	}
	optional := []binding{
		{"input_to_input_weights", params.InputToInputWeights},
		{"recurrent_to_input_weights", params.RecurrentToInputWeights},
		{"cell_to_input_weights", params.CellToInputWeights},
		{"input_gate_bias", params.InputGateBias},
		{"cell_to_forget_weights", params.CellToForgetWeights},
		{"cell_to_output_weights", params.CellToOutputWeights},
		{"projection_weights", params.ProjectionWeights},
		{"projection_bias", params.ProjectionBias},
		{"input_layer_norm_weights", params.InputLayerNormWeights},
		{"forget_layer_norm_weights", params.ForgetLayerNormWeights},
		{"cell_layer_norm_weights", params.CellLayerNormWeights},
		{"output_layer_norm_weights", params.OutputLayerNormWeights},
	}
	for _, n := range append(append([]binding{}, required...), optional...) {
		if n.info != nil && n.info.DType != dt {
			return fmt.Errorf("%w: %s is %s, want %s", compute.ErrTypeMismatch, n.name, n.info.DType, dt)
		}
	}

	// Cell and output-state activation
	switch act.Func {
	case compute.ActivationIdentity, compute.ActivationLogistic, compute.ActivationTanh:
	default:
		return fmt.Errorf("%w: state activation function %d", compute.ErrUnsupportedFeature, act.Func)
	}

	d := deriveCellDims(step)
	topo := deriveTopology(params, clip)

	// Geometry against the derived quantities
	gateWidth := 4 * d.numUnits
	if topo.CIFG {
		gateWidth = 3 * d.numUnits
	}
	geometry := []struct {
		name       string
		info       *device.TensorInfo
		rows, cols int
	}{
		{"input_to_forget_weights", step.InputToForgetWeights, d.numUnits, d.inputSize},
		{"input_to_cell_weights", step.InputToCellWeights, d.numUnits, d.inputSize},
		{"input_to_output_weights", step.InputToOutputWeights, d.numUnits, d.inputSize},
		{"recurrent_to_forget_weights", step.RecurrentToForgetWeights, d.numUnits, d.outputSize},
		{"recurrent_to_cell_weights", step.RecurrentToCellWeights, d.numUnits, d.outputSize},
		{"recurrent_to_output_weights", step.RecurrentToOutputWeights, d.numUnits, d.outputSize},
		{"forget_gate_bias", step.ForgetGateBias, 1, d.numUnits},
		{"cell_bias", step.CellBias, 1, d.numUnits},
		{"output_gate_bias", step.OutputGateBias, 1, d.numUnits},
		{"output_state_in", step.OutputStateIn, d.batch, d.outputSize},
		{"cell_state_in", step.CellStateIn, d.batch, d.numUnits},
		{"scratch_buffer", step.ScratchBuffer, d.batch, gateWidth},
		{"output_state_out", step.OutputStateOut, d.batch, d.outputSize},
		{"cell_state_out", step.CellStateOut, d.batch, d.numUnits},
		{"output", step.Output, d.batch, d.outputSize},
		{"input_to_input_weights", params.InputToInputWeights, d.numUnits, d.inputSize},
		{"recurrent_to_input_weights", params.RecurrentToInputWeights, d.numUnits, d.outputSize},
		{"cell_to_input_weights", params.CellToInputWeights, 1, d.numUnits},
		{"input_gate_bias", params.InputGateBias, 1, d.numUnits},
		{"cell_to_forget_weights", params.CellToForgetWeights, 1, d.numUnits},
		{"cell_to_output_weights", params.CellToOutputWeights, 1, d.numUnits},
		{"projection_weights", params.ProjectionWeights, d.outputSize, d.numUnits},
		{"projection_bias", params.ProjectionBias, 1, d.outputSize},
		{"input_layer_norm_weights", params.InputLayerNormWeights, 1, d.numUnits},
		{"forget_layer_norm_weights", params.ForgetLayerNormWeights, 1, d.numUnits},
		{"cell_layer_norm_weights", params.CellLayerNormWeights, 1, d.numUnits},
		{"output_layer_norm_weights", params.OutputLayerNormWeights, 1, d.numUnits},
	}
	for _, g := range geometry {
		if g.info == nil {
			continue
		}
		if g.info.Rows != g.rows || g.info.Cols != g.cols {
			return fmt.Errorf("%w: %s is %dx%d, want %dx%d",
				compute.ErrShapeMismatch, g.name, g.info.Rows, g.info.Cols, g.rows, g.cols)
		}
	}

	// Parameter invariants
	if topo.CIFG {
		if params.RecurrentToInputWeights != nil || params.InputGateBias != nil ||
			params.CellToInputWeights != nil || params.InputLayerNormWeights != nil {
			return fmt.Errorf("%w: input gate parameters present without input_to_input_weights",
				compute.ErrInvalidConfiguration)
		}
	} else if params.RecurrentToInputWeights == nil || params.InputGateBias == nil {
		return fmt.Errorf("%w: input gate requires recurrent_to_input_weights and input_gate_bias",
			compute.ErrInvalidConfiguration)
	}
	if (params.CellToForgetWeights == nil) != (params.CellToOutputWeights == nil) {
		return fmt.Errorf("%w: peephole weights must be present for both forget and output gates",
			compute.ErrInvalidConfiguration)
	}
	if topo.Peephole && !topo.CIFG && params.CellToInputWeights == nil {
		return fmt.Errorf("%w: peephole without CIFG requires cell_to_input_weights",
			compute.ErrInvalidConfiguration)
	}
	if topo.LayerNorm {
		ok := params.CellLayerNormWeights != nil && params.OutputLayerNormWeights != nil &&
			(topo.CIFG || params.InputLayerNormWeights != nil)
		if !ok {
			return fmt.Errorf("%w: layer normalization weights are all-or-nothing",
				compute.ErrInvalidConfiguration)
		}
	} else if params.InputLayerNormWeights != nil || params.CellLayerNormWeights != nil ||
		params.OutputLayerNormWeights != nil {
		return fmt.Errorf("%w: layer normalization weights are all-or-nothing",
			compute.ErrInvalidConfiguration)
	}
	if params.ProjectionBias != nil && params.ProjectionWeights == nil {
		return fmt.Errorf("%w: projection bias requires projection weights",
			compute.ErrInvalidConfiguration)
	}
	if !topo.Projection && d.outputSize != d.numUnits {
		return fmt.Errorf("%w: output size %d differs from %d units and no projection weights given",
			compute.ErrUnsupportedFeature, d.outputSize, d.numUnits)
	}

	return validatePipeline(step, params, act, clip, d, topo)
}

// validatePipeline mirrors the wiring performed by Configure at the
// descriptor level, propagating the first primitive validation failure.
func validatePipeline(step *StepDescriptors, params *ParamDescriptors, act compute.ActivationSpec,
	clip ClippingThresholds, d cellDims, topo Topology) error {

	dt := step.Input.DType
	ti := func(r, c int) *device.TensorInfo { return device.NewTensorInfo(r, c, dt) }

	concatInput := ti(d.batch, d.inputSize+d.outputSize)
	gate := ti(d.batch, d.numUnits)
	gateWeights := ti(d.numUnits, d.inputSize+d.outputSize)
	recurrentT := ti(d.outputSize, d.numUnits)

	if err := compute.ValidateWidthConcat(concatInput, step.Input, step.OutputStateIn); err != nil {
		return fmt.Errorf("input concatenation: %w", err)
	}

	validateGate := func(name string, inputW, recurrentW, bias, peephole, lnWeights *device.TensorInfo) error {
		if err := compute.ValidateWidthConcat(gateWeights, inputW, recurrentW); err != nil {
			return fmt.Errorf("%s gate weights: %w", name, err)
		}
		fcBias := bias
		if lnWeights != nil {
			fcBias = nil
		}
		if err := compute.ValidateFullyConnected(concatInput, gateWeights, fcBias, gate); err != nil {
			return fmt.Errorf("%s gate: %w", name, err)
		}
		if peephole != nil {
			if err := compute.ValidateMultiply(step.CellStateIn, peephole, gate); err != nil {
				return fmt.Errorf("%s gate peephole: %w", name, err)
			}
			if err := compute.ValidateArithmetic(compute.ArithmeticAdd, gate, gate, gate); err != nil {
				return fmt.Errorf("%s gate peephole: %w", name, err)
			}
		}
		if lnWeights != nil {
			if err := compute.ValidateMeanStdDevNormalization(gate); err != nil {
				return fmt.Errorf("%s gate normalization: %w", name, err)
			}
			if err := compute.ValidateMultiply(gate, lnWeights, gate); err != nil {
				return fmt.Errorf("%s gate normalization: %w", name, err)
			}
			if err := compute.ValidateArithmetic(compute.ArithmeticAdd, gate, bias, gate); err != nil {
				return fmt.Errorf("%s gate bias: %w", name, err)
			}
		}
		return compute.ValidateActivation(sigmoid, gate, gate)
	}

	if err := validateGate("forget", step.InputToForgetWeights, step.RecurrentToForgetWeights,
		step.ForgetGateBias, params.CellToForgetWeights, params.ForgetLayerNormWeights); err != nil {
		return err
	}

	if topo.CIFG {
		if err := compute.ValidateMemset(gate); err != nil {
			return fmt.Errorf("input gate complement: %w", err)
		}
		if err := compute.ValidateArithmetic(compute.ArithmeticSub, gate, gate, gate); err != nil {
			return fmt.Errorf("input gate complement: %w", err)
		}
	} else {
		if err := validateGate("input", params.InputToInputWeights, params.RecurrentToInputWeights,
			params.InputGateBias, params.CellToInputWeights, params.InputLayerNormWeights); err != nil {
			return err
		}
	}

	// Cell candidate: affine from input plus recurrent matmul contribution
	cBias := step.CellBias
	if topo.LayerNorm {
		cBias = nil
	}
	if err := compute.ValidateFullyConnected(step.Input, step.InputToCellWeights, cBias, gate); err != nil {
		return fmt.Errorf("cell candidate: %w", err)
	}
	if err := compute.ValidateTranspose(step.RecurrentToCellWeights, recurrentT); err != nil {
		return fmt.Errorf("cell candidate: %w", err)
	}
	if err := compute.ValidateGEMM(step.OutputStateIn, recurrentT, gate); err != nil {
		return fmt.Errorf("cell candidate: %w", err)
	}
	if topo.LayerNorm {
		if err := compute.ValidateMeanStdDevNormalization(gate); err != nil {
			return fmt.Errorf("cell candidate normalization: %w", err)
		}
		if err := compute.ValidateMultiply(gate, params.CellLayerNormWeights, gate); err != nil {
			return fmt.Errorf("cell candidate normalization: %w", err)
		}
		if err := compute.ValidateArithmetic(compute.ArithmeticAdd, gate, step.CellBias, gate); err != nil {
			return fmt.Errorf("cell candidate bias: %w", err)
		}
	}
	if err := compute.ValidateActivation(act, gate, gate); err != nil {
		return fmt.Errorf("cell candidate: %w", err)
	}

	// New cell state
	if err := compute.ValidateMultiply(step.CellStateIn, gate, gate); err != nil {
		return fmt.Errorf("cell state: %w", err)
	}
	if err := compute.ValidateArithmetic(compute.ArithmeticAdd, gate, gate, gate); err != nil {
		return fmt.Errorf("cell state: %w", err)
	}
	if topo.ClipCell {
		if err := compute.ValidateActivation(compute.ClampSpec(clip.Cell), gate, gate); err != nil {
			return fmt.Errorf("cell clipping: %w", err)
		}
	}

	if err := validateGate("output", step.InputToOutputWeights, step.RecurrentToOutputWeights,
		step.OutputGateBias, params.CellToOutputWeights, params.OutputLayerNormWeights); err != nil {
		return err
	}

	// Output state and projection
	if err := compute.ValidateActivation(act, gate, gate); err != nil {
		return fmt.Errorf("output state: %w", err)
	}
	final := gate
	if topo.Projection {
		projected := ti(d.batch, d.outputSize)
		if err := compute.ValidateFullyConnected(gate, params.ProjectionWeights, params.ProjectionBias, projected); err != nil {
			return fmt.Errorf("projection: %w", err)
		}
		if topo.ClipProjection {
			if err := compute.ValidateActivation(compute.ClampSpec(clip.Projection), projected, projected); err != nil {
				return fmt.Errorf("projection clipping: %w", err)
			}
		}
		final = projected
	}

	if err := compute.ValidateCopy(gate, step.CellStateOut); err != nil {
		return fmt.Errorf("cell state output: %w", err)
	}
	if err := compute.ValidateCopy(final, step.OutputStateOut); err != nil {
		return fmt.Errorf("output state: %w", err)
	}
	if err := compute.ValidateCopy(final, step.Output); err != nil {
		return fmt.Errorf("output: %w", err)
	}

	gates := []*device.TensorInfo{gate, gate, gate}
	if !topo.CIFG {
		gates = append(gates, gate)
	}
	if err := compute.ValidateWidthConcat(step.ScratchBuffer, gates...); err != nil {
		return fmt.Errorf("scratch buffer: %w", err)
	}
	return nil
}

// Configure validates the bound tensors, derives the feature topology,
// allocates the scratch set and builds the fixed operation sequence. It is
// effectively once-per-instance; reconfiguring an already-configured layer
// is not supported and behavior after a failed Configure is undefined.
func (l *LSTMLayer) Configure(step *StepTensors, params *Params, act compute.ActivationSpec, clip ClippingThresholds) error {
	start := time.Now()

	stepDesc := step.Describe()
	paramDesc := params.Describe()
	if err := Validate(stepDesc, paramDesc, act, clip); err != nil {
		return err
	}

	topo := deriveTopology(paramDesc, clip)
	d := deriveCellDims(stepDesc)

	g := memory.NewGroup(l.backend)
	l.scratch = g

	// Working buffers, all privately owned
	concatInput := g.NewTensor(d.batch, d.inputSize+d.outputSize)
	forgetGate := g.NewTensor(d.batch, d.numUnits)
	inputGate := g.NewTensor(d.batch, d.numUnits)
	cellCandidate := g.NewTensor(d.batch, d.numUnits)
	cellStateNew := g.NewTensor(d.batch, d.numUnits)
	cellTmp := g.NewTensor(d.batch, d.numUnits)
	cellActivated := g.NewTensor(d.batch, d.numUnits)
	outputGate := g.NewTensor(d.batch, d.numUnits)
	outputStateRaw := g.NewTensor(d.batch, d.numUnits)

	var ones device.Tensor
	if topo.CIFG {
		ones = g.NewTensor(d.batch, d.numUnits)
	}
	var projected device.Tensor
	if topo.Projection {
		projected = g.NewTensor(d.batch, d.outputSize)
	}

	// Combined weight layouts filled during Prepare
	forgetWeights := g.NewTensor(d.numUnits, d.inputSize+d.outputSize)
	outputWeights := g.NewTensor(d.numUnits, d.inputSize+d.outputSize)
	var inputWeights device.Tensor
	if !topo.CIFG {
		inputWeights = g.NewTensor(d.numUnits, d.inputSize+d.outputSize)
	}
	cellRecurrentT := g.NewTensor(d.outputSize, d.numUnits)

	if err := l.addPrepConcat(forgetWeights, step.InputToForgetWeights, step.RecurrentToForgetWeights); err != nil {
		return err
	}
	if !topo.CIFG {
		if err := l.addPrepConcat(inputWeights, params.InputToInputWeights, params.RecurrentToInputWeights); err != nil {
			return err
		}
	}
	if err := l.addPrepConcat(outputWeights, step.InputToOutputWeights, step.RecurrentToOutputWeights); err != nil {
		return err
	}
	if err := l.addPrepTranspose(step.RecurrentToCellWeights, cellRecurrentT); err != nil {
		return err
	}

	// Run-time sequence, in the fixed gate order
	if err := l.addConcat(concatInput, step.Input, step.OutputStateIn); err != nil {
		return err
	}

	// Forget gate
	fBias := step.ForgetGateBias
	if topo.LayerNorm {
		fBias = nil
	}
	if err := l.addFC(concatInput, forgetWeights, fBias, forgetGate); err != nil {
		return err
	}
	if err := l.configureGateTail(forgetGate, params.CellToForgetWeights, step.CellStateIn,
		params.ForgetLayerNormWeights, step.ForgetGateBias, cellTmp); err != nil {
		return err
	}

	// Input gate: either its own sub-pipeline or the CIFG complement
	if topo.CIFG {
		if err := l.addMemset(ones, 1); err != nil {
			return err
		}
		if err := l.addArith(compute.ArithmeticSub, ones, forgetGate, inputGate); err != nil {
			return err
		}
	} else {
		iBias := params.InputGateBias
		if topo.LayerNorm {
			iBias = nil
		}
		if err := l.addFC(concatInput, inputWeights, iBias, inputGate); err != nil {
			return err
		}
		if err := l.configureGateTail(inputGate, params.CellToInputWeights, step.CellStateIn,
			params.InputLayerNormWeights, params.InputGateBias, cellTmp); err != nil {
			return err
		}
	}

	// Cell candidate
	cBias := step.CellBias
	if topo.LayerNorm {
		cBias = nil
	}
	if err := l.addFC(step.Input, step.InputToCellWeights, cBias, cellCandidate); err != nil {
		return err
	}
	if err := l.addGEMM(step.OutputStateIn, cellRecurrentT, cellCandidate, 1, 1); err != nil {
		return err
	}
	if topo.LayerNorm {
		if err := l.addNorm(cellCandidate); err != nil {
			return err
		}
		if err := l.addMul(cellCandidate, params.CellLayerNormWeights, cellCandidate); err != nil {
			return err
		}
		if err := l.addArith(compute.ArithmeticAdd, cellCandidate, step.CellBias, cellCandidate); err != nil {
			return err
		}
	}
	if err := l.addAct(act, cellCandidate, cellCandidate); err != nil {
		return err
	}

	// New cell state: forget ⊙ previous + input ⊙ candidate
	if err := l.addMul(step.CellStateIn, forgetGate, cellStateNew); err != nil {
		return err
	}
	if err := l.addMul(cellCandidate, inputGate, cellTmp); err != nil {
		return err
	}
	if err := l.addArith(compute.ArithmeticAdd, cellStateNew, cellTmp, cellStateNew); err != nil {
		return err
	}
	if topo.ClipCell {
		if err := l.addAct(compute.ClampSpec(clip.Cell), cellStateNew, cellStateNew); err != nil {
			return err
		}
	}

	// Output gate; the peephole reads the updated cell state
	oBias := step.OutputGateBias
	if topo.LayerNorm {
		oBias = nil
	}
	if err := l.addFC(concatInput, outputWeights, oBias, outputGate); err != nil {
		return err
	}
	if err := l.configureGateTail(outputGate, params.CellToOutputWeights, cellStateNew,
		params.OutputLayerNormWeights, step.OutputGateBias, cellTmp); err != nil {
		return err
	}

	// Output state
	if err := l.addAct(act, cellStateNew, cellActivated); err != nil {
		return err
	}
	if err := l.addMul(cellActivated, outputGate, outputStateRaw); err != nil {
		return err
	}
	final := outputStateRaw
	if topo.Projection {
		if err := l.addFC(outputStateRaw, params.ProjectionWeights, params.ProjectionBias, projected); err != nil {
			return err
		}
		if topo.ClipProjection {
			if err := l.addAct(compute.ClampSpec(clip.Projection), projected, projected); err != nil {
				return err
			}
		}
		final = projected
	}

	// Caller-visible outputs
	if err := l.addCopy(cellStateNew, step.CellStateOut); err != nil {
		return err
	}
	if err := l.addCopy(final, step.OutputStateOut); err != nil {
		return err
	}
	if err := l.addCopy(final, step.Output); err != nil {
		return err
	}

	// Scratch buffer assembly: gate activations side by side, input gate
	// omitted under CIFG
	var gates []device.Tensor
	if !topo.CIFG {
		gates = append(gates, inputGate)
	}
	gates = append(gates, cellCandidate, forgetGate, outputGate)
	if err := l.addConcat(step.ScratchBuffer, gates...); err != nil {
		return err
	}

	l.topo = topo
	l.configured = true

	configureDuration.Observe(time.Since(start).Seconds())
	log.Debug().
		Int("batch", d.batch).
		Int("input_size", d.inputSize).
		Int("num_units", d.numUnits).
		Int("output_size", d.outputSize).
		Bool("cifg", topo.CIFG).
		Bool("peephole", topo.Peephole).
		Bool("projection", topo.Projection).
		Bool("layer_norm", topo.LayerNorm).
		Int("operations", len(l.ops)).
		Msg("configured lstm cell pipeline")
	return nil
}

// configureGateTail wires the optional peephole and layer-norm corrections
// and the fixed sigmoid for one gate. peepholeWeights and lnWeights are nil
// when the corresponding feature is off.
func (l *LSTMLayer) configureGateTail(gate, peepholeWeights, peepholeSrc, lnWeights, bias, tmp device.Tensor) error {
	if peepholeWeights != nil {
		if err := l.addMul(peepholeSrc, peepholeWeights, tmp); err != nil {
			return err
		}
		if err := l.addArith(compute.ArithmeticAdd, gate, tmp, gate); err != nil {
			return err
		}
	}
	if lnWeights != nil {
		if err := l.addNorm(gate); err != nil {
			return err
		}
		if err := l.addMul(gate, lnWeights, gate); err != nil {
			return err
		}
		if err := l.addArith(compute.ArithmeticAdd, gate, bias, gate); err != nil {
			return err
		}
	}
	return l.addAct(sigmoid, gate, gate)
}

// Prepare performs the one-time, input-independent weight layout work:
// concatenating the per-gate weight pairs and transposing the recurrent
// cell weights. Safe to call multiple times; a no-op after the first.
func (l *LSTMLayer) Prepare() {
	if !l.configured {
		stdlog.Panic("rnn: Prepare before Configure")
	}
	if l.prepared {
		return
	}
	for _, op := range l.prepOps {
		op.Run()
	}
	for _, fc := range l.fcs {
		fc.Prepare()
	}
	l.prepared = true
}

// Run replays the operation sequence fixed by Configure, preparing first if
// needed. It never branches on the topology and never reallocates.
func (l *LSTMLayer) Run() {
	if !l.configured {
		stdlog.Panic("rnn: Run before Configure")
	}
	if !l.prepared {
		l.Prepare()
	}

	start := time.Now()
	for _, op := range l.ops {
		op.Run()
	}
	runDuration.Observe(time.Since(start).Seconds())
	stepsTotal.Inc()
}

// Topology returns the feature flags derived at configuration time.
func (l *LSTMLayer) Topology() Topology {
	return l.topo
}

// Close releases the scratch tensor set back to the backend pool. The layer
// must not be used afterwards.
func (l *LSTMLayer) Close() {
	if l.scratch != nil {
		l.scratch.Release()
	}
}

// op wiring helpers

func (l *LSTMLayer) addFC(input, weights, bias, output device.Tensor) error {
	fc := &compute.FullyConnected{}
	if err := fc.Configure(l.backend, input, weights, bias, output); err != nil {
		return err
	}
	l.fcs = append(l.fcs, fc)
	l.ops = append(l.ops, fc)
	return nil
}

func (l *LSTMLayer) addMul(a, b, output device.Tensor) error {
	op := &compute.Multiply{}
	if err := op.Configure(a, b, output); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addArith(kind compute.ArithmeticOp, a, b, output device.Tensor) error {
	op := &compute.Arithmetic{}
	if err := op.Configure(kind, a, b, output); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addAct(spec compute.ActivationSpec, input, output device.Tensor) error {
	op := &compute.Activation{}
	if err := op.Configure(spec, input, output); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addNorm(t device.Tensor) error {
	op := &compute.MeanStdDevNormalization{}
	if err := op.Configure(t, 0); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addMemset(t device.Tensor, v float32) error {
	op := &compute.Memset{}
	if err := op.Configure(t, v); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addCopy(src, dst device.Tensor) error {
	op := &compute.Copy{}
	if err := op.Configure(src, dst); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addConcat(output device.Tensor, inputs ...device.Tensor) error {
	op := &compute.WidthConcat{}
	if err := op.Configure(output, inputs...); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addGEMM(a, b, output device.Tensor, alpha, beta float32) error {
	op := &compute.GEMM{}
	if err := op.Configure(a, b, output, alpha, beta); err != nil {
		return err
	}
	l.ops = append(l.ops, op)
	return nil
}

func (l *LSTMLayer) addPrepConcat(output device.Tensor, inputs ...device.Tensor) error {
	op := &compute.WidthConcat{}
	if err := op.Configure(output, inputs...); err != nil {
		return err
	}
	l.prepOps = append(l.prepOps, op)
	return nil
}

func (l *LSTMLayer) addPrepTranspose(input, output device.Tensor) error {
	op := &compute.Transpose{}
	if err := op.Configure(input, output); err != nil {
		return err
	}
	l.prepOps = append(l.prepOps, op)
	return nil
}

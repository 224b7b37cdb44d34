package rnn

import (
	"github.com/23skdu/longbow-recurve/internal/device"
)

// Params aggregates the optional weight and bias tensors describing extended
// LSTM behavior. Feature modes are derived from presence, not from explicit
// flags: absent input-gate weights select the coupled input-forget gate
// (CIFG), present cell-to-gate weights select peepholes, and so on.
//
// Invariants checked by Validate: the layer-norm weight vectors are
// all-or-nothing (the input entry is excluded under CIFG), and a projection
// bias may only be present together with projection weights.
type Params struct {
	// Input gate. All absent under CIFG.
	InputToInputWeights     device.Tensor // (numUnits, inputSize)
	RecurrentToInputWeights device.Tensor // (numUnits, outputSize)
	CellToInputWeights      device.Tensor // (1, numUnits), peephole
	InputGateBias           device.Tensor // (1, numUnits)

	// Peephole contributions from the cell state.
	CellToForgetWeights device.Tensor // (1, numUnits)
	CellToOutputWeights device.Tensor // (1, numUnits)

	// Projection of the raw recurrent output.
	ProjectionWeights device.Tensor // (outputSize, numUnits)
	ProjectionBias    device.Tensor // (1, outputSize)

	// Per-gate layer normalization weights, each (1, numUnits).
	InputLayerNormWeights  device.Tensor
	ForgetLayerNormWeights device.Tensor
	CellLayerNormWeights   device.Tensor
	OutputLayerNormWeights device.Tensor
}

// Describe returns the shape/type descriptors of every present tensor.
func (p *Params) Describe() *ParamDescriptors {
	return &ParamDescriptors{
		InputToInputWeights:     describe(p.InputToInputWeights),
		RecurrentToInputWeights: describe(p.RecurrentToInputWeights),
		CellToInputWeights:      describe(p.CellToInputWeights),
		InputGateBias:           describe(p.InputGateBias),
		CellToForgetWeights:     describe(p.CellToForgetWeights),
		CellToOutputWeights:     describe(p.CellToOutputWeights),
		ProjectionWeights:       describe(p.ProjectionWeights),
		ProjectionBias:          describe(p.ProjectionBias),
		InputLayerNormWeights:   describe(p.InputLayerNormWeights),
		ForgetLayerNormWeights:  describe(p.ForgetLayerNormWeights),
		CellLayerNormWeights:    describe(p.CellLayerNormWeights),
		OutputLayerNormWeights:  describe(p.OutputLayerNormWeights),
	}
}

// ParamDescriptors mirrors Params at the descriptor level for validation.
type ParamDescriptors struct {
	InputToInputWeights     *device.TensorInfo
	RecurrentToInputWeights *device.TensorInfo
	CellToInputWeights      *device.TensorInfo
	InputGateBias           *device.TensorInfo
	CellToForgetWeights     *device.TensorInfo
	CellToOutputWeights     *device.TensorInfo
	ProjectionWeights       *device.TensorInfo
	ProjectionBias          *device.TensorInfo
	InputLayerNormWeights   *device.TensorInfo
	ForgetLayerNormWeights  *device.TensorInfo
	CellLayerNormWeights    *device.TensorInfo
	OutputLayerNormWeights  *device.TensorInfo
}

// ClippingThresholds carries the two clip bounds. A zero value disables the
// corresponding clamp; otherwise values are bound to [-t, t].
type ClippingThresholds struct {
	Cell       float32
	Projection float32
}

// Topology is the immutable set of feature flags derived once from parameter
// presence during validation/configuration. It selects which sub-pipelines
// exist; Run never branches on it.
type Topology struct {
	Peephole       bool
	CIFG           bool
	Projection     bool
	LayerNorm      bool
	ClipCell       bool
	ClipProjection bool
}

func deriveTopology(p *ParamDescriptors, clip ClippingThresholds) Topology {
	return Topology{
		Peephole:       p.CellToForgetWeights != nil,
		CIFG:           p.InputToInputWeights == nil,
		Projection:     p.ProjectionWeights != nil,
		LayerNorm:      p.ForgetLayerNormWeights != nil,
		ClipCell:       clip.Cell != 0,
		ClipProjection: clip.Projection != 0,
	}
}

func describe(t device.Tensor) *device.TensorInfo {
	if t == nil {
		return nil
	}
	i := t.Info()
	return &i
}

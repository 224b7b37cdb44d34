package compute

import (
	"fmt"
	"log"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// FullyConnected computes output = input · weightsᵀ + bias. Weights are bound
// in (outFeatures, inFeatures) layout; Prepare materializes the transposed
// copy the matrix-multiply kernel consumes, once, ahead of the first Run.
type FullyConnected struct {
	backend  device.Backend
	input    device.Tensor
	weights  device.Tensor
	bias     device.Tensor // optional
	output   device.Tensor
	weightsT device.Tensor
	prepared bool
}

// ValidateFullyConnected checks the geometry of an affine transform:
// input (batch, inF), weights (outF, inF), bias (1, outF) or absent,
// output (batch, outF).
func ValidateFullyConnected(input, weights, bias, output *device.TensorInfo) error {
	if input == nil || weights == nil || output == nil {
		return fmt.Errorf("%w: fully connected requires input, weights and output", ErrInvalidConfiguration)
	}
	if err := checkDType(input, weights, bias, output); err != nil {
		return err
	}

	batch, inF := input.Rows, input.Cols
	outF := weights.Rows
	if weights.Cols != inF {
		return fmt.Errorf("%w: weights %dx%d incompatible with input width %d",
			ErrShapeMismatch, weights.Rows, weights.Cols, inF)
	}
	if bias != nil && (bias.Rows != 1 || bias.Cols != outF) {
		return fmt.Errorf("%w: bias %dx%d, want 1x%d", ErrShapeMismatch, bias.Rows, bias.Cols, outF)
	}
	if output.Rows != batch || output.Cols != outF {
		return fmt.Errorf("%w: output %dx%d, want %dx%d",
			ErrShapeMismatch, output.Rows, output.Cols, batch, outF)
	}
	return nil
}

// Configure binds the tensors. bias may be nil.
func (fc *FullyConnected) Configure(b device.Backend, input, weights, bias, output device.Tensor) error {
	if err := ValidateFullyConnected(infoOf(input), infoOf(weights), infoOf(bias), infoOf(output)); err != nil {
		return err
	}
	fc.backend = b
	fc.input = input
	fc.weights = weights
	fc.bias = bias
	fc.output = output
	return nil
}

// Prepare transposes the weights into multiply layout. Idempotent; the
// weights tensor must hold its final contents before the first call.
func (fc *FullyConnected) Prepare() {
	if fc.prepared {
		return
	}
	if fc.weights == nil {
		log.Panic("FullyConnected: Prepare before Configure")
	}
	wr, wc := fc.weights.Dims()
	fc.weightsT = fc.backend.NewTensor(wc, wr, nil)
	fc.weightsT.Copy(fc.weights.T())
	fc.prepared = true
}

func (fc *FullyConnected) Run() {
	if !fc.prepared {
		fc.Prepare()
	}
	fc.output.Mul(fc.input, fc.weightsT)
	if fc.bias != nil {
		fc.output.Add(fc.bias)
	}
}

package compute

import (
	"fmt"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// DefaultNormEpsilon stabilizes the variance denominator.
const DefaultNormEpsilon = 1e-8

// MeanStdDevNormalization normalizes each row of a tensor to zero mean and
// unit variance, in place. Per-element scale and shift are applied by
// separate Multiply/Arithmetic primitives.
type MeanStdDevNormalization struct {
	tensor device.Tensor
	eps    float32
}

func ValidateMeanStdDevNormalization(input *device.TensorInfo) error {
	if input == nil {
		return fmt.Errorf("%w: normalization requires a tensor", ErrInvalidConfiguration)
	}
	if err := checkDType(input); err != nil {
		return err
	}
	if input.Rows < 1 || input.Cols < 1 {
		return fmt.Errorf("%w: cannot normalize %dx%d tensor", ErrShapeMismatch, input.Rows, input.Cols)
	}
	return nil
}

func (n *MeanStdDevNormalization) Configure(tensor device.Tensor, eps float32) error {
	if err := ValidateMeanStdDevNormalization(infoOf(tensor)); err != nil {
		return err
	}
	if eps <= 0 {
		eps = DefaultNormEpsilon
	}
	n.tensor = tensor
	n.eps = eps
	return nil
}

func (n *MeanStdDevNormalization) Run() {
	n.tensor.MeanStdDevNorm(n.eps)
}

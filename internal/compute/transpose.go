package compute

import (
	"fmt"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// Transpose writes the transpose of the input into the output.
type Transpose struct {
	input  device.Tensor
	output device.Tensor
}

func ValidateTranspose(input, output *device.TensorInfo) error {
	if input == nil || output == nil {
		return fmt.Errorf("%w: transpose requires input and output", ErrInvalidConfiguration)
	}
	if err := checkDType(input, output); err != nil {
		return err
	}
	if output.Rows != input.Cols || output.Cols != input.Rows {
		return fmt.Errorf("%w: transpose of %dx%d into %dx%d", ErrShapeMismatch, input.Rows, input.Cols, output.Rows, output.Cols)
	}
	return nil
}

func (tp *Transpose) Configure(input, output device.Tensor) error {
	if err := ValidateTranspose(infoOf(input), infoOf(output)); err != nil {
		return err
	}
	tp.input = input
	tp.output = output
	return nil
}

func (tp *Transpose) Run() {
	tp.output.Copy(tp.input.T())
}

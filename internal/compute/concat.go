package compute

import (
	"fmt"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// WidthConcat concatenates tensors along the column axis into a single
// output whose width is the sum of the input widths.
type WidthConcat struct {
	inputs []device.Tensor
	output device.Tensor
}

func ValidateWidthConcat(output *device.TensorInfo, inputs ...*device.TensorInfo) error {
	if output == nil || len(inputs) == 0 {
		return fmt.Errorf("%w: concat requires an output and at least one input", ErrInvalidConfiguration)
	}
	all := append([]*device.TensorInfo{output}, inputs...)
	if err := checkDType(all...); err != nil {
		return err
	}

	totalCols := 0
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("%w: concat input %d absent", ErrInvalidConfiguration, i)
		}
		if in.Rows != output.Rows {
			return fmt.Errorf("%w: concat input %d has %d rows, want %d", ErrShapeMismatch, i, in.Rows, output.Rows)
		}
		totalCols += in.Cols
	}
	if output.Cols != totalCols {
		return fmt.Errorf("%w: concat output width %d, inputs sum to %d", ErrShapeMismatch, output.Cols, totalCols)
	}
	return nil
}

func (c *WidthConcat) Configure(output device.Tensor, inputs ...device.Tensor) error {
	infos := make([]*device.TensorInfo, len(inputs))
	for i, in := range inputs {
		infos[i] = infoOf(in)
	}
	if err := ValidateWidthConcat(infoOf(output), infos...); err != nil {
		return err
	}
	c.inputs = inputs
	c.output = output
	return nil
}

func (c *WidthConcat) Run() {
	offset := 0
	for _, in := range c.inputs {
		r, cols := in.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				c.output.Set(i, offset+j, in.At(i, j))
			}
		}
		offset += cols
	}
}

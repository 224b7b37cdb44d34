package compute

import (
	"fmt"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// GEMM computes output = alpha * a * b + beta * output.
type GEMM struct {
	a      device.Tensor
	b      device.Tensor
	output device.Tensor
	alpha  float32
	beta   float32
}

func ValidateGEMM(a, b, output *device.TensorInfo) error {
	if a == nil || b == nil || output == nil {
		return fmt.Errorf("%w: gemm requires two operands and an output", ErrInvalidConfiguration)
	}
	if err := checkDType(a, b, output); err != nil {
		return err
	}
	if a.Cols != b.Rows {
		return fmt.Errorf("%w: gemm %dx%d * %dx%d", ErrShapeMismatch, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if output.Rows != a.Rows || output.Cols != b.Cols {
		return fmt.Errorf("%w: gemm output %dx%d, want %dx%d", ErrShapeMismatch, output.Rows, output.Cols, a.Rows, b.Cols)
	}
	return nil
}

func (g *GEMM) Configure(a, b, output device.Tensor, alpha, beta float32) error {
	if err := ValidateGEMM(infoOf(a), infoOf(b), infoOf(output)); err != nil {
		return err
	}
	g.a = a
	g.b = b
	g.output = output
	g.alpha = alpha
	g.beta = beta
	return nil
}

func (g *GEMM) Run() {
	g.output.Gemm(g.a, g.b, g.alpha, g.beta)
}

package compute

import (
	"fmt"
	"log"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// ArithmeticOp selects the elementwise arithmetic operation.
type ArithmeticOp int

const (
	ArithmeticAdd ArithmeticOp = iota
	ArithmeticSub
)

// validateElementwise covers the shared geometry of binary elementwise
// primitives: a (r, c), b (r, c) or a broadcast row (1, c), output (r, c).
func validateElementwise(a, b, output *device.TensorInfo) error {
	if a == nil || b == nil || output == nil {
		return fmt.Errorf("%w: elementwise op requires both operands and an output", ErrInvalidConfiguration)
	}
	if err := checkDType(a, b, output); err != nil {
		return err
	}
	if b.Cols != a.Cols || (b.Rows != a.Rows && b.Rows != 1) {
		return fmt.Errorf("%w: operand %dx%d against %dx%d", ErrShapeMismatch, b.Rows, b.Cols, a.Rows, a.Cols)
	}
	if output.Rows != a.Rows || output.Cols != a.Cols {
		return fmt.Errorf("%w: output %dx%d, want %dx%d", ErrShapeMismatch, output.Rows, output.Cols, a.Rows, a.Cols)
	}
	return nil
}

// Arithmetic computes output = a ± b, saturating at the storage format's
// range. The output may alias a for in-place accumulation.
type Arithmetic struct {
	op     ArithmeticOp
	a      device.Tensor
	b      device.Tensor
	output device.Tensor
}

func ValidateArithmetic(op ArithmeticOp, a, b, output *device.TensorInfo) error {
	if op != ArithmeticAdd && op != ArithmeticSub {
		return fmt.Errorf("%w: arithmetic op %d", ErrUnsupportedFeature, op)
	}
	return validateElementwise(a, b, output)
}

func (ar *Arithmetic) Configure(op ArithmeticOp, a, b, output device.Tensor) error {
	if err := ValidateArithmetic(op, infoOf(a), infoOf(b), infoOf(output)); err != nil {
		return err
	}
	ar.op = op
	ar.a = a
	ar.b = b
	ar.output = output
	return nil
}

func (ar *Arithmetic) Run() {
	if ar.output != ar.a {
		ar.output.Copy(ar.a)
	}
	switch ar.op {
	case ArithmeticAdd:
		ar.output.Add(ar.b)
	case ArithmeticSub:
		ar.output.Sub(ar.b)
	default:
		log.Panicf("Arithmetic: unknown op %d", ar.op)
	}
}

// Multiply computes output = a ⊙ b. A 1-row b is broadcast across a's rows.
// The output may alias a.
type Multiply struct {
	a      device.Tensor
	b      device.Tensor
	output device.Tensor
}

func ValidateMultiply(a, b, output *device.TensorInfo) error {
	return validateElementwise(a, b, output)
}

func (m *Multiply) Configure(a, b, output device.Tensor) error {
	if err := ValidateMultiply(infoOf(a), infoOf(b), infoOf(output)); err != nil {
		return err
	}
	m.a = a
	m.b = b
	m.output = output
	return nil
}

func (m *Multiply) Run() {
	if m.output != m.a {
		m.output.Copy(m.a)
	}
	m.output.MulElem(m.b)
}

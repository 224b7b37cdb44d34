package compute

import (
	"fmt"
	"log"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// ActivationFunc identifies the nonlinearity applied by an Activation.
type ActivationFunc int

const (
	ActivationIdentity ActivationFunc = iota
	ActivationLogistic
	ActivationTanh
	// ActivationBoundedLinear clamps values to [Lower, Upper].
	ActivationBoundedLinear
)

// ActivationSpec is the nonlinearity and its parameters applied at an
// activation point. Lower/Upper are only read for ActivationBoundedLinear.
type ActivationSpec struct {
	Func  ActivationFunc
	Lower float32
	Upper float32
}

// ClampSpec builds the symmetric clamp spec bounding values to [-t, t].
func ClampSpec(t float32) ActivationSpec {
	return ActivationSpec{Func: ActivationBoundedLinear, Lower: -t, Upper: t}
}

// Activation applies spec to input, writing to output. Output may alias
// input for in-place application.
type Activation struct {
	spec   ActivationSpec
	input  device.Tensor
	output device.Tensor
}

func ValidateActivation(spec ActivationSpec, input, output *device.TensorInfo) error {
	switch spec.Func {
	case ActivationIdentity, ActivationLogistic, ActivationTanh, ActivationBoundedLinear:
	default:
		return fmt.Errorf("%w: activation function %d", ErrUnsupportedFeature, spec.Func)
	}
	if input == nil || output == nil {
		return fmt.Errorf("%w: activation requires input and output", ErrInvalidConfiguration)
	}
	if err := checkDType(input, output); err != nil {
		return err
	}
	if input.Rows != output.Rows || input.Cols != output.Cols {
		return fmt.Errorf("%w: output %dx%d, want %dx%d", ErrShapeMismatch, output.Rows, output.Cols, input.Rows, input.Cols)
	}
	return nil
}

func (a *Activation) Configure(spec ActivationSpec, input, output device.Tensor) error {
	if err := ValidateActivation(spec, infoOf(input), infoOf(output)); err != nil {
		return err
	}
	a.spec = spec
	a.input = input
	a.output = output
	return nil
}

func (a *Activation) Run() {
	if a.output != a.input {
		a.output.Copy(a.input)
	}
	switch a.spec.Func {
	case ActivationIdentity:
	case ActivationLogistic:
		a.output.Logistic()
	case ActivationTanh:
		a.output.Tanh()
	case ActivationBoundedLinear:
		a.output.Clamp(a.spec.Lower, a.spec.Upper)
	default:
		log.Panicf("Activation: unknown function %d", a.spec.Func)
	}
}

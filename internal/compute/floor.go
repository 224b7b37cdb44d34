package compute

import (
	"github.com/23skdu/longbow-recurve/internal/device"
)

// Floor rounds every element down to the nearest integer.
type Floor struct {
	input  device.Tensor
	output device.Tensor
}

func ValidateFloor(input, output *device.TensorInfo) error {
	// Same geometry contract as an activation pass-through.
	return ValidateActivation(ActivationSpec{Func: ActivationIdentity}, input, output)
}

func (f *Floor) Configure(input, output device.Tensor) error {
	if err := ValidateFloor(infoOf(input), infoOf(output)); err != nil {
		return err
	}
	f.input = input
	f.output = output
	return nil
}

func (f *Floor) Run() {
	if f.output != f.input {
		f.output.Copy(f.input)
	}
	f.output.Floor()
}

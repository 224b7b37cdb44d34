package compute

import (
	"fmt"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// Memset fills a tensor with a constant value on every Run.
type Memset struct {
	tensor device.Tensor
	value  float32
}

func ValidateMemset(tensor *device.TensorInfo) error {
	if tensor == nil {
		return fmt.Errorf("%w: memset requires a tensor", ErrInvalidConfiguration)
	}
	return checkDType(tensor)
}

func (m *Memset) Configure(tensor device.Tensor, value float32) error {
	if err := ValidateMemset(infoOf(tensor)); err != nil {
		return err
	}
	m.tensor = tensor
	m.value = value
	return nil
}

func (m *Memset) Run() {
	m.tensor.Fill(m.value)
}

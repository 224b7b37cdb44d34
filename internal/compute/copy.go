package compute

import (
	"fmt"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// Copy copies the source tensor into the destination on every Run. Source
// and destination are distinct tensor objects; aliasing is never assumed.
type Copy struct {
	src device.Tensor
	dst device.Tensor
}

func ValidateCopy(src, dst *device.TensorInfo) error {
	if src == nil || dst == nil {
		return fmt.Errorf("%w: copy requires source and destination", ErrInvalidConfiguration)
	}
	if err := checkDType(src, dst); err != nil {
		return err
	}
	if src.Rows != dst.Rows || src.Cols != dst.Cols {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrShapeMismatch, src.Rows, src.Cols, dst.Rows, dst.Cols)
	}
	return nil
}

func (c *Copy) Configure(src, dst device.Tensor) error {
	if err := ValidateCopy(infoOf(src), infoOf(dst)); err != nil {
		return err
	}
	c.src = src
	c.dst = dst
	return nil
}

func (c *Copy) Run() {
	c.dst.Copy(c.src)
}

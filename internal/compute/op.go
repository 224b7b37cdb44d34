// Package compute provides the primitive operations a composite layer is
// assembled from. Every primitive follows the same contract: a pure Validate
// function over shape/type descriptors, a Configure call binding concrete
// tensors (which re-runs Validate), and a Run call replaying the bound
// operation. Run performs no shape computation and reports no errors;
// programmer misuse past Configure panics.
package compute

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// Operation is a configured compute primitive ready to execute.
type Operation interface {
	Run()
}

var (
	// ErrTypeMismatch reports inconsistent element types across bound tensors.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrShapeMismatch reports dimension extents inconsistent with the
	// operation's geometry.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidConfiguration reports a violated parameter invariant.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrUnsupportedFeature reports a requested combination no configured
	// pipeline variant can satisfy.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// infoOf returns the descriptor of t, or nil for an absent tensor.
func infoOf(t device.Tensor) *device.TensorInfo {
	if t == nil {
		return nil
	}
	i := t.Info()
	return &i
}

// checkDType verifies that every present descriptor carries the same,
// supported element type.
func checkDType(infos ...*device.TensorInfo) error {
	var ref *device.TensorInfo
	for _, in := range infos {
		if in == nil {
			continue
		}
		if in.DType != device.F32 && in.DType != device.F16 {
			return fmt.Errorf("%w: data type %s", ErrUnsupportedFeature, in.DType)
		}
		if ref == nil {
			ref = in
			continue
		}
		if in.DType != ref.DType {
			return fmt.Errorf("%w: %s vs %s", ErrTypeMismatch, ref.DType, in.DType)
		}
	}
	return nil
}

package device

import "fmt"

// DataType identifies the element type of a Tensor. Only the two floating
// formats supported by the compute primitives are defined.
type DataType int

const (
	F32 DataType = iota
	F16
)

func (d DataType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// TensorInfo describes the geometry and element type of a tensor without
// binding any storage. Validation paths work entirely on TensorInfo values.
type TensorInfo struct {
	Rows  int
	Cols  int
	DType DataType
}

// NewTensorInfo builds a descriptor for a rows x cols tensor.
func NewTensorInfo(rows, cols int, dt DataType) *TensorInfo {
	return &TensorInfo{Rows: rows, Cols: cols, DType: dt}
}

// Tensor represents a two-dimensional array of data that can be resident
// on different devices. Rows index the batch, columns the feature width.
type Tensor interface {
	// Dims returns the logical dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// Info returns the shape/type descriptor of the tensor.
	Info() TensorInfo

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if available on CPU (nil if on GPU
	// or if the tensor is a transposed view).
	Data() []float32

	// ToHost copies the data to a Go slice in logical (row-major) order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same logical dims.
	Copy(from Tensor)

	// T returns the transpose view. The view shares storage.
	T() Tensor

	// Fill sets every element to v.
	Fill(v float32)

	// Scale performs t = t * v.
	Scale(v float32)

	// Add performs t = t + other. A 1-row other is broadcast across rows.
	// F16 tensors saturate at the binary16 range.
	Add(other Tensor)

	// Sub performs t = t - other, with the same broadcast and saturation
	// rules as Add.
	Sub(other Tensor)

	// MulElem performs t = t ⊙ other. A 1-row other is broadcast across rows.
	MulElem(other Tensor)

	// Activation functions (in-place)
	Tanh()
	Logistic()
	Floor()

	// Clamp bounds every element to [lo, hi] (in-place).
	Clamp(lo, hi float32)

	// MeanStdDevNorm normalizes each row to zero mean and unit variance
	// (in-place).
	MeanStdDevNorm(eps float32)

	// Gemm performs t = alpha * a * b + beta * t.
	Gemm(a, b Tensor, alpha, beta float32)

	// Mul performs matrix multiplication: t = a * b.
	Mul(a, b Tensor)
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string

	// DType is the element type of tensors created by this backend.
	DType() DataType

	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

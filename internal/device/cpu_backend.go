package device

import (
	"log"
	"math"
	"sync"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-recurve/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// maxFP16 is the largest normal binary16 value. F16 tensors saturate here.
const maxFP16 = 65504.0

type CPUBackend struct {
	pool  sync.Pool
	dtype DataType
}

// NewCPUBackend creates a backend producing F32 tensors.
func NewCPUBackend() *CPUBackend {
	return newCPUBackend(F32)
}

// NewCPUBackendFP16 creates a backend producing F16 tensors. Compute runs in
// float32; values quantize through binary16 on every store.
func NewCPUBackendFP16() *CPUBackend {
	return newCPUBackend(F16)
}

func newCPUBackend(dt DataType) *CPUBackend {
	return &CPUBackend{
		dtype: dt,
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	if b.dtype == F16 {
		return "CPU-FP16"
	}
	return "CPU"
}

func (b *CPUBackend) DType() DataType {
	return b.dtype
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		dtype:   b.dtype,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.CopyFromFloat32(data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.dtype = b.dtype
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	dtype   DataType
	trans   bool // Transposed view flag
}

// quantize narrows v to the tensor's storage format.
func (t *CPUTensor) quantize(v float32) float32 {
	if t.dtype != F16 {
		return v
	}
	if v > maxFP16 {
		v = maxFP16
	} else if v < -maxFP16 {
		v = -maxFP16
	}
	return float16.Fromfloat32(v).Float32()
}

// saturate rounds every element back onto the storage format's grid after
// arithmetic, saturating at the binary16 range.
func (t *CPUTensor) saturate() {
	if t.dtype != F16 {
		return
	}
	for i, v := range t.data {
		t.data[i] = t.quantize(v)
	}
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) Info() TensorInfo {
	r, c := t.Dims()
	return TensorInfo{Rows: r, Cols: c, DType: t.dtype}
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	v = t.quantize(v)
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		// Physical copy to respect the transpose
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("CopyFromFloat32: size mismatch")
	}
	if t.dtype == F16 {
		for i, v := range data {
			t.data[i] = t.quantize(v)
		}
		return
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not yet supported directly")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()

	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans && t.dtype == ft.dtype {
		copy(t.data, ft.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, ft.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		dtype:   t.dtype,
		trans:   !t.trans, // Toggle transpose state
	}
}

func (t *CPUTensor) Fill(v float32) {
	v = t.quantize(v)
	for i := range t.data {
		t.data[i] = v
	}
}

func (t *CPUTensor) Scale(v float32) {
	if t.trans {
		log.Panic("Scale not supported on transposed tensor views directly")
	}
	simd.VecScale(t.data, v)
	t.saturate()
}

// broadcastRow returns the stride-0 row data when other is a 1-row tensor
// broadcast across t's rows, or nil for a full element-wise operand.
func (t *CPUTensor) broadcastRow(other *CPUTensor, opName string) []float32 {
	tr, tc := t.Dims()
	or, oc := other.Dims()

	if or == 1 && tr != 1 {
		if oc != tc {
			log.Panicf("%s: broadcast width mismatch. Target cols %d, row cols %d", opName, tc, oc)
		}
		if other.trans {
			row := make([]float32, oc)
			for j := 0; j < oc; j++ {
				row[j] = other.At(0, j)
			}
			return row
		}
		return other.data
	}

	if tr != or || tc != oc {
		log.Panicf("%s: dimension mismatch. Target: %dx%d, Other: %dx%d", opName, tr, tc, or, oc)
	}
	return nil
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}
	if t.trans {
		log.Panic("Add not supported on transposed tensor views directly")
	}

	if row := t.broadcastRow(ot, "Add"); row != nil {
		r, c := t.Dims()
		for i := 0; i < r; i++ {
			simd.VecAdd(t.data[i*c:(i+1)*c], row)
		}
	} else if !ot.trans {
		simd.VecAdd(t.data, ot.data)
	} else {
		tr, tc := t.Dims()
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.data[i*tc+j] += ot.At(i, j)
			}
		}
	}
	t.saturate()
}

func (t *CPUTensor) Sub(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Sub not supported")
	}
	if t.trans {
		log.Panic("Sub not supported on transposed tensor views directly")
	}

	if row := t.broadcastRow(ot, "Sub"); row != nil {
		r, c := t.Dims()
		for i := 0; i < r; i++ {
			simd.VecSub(t.data[i*c:(i+1)*c], row)
		}
	} else if !ot.trans {
		simd.VecSub(t.data, ot.data)
	} else {
		tr, tc := t.Dims()
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.data[i*tc+j] -= ot.At(i, j)
			}
		}
	}
	t.saturate()
}

func (t *CPUTensor) MulElem(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend MulElem not supported")
	}
	if t.trans {
		log.Panic("MulElem not supported on transposed tensor views directly")
	}

	if row := t.broadcastRow(ot, "MulElem"); row != nil {
		r, c := t.Dims()
		for i := 0; i < r; i++ {
			simd.VecMul(t.data[i*c:(i+1)*c], row)
		}
	} else if !ot.trans {
		simd.VecMul(t.data, ot.data)
	} else {
		tr, tc := t.Dims()
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.data[i*tc+j] *= ot.At(i, j)
			}
		}
	}
	t.saturate()
}

func (t *CPUTensor) Tanh() {
	if t.trans {
		log.Panic("Tanh not supported on transposed tensor views directly")
	}
	for i, v := range t.data {
		t.data[i] = t.quantize(float32(math.Tanh(float64(v))))
	}
}

func (t *CPUTensor) Logistic() {
	if t.trans {
		log.Panic("Logistic not supported on transposed tensor views directly")
	}
	for i, v := range t.data {
		t.data[i] = t.quantize(float32(1.0 / (1.0 + math.Exp(float64(-v)))))
	}
}

func (t *CPUTensor) Floor() {
	if t.trans {
		log.Panic("Floor not supported on transposed tensor views directly")
	}
	for i, v := range t.data {
		t.data[i] = t.quantize(float32(math.Floor(float64(v))))
	}
}

func (t *CPUTensor) Clamp(lo, hi float32) {
	if t.trans {
		log.Panic("Clamp not supported on transposed tensor views directly")
	}
	simd.Clamp(t.data, lo, hi)
	t.saturate()
}

func (t *CPUTensor) MeanStdDevNorm(eps float32) {
	if t.trans {
		log.Panic("MeanStdDevNorm not supported on transposed tensor views directly")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]

		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(c)

		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / float32(c)
		invStd := 1.0 / float32(math.Sqrt(float64(variance+eps)))

		for j := range row {
			row[j] = t.quantize((row[j] - mean) * invStd)
		}
	}
}

func (t *CPUTensor) Gemm(a, b Tensor, alpha, beta float32) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Gemm not supported")
	}
	if t.trans {
		log.Panic("Gemm destination must not be a transposed view")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Gemm: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Gemm: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	tA, tB := blas.NoTrans, blas.NoTrans
	if ma.trans {
		tA = blas.Trans
	}
	if mb.trans {
		tB = blas.Trans
	}

	// blas32 operands describe physical layout; the trans flags restore the
	// logical orientation.
	ga := blas32.General{Rows: ma.rows, Cols: ma.cols, Stride: ma.cols, Data: ma.data}
	gb := blas32.General{Rows: mb.rows, Cols: mb.cols, Stride: mb.cols, Data: mb.data}
	gt := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}

	blas32.Gemm(tA, tB, alpha, ga, gb, beta, gt)
	t.saturate()
}

func (t *CPUTensor) Mul(a, b Tensor) {
	t.Gemm(a, b, 1, 0)
}

package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	// Length 7 exercises both the unrolled body and the remainder
	dst := []float32{1, 2, 3, 4, 5, 6, 7}
	src := []float32{10, 20, 30, 40, 50, 60, 70}

	VecAdd(dst, src)

	expected := []float32{11, 22, 33, 44, 55, 66, 77}
	for i, v := range expected {
		if dst[i] != v {
			t.Errorf("VecAdd mismatch at %d: got %f, want %f", i, dst[i], v)
		}
	}
}

func TestVecSub(t *testing.T) {
	dst := []float32{10, 20, 30, 40, 50}
	src := []float32{1, 2, 3, 4, 5}

	VecSub(dst, src)

	expected := []float32{9, 18, 27, 36, 45}
	for i, v := range expected {
		if dst[i] != v {
			t.Errorf("VecSub mismatch at %d: got %f, want %f", i, dst[i], v)
		}
	}
}

func TestVecMul(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5, 6}
	src := []float32{2, 2, 2, 2, 0.5, 0.5}

	VecMul(dst, src)

	expected := []float32{2, 4, 6, 8, 2.5, 3}
	for i, v := range expected {
		if dst[i] != v {
			t.Errorf("VecMul mismatch at %d: got %f, want %f", i, dst[i], v)
		}
	}
}

func TestVecScale(t *testing.T) {
	dst := []float32{1, -2, 3, -4, 5}
	VecScale(dst, -2)

	expected := []float32{-2, 4, -6, 8, -10}
	for i, v := range expected {
		if dst[i] != v {
			t.Errorf("VecScale mismatch at %d: got %f, want %f", i, dst[i], v)
		}
	}
}

func TestClamp(t *testing.T) {
	data := []float32{-5, -1, 0, 0.5, 1, 5}
	Clamp(data, -1, 1)

	expected := []float32{-1, -1, 0, 0.5, 1, 1}
	for i, v := range expected {
		if data[i] != v {
			t.Errorf("Clamp mismatch at %d: got %f, want %f", i, data[i], v)
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{5, 4, 3, 2, 1}

	got := DotProduct(a, b)
	want := float32(5 + 8 + 9 + 8 + 5)

	if math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("DotProduct: got %f, want %f", got, want)
	}
}

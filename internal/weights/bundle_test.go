package weights

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-recurve/internal/device"
)

func TestBundleRoundTrip(t *testing.T) {
	backend := device.NewCPUBackend()

	b := NewBundle()
	b.Put("input_to_forget_weights", backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6}))
	b.Put("forget_gate_bias", backend.NewTensor(1, 2, []float32{0.5, -0.5}))

	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))

	loaded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"forget_gate_bias", "input_to_forget_weights"}, loaded.Names())

	dst := backend.NewTensor(2, 3, nil)
	require.NoError(t, loaded.Load("input_to_forget_weights", dst))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, dst.ToHost())
}

func TestBundleLoadErrors(t *testing.T) {
	backend := device.NewCPUBackend()

	b := NewBundle()
	b.Put("bias", backend.NewTensor(1, 4, []float32{1, 2, 3, 4}))

	err := b.Load("missing", backend.NewTensor(1, 4, nil))
	assert.True(t, errors.Is(err, ErrMissingTensor))

	err = b.Load("bias", backend.NewTensor(2, 2, nil))
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestBundlePutCopiesData(t *testing.T) {
	backend := device.NewCPUBackend()
	src := backend.NewTensor(1, 2, []float32{1, 2})

	b := NewBundle()
	b.Put("t", src)
	src.Set(0, 0, 99)

	dst := backend.NewTensor(1, 2, nil)
	require.NoError(t, b.Load("t", dst))
	assert.Equal(t, float32(1), dst.At(0, 0))
}

func TestBundleFileRoundTrip(t *testing.T) {
	backend := device.NewCPUBackend()
	path := t.TempDir() + "/weights.cbor"

	b := NewBundle()
	b.Put("w", backend.NewTensor(2, 2, []float32{1, 2, 3, 4}))
	require.NoError(t, b.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, loaded.Has("w"))

	dst := backend.NewTensor(2, 2, nil)
	require.NoError(t, loaded.Load("w", dst))
	assert.Equal(t, []float32{1, 2, 3, 4}, dst.ToHost())
}

// Package weights serializes named tensor sets to a compact CBOR bundle,
// used to persist and reload layer parameters between runs.
package weights

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-recurve/internal/device"
)

var (
	ErrMissingTensor = errors.New("weights: missing tensor")
	ErrShapeMismatch = errors.New("weights: shape mismatch")
)

type tensorRecord struct {
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	Data []float32 `cbor:"data"`
}

// Bundle is an in-memory set of named float32 matrices. The on-disk form is
// a single CBOR map keyed by tensor name.
type Bundle struct {
	tensors map[string]tensorRecord
}

func NewBundle() *Bundle {
	return &Bundle{tensors: make(map[string]tensorRecord)}
}

// Put stores a host copy of the tensor under the given name, replacing any
// previous entry.
func (b *Bundle) Put(name string, t device.Tensor) {
	r, c := t.Dims()
	data := append([]float32(nil), t.ToHost()...)
	b.tensors[name] = tensorRecord{Rows: r, Cols: c, Data: data}
}

// Has reports whether a tensor of that name is present.
func (b *Bundle) Has(name string) bool {
	_, ok := b.tensors[name]
	return ok
}

// Names returns the stored tensor names in sorted order.
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.tensors))
	for n := range b.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load copies the named tensor into dst, which must already have the
// recorded shape.
func (b *Bundle) Load(name string, dst device.Tensor) error {
	rec, ok := b.tensors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	r, c := dst.Dims()
	if r != rec.Rows || c != rec.Cols {
		return fmt.Errorf("%w: %s is %dx%d on disk, destination is %dx%d",
			ErrShapeMismatch, name, rec.Rows, rec.Cols, r, c)
	}
	dst.CopyFromFloat32(rec.Data)
	return nil
}

// Encode writes the bundle as CBOR.
func (b *Bundle) Encode(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(b.tensors)
}

// Decode reads a bundle previously written with Encode.
func Decode(r io.Reader) (*Bundle, error) {
	var tensors map[string]tensorRecord
	if err := cbor.NewDecoder(r).Decode(&tensors); err != nil {
		return nil, fmt.Errorf("weights: decode bundle: %w", err)
	}
	if tensors == nil {
		tensors = make(map[string]tensorRecord)
	}
	return &Bundle{tensors: tensors}, nil
}

// SaveFile writes the bundle to path, truncating any existing file.
func (b *Bundle) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := b.Encode(f); err != nil {
		return err
	}
	return f.Close()
}

// LoadFile reads a bundle from path.
func LoadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

package memory

import (
	"testing"

	"github.com/23skdu/longbow-recurve/internal/device"
)

func TestGroup(t *testing.T) {
	backend := device.NewCPUBackend()
	g := NewGroup(backend)

	a := g.NewTensor(2, 3)
	b := g.NewTensor(4, 4)

	if r, c := a.Dims(); r != 2 || c != 3 {
		t.Fatalf("NewTensor dims: got %dx%d, want 2x3", r, c)
	}
	if g.Size() != 2 {
		t.Fatalf("Size: got %d, want 2", g.Size())
	}

	extra := backend.GetTensor(1, 1)
	g.Manage(extra)
	if g.Size() != 3 {
		t.Fatalf("Size after Manage: got %d, want 3", g.Size())
	}

	b.Fill(1)

	g.Release()
	if g.Size() != 0 {
		t.Fatalf("Size after Release: got %d, want 0", g.Size())
	}

	// Double release is a no-op
	g.Release()
}

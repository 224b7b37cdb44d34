// Package memory groups the lifetimes of scratch tensors owned by a composite
// layer so the backend pool can acquire and release their storage as a unit.
// The allocation strategy itself belongs to the backend.
package memory

import (
	"log"

	"github.com/23skdu/longbow-recurve/internal/device"
)

// Group owns a set of scratch tensors created through it. All tensors in a
// group are released back to the backend pool together.
type Group struct {
	backend  device.Backend
	tensors  []device.Tensor
	released bool
}

// NewGroup creates an empty group backed by b.
func NewGroup(b device.Backend) *Group {
	return &Group{backend: b}
}

// NewTensor allocates a zeroed r x c scratch tensor from the backend pool and
// registers it with the group.
func (g *Group) NewTensor(r, c int) device.Tensor {
	if g.released {
		log.Panic("memory.Group: NewTensor after Release")
	}
	t := g.backend.GetTensor(r, c)
	g.tensors = append(g.tensors, t)
	return t
}

// Manage registers an externally created tensor so it is released with the
// group.
func (g *Group) Manage(t ...device.Tensor) {
	if g.released {
		log.Panic("memory.Group: Manage after Release")
	}
	g.tensors = append(g.tensors, t...)
}

// Size returns the number of tensors in the group.
func (g *Group) Size() int {
	return len(g.tensors)
}

// Release returns every tensor in the group to the backend pool. The group
// must not be used afterwards. Safe to call more than once.
func (g *Group) Release() {
	if g.released {
		return
	}
	for _, t := range g.tensors {
		g.backend.PutTensor(t)
	}
	g.tensors = nil
	g.released = true
}

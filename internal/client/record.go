// Package client ships recurrent layer outputs to a Longbow server over
// Apache Arrow Flight.
package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// StepRecordBuilder assembles Arrow records describing a run of consecutive
// LSTM time steps: the step index, the layer output row and the cell state
// row for each step.
type StepRecordBuilder struct {
	mem    memory.Allocator
	schema *arrow.Schema
}

func NewStepRecordBuilder(mem memory.Allocator) *StepRecordBuilder {
	return &StepRecordBuilder{
		mem: mem,
		schema: arrow.NewSchema(
			[]arrow.Field{
				{Name: "step", Type: arrow.PrimitiveTypes.Int64},
				{Name: "output", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
				{Name: "cell_state", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
			},
			nil,
		),
	}
}

// Schema returns the fixed step record schema.
func (b *StepRecordBuilder) Schema() *arrow.Schema { return b.schema }

// Build creates one record covering steps firstStep..firstStep+len(outputs)-1.
// outputs[i] and cellStates[i] hold the rows produced by the same step; the
// caller releases the returned record.
func (b *StepRecordBuilder) Build(firstStep int64, outputs, cellStates [][]float32) (arrow.Record, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("client: no steps to record")
	}
	if len(outputs) != len(cellStates) {
		return nil, fmt.Errorf("client: %d outputs but %d cell states", len(outputs), len(cellStates))
	}

	stepBuilder := array.NewInt64Builder(b.mem)
	defer stepBuilder.Release()
	outBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer outBuilder.Release()
	cellBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer cellBuilder.Release()

	outValues := outBuilder.ValueBuilder().(*array.Float32Builder)
	cellValues := cellBuilder.ValueBuilder().(*array.Float32Builder)

	for i := range outputs {
		stepBuilder.Append(firstStep + int64(i))
		outBuilder.Append(true)
		outValues.AppendValues(outputs[i], nil)
		cellBuilder.Append(true)
		cellValues.AppendValues(cellStates[i], nil)
	}

	cols := []arrow.Array{stepBuilder.NewArray(), outBuilder.NewArray(), cellBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(b.schema, cols, int64(len(outputs))), nil
}

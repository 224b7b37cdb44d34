package client

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	recordsReceived []arrow.Record
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.recordsReceived = append(s.recordsReceived, rec)
	}
	return nil
}

func TestFlightClient_PushSteps(t *testing.T) {
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	builder := NewStepRecordBuilder(memory.NewGoAllocator())
	rec, err := builder.Build(0, [][]float32{{1, 2}}, [][]float32{{3, 4}})
	require.NoError(t, err)
	defer rec.Release()

	assert.NoError(t, client.PushSteps(context.Background(), "lstm-steps", rec))
	assert.Equal(t, StateClosed, client.breaker.State())
}

func TestFlightClient_CircuitOpenRejects(t *testing.T) {
	client, err := NewFlightClient("localhost:1")
	require.NoError(t, err)
	defer client.Close()

	client.breaker.state = StateOpen
	client.breaker.lastFailure = time.Now()

	builder := NewStepRecordBuilder(memory.NewGoAllocator())
	rec, err := builder.Build(0, [][]float32{{1}}, [][]float32{{2}})
	require.NoError(t, err)
	defer rec.Release()

	err = client.PushSteps(context.Background(), "lstm-steps", rec)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

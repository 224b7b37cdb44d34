package client

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCircuitOpen is returned when the breaker is rejecting pushes after
// repeated transport failures.
var ErrCircuitOpen = errors.New("client: circuit open")

// FlightClient pushes step records to a Longbow dataset over Arrow Flight.
// A circuit breaker guards the transport so a dead server does not stall
// the compute loop.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient connects to the given address without transport security.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// PushSteps sends one record to the named dataset, honoring the breaker.
func (c *FlightClient) PushSteps(ctx context.Context, dataset string, record arrow.Record) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	if err := c.doPut(ctx, dataset, record); err != nil {
		c.breaker.Failure()
		return err
	}
	c.breaker.Success()
	return nil
}

func (c *FlightClient) doPut(ctx context.Context, dataset string, record arrow.Record) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := writer.Write(record); err != nil {
		return err
	}
	return writer.Close()
}

// Close closes the underlying connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/metrics"
)

// DefaultPath is the descriptor path features are put under.
var DefaultPath = []string{"embeddings"}

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// Sink receives feature batches.
type Sink interface {
	Put(ctx context.Context, b *Batch) error
	Close() error
}

// Client is a Sink backed by an Arrow Flight DoPut stream.
type Client struct {
	addr    string
	path    []string
	timeout time.Duration
	mem     memory.Allocator
	client  flight.Client
}

// NewClient targets a Flight server at host:port. Path defaults to
// DefaultPath.
func NewClient(addr string, path ...string) *Client {
	if len(path) == 0 {
		path = DefaultPath
	}
	return &Client{
		addr:    addr,
		path:    path,
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
	}
}

// Connect dials the server.
func (c *Client) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	c.client = client
	return nil
}

func (c *Client) Close() error {
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Put streams b as one record batch and waits for the server to
// acknowledge it.
func (c *Client) Put(ctx context.Context, b *Batch) error {
	if c.client == nil {
		return ErrNotConnected
	}
	rec, err := b.Record(c.mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: c.path})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("DoPut: %w", err)
		}
	}

	metrics.RecordFeaturesExported(b.Model, b.Len())
	logger.Log.Timed("exported features", start, "model", b.Model, "rows", b.Len(), "dim", b.Dim(), "addr", c.addr)
	return nil
}

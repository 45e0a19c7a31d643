package flightsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Result is one row of a translation stream
type Result struct {
	Source         string
	Text           string
	StopReason     string
	Steps          int
	AvgProbability float64
	Suspicious     bool
	Duration       time.Duration
	// Err is empty unless this text failed
	Err string
}

// Client talks to a translation Flight server
type Client struct {
	conn    *grpc.ClientConn
	client  flight.Client
	health  healthpb.HealthClient
	mem     memory.Allocator
	timeout time.Duration
}

// NewClient connects to target over plaintext grpc. Extra options are
// appended after the transport credentials.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{
		conn:    conn,
		client:  flight.NewClientFromConn(conn, nil),
		health:  healthpb.NewHealthClient(conn),
		mem:     memory.NewGoAllocator(),
		timeout: 5 * time.Minute,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SetTimeout bounds each call; zero disables the bound
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Serving reports whether the server's health service says SERVING
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// GetSchema retrieves the result schema from the server
func (c *Client) GetSchema(ctx context.Context) (*arrow.Schema, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.client.GetSchema(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD})
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	return flight.DeserializeSchema(res.GetSchema(), c.mem)
}

// Translate sends texts as one request and returns a result per text in
// input order. maxLength 0 uses the server default.
func (c *Client) Translate(ctx context.Context, texts []string, maxLength int) ([]Result, error) {
	cmd, err := json.Marshal(Request{Texts: texts, MaxLength: maxLength})
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.client.GetFlightInfo(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})
	if err != nil {
		return nil, fmt.Errorf("failed to get flight info: %w", err)
	}
	if len(info.GetEndpoint()) == 0 {
		return nil, errors.New("flight info has no endpoints")
	}

	var results []Result
	for _, ep := range info.GetEndpoint() {
		rows, err := c.doGet(ctx, ep.GetTicket())
		if err != nil {
			return nil, err
		}
		results = append(results, rows...)
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("server returned %d results for %d texts", len(results), len(texts))
	}
	return results, nil
}

func (c *Client) doGet(ctx context.Context, tkt *flight.Ticket) ([]Result, error) {
	stream, err := c.client.DoGet(ctx, tkt)
	if err != nil {
		return nil, fmt.Errorf("failed to create DoGet reader: %w", err)
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to open result stream: %w", err)
	}
	defer reader.Release()

	if !reader.Schema().Equal(Schema) {
		return nil, fmt.Errorf("unexpected result schema %s", reader.Schema())
	}
	var rows []Result
	for reader.Next() {
		rows = append(rows, decodeResults(reader.Record())...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	return rows, nil
}

func decodeResults(rec arrow.Record) []Result {
	source := rec.Column(0).(*array.String)
	text := rec.Column(1).(*array.String)
	stop := rec.Column(2).(*array.String)
	steps := rec.Column(3).(*array.Int32)
	avg := rec.Column(4).(*array.Float64)
	suspicious := rec.Column(5).(*array.Boolean)
	dur := rec.Column(6).(*array.Float64)
	errs := rec.Column(7).(*array.String)

	rows := make([]Result, rec.NumRows())
	for i := range rows {
		rows[i] = Result{
			Source:         source.Value(i),
			Text:           text.Value(i),
			StopReason:     stop.Value(i),
			Steps:          int(steps.Value(i)),
			AvgProbability: avg.Value(i),
			Suspicious:     suspicious.Value(i),
			Duration:       time.Duration(dur.Value(i) * float64(time.Millisecond)),
		}
		if errs.IsValid(i) {
			rows[i].Err = errs.Value(i)
		}
	}
	return rows
}

package flightsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/translate"
)

const (
	// ServiceName is the name registered with the grpc health service
	ServiceName = "longbow.nmt.Translate"

	// MaxTexts bounds one ticket
	MaxTexts = 256
)

// Schema of a translation result stream, one row per input text
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "source", Type: arrow.BinaryTypes.String},
	{Name: "translation", Type: arrow.BinaryTypes.String},
	{Name: "stop_reason", Type: arrow.BinaryTypes.String},
	{Name: "steps", Type: arrow.PrimitiveTypes.Int32},
	{Name: "avg_probability", Type: arrow.PrimitiveTypes.Float64},
	{Name: "suspicious", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "duration_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// Request is the JSON body of a ticket or a command descriptor
type Request struct {
	Texts     []string `json:"texts"`
	MaxLength int      `json:"max_length,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
}

// Translator is the part of translate.Translator the server needs
type Translator interface {
	Translate(ctx context.Context, req translate.Request) (*translate.Response, error)
}

// Monitor receives per-text outcomes
type Monitor interface {
	RecordTranslation(tokens int, duration time.Duration, stop engine.StopReason, suspicious bool)
	RecordFailure(err error, duration time.Duration)
}

// Server serves translations over Arrow Flight. DoGet runs the texts of a
// ticket through Translator with at most Workers in flight.
type Server struct {
	flight.BaseFlightServer

	tr      Translator
	workers int
	monitor Monitor
	mem     memory.Allocator

	grpc   *grpc.Server
	health *health.Server
}

// NewServer builds the grpc server with the flight and health services
// registered. monitor may be nil.
func NewServer(tr Translator, workers int, monitor Monitor, opts ...grpc.ServerOption) *Server {
	if workers <= 0 {
		workers = 1
	}
	s := &Server{
		tr:      tr,
		workers: workers,
		monitor: monitor,
		mem:     memory.NewGoAllocator(),
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
	}
	flight.RegisterFlightServiceServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Serve blocks until lis fails or the server stops
func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	logger.Log.Info("Flight server listening", "addr", lis.Addr().String(), "workers", s.workers)
	return s.grpc.Serve(lis)
}

// GracefulStop marks the server NOT_SERVING and drains open streams
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

func (s *Server) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	return &flight.SchemaResult{Schema: flight.SerializeSchema(Schema, s.mem)}, nil
}

// GetFlightInfo validates a command descriptor and hands it back as the
// ticket of a single endpoint
func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if desc.GetType() != flight.DescriptorCMD {
		return nil, status.Error(codes.InvalidArgument, "only command descriptors are supported")
	}
	req, err := parseRequest(desc.GetCmd())
	if err != nil {
		return nil, err
	}
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(Schema, s.mem),
		FlightDescriptor: desc,
		Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: desc.GetCmd()}}},
		TotalRecords:     int64(len(req.Texts)),
		TotalBytes:       -1,
	}, nil
}

func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	req, err := parseRequest(tkt.GetTicket())
	if err != nil {
		return err
	}
	ctx := stream.Context()
	log := logger.Log.With("texts", len(req.Texts))
	start := time.Now()

	results := s.translateAll(ctx, req)
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}

	rec := s.buildRecord(results)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(s.mem))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return status.Errorf(codes.Internal, "write results: %v", err)
	}
	if err := w.Close(); err != nil {
		return status.Errorf(codes.Internal, "close stream: %v", err)
	}
	log.Info("DoGet served", "duration", time.Since(start))
	return nil
}

type result struct {
	source   string
	resp     *translate.Response
	err      error
	duration time.Duration
}

func (s *Server) translateAll(ctx context.Context, req Request) []result {
	results := make([]result, len(req.Texts))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, text := range req.Texts {
		g.Go(func() error {
			start := time.Now()
			resp, err := s.tr.Translate(ctx, translate.Request{
				Text:      text,
				MaxLength: req.MaxLength,
				Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
			})
			results[i] = result{source: text, resp: resp, err: err, duration: time.Since(start)}
			s.observe(results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Server) observe(r result) {
	if r.err != nil {
		logger.Log.Warn("Translation failed", "err", r.err)
	}
	if s.monitor == nil {
		return
	}
	if r.err != nil {
		if !errors.Is(r.err, context.Canceled) {
			s.monitor.RecordFailure(r.err, r.duration)
		}
		return
	}
	s.monitor.RecordTranslation(len(r.resp.Tokens), r.duration, r.resp.StopReason, r.resp.Suspicious)
}

func (s *Server) buildRecord(results []result) arrow.Record {
	b := array.NewRecordBuilder(s.mem, Schema)
	defer b.Release()

	source := b.Field(0).(*array.StringBuilder)
	text := b.Field(1).(*array.StringBuilder)
	stop := b.Field(2).(*array.StringBuilder)
	steps := b.Field(3).(*array.Int32Builder)
	avg := b.Field(4).(*array.Float64Builder)
	suspicious := b.Field(5).(*array.BooleanBuilder)
	dur := b.Field(6).(*array.Float64Builder)
	errs := b.Field(7).(*array.StringBuilder)

	for _, r := range results {
		dur.Append(float64(r.duration.Microseconds()) / 1000)
		source.Append(r.source)
		if r.err != nil {
			text.Append("")
			stop.Append(engine.StopNone.String())
			steps.Append(0)
			avg.Append(0)
			suspicious.Append(false)
			errs.Append(r.err.Error())
			continue
		}
		text.Append(r.resp.Text)
		stop.Append(r.resp.StopReason.String())
		steps.Append(int32(r.resp.Steps))
		avg.Append(r.resp.Quality.AvgProbability)
		suspicious.Append(r.resp.Suspicious)
		errs.AppendNull()
	}
	return b.NewRecord()
}

func parseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	switch {
	case len(req.Texts) == 0:
		return req, status.Error(codes.InvalidArgument, "request has no texts")
	case len(req.Texts) > MaxTexts:
		return req, status.Errorf(codes.InvalidArgument, "request has %d texts, limit is %d", len(req.Texts), MaxTexts)
	case req.MaxLength < 0 || req.TimeoutMs < 0:
		return req, status.Error(codes.InvalidArgument, fmt.Sprintf("negative max_length %d or timeout_ms %d", req.MaxLength, req.TimeoutMs))
	}
	return req, nil
}

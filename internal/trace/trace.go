package trace

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-nmt/internal/engine"
)

// Schema of one decode step per row
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "request", Type: arrow.BinaryTypes.String},
	{Name: "step", Type: arrow.PrimitiveTypes.Int32},
	{Name: "mode", Type: arrow.BinaryTypes.String},
	{Name: "input_len", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "log_prob", Type: arrow.PrimitiveTypes.Float64},
	{Name: "self_len", Type: arrow.PrimitiveTypes.Int64},
	{Name: "cross_len", Type: arrow.PrimitiveTypes.Int64},
	{Name: "duration_us", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// Row is one traced step
type Row struct {
	Request string
	engine.StepEvent
}

// Recorder collects step events across requests. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	rows []Row
}

func NewRecorder() *Recorder { return &Recorder{} }

// Observer tags every step with request
func (r *Recorder) Observer(request string) engine.StepObserver {
	return engine.StepObserverFunc(func(ev engine.StepEvent) {
		r.mu.Lock()
		r.rows = append(r.rows, Row{Request: request, StepEvent: ev})
		r.mu.Unlock()
	})
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *Recorder) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Row(nil), r.rows...)
}

// Record builds one Arrow record of every collected step. The caller
// releases it.
func (r *Recorder) Record(mem memory.Allocator) arrow.Record {
	rows := r.Rows()
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for _, row := range rows {
		b.Field(0).(*array.StringBuilder).Append(row.Request)
		b.Field(1).(*array.Int32Builder).Append(int32(row.Step))
		b.Field(2).(*array.StringBuilder).Append(row.Mode.String())
		b.Field(3).(*array.Int32Builder).Append(int32(row.InputLen))
		b.Field(4).(*array.Int32Builder).Append(int32(row.Token))
		b.Field(5).(*array.Float64Builder).Append(row.LogProb)
		b.Field(6).(*array.Int64Builder).Append(row.SelfLen)
		b.Field(7).(*array.Int64Builder).Append(row.CrossLen)
		b.Field(8).(*array.Int64Builder).Append(row.Duration.Microseconds())
	}
	return b.NewRecord()
}

// WriteTo writes the trace as an Arrow IPC stream
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	mem := memory.NewGoAllocator()
	rec := r.Record(mem)
	defer rec.Release()

	cw := &countingWriter{w: w}
	iw := ipc.NewWriter(cw, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return cw.n, fmt.Errorf("write trace: %w", err)
	}
	if err := iw.Close(); err != nil {
		return cw.n, fmt.Errorf("close trace: %w", err)
	}
	return cw.n, nil
}

// ReadAll decodes a trace written by WriteTo
func ReadAll(rd io.Reader) ([]Row, error) {
	ir, err := ipc.NewReader(rd, ipc.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer ir.Release()

	var rows []Row
	for ir.Next() {
		rows = append(rows, decode(ir.Record())...)
	}
	if err := ir.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return rows, nil
}

func decode(rec arrow.Record) []Row {
	req := rec.Column(0).(*array.String)
	step := rec.Column(1).(*array.Int32)
	mode := rec.Column(2).(*array.String)
	inLen := rec.Column(3).(*array.Int32)
	tok := rec.Column(4).(*array.Int32)
	lp := rec.Column(5).(*array.Float64)
	selfLen := rec.Column(6).(*array.Int64)
	crossLen := rec.Column(7).(*array.Int64)
	dur := rec.Column(8).(*array.Int64)

	rows := make([]Row, rec.NumRows())
	for i := range rows {
		m := engine.ModeFirst
		if mode.Value(i) == engine.ModeContinuation.String() {
			m = engine.ModeContinuation
		}
		rows[i] = Row{
			Request: req.Value(i),
			StepEvent: engine.StepEvent{
				Step:     int(step.Value(i)),
				Mode:     m,
				InputLen: int(inLen.Value(i)),
				Token:    int(tok.Value(i)),
				LogProb:  lp.Value(i),
				SelfLen:  selfLen.Value(i),
				CrossLen: crossLen.Value(i),
				Duration: time.Duration(dur.Value(i)) * time.Microsecond,
			},
		}
	}
	return rows
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

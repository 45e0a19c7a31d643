package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/graph"
	"github.com/23skdu/longbow-nmt/internal/metrics"
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

// SourceEncoder runs the non-incremental encoder graph once per request.
// It holds no per-request state.
type SourceEncoder struct {
	graph   graph.Graph
	idsIdx  int
	maskIdx int
	hidden  int64
}

// NewSourceEncoder resolves which encoder input carries ids and which the
// attention mask. Inputs may appear in either order.
func NewSourceEncoder(g graph.Graph, cfg config.Config) (*SourceEncoder, error) {
	in := g.InputNames()
	if len(in) != 2 {
		metrics.RecordConfigurationError("encoder signature")
		return nil, configErr("encoder signature", "graph %s declares %d inputs, want 2 (ids, attention_mask)", g.Name(), len(in))
	}
	if len(g.OutputNames()) < 1 {
		metrics.RecordConfigurationError("encoder signature")
		return nil, configErr("encoder signature", "graph %s declares no outputs", g.Name())
	}

	e := &SourceEncoder{graph: g, idsIdx: -1, maskIdx: -1, hidden: int64(cfg.Hidden)}
	for i, name := range in {
		switch name {
		case "input_ids", "token_ids":
			e.idsIdx = i
		case "attention_mask":
			e.maskIdx = i
		}
	}
	if e.idsIdx < 0 || e.maskIdx < 0 {
		metrics.RecordConfigurationError("encoder signature")
		return nil, configErr("encoder signature", "graph %s inputs %v, want input_ids|token_ids and attention_mask", g.Name(), in)
	}
	return e, nil
}

// Encode produces the SourceEncoding for ids. A nil mask attends to every
// position. Failures are GraphExecutionErrors with Step -1.
func (e *SourceEncoder) Encode(ids []int, mask []int64) (*SourceEncoding, error) {
	fail := func(shapes []string, err error) error {
		return &GraphExecutionError{Graph: e.graph.Name(), Step: -1, Shapes: shapes, Err: err}
	}
	if len(ids) == 0 {
		return nil, fail(nil, fmt.Errorf("%w: empty source", ErrInputFraming))
	}
	if mask == nil {
		mask = make([]int64, len(ids))
		for i := range mask {
			mask[i] = 1
		}
	}
	if len(mask) != len(ids) {
		return nil, fail(nil, fmt.Errorf("%w: mask length %d != source length %d", ErrInputFraming, len(mask), len(ids)))
	}

	srcLen := int64(len(ids))
	idData := make([]int64, len(ids))
	for i, id := range ids {
		idData[i] = int64(id)
	}
	idTensor, err := tensor.NewInt64(tensor.Shape{1, srcLen}, idData)
	if err != nil {
		return nil, fail(nil, err)
	}
	maskTensor, err := tensor.NewInt64(tensor.Shape{1, srcLen}, append([]int64(nil), mask...))
	if err != nil {
		return nil, fail(nil, err)
	}

	inputs := make([]*tensor.Tensor, 2)
	inputs[e.idsIdx] = idTensor
	inputs[e.maskIdx] = maskTensor
	shapes := graph.Shapes(inputs)

	start := time.Now()
	outputs, err := e.graph.Run(inputs)
	metrics.RecordGraphInvocation(e.graph.Name(), time.Since(start))
	if err != nil {
		metrics.RecordGraphError(e.graph.Name(), "run")
		return nil, fail(shapes, err)
	}
	if len(outputs) < 1 || outputs[0] == nil {
		metrics.RecordGraphError(e.graph.Name(), "arity")
		return nil, fail(shapes, fmt.Errorf("%w: encoder returned no outputs", ErrOutputShape))
	}
	hidden := outputs[0]
	want := tensor.Shape{1, srcLen, e.hidden}
	if hidden.DType != tensor.Float32 || !hidden.Shape.Equal(want) {
		metrics.RecordGraphError(e.graph.Name(), "hidden")
		return nil, fail(shapes, fmt.Errorf("%w: encoder output %s, want float32%s", ErrOutputShape, hidden, want))
	}

	metrics.RecordSourceLength(len(ids))
	return &SourceEncoding{Hidden: hidden, Mask: maskTensor}, nil
}

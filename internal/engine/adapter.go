package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/graph"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/metrics"
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

// Adapter binds logical decoder step inputs to the positional tensor list of
// a verified decoder graph and maps the outputs back to logits and cache
type Adapter struct {
	graph  graph.Graph
	layout *Layout
	cfg    config.Config
}

// NewAdapter verifies the decoder signature against cfg before any step runs
func NewAdapter(g graph.Graph, cfg config.Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordConfigurationError("model config")
		return nil, configErr("model config", "%v", err)
	}
	layout, err := ResolveLayout(g, cfg.Layers)
	if err != nil {
		metrics.RecordConfigurationError("decoder signature")
		return nil, err
	}
	logger.Log.Debug("Decoder signature verified",
		"graph", g.Name(), "scheme", layout.Scheme, "layers", layout.Layers,
		"inputs", len(layout.Inputs), "outputs", len(layout.Outputs))
	return &Adapter{graph: g, layout: layout, cfg: cfg}, nil
}

func (a *Adapter) Layout() *Layout       { return a.layout }
func (a *Adapter) Config() config.Config { return a.cfg }

// Invoke runs one incremental decoder step. ids must be exactly one token
// in either mode: the start token in ModeFirst, the previously generated
// token in ModeContinuation. Returns logits [1, 1, vocab] and the grown
// cache.
func (a *Adapter) Invoke(step int, mode StepMode, ids []int, src *SourceEncoding, cache *DecoderCache) (*tensor.Tensor, *DecoderCache, error) {
	out, err := a.incremental(step, mode, ids, src, cache)
	return out.logits, out.cache, err
}

// stepOutput is one successful decoder run plus the input shapes it was
// called with, kept for errors raised after the graph returns
type stepOutput struct {
	logits *tensor.Tensor
	cache  *DecoderCache
	shapes []string
}

func (a *Adapter) incremental(step int, mode StepMode, ids []int, src *SourceEncoding, cache *DecoderCache) (stepOutput, error) {
	if len(ids) != 1 {
		return stepOutput{}, &GraphExecutionError{
			Graph: a.graph.Name(), Step: step, Mode: mode,
			Err: fmt.Errorf("%w: %s step takes exactly 1 token, got %d", ErrInputFraming, mode, len(ids)),
		}
	}
	return a.invoke(step, mode, ids, src, cache)
}

// invoke is the unframed step used by both Invoke and the full-prefix
// reference decoder
func (a *Adapter) invoke(step int, mode StepMode, ids []int, src *SourceEncoding, cache *DecoderCache) (stepOutput, error) {
	name := a.graph.Name()
	fail := func(shapes []string, err error) error {
		return &GraphExecutionError{Graph: name, Step: step, Mode: mode, Shapes: shapes, Err: err}
	}

	if len(ids) == 0 {
		return stepOutput{}, fail(nil, fmt.Errorf("%w: empty input_ids", ErrInputFraming))
	}
	srcLen := src.Len()
	if err := cache.Validate(a.cfg, srcLen); err != nil {
		return stepOutput{}, fail(nil, err)
	}

	inputs, err := a.bind(mode, ids, src, cache)
	if err != nil {
		return stepOutput{}, fail(nil, err)
	}
	shapes := graph.Shapes(inputs)

	start := time.Now()
	outputs, err := a.graph.Run(inputs)
	dur := time.Since(start)
	metrics.RecordGraphInvocation(name, dur)
	if err != nil {
		metrics.RecordGraphError(name, "run")
		return stepOutput{}, fail(shapes, err)
	}
	if len(outputs) != len(a.layout.Outputs) {
		metrics.RecordGraphError(name, "arity")
		return stepOutput{}, fail(shapes, fmt.Errorf("%w: %d outputs, want %d", ErrOutputShape, len(outputs), len(a.layout.Outputs)))
	}

	logits := outputs[0]
	if logits == nil || logits.DType != tensor.Float32 || logits.Rank() != 3 || logits.Dim(0) != 1 ||
		logits.Dim(1) != int64(len(ids)) || logits.Dim(2) < 1 {
		metrics.RecordGraphError(name, "logits")
		return stepOutput{}, fail(shapes, fmt.Errorf("%w: logits %s, want float32[1,%d,vocab]", ErrOutputShape, logits, len(ids)))
	}

	updated, err := CacheFromFlat(outputs[1:])
	if err != nil {
		metrics.RecordGraphError(name, "cache")
		return stepOutput{}, fail(shapes, err)
	}
	if err := a.reconcileCross(step, mode, srcLen, cache, updated); err != nil {
		metrics.RecordGraphError(name, "cross_cache")
		return stepOutput{}, fail(shapes, err)
	}
	if err := updated.Validate(a.cfg, srcLen); err != nil {
		metrics.RecordGraphError(name, "cache")
		return stepOutput{}, fail(shapes, err)
	}

	wantSelf := int64(len(ids))
	if mode == ModeContinuation {
		wantSelf += cache.SelfLen()
	}
	if got := updated.SelfLen(); got != wantSelf {
		metrics.RecordGraphError(name, "cache_growth")
		return stepOutput{}, fail(shapes, fmt.Errorf("%w: self length %d after %s step with %d tokens, want %d",
			ErrCacheGrowth, got, mode, len(ids), wantSelf))
	}

	metrics.RecordDecodeStep(mode.String())
	return stepOutput{logits: logits, cache: updated, shapes: shapes}, nil
}

// greedy picks the next token from the last logits position of out
func (a *Adapter) greedy(step int, mode StepMode, out stepOutput) (int, float64, error) {
	fail := func(err error) error {
		return &GraphExecutionError{Graph: a.graph.Name(), Step: step, Mode: mode, Shapes: out.shapes, Err: err}
	}
	row, err := out.logits.Row(0, out.logits.Dim(1)-1)
	if err != nil {
		return 0, 0, fail(err)
	}
	token, logProb, err := Greedy(row)
	if err != nil {
		return 0, 0, fail(err)
	}
	return token, logProb, nil
}

func (a *Adapter) bind(mode StepMode, ids []int, src *SourceEncoding, cache *DecoderCache) ([]*tensor.Tensor, error) {
	idData := make([]int64, len(ids))
	for i, id := range ids {
		idData[i] = int64(id)
	}
	idTensor, err := tensor.NewInt64(tensor.Shape{1, int64(len(ids))}, idData)
	if err != nil {
		return nil, err
	}

	inputs := make([]*tensor.Tensor, 0, len(a.layout.Inputs))
	inputs = append(inputs, src.Mask, idTensor, src.Hidden)
	inputs = append(inputs, cache.Flatten()...)
	inputs = append(inputs, tensor.Flag(mode.Flag()))
	if len(inputs) != len(a.layout.Inputs) {
		return nil, fmt.Errorf("bound %d inputs, layout declares %d", len(inputs), len(a.layout.Inputs))
	}
	return inputs, nil
}

var errCrossCacheMalformed = errors.New("malformed cross-attention cache")

// reconcileCross handles exports that return an empty or mis-shaped
// cross-attention cache in continuation mode. Unless StrictCrossCache is
// set, the input cross tensors are carried forward and the anomaly is
// logged and counted. In first mode the graph must produce them.
func (a *Adapter) reconcileCross(step int, mode StepMode, srcLen int64, in, out *DecoderCache) error {
	if len(out.Layers) != len(in.Layers) {
		return nil // Validate reports the layer count
	}
	want := tensor.Shape{1, int64(a.cfg.Heads), srcLen, int64(a.cfg.HeadDim)}
	var bad []int
	for i, l := range out.Layers {
		if l.CrossKey == nil || l.CrossValue == nil || !l.CrossKey.Shape.Equal(want) || !l.CrossValue.Shape.Equal(want) {
			bad = append(bad, i)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	if mode != ModeContinuation {
		return fmt.Errorf("%w: %s in layers %v on first step", ErrCacheShape, errCrossCacheMalformed, bad)
	}
	if a.cfg.StrictCrossCache {
		return fmt.Errorf("%w: %s in layers %v", ErrCacheShape, errCrossCacheMalformed, bad)
	}

	returned := shapeOf(out, bad[0])
	for _, i := range bad {
		out.Layers[i].CrossKey = in.Layers[i].CrossKey
		out.Layers[i].CrossValue = in.Layers[i].CrossValue
	}
	metrics.RecordCrossCacheSubstitution()
	logger.Log.Warn("Graph returned malformed cross-attention cache; reusing previous",
		"graph", a.graph.Name(), "step", step, "layers", len(bad), "returned", returned, "expected", want)
	return nil
}

func shapeOf(c *DecoderCache, layer int) string {
	if c.Layers[layer].CrossKey == nil {
		return "<nil>"
	}
	return c.Layers[layer].CrossKey.Shape.String()
}

package graphtest

import (
	"errors"
	"sync"

	"github.com/23skdu/longbow-nmt/internal/graph"
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

// Recorder wraps a graph and keeps a deep copy of every input list
type Recorder struct {
	graph.Graph

	mu    sync.Mutex
	calls [][]*tensor.Tensor
	outs  [][]*tensor.Tensor
}

func NewRecorder(g graph.Graph) *Recorder {
	return &Recorder{Graph: g}
}

func (r *Recorder) Run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	in := make([]*tensor.Tensor, len(inputs))
	for i, t := range inputs {
		in[i] = t.Clone()
	}
	outputs, err := r.Graph.Run(inputs)

	out := make([]*tensor.Tensor, len(outputs))
	for i, t := range outputs {
		out[i] = t.Clone()
	}
	r.mu.Lock()
	r.calls = append(r.calls, in)
	r.outs = append(r.outs, out)
	r.mu.Unlock()
	return outputs, err
}

// Call returns the inputs of the i-th Run
func (r *Recorder) Call(i int) []*tensor.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.calls) {
		return nil
	}
	return r.calls[i]
}

// Output returns the outputs of the i-th Run
func (r *Recorder) Output(i int) []*tensor.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.outs) {
		return nil
	}
	return r.outs[i]
}

func (r *Recorder) NumCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var ErrSignatureOnly = errors.New("signature-only graph cannot run")

// Signature is a graph that only declares names, for arity checks
type Signature struct {
	name    string
	inputs  []string
	outputs []string
	closed  bool
}

func NewSignature(name string, inputs, outputs []string) *Signature {
	return &Signature{name: name, inputs: inputs, outputs: outputs}
}

func (s *Signature) Name() string          { return s.name }
func (s *Signature) InputNames() []string  { return s.inputs }
func (s *Signature) OutputNames() []string { return s.outputs }
func (s *Signature) Close() error          { s.closed = true; return nil }

func (s *Signature) Run([]*tensor.Tensor) ([]*tensor.Tensor, error) {
	return nil, ErrSignatureOnly
}

package graphtest

import (
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-nmt/internal/tensor"
)

// Encoder maps ids [1,S] and mask [1,S] to hidden [1,S,Hidden] with small
// integer values so downstream float arithmetic stays exact
type Encoder struct {
	Hidden int
	// IDsName defaults to input_ids
	IDsName string
	calls   atomic.Int64
}

func NewEncoder(hidden int) *Encoder {
	return &Encoder{Hidden: hidden}
}

func (e *Encoder) Name() string { return "toy-encoder" }

func (e *Encoder) InputNames() []string {
	ids := e.IDsName
	if ids == "" {
		ids = "input_ids"
	}
	return []string{ids, "attention_mask"}
}

func (e *Encoder) OutputNames() []string { return []string{"last_hidden_state"} }

func (e *Encoder) Calls() int { return int(e.calls.Load()) }

func (e *Encoder) Run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	e.calls.Add(1)
	if len(inputs) != 2 {
		return nil, fmt.Errorf("encoder expects 2 inputs, got %d", len(inputs))
	}
	ids, mask := inputs[0], inputs[1]
	if ids.DType != tensor.Int64 || ids.Rank() != 2 || ids.Dim(0) != 1 {
		return nil, fmt.Errorf("encoder input_ids must be int64[1,S], got %s", ids)
	}
	if !mask.Shape.Equal(ids.Shape) {
		return nil, fmt.Errorf("encoder attention_mask %s does not match input_ids %s", mask, ids)
	}
	s := ids.Dim(1)
	out := tensor.Zeros(tensor.Float32, tensor.Shape{1, s, int64(e.Hidden)})
	for i := int64(0); i < s; i++ {
		for k := int64(0); k < int64(e.Hidden); k++ {
			out.F32[i*int64(e.Hidden)+k] = float32((ids.I64[i]*7 + k) % 11)
		}
	}
	return []*tensor.Tensor{out}, nil
}

func (e *Encoder) Close() error { return nil }

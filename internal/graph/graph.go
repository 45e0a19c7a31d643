// Package graph is the boundary to an opaque compiled computation graph:
// named tensors in, named tensors out, fixed signature.
package graph

import (
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

// Graph is a loaded model graph. Run takes inputs in InputNames order and
// returns outputs in OutputNames order. Implementations must be safe for
// concurrent Run calls when the backend documents thread-safe inference.
type Graph interface {
	Name() string
	InputNames() []string
	OutputNames() []string
	Run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
	Close() error
}

// Shapes renders tensor shapes for diagnostics
func Shapes(ts []*tensor.Tensor) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}

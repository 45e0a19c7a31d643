package tensor

import (
	"fmt"
	"math"
	"strings"
)

// DType is the element type of a host tensor
type DType int

const (
	Float32 DType = iota
	Int64
	Bool
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Shape is a row-major tensor shape
type Shape []int64

func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Tensor is a dense host-side buffer exchanged with a graph backend.
// Exactly one of F32, I64 or B is populated, matching DType.
type Tensor struct {
	DType DType
	Shape Shape
	F32   []float32
	I64   []int64
	B     []bool
}

func NewFloat32(shape Shape, data []float32) (*Tensor, error) {
	if int64(len(data)) != shape.NumElements() {
		return nil, fmt.Errorf("float32 tensor %s: have %d elements, want %d", shape, len(data), shape.NumElements())
	}
	return &Tensor{DType: Float32, Shape: cloneShape(shape), F32: data}, nil
}

func NewInt64(shape Shape, data []int64) (*Tensor, error) {
	if int64(len(data)) != shape.NumElements() {
		return nil, fmt.Errorf("int64 tensor %s: have %d elements, want %d", shape, len(data), shape.NumElements())
	}
	return &Tensor{DType: Int64, Shape: cloneShape(shape), I64: data}, nil
}

func NewBool(shape Shape, data []bool) (*Tensor, error) {
	if int64(len(data)) != shape.NumElements() {
		return nil, fmt.Errorf("bool tensor %s: have %d elements, want %d", shape, len(data), shape.NumElements())
	}
	return &Tensor{DType: Bool, Shape: cloneShape(shape), B: data}, nil
}

// Zeros allocates a zero-filled tensor
func Zeros(dt DType, shape Shape) *Tensor {
	n := shape.NumElements()
	t := &Tensor{DType: dt, Shape: cloneShape(shape)}
	switch dt {
	case Float32:
		t.F32 = make([]float32, n)
	case Int64:
		t.I64 = make([]int64, n)
	case Bool:
		t.B = make([]bool, n)
	}
	return t
}

// Flag builds the bool[1] tensor graphs take as a mode switch
func Flag(v bool) *Tensor {
	return &Tensor{DType: Bool, Shape: Shape{1}, B: []bool{v}}
}

func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i, or -1 when the axis does not exist
func (t *Tensor) Dim(i int) int64 {
	if t == nil || i < 0 || i >= len(t.Shape) {
		return -1
	}
	return t.Shape[i]
}

func (t *Tensor) Len() int {
	switch t.DType {
	case Float32:
		return len(t.F32)
	case Int64:
		return len(t.I64)
	case Bool:
		return len(t.B)
	}
	return 0
}

// SizeBytes is the payload size a backend would allocate for t
func (t *Tensor) SizeBytes() int64 {
	switch t.DType {
	case Float32:
		return int64(len(t.F32)) * 4
	case Int64:
		return int64(len(t.I64)) * 8
	case Bool:
		return int64(len(t.B))
	}
	return 0
}

func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.DType.String() + t.Shape.String()
}

// Clone deep-copies shape and data
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	c := &Tensor{DType: t.DType, Shape: cloneShape(t.Shape)}
	if t.F32 != nil {
		c.F32 = append([]float32(nil), t.F32...)
	}
	if t.I64 != nil {
		c.I64 = append([]int64(nil), t.I64...)
	}
	if t.B != nil {
		c.B = append([]bool(nil), t.B...)
	}
	return c
}

// Equal reports bitwise equality of dtype, shape and data.
// NaN payloads compare equal to themselves.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.DType != o.DType || !t.Shape.Equal(o.Shape) || t.Len() != o.Len() {
		return false
	}
	switch t.DType {
	case Float32:
		for i := range t.F32 {
			if math.Float32bits(t.F32[i]) != math.Float32bits(o.F32[i]) {
				return false
			}
		}
	case Int64:
		for i := range t.I64 {
			if t.I64[i] != o.I64[i] {
				return false
			}
		}
	case Bool:
		for i := range t.B {
			if t.B[i] != o.B[i] {
				return false
			}
		}
	}
	return true
}

// IsZero reports whether every element is the zero value
func (t *Tensor) IsZero() bool {
	for _, v := range t.F32 {
		if v != 0 {
			return false
		}
	}
	for _, v := range t.I64 {
		if v != 0 {
			return false
		}
	}
	for _, v := range t.B {
		if v {
			return false
		}
	}
	return true
}

// Row returns the float32 slice at the given leading indices.
// For logits [batch, seq, vocab], Row(0, seq-1) yields the last position.
func (t *Tensor) Row(idx ...int64) ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("row of %s tensor", t.DType)
	}
	if len(idx) != len(t.Shape)-1 {
		return nil, fmt.Errorf("row of %s needs %d indices, got %d", t.Shape, len(t.Shape)-1, len(idx))
	}
	off := int64(0)
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			return nil, fmt.Errorf("index %d out of range for axis %d of %s", v, i, t.Shape)
		}
		off = off*t.Shape[i] + v
	}
	w := t.Shape[len(t.Shape)-1]
	off *= w
	return t.F32[off : off+w], nil
}

func cloneShape(s Shape) Shape {
	return append(Shape(nil), s...)
}

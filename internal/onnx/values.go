package onnx

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-nmt/internal/tensor"
)

func toValue(t *tensor.Tensor) (ort.Value, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}
	if t.Shape.NumElements() == 0 {
		return nil, fmt.Errorf("empty tensor %s cannot be bound", t)
	}
	shape := ort.NewShape(t.Shape...)
	switch t.DType {
	case tensor.Float32:
		return ort.NewTensor(shape, t.F32)
	case tensor.Int64:
		return ort.NewTensor(shape, t.I64)
	case tensor.Bool:
		raw := make([]byte, len(t.B))
		for i, b := range t.B {
			if b {
				raw[i] = 1
			}
		}
		return ort.NewCustomDataTensor(shape, raw, ort.TensorElementDataTypeBool)
	}
	return nil, fmt.Errorf("unsupported dtype %s", t.DType)
}

// fromValue copies an ORT-owned output so it outlives the value
func fromValue(v ort.Value) (*tensor.Tensor, error) {
	if v == nil {
		return nil, fmt.Errorf("graph produced no value")
	}
	shape := tensor.Shape(append([]int64(nil), v.GetShape()...))
	switch x := v.(type) {
	case *ort.Tensor[float32]:
		return tensor.NewFloat32(shape, append([]float32(nil), x.GetData()...))
	case *ort.Tensor[int64]:
		return tensor.NewInt64(shape, append([]int64(nil), x.GetData()...))
	case *ort.CustomDataTensor:
		if x.DataType() != ort.TensorElementDataTypeBool {
			return nil, fmt.Errorf("unsupported custom tensor type %s", dtypeName(ort.TensorElementDataType(x.DataType())))
		}
		raw := x.GetData()
		b := make([]bool, len(raw))
		for i, c := range raw {
			b[i] = c != 0
		}
		return tensor.NewBool(shape, b)
	}
	return nil, fmt.Errorf("unsupported output value %T", v)
}

func dtypeName(dt ort.TensorElementDataType) string {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return "float32"
	case ort.TensorElementDataTypeFloat16:
		return "float16"
	case ort.TensorElementDataTypeInt64:
		return "int64"
	case ort.TensorElementDataTypeInt32:
		return "int32"
	case ort.TensorElementDataTypeBool:
		return "bool"
	}
	return fmt.Sprintf("type(%d)", int(dt))
}

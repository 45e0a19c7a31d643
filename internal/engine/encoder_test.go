package engine

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-nmt/internal/graph/graphtest"
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

func TestSourceEncoder(t *testing.T) {
	cfg := testConfig(1, 2, 4)
	enc := graphtest.NewEncoder(cfg.Hidden)
	e, err := NewSourceEncoder(enc, cfg)
	if err != nil {
		t.Fatal(err)
	}

	src, err := e.Encode([]int{15, 27, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != 3 || src.HiddenSize() != int64(cfg.Hidden) {
		t.Errorf("len=%d hidden=%d", src.Len(), src.HiddenSize())
	}
	if !src.Mask.Shape.Equal(tensor.Shape{1, 3}) {
		t.Errorf("mask %s", src.Mask.Shape)
	}
	for i, m := range src.Mask.I64 {
		if m != 1 {
			t.Errorf("default mask position %d is %d", i, m)
		}
	}

	mask := []int64{1, 1, 1, 0}
	padded, err := e.Encode([]int{15, 27, 2, 0}, mask)
	if err != nil {
		t.Fatal(err)
	}
	if !padded.Mask.Shape.Equal(tensor.Shape{1, 4}) || padded.Mask.I64[3] != 0 {
		t.Errorf("explicit mask not carried through: %s %v", padded.Mask, padded.Mask.I64)
	}
	mask[0] = 0
	if padded.Mask.I64[0] != 1 {
		t.Error("encoding must own its mask")
	}
}

func TestSourceEncoderInputOrder(t *testing.T) {
	cfg := testConfig(1, 2, 4)
	enc := graphtest.NewEncoder(cfg.Hidden)
	enc.IDsName = "token_ids"
	rec := graphtest.NewRecorder(swapped{enc})

	e, err := NewSourceEncoder(rec, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Encode([]int{4, 5}, []int64{1, 0}); err != nil {
		t.Fatal(err)
	}
	in := rec.Call(0)
	if in[0].I64[1] != 0 || in[1].I64[0] != 4 {
		t.Errorf("mask must bind to input 0 and ids to input 1 for a mask-first graph: %v %v", in[0].I64, in[1].I64)
	}
}

// swapped declares the mask first
type swapped struct{ *graphtest.Encoder }

func (s swapped) InputNames() []string {
	n := s.Encoder.InputNames()
	return []string{n[1], n[0]}
}

func TestSourceEncoderErrors(t *testing.T) {
	cfg := testConfig(1, 2, 4)
	e, err := NewSourceEncoder(graphtest.NewEncoder(cfg.Hidden), cfg)
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Encode(nil, nil)
	var ge *GraphExecutionError
	if !errors.As(err, &ge) || !errors.Is(err, ErrInputFraming) || ge.Step != -1 {
		t.Errorf("empty source: %v", err)
	}
	if _, err := e.Encode([]int{1, 2}, []int64{1}); !errors.Is(err, ErrInputFraming) {
		t.Errorf("mask length mismatch: %v", err)
	}

	wrongHidden := testConfig(1, 4, 4)
	e2, err := NewSourceEncoder(graphtest.NewEncoder(cfg.Hidden), wrongHidden)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e2.Encode([]int{1, 2}, nil); !errors.Is(err, ErrOutputShape) {
		t.Errorf("hidden size mismatch: %v", err)
	}
}

func TestNewSourceEncoderSignature(t *testing.T) {
	cfg := testConfig(1, 2, 4)
	tests := []struct {
		name string
		in   []string
		out  []string
	}{
		{"one input", []string{"input_ids"}, []string{"last_hidden_state"}},
		{"unknown names", []string{"ids", "mask"}, []string{"last_hidden_state"}},
		{"no outputs", []string{"input_ids", "attention_mask"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSourceEncoder(graphtest.NewSignature("enc", tt.in, tt.out), cfg); !IsConfigurationError(err) {
				t.Errorf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

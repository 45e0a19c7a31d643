package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/23skdu/longbow-nmt/internal/graph/graphtest"
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

func TestResolveLayout(t *testing.T) {
	tests := []struct {
		name    string
		in      func() ([]string, []string)
		layers  int
		scheme  NamingScheme
		wantErr string
	}{
		{
			name:   "canonical",
			in:     func() ([]string, []string) { return graphtest.DecoderNames(graphtest.SchemeCanonical, 2) },
			layers: 2,
			scheme: SchemeCanonical,
		},
		{
			name:   "optimum",
			in:     func() ([]string, []string) { return graphtest.DecoderNames(graphtest.SchemeOptimum, 3) },
			layers: 3,
			scheme: SchemeOptimum,
		},
		{
			name:    "too few layers declared",
			in:      func() ([]string, []string) { return graphtest.DecoderNames(graphtest.SchemeCanonical, 2) },
			layers:  3,
			wantErr: "declares 12 inputs",
		},
		{
			name: "missing flag",
			in: func() ([]string, []string) {
				in, out := graphtest.DecoderNames(graphtest.SchemeCanonical, 2)
				return in[:len(in)-1], out
			},
			layers:  2,
			wantErr: "declares 11 inputs",
		},
		{
			name: "missing output",
			in: func() ([]string, []string) {
				in, out := graphtest.DecoderNames(graphtest.SchemeCanonical, 1)
				return in, out[:len(out)-1]
			},
			layers:  1,
			wantErr: "declares 4 outputs",
		},
		{
			name: "swapped cache slots",
			in: func() ([]string, []string) {
				in, out := graphtest.DecoderNames(graphtest.SchemeCanonical, 1)
				in[3], in[5] = in[5], in[3]
				return in, out
			},
			layers:  1,
			wantErr: `input 3 is "past.0.cross.key"`,
		},
		{
			name: "mixed schemes",
			in: func() ([]string, []string) {
				in, out := graphtest.DecoderNames(graphtest.SchemeOptimum, 1)
				in[len(in)-1] = "use_cache_flag"
				return in, out
			},
			layers:  1,
			wantErr: "use_cache_branch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out := tt.in()
			layout, err := ResolveLayout(graphtest.NewSignature("sig", in, out), tt.layers)
			if tt.wantErr != "" {
				if !IsConfigurationError(err) {
					t.Fatalf("expected ConfigurationError, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error %q does not mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if layout.Scheme != tt.scheme {
				t.Errorf("scheme %s, want %s", layout.Scheme, tt.scheme)
			}
			if len(layout.Inputs) != 3+4*tt.layers+1 || len(layout.Outputs) != 1+4*tt.layers {
				t.Errorf("layout arity %d/%d", len(layout.Inputs), len(layout.Outputs))
			}
		})
	}
}

func TestDecoderLayoutNames(t *testing.T) {
	l := DecoderLayout(SchemeCanonical, 2)
	if l.Inputs[3] != "past.0.self.key" || l.Inputs[10] != "past.1.cross.value" {
		t.Errorf("canonical inputs %v", l.Inputs)
	}
	if l.Outputs[4] != "present.0.cross.value" || l.FlagName() != "use_cache_flag" {
		t.Errorf("canonical outputs %v flag %s", l.Outputs, l.FlagName())
	}

	o := DecoderLayout(SchemeOptimum, 1)
	if o.Inputs[3] != "past_key_values.0.decoder.key" || o.Inputs[5] != "past_key_values.0.encoder.key" {
		t.Errorf("optimum inputs %v", o.Inputs)
	}
	if o.Outputs[1] != "present.0.decoder.key" || o.FlagName() != "use_cache_branch" {
		t.Errorf("optimum outputs %v flag %s", o.Outputs, o.FlagName())
	}
}

func TestNewAdapterRejectsSignature(t *testing.T) {
	cfg := testConfig(2, 2, 4)
	in, out := graphtest.DecoderNames(graphtest.SchemeCanonical, 3)
	_, err := NewAdapter(graphtest.NewSignature("three-layer", in, out), cfg)
	if !IsConfigurationError(err) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	bad := cfg
	bad.Hidden = 7
	in, out = graphtest.DecoderNames(graphtest.SchemeCanonical, 2)
	if _, err := NewAdapter(graphtest.NewSignature("two-layer", in, out), bad); !IsConfigurationError(err) {
		t.Errorf("invalid model config should be a ConfigurationError, got %v", err)
	}
}

func TestInvokeFraming(t *testing.T) {
	cfg := testConfig(1, 2, 4)
	s, dec := newToySession(t, cfg, toyDecoderConfig(cfg), nil)
	enc, err := s.Encode([]int{5, 6, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewInitialCache(cfg, enc.Len())

	for _, mode := range []StepMode{ModeFirst, ModeContinuation} {
		for _, ids := range [][]int{nil, {testStart, 9}} {
			_, _, err := s.Adapter().Invoke(0, mode, ids, enc, cache)
			var ge *GraphExecutionError
			if !errors.As(err, &ge) || !errors.Is(err, ErrInputFraming) {
				t.Errorf("%s with %d ids: expected framing GraphExecutionError, got %v", mode, len(ids), err)
			}
		}
	}
	if dec.Calls() != 0 {
		t.Errorf("framing errors must be raised before the graph runs, got %d calls", dec.Calls())
	}
}

func TestInvokeRejectsMalformedCache(t *testing.T) {
	cfg := testConfig(2, 2, 4)
	s, dec := newToySession(t, cfg, toyDecoderConfig(cfg), nil)
	enc, err := s.Encode([]int{5, 6, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		cache func() *DecoderCache
	}{
		{"too few layers", func() *DecoderCache { return NewInitialCache(testConfig(1, 2, 4), enc.Len()) }},
		{"wrong source length", func() *DecoderCache { return NewInitialCache(cfg, enc.Len()+1) }},
		{"wrong heads", func() *DecoderCache {
			c := NewInitialCache(cfg, enc.Len())
			c.Layers[1].SelfKey = tensor.Zeros(tensor.Float32, tensor.Shape{1, 3, 1, 4})
			return c
		}},
		{"missing tensor", func() *DecoderCache {
			c := NewInitialCache(cfg, enc.Len())
			c.Layers[0].CrossValue = nil
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Adapter().Invoke(0, ModeFirst, []int{testStart}, enc, tt.cache())
			if !errors.Is(err, ErrCacheShape) || !IsGraphExecutionError(err) {
				t.Errorf("expected cache shape GraphExecutionError, got %v", err)
			}
		})
	}
	if dec.Calls() != 0 {
		t.Errorf("malformed caches must be rejected before the graph runs, got %d calls", dec.Calls())
	}
}

func TestInvokeOptimumBindsFlag(t *testing.T) {
	cfg := testConfig(2, 2, 4)
	dc := toyDecoderConfig(cfg)
	dc.Scheme = graphtest.SchemeOptimum
	s, _ := newToySession(t, cfg, dc, nil)
	if s.Adapter().Layout().Scheme != SchemeOptimum {
		t.Fatalf("scheme %s", s.Adapter().Layout().Scheme)
	}

	enc, err := s.Encode([]int{5, 6, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	logits, cache, err := s.Adapter().Invoke(0, ModeFirst, []int{testStart}, enc, NewInitialCache(cfg, enc.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if !logits.Shape.Equal(tensor.Shape{1, 1, testVocab}) {
		t.Errorf("logits %s", logits.Shape)
	}
	if cache.SelfLen() != 1 || cache.CrossLen() != 3 {
		t.Errorf("cache lengths %d/%d", cache.SelfLen(), cache.CrossLen())
	}

	tok, _, _ := Greedy(logits.F32)
	_, next, err := s.Adapter().Invoke(1, ModeContinuation, []int{tok}, enc, cache)
	if err != nil {
		t.Fatal(err)
	}
	if next.SelfLen() != 2 {
		t.Errorf("continuation self length %d, want 2", next.SelfLen())
	}
}

type stuckCache struct{ *graphtest.Decoder }

// Run hands back the input cache unchanged instead of appending a position
func (s stuckCache) Run(in []*tensor.Tensor) ([]*tensor.Tensor, error) {
	out, err := s.Decoder.Run(in)
	if err != nil {
		return nil, err
	}
	if in[len(in)-1].B[0] {
		copy(out[1:], in[3:len(in)-1])
	}
	return out, nil
}

func TestInvokeChecksCacheGrowth(t *testing.T) {
	cfg := testConfig(1, 2, 4)
	dec := graphtest.NewDecoder(toyDecoderConfig(cfg))
	s, err := NewSession(cfg, graphtest.NewEncoder(cfg.Hidden), stuckCache{dec})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	_, err = s.Generate(t.Context(), []int{5, 2}, opts(5))
	var ge *GraphExecutionError
	if !errors.As(err, &ge) || !errors.Is(err, ErrCacheGrowth) {
		t.Fatalf("expected cache growth error, got %v", err)
	}
	if ge.Step != 1 {
		t.Errorf("growth error at step %d, want 1", ge.Step)
	}
}

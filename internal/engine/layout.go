package engine

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-nmt/internal/graph"
)

// NamingScheme identifies how an export names the decoder's cache tensors
type NamingScheme int

const (
	// SchemeCanonical: past.{i}.self.key ... use_cache_flag
	SchemeCanonical NamingScheme = iota
	// SchemeOptimum: past_key_values.{i}.decoder.key ... use_cache_branch
	SchemeOptimum
)

func (s NamingScheme) String() string {
	if s == SchemeOptimum {
		return "optimum"
	}
	return "canonical"
}

const (
	inputMask    = "encoder_attention_mask"
	inputIDs     = "input_ids"
	inputHidden  = "encoder_hidden_states"
	outputLogits = "logits"
)

// Layout is the verified binding between logical step inputs and a
// decoder graph's positional signature
type Layout struct {
	Scheme  NamingScheme
	Layers  int
	Inputs  []string
	Outputs []string
}

// DecoderLayout returns the expected signature for a scheme and layer count
func DecoderLayout(scheme NamingScheme, layers int) *Layout {
	l := &Layout{Scheme: scheme, Layers: layers}
	l.Inputs = []string{inputMask, inputIDs, inputHidden}
	l.Outputs = []string{outputLogits}

	kinds := []string{"self.key", "self.value", "cross.key", "cross.value"}
	past, flag := "past.%d.%s", "use_cache_flag"
	if scheme == SchemeOptimum {
		kinds = []string{"decoder.key", "decoder.value", "encoder.key", "encoder.value"}
		past, flag = "past_key_values.%d.%s", "use_cache_branch"
	}
	for i := 0; i < layers; i++ {
		for _, k := range kinds {
			l.Inputs = append(l.Inputs, fmt.Sprintf(past, i, k))
			l.Outputs = append(l.Outputs, fmt.Sprintf("present.%d.%s", i, k))
		}
	}
	l.Inputs = append(l.Inputs, flag)
	return l
}

// FlagName is the name of the mode input
func (l *Layout) FlagName() string { return l.Inputs[len(l.Inputs)-1] }

// ResolveLayout checks a decoder graph's declared signature against the
// layer count and returns the matching layout. Arity or naming mismatches
// are ConfigurationErrors.
func ResolveLayout(g graph.Graph, layers int) (*Layout, error) {
	in, out := g.InputNames(), g.OutputNames()
	wantIn, wantOut := 3+4*layers+1, 1+4*layers
	if len(in) != wantIn {
		return nil, configErr("decoder signature", "graph %s declares %d inputs, want 3 + 4*%d + 1 = %d",
			g.Name(), len(in), layers, wantIn)
	}
	if len(out) != wantOut {
		return nil, configErr("decoder signature", "graph %s declares %d outputs, want 1 + 4*%d = %d",
			g.Name(), len(out), layers, wantOut)
	}

	scheme := SchemeCanonical
	if strings.HasPrefix(in[3], "past_key_values.") {
		scheme = SchemeOptimum
	}
	want := DecoderLayout(scheme, layers)
	for i := range want.Inputs {
		if in[i] != want.Inputs[i] {
			return nil, configErr("decoder signature", "graph %s input %d is %q, want %q (%s scheme)",
				g.Name(), i, in[i], want.Inputs[i], scheme)
		}
	}
	for i := range want.Outputs {
		if out[i] != want.Outputs[i] {
			return nil, configErr("decoder signature", "graph %s output %d is %q, want %q (%s scheme)",
				g.Name(), i, out[i], want.Outputs[i], scheme)
		}
	}
	return want, nil
}

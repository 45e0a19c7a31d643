// Package graphtest provides deterministic in-memory graphs that follow the
// encoder/decoder tensor contract, for tests that cannot load ONNX models.
package graphtest

import "fmt"

const (
	SchemeCanonical = "canonical"
	SchemeOptimum   = "optimum"
)

// DecoderNames returns the ordered input and output names of a decoder
// with the given layer count under a naming scheme
func DecoderNames(scheme string, layers int) (inputs, outputs []string) {
	inputs = []string{"encoder_attention_mask", "input_ids", "encoder_hidden_states"}
	outputs = []string{"logits"}
	for i := 0; i < layers; i++ {
		switch scheme {
		case SchemeOptimum:
			for _, kind := range []string{"decoder.key", "decoder.value", "encoder.key", "encoder.value"} {
				inputs = append(inputs, fmt.Sprintf("past_key_values.%d.%s", i, kind))
				outputs = append(outputs, fmt.Sprintf("present.%d.%s", i, kind))
			}
		default:
			for _, kind := range []string{"self.key", "self.value", "cross.key", "cross.value"} {
				inputs = append(inputs, fmt.Sprintf("past.%d.%s", i, kind))
				outputs = append(outputs, fmt.Sprintf("present.%d.%s", i, kind))
			}
		}
	}
	if scheme == SchemeOptimum {
		inputs = append(inputs, "use_cache_branch")
	} else {
		inputs = append(inputs, "use_cache_flag")
	}
	return inputs, outputs
}

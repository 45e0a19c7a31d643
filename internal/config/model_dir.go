package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// ModelFiles locates the graphs and vocabulary inside an exported model dir
type ModelFiles struct {
	Dir       string
	Encoder   string
	Decoder   string
	Tokenizer string
}

var (
	encoderCandidates = []string{"encoder_model.onnx", "encoder.onnx"}
	decoderCandidates = []string{
		"decoder_model_merged.onnx",
		"decoder_with_past_model.onnx",
		"decoder.onnx",
	}
	tokenizerCandidates = []string{"tokenizer.json"}
)

// hfConfig mirrors the fields of a Hugging Face config.json we need.
// Several names cover the same value depending on the architecture.
type hfConfig struct {
	ModelType string `json:"model_type"`

	DecoderLayers    int `json:"decoder_layers"`
	NumDecoderLayers int `json:"num_decoder_layers"`
	NumLayers        int `json:"num_layers"`

	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	NumHeads              int `json:"num_heads"`

	DModel     int `json:"d_model"`
	HiddenSize int `json:"hidden_size"`

	VocabSize             int `json:"vocab_size"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`

	DecoderStartTokenID *int `json:"decoder_start_token_id"`
	EOSTokenID          any  `json:"eos_token_id"`
	PadTokenID          *int `json:"pad_token_id"`
}

// LoadModelDir reads config.json from dir and locates the model files
func LoadModelDir(dir string) (Config, ModelFiles, error) {
	files := ModelFiles{
		Dir:       dir,
		Encoder:   findFile(dir, encoderCandidates),
		Decoder:   findFile(dir, decoderCandidates),
		Tokenizer: findFile(dir, tokenizerCandidates),
	}
	if files.Encoder == "" {
		return Config{}, files, fmt.Errorf("no encoder graph in %s (tried %v)", dir, encoderCandidates)
	}
	if files.Decoder == "" {
		return Config{}, files, fmt.Errorf("no decoder graph in %s (tried %v)", dir, decoderCandidates)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return Config{}, files, fmt.Errorf("reading config.json: %w", err)
	}
	cfg, err := ParseModelConfig(data)
	if err != nil {
		return Config{}, files, err
	}
	return cfg, files, nil
}

// ParseModelConfig converts config.json bytes into a validated Config.
// Missing values fall back to the Marian defaults.
func ParseModelConfig(data []byte) (Config, error) {
	var raw hfConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parsing config.json: %w", err)
	}

	base := Default()
	if raw.ModelType == ModelM2M100 {
		base = M2M100()
	}

	cfg := Config{
		ModelType:    FirstNonEmpty(raw.ModelType, base.ModelType),
		Layers:       FirstNonZero(raw.DecoderLayers, raw.NumDecoderLayers, raw.NumLayers, base.Layers),
		Heads:        FirstNonZero(raw.DecoderAttentionHeads, raw.NumHeads, base.Heads),
		Hidden:       FirstNonZero(raw.DModel, raw.HiddenSize, base.Hidden),
		VocabSize:    FirstNonZero(raw.VocabSize, base.VocabSize),
		MaxPositions: FirstNonZero(raw.MaxPositionEmbeddings, base.MaxPositions),

		DecoderStartTokenID: base.DecoderStartTokenID,
		EOSTokenID:          base.EOSTokenID,
		PadTokenID:          base.PadTokenID,
	}
	cfg.HeadDim = cfg.Hidden / cfg.Heads

	if raw.PadTokenID != nil {
		cfg.PadTokenID = *raw.PadTokenID
	}
	if raw.DecoderStartTokenID != nil {
		cfg.DecoderStartTokenID = *raw.DecoderStartTokenID
	}
	// eos_token_id may be a scalar or a list
	switch v := raw.EOSTokenID.(type) {
	case float64:
		cfg.EOSTokenID = int(v)
	case []any:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				cfg.EOSTokenID = int(f)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config.json: %w", err)
	}
	return cfg, nil
}

func FirstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func findFile(dir string, candidates []string) string {
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

package config

import (
	"fmt"
	"strings"
)

const (
	ModelMarian = "marian"
	ModelM2M100 = "m2m_100"
)

// Config describes the decoder geometry and the special tokens of one
// encoder/decoder translation model.
type Config struct {
	ModelType string
	Layers    int
	Heads     int
	HeadDim   int
	Hidden    int
	VocabSize int

	DecoderStartTokenID int
	EOSTokenID          int
	PadTokenID          int

	// MaxPositions bounds the decoder positions the graph can embed
	MaxPositions int

	// StrictCrossCache turns a malformed cross-attention cache returned in
	// continuation mode into a hard failure instead of a logged substitution
	StrictCrossCache bool
}

func (c *Config) Validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Hidden <= 0 {
		return fmt.Errorf("invalid hidden: %d (must be positive)", c.Hidden)
	}
	if c.Hidden != c.Heads*c.HeadDim {
		return fmt.Errorf("hidden mismatch: %d != heads(%d) * head_dim(%d)", c.Hidden, c.Heads, c.HeadDim)
	}
	if c.VocabSize < 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be non-negative)", c.VocabSize)
	}
	if c.DecoderStartTokenID < 0 {
		return fmt.Errorf("invalid decoder_start_token_id: %d", c.DecoderStartTokenID)
	}
	if c.EOSTokenID < 0 {
		return fmt.Errorf("invalid eos_token_id: %d", c.EOSTokenID)
	}
	if c.VocabSize > 0 && c.EOSTokenID >= c.VocabSize {
		return fmt.Errorf("eos_token_id %d outside vocab of %d", c.EOSTokenID, c.VocabSize)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("invalid max_positions: %d (must be positive)", c.MaxPositions)
	}
	return nil
}

func (c *Config) GetModelType() string {
	return strings.ToLower(c.ModelType)
}

// ForcesLanguageToken reports whether decoding starts from a target
// language token rather than DecoderStartTokenID
func (c *Config) ForcesLanguageToken() bool {
	return c.GetModelType() == ModelM2M100
}

// NumDecoderInputs is the decoder graph input arity: mask, ids, hidden,
// four cache tensors per layer, mode flag
func (c *Config) NumDecoderInputs() int {
	return 3 + 4*c.Layers + 1
}

// NumDecoderOutputs is logits plus four cache tensors per layer
func (c *Config) NumDecoderOutputs() int {
	return 1 + 4*c.Layers
}

// Default is the geometry of the opus-mt Marian models
func Default() Config {
	return Config{
		ModelType:           ModelMarian,
		Layers:              6,
		Heads:               8,
		HeadDim:             64,
		Hidden:              512,
		VocabSize:           65001,
		DecoderStartTokenID: 65000,
		EOSTokenID:          0,
		PadTokenID:          65000,
		MaxPositions:        512,
	}
}

// M2M100 is the geometry of facebook/m2m100_418M
func M2M100() Config {
	return Config{
		ModelType:           ModelM2M100,
		Layers:              12,
		Heads:               16,
		HeadDim:             64,
		Hidden:              1024,
		VocabSize:           128112,
		DecoderStartTokenID: 2,
		EOSTokenID:          2,
		PadTokenID:          1,
		MaxPositions:        1024,
	}
}

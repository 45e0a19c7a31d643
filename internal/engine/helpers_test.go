package engine

import (
	"testing"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/graph"
	"github.com/23skdu/longbow-nmt/internal/graph/graphtest"
)

const (
	testStart = 1
	testEOS   = 2
	testVocab = 64
)

func testConfig(layers, heads, headDim int) config.Config {
	return config.Config{
		ModelType:           config.ModelMarian,
		Layers:              layers,
		Heads:               heads,
		HeadDim:             headDim,
		Hidden:              heads * headDim,
		VocabSize:           testVocab,
		DecoderStartTokenID: testStart,
		EOSTokenID:          testEOS,
		MaxPositions:        512,
	}
}

func toyDecoderConfig(cfg config.Config) graphtest.DecoderConfig {
	return graphtest.DecoderConfig{
		Layers:  cfg.Layers,
		Heads:   cfg.Heads,
		HeadDim: cfg.HeadDim,
		Hidden:  cfg.Hidden,
		Vocab:   testVocab,
		EOS:     testEOS,
	}
}

// newToySession builds a session over toy graphs. wrap, when set, decorates
// the decoder before the session sees it.
func newToySession(t *testing.T, cfg config.Config, dc graphtest.DecoderConfig, wrap func(graph.Graph) graph.Graph) (*Session, *graphtest.Decoder) {
	t.Helper()
	dec := graphtest.NewDecoder(dc)
	var g graph.Graph = dec
	if wrap != nil {
		g = wrap(dec)
	}
	s, err := NewSession(cfg, graphtest.NewEncoder(cfg.Hidden), g)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() {
		if s.Refs() > 0 {
			_ = s.Release()
		}
	})
	return s, dec
}

func opts(maxLen int) Options {
	return Options{StartToken: testStart, EOSToken: testEOS, MaxLength: maxLen}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

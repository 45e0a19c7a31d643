package translate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/graph/graphtest"
)

// wordTokenizer maps each whitespace word to a stable id and decodes ids
// to "w<id>" words
type wordTokenizer struct {
	vocab map[string]int
	langs map[string]int
	eos   int
	fail  bool
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{vocab: map[string]int{}, langs: map[string]int{"en": 60, "zh": 61}, eos: 2}
}

func (w *wordTokenizer) Encode(text string) ([]int, error) {
	if w.fail {
		return nil, errors.New("tokenizer exploded")
	}
	var ids []int
	for _, word := range strings.Fields(text) {
		id, ok := w.vocab[word]
		if !ok {
			id = 3 + len(w.vocab)%50
			w.vocab[word] = id
		}
		ids = append(ids, id)
	}
	return append(ids, w.eos), nil
}

func (w *wordTokenizer) Decode(ids []int) (string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = fmt.Sprintf("w%d", id)
	}
	return strings.Join(words, " "), nil
}

func (w *wordTokenizer) LanguageTokenID(code string) (int, bool) {
	id, ok := w.langs[code]
	return id, ok
}

func testModel(modelType string) config.Config {
	return config.Config{
		ModelType:           modelType,
		Layers:              2,
		Heads:               2,
		HeadDim:             4,
		Hidden:              8,
		VocabSize:           64,
		DecoderStartTokenID: 1,
		EOSTokenID:          2,
		MaxPositions:        256,
	}
}

func newTestSession(t *testing.T, cfg config.Config, dc graphtest.DecoderConfig) (*engine.Session, *graphtest.Recorder) {
	t.Helper()
	dc.Layers, dc.Heads, dc.HeadDim, dc.Hidden = cfg.Layers, cfg.Heads, cfg.HeadDim, cfg.Hidden
	dc.Vocab, dc.EOS = cfg.VocabSize, cfg.EOSTokenID
	rec := graphtest.NewRecorder(graphtest.NewDecoder(dc))
	s, err := engine.NewSession(cfg, graphtest.NewEncoder(cfg.Hidden), rec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Release() })
	return s, rec
}

func enZh() LanguagePair { return LanguagePair{Source: English, Target: Chinese} }

func TestTranslate(t *testing.T) {
	s, rec := newTestSession(t, testModel(config.ModelMarian), graphtest.DecoderConfig{Script: []int{10, 11, 12}})
	tr, err := New(s, newWordTokenizer(), Options{Pair: LanguagePair{Source: Chinese, Target: English}, MaxLength: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if s.Refs() != 2 {
		t.Errorf("translator should hold a session reference, refs=%d", s.Refs())
	}

	resp, err := tr.Translate(context.Background(), Request{Text: "hello world"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "w10 w11 w12" {
		t.Errorf("text %q", resp.Text)
	}
	if resp.StopReason != engine.StopEOS || resp.Steps != 4 {
		t.Errorf("stop %s steps %d", resp.StopReason, resp.Steps)
	}
	if len(resp.SourceTokens) != 3 || resp.SourceTokens[2] != 2 {
		t.Errorf("source tokens %v", resp.SourceTokens)
	}
	if resp.Quality.AvgProbability <= 0 || resp.Quality.Perplexity < 1 {
		t.Errorf("quality %+v", resp.Quality)
	}
	if first := rec.Call(0); first[1].I64[0] != 1 {
		t.Errorf("marian start token %d, want decoder_start_token_id", first[1].I64[0])
	}
}

func TestTranslateForcesLanguageTokens(t *testing.T) {
	s, rec := newTestSession(t, testModel(config.ModelM2M100), graphtest.DecoderConfig{Script: []int{10}})
	tr, err := New(s, newWordTokenizer(), Options{Pair: enZh(), MaxLength: 8, QualityCheck: false})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	resp, err := tr.Translate(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SourceTokens[0] != 60 {
		t.Errorf("source must start with the source language token, got %v", resp.SourceTokens)
	}
	if first := rec.Call(0); first[1].I64[0] != 61 {
		t.Errorf("decoder must start from the target language token, got %d", first[1].I64[0])
	}
	for _, tok := range resp.Tokens {
		if tok == 61 {
			t.Errorf("language token leaked into output %v", resp.Tokens)
		}
	}
}

func TestNewUnknownLanguageToken(t *testing.T) {
	s, _ := newTestSession(t, testModel(config.ModelM2M100), graphtest.DecoderConfig{})
	_, err := New(s, newWordTokenizer(), Options{Pair: LanguagePair{Source: Spanish, Target: Chinese}})
	if !engine.IsConfigurationError(err) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
	if s.Refs() != 1 {
		t.Errorf("failed New must not keep a reference, refs=%d", s.Refs())
	}
}

func TestNewMaxLength(t *testing.T) {
	tests := []struct {
		name      string
		positions int
		maxLength int
		wantErr   bool
	}{
		{"default", 256, 0, false},
		{"default clamped to positions", 64, 0, false},
		{"at limit", 256, 256, false},
		{"over limit", 256, 1000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testModel(config.ModelMarian)
			cfg.MaxPositions = tt.positions
			s, _ := newTestSession(t, cfg, graphtest.DecoderConfig{})

			tr, err := New(s, newWordTokenizer(), Options{Pair: enZh(), MaxLength: tt.maxLength})
			if tt.wantErr {
				if !engine.IsConfigurationError(err) {
					t.Errorf("expected ConfigurationError, got %v", err)
				}
				if s.Refs() != 1 {
					t.Errorf("failed New must not keep a reference, refs=%d", s.Refs())
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer tr.Close()
			if _, err := tr.Translate(context.Background(), Request{Text: "a b"}); err != nil {
				t.Errorf("translate with max length %d: %v", tr.opts.MaxLength, err)
			}
		})
	}
}

func TestTranslateErrors(t *testing.T) {
	s, _ := newTestSession(t, testModel(config.ModelMarian), graphtest.DecoderConfig{FailOnCall: 1})
	tok := newWordTokenizer()
	tr, err := New(s, tok, Options{Pair: enZh()})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if _, err := tr.Translate(context.Background(), Request{Text: "   "}); err == nil {
		t.Error("expected error for blank text")
	}
	if _, err := tr.Translate(context.Background(), Request{Text: "a b"}); !errors.Is(err, graphtest.ErrInjected) {
		t.Errorf("expected injected graph fault, got %v", err)
	}
	tok.fail = true
	if _, err := tr.Translate(context.Background(), Request{Text: "a b"}); err == nil || !strings.Contains(err.Error(), "tokenize") {
		t.Errorf("expected tokenize error, got %v", err)
	}
}

func TestTranslateRequestOverrides(t *testing.T) {
	s, _ := newTestSession(t, testModel(config.ModelMarian), graphtest.DecoderConfig{})
	tr, err := New(s, newWordTokenizer(), Options{Pair: enZh(), MaxLength: 50})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	steps := 0
	resp, err := tr.Translate(context.Background(), Request{
		Text:      "a b c",
		MaxLength: 3,
		Observer:  engine.StepObserverFunc(func(engine.StepEvent) { steps++ }),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Tokens) != 3 || resp.StopReason != engine.StopMaxLength || steps != 3 {
		t.Errorf("tokens=%v stop=%s observed=%d", resp.Tokens, resp.StopReason, steps)
	}
}

func TestTranslateQualityCheck(t *testing.T) {
	s, _ := newTestSession(t, testModel(config.ModelMarian), graphtest.DecoderConfig{Script: []int{10, 10, 10, 12}})
	tr, err := New(s, newWordTokenizer(), Options{Pair: LanguagePair{Source: Chinese, Target: English}, QualityCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	resp, err := tr.Translate(context.Background(), Request{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "w10 w12" {
		t.Errorf("repeated words not collapsed: %q", resp.Text)
	}
}

func TestVerify(t *testing.T) {
	s, _ := newTestSession(t, testModel(config.ModelMarian), graphtest.DecoderConfig{EOSAfter: 6})
	tr, err := New(s, newWordTokenizer(), Options{Pair: enZh(), MaxLength: 20})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	v, err := tr.Verify(context.Background(), "one two three")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal() {
		t.Errorf("cached %v diverged from reference %v at %d", v.Cached.Tokens, v.Reference.Tokens, v.Divergence)
	}
	if len(v.Cached.Tokens) != 6 {
		t.Errorf("expected 6 tokens, got %v", v.Cached.Tokens)
	}
}

func TestDivergence(t *testing.T) {
	tests := []struct {
		a, b []int
		want int
	}{
		{nil, nil, -1},
		{[]int{1, 2}, []int{1, 2}, -1},
		{[]int{1, 2}, []int{1, 3}, 1},
		{[]int{1}, []int{1, 2}, 1},
		{[]int{5}, nil, 0},
	}
	for _, tt := range tests {
		if got := divergence(tt.a, tt.b); got != tt.want {
			t.Errorf("divergence(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestQualityOf(t *testing.T) {
	if q := QualityOf(nil); q != (Quality{}) {
		t.Errorf("empty quality %+v", q)
	}
	q := QualityOf([]float64{math.Log(0.5), math.Log(0.25)})
	if math.Abs(q.AvgProbability-0.375) > 1e-12 || math.Abs(q.MinProbability-0.25) > 1e-12 {
		t.Errorf("quality %+v", q)
	}
	// exp(-(ln .5 + ln .25)/2) = sqrt(8)
	if math.Abs(q.Perplexity-math.Sqrt(8)) > 1e-9 {
		t.Errorf("perplexity %v", q.Perplexity)
	}
}

package translate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/metrics"
)

// Tokenizer converts between text and model token ids
type Tokenizer interface {
	// Encode returns source ids including the trailing EOS
	Encode(text string) ([]int, error)
	// Decode drops special tokens
	Decode(ids []int) (string, error)
	// LanguageTokenID resolves an __xx__ language token
	LanguageTokenID(code string) (int, bool)
}

// Options configure a Translator
type Options struct {
	Pair      LanguagePair
	MaxLength int
	Timeout   time.Duration
	// QualityCheck enables output post-processing
	QualityCheck bool
}

// Request is one translation. Zero fields fall back to the Translator's
// Options.
type Request struct {
	Text      string
	MaxLength int
	Timeout   time.Duration
	Observer  engine.StepObserver
}

// Quality summarises chosen-token probabilities
type Quality struct {
	AvgProbability float64
	MinProbability float64
	Perplexity     float64
}

type Response struct {
	Text         string
	SourceText   string
	SourceTokens []int
	Tokens       []int
	StopReason   engine.StopReason
	Steps        int
	Quality      Quality
	// Suspicious is set when post-processing rewrote or blanked the output
	Suspicious bool
	Duration   time.Duration
}

// Translator turns text into text over one model session
type Translator struct {
	session *engine.Session
	tok     Tokenizer
	opts    Options
	checker *QualityChecker

	start    int
	srcToken int // -1 unless the model takes a source language token
}

// New takes a reference on session that Close releases
func New(session *engine.Session, tok Tokenizer, opts Options) (*Translator, error) {
	cfg := session.Config()
	if opts.MaxLength <= 0 {
		opts.MaxLength = min(config.DefaultMaxLength, cfg.MaxPositions)
	}
	if opts.MaxLength > cfg.MaxPositions {
		metrics.RecordConfigurationError("max length")
		return nil, &engine.ConfigurationError{Op: "max length", Detail: fmt.Sprintf("max length %d exceeds model max positions %d", opts.MaxLength, cfg.MaxPositions)}
	}
	t := &Translator{
		session:  session,
		tok:      tok,
		opts:     opts,
		checker:  NewQualityChecker(opts.QualityCheck),
		start:    cfg.DecoderStartTokenID,
		srcToken: -1,
	}

	if cfg.ForcesLanguageToken() {
		src, ok := tok.LanguageTokenID(string(opts.Pair.Source))
		if !ok {
			metrics.RecordConfigurationError("language token")
			return nil, &engine.ConfigurationError{Op: "language token", Detail: fmt.Sprintf("tokenizer has no token for source language %q", opts.Pair.Source)}
		}
		tgt, ok := tok.LanguageTokenID(string(opts.Pair.Target))
		if !ok {
			metrics.RecordConfigurationError("language token")
			return nil, &engine.ConfigurationError{Op: "language token", Detail: fmt.Sprintf("tokenizer has no token for target language %q", opts.Pair.Target)}
		}
		t.srcToken, t.start = src, tgt
	}

	if err := session.Acquire(); err != nil {
		return nil, err
	}
	logger.Log.Info("Translator ready", "pair", opts.Pair, "model_type", cfg.ModelType,
		"start_token", t.start, "max_length", opts.MaxLength, "quality_check", opts.QualityCheck)
	return t, nil
}

func (t *Translator) Pair() LanguagePair { return t.opts.Pair }

// Close releases the session reference taken by New
func (t *Translator) Close() error {
	return t.session.Release()
}

// EncodeSource tokenizes text into encoder input ids
func (t *Translator) EncodeSource(text string) ([]int, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty source text")
	}
	ids, err := t.tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if t.srcToken >= 0 {
		ids = append([]int{t.srcToken}, ids...)
	}
	metrics.RecordTokenizerEncode(len(ids))
	return ids, nil
}

func (t *Translator) options(req Request) engine.Options {
	o := t.session.DefaultOptions(t.opts.MaxLength)
	o.StartToken = t.start
	o.Timeout = t.opts.Timeout
	if req.MaxLength > 0 {
		o.MaxLength = req.MaxLength
	}
	if req.Timeout > 0 {
		o.Timeout = req.Timeout
	}
	o.Observer = req.Observer
	return o
}

// Translate runs cached greedy decoding and post-processing
func (t *Translator) Translate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	src, err := t.EncodeSource(req.Text)
	if err != nil {
		return nil, err
	}
	res, err := t.session.Generate(ctx, src, t.options(req))
	if err != nil {
		return nil, err
	}
	text, err := t.tok.Decode(res.Tokens)
	if err != nil {
		return nil, fmt.Errorf("detokenize: %w", err)
	}

	resp := &Response{
		SourceText:   req.Text,
		SourceTokens: src,
		Tokens:       res.Tokens,
		StopReason:   res.StopReason,
		Steps:        res.Steps,
		Quality:      QualityOf(res.LogProbs),
	}
	resp.Text, resp.Suspicious = t.checker.CheckAndFix(text, t.opts.Pair.Target)
	if resp.Suspicious {
		logger.Log.Warn("Suspicious translation output", "pair", t.opts.Pair,
			"raw", text, "fixed", resp.Text, "stop_reason", res.StopReason)
	}
	resp.Duration = time.Since(start)
	if len(res.LogProbs) > 0 {
		metrics.RecordTranslationQuality(resp.Quality.AvgProbability)
	}
	return resp, nil
}

// Verification compares the cached decoder against full-prefix recomputation
type Verification struct {
	Cached    *engine.Result
	Reference *engine.Result
	// Divergence is the first differing token index, -1 when identical
	Divergence int
}

func (v *Verification) Equal() bool { return v.Divergence < 0 }

// Verify decodes text both ways over one shared encoding
func (t *Translator) Verify(ctx context.Context, text string) (*Verification, error) {
	src, err := t.EncodeSource(text)
	if err != nil {
		return nil, err
	}
	enc, err := t.session.Encode(src, nil)
	if err != nil {
		return nil, err
	}
	opts := t.options(Request{})
	cached, err := t.session.Decode(ctx, enc, opts)
	if err != nil {
		return nil, fmt.Errorf("cached decode: %w", err)
	}
	ref, err := t.session.DecodeReference(ctx, enc, opts)
	if err != nil {
		return nil, fmt.Errorf("reference decode: %w", err)
	}
	v := &Verification{Cached: cached, Reference: ref, Divergence: divergence(cached.Tokens, ref.Tokens)}
	if !v.Equal() {
		logger.Log.Error("Cached decoding diverged from reference", "index", v.Divergence,
			"cached", cached.Tokens, "reference", ref.Tokens)
	}
	return v, nil
}

func divergence(a, b []int) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}

// QualityOf derives probability statistics from per-token log-probs
func QualityOf(logProbs []float64) Quality {
	if len(logProbs) == 0 {
		return Quality{}
	}
	var sumLP, sumP float64
	minP := math.Inf(1)
	for _, lp := range logProbs {
		p := math.Exp(lp)
		sumLP += lp
		sumP += p
		minP = math.Min(minP, p)
	}
	n := float64(len(logProbs))
	return Quality{
		AvgProbability: sumP / n,
		MinProbability: minP,
		Perplexity:     math.Exp(-sumLP / n),
	}
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/metrics"
)

// stepper produces the next token for a generation. The cached controller
// and the full-prefix reference both satisfy it so they share one
// termination policy.
type stepper interface {
	advance(state *GenerationState) (StepEvent, error)
	finish()
}

type cachedStepper struct{ c *Controller }

func (s cachedStepper) advance(*GenerationState) (StepEvent, error) { return s.c.Advance() }
func (s cachedStepper) finish()                                      { s.c.Finish() }

// Generate encodes src and decodes it with the KV cache
func (s *Session) Generate(ctx context.Context, src []int, opts Options) (*Result, error) {
	enc, err := s.Encode(src, nil)
	if err != nil {
		return nil, err
	}
	return s.Decode(ctx, enc, opts)
}

// Decode runs cached greedy decoding over an existing encoding until EOS,
// the repetition guard or MaxLength
func (s *Session) Decode(ctx context.Context, enc *SourceEncoding, opts Options) (*Result, error) {
	if err := s.checkOptions(opts); err != nil {
		return nil, err
	}
	return s.run(ctx, cachedStepper{NewController(s.adapter, enc, opts.StartToken)}, opts, "cached")
}

func (s *Session) checkOptions(opts Options) error {
	if opts.MaxLength <= 0 {
		metrics.RecordConfigurationError("generate")
		return configErr("generate", "max length is required, got %d", opts.MaxLength)
	}
	if opts.MaxLength > s.cfg.MaxPositions {
		metrics.RecordConfigurationError("generate")
		return configErr("generate", "max length %d exceeds model max positions %d", opts.MaxLength, s.cfg.MaxPositions)
	}
	if opts.Timeout < 0 {
		return configErr("generate", "negative timeout %s", opts.Timeout)
	}
	return nil
}

func (s *Session) run(ctx context.Context, st stepper, opts Options, kind string) (*Result, error) {
	if err := s.Acquire(); err != nil {
		return nil, err
	}
	defer s.Release()
	defer metrics.GenerationStarted()()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log := logger.Log
	debug := log.DebugEnabled()
	state := newGenerationState(opts)
	start := time.Now()
	steps := 0
	for {
		// steps are never interrupted; cancellation lands between them
		if err := ctx.Err(); err != nil {
			st.finish()
			log.Warn("Generation cancelled", "decoder", kind, "steps", steps, "err", err)
			return nil, fmt.Errorf("generation stopped after %d steps: %w", steps, err)
		}

		ev, err := st.advance(state)
		if err != nil {
			log.Error("Decode step failed", "decoder", kind, "step", steps, "err", err)
			return nil, err
		}
		steps++
		if debug {
			log.Debug("Decode step", "decoder", kind, "step", ev.Step, "mode", ev.Mode,
				"input_len", ev.InputLen, "token", ev.Token, "self_len", ev.SelfLen)
		}
		if opts.Observer != nil {
			opts.Observer.OnStep(ev)
		}

		reason := state.Observe(ev.Token, ev.LogProb)
		if reason == StopNone {
			continue
		}
		st.finish()

		res := &Result{
			Tokens:     state.tokens,
			StopReason: reason,
			Steps:      steps,
			LogProbs:   state.logProbs,
			SelfLen:    ev.SelfLen,
			Duration:   time.Since(start),
		}
		if reason == StopRepetition {
			log.Warn("Repetition guard stopped generation", "decoder", kind,
				"steps", steps, "tail", res.Tokens[len(res.Tokens)-repetitionWindow:])
		}
		metrics.RecordGeneration(reason.String(), len(res.Tokens), res.SelfLen, res.Duration)
		return res, nil
	}
}

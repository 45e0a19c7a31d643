package engine

import (
	"context"
	"time"
)

// referenceStepper recomputes the whole prefix in first mode with fresh
// placeholder caches every step. Same tokens as the cached path, O(n^2).
type referenceStepper struct {
	adapter *Adapter
	src     *SourceEncoding
	step    int
}

func (r *referenceStepper) advance(state *GenerationState) (StepEvent, error) {
	prefix := state.Prefix()
	cache := NewInitialCache(r.adapter.cfg, r.src.Len())

	start := time.Now()
	res, err := r.adapter.invoke(r.step, ModeFirst, prefix, r.src, cache)
	if err != nil {
		return StepEvent{}, err
	}
	token, logProb, err := r.adapter.greedy(r.step, ModeFirst, res)
	if err != nil {
		return StepEvent{}, err
	}
	updated := res.cache

	ev := StepEvent{
		Step:     r.step,
		Mode:     ModeFirst,
		InputLen: len(prefix),
		Token:    token,
		LogProb:  logProb,
		SelfLen:  updated.SelfLen(),
		CrossLen: updated.CrossLen(),
		Duration: time.Since(start),
	}
	r.step++
	return ev, nil
}

func (r *referenceStepper) finish() {}

// GenerateReference is Generate without the KV cache
func (s *Session) GenerateReference(ctx context.Context, src []int, opts Options) (*Result, error) {
	enc, err := s.Encode(src, nil)
	if err != nil {
		return nil, err
	}
	return s.DecodeReference(ctx, enc, opts)
}

// DecodeReference is Decode without the KV cache
func (s *Session) DecodeReference(ctx context.Context, enc *SourceEncoding, opts Options) (*Result, error) {
	if err := s.checkOptions(opts); err != nil {
		return nil, err
	}
	return s.run(ctx, &referenceStepper{adapter: s.adapter, src: enc}, opts, "reference")
}

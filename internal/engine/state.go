package engine

// repetitionWindow is the span checked for an [a, b, a, b] loop
const repetitionWindow = 4

// GenerationState accumulates one request's output and applies the
// termination policy. It never holds the start token.
type GenerationState struct {
	start    int
	eos      int
	max      int
	tokens   []int
	logProbs []float64
	stop     StopReason
}

func newGenerationState(opts Options) *GenerationState {
	return &GenerationState{
		start:  opts.StartToken,
		eos:    opts.EOSToken,
		max:    opts.MaxLength,
		tokens: make([]int, 0, min(opts.MaxLength, 256)),
	}
}

// Prefix is the start token followed by every generated token, the input
// of a full-prefix decoder step
func (s *GenerationState) Prefix() []int {
	p := make([]int, 0, len(s.tokens)+1)
	p = append(p, s.start)
	return append(p, s.tokens...)
}

func (s *GenerationState) Tokens() []int { return s.tokens }

// Observe applies one emitted token. Checks run in order: EOS (not
// appended), repetition guard, max length.
func (s *GenerationState) Observe(token int, logProb float64) StopReason {
	if token == s.eos {
		s.stop = StopEOS
		return s.stop
	}
	s.tokens = append(s.tokens, token)
	s.logProbs = append(s.logProbs, logProb)
	if repeating(s.tokens) {
		s.stop = StopRepetition
		return s.stop
	}
	if len(s.tokens) >= s.max {
		s.stop = StopMaxLength
		return s.stop
	}
	return StopNone
}

// repeating reports whether the last four tokens form [a, b, a, b]
func repeating(tokens []int) bool {
	n := len(tokens)
	if n < repetitionWindow {
		return false
	}
	w := tokens[n-repetitionWindow:]
	return w[0] == w[2] && w[1] == w[3]
}

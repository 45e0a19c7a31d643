package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-nmt/internal/tensor"
)

// StepMode selects the decoder graph branch. It is always passed
// explicitly and never inferred from cache contents.
type StepMode int

const (
	// ModeFirst: no self-attention history; past tensors are placeholders
	ModeFirst StepMode = iota
	// ModeContinuation: past tensors hold real history
	ModeContinuation
)

func (m StepMode) String() string {
	switch m {
	case ModeFirst:
		return "first"
	case ModeContinuation:
		return "continuation"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Flag is the value bound to the graph's use-cache input
func (m StepMode) Flag() bool { return m == ModeContinuation }

type StopReason int

const (
	StopNone StopReason = iota
	StopEOS
	StopMaxLength
	StopRepetition
)

func (r StopReason) String() string {
	switch r {
	case StopEOS:
		return "eos"
	case StopMaxLength:
		return "max_length"
	case StopRepetition:
		return "repetition_guard"
	default:
		return "none"
	}
}

// SourceEncoding is the encoder output for one request. Read-only after
// construction.
type SourceEncoding struct {
	Hidden *tensor.Tensor // float32[1, src_len, hidden]
	Mask   *tensor.Tensor // int64[1, src_len]
}

func (s *SourceEncoding) Len() int64 { return s.Mask.Dim(1) }

func (s *SourceEncoding) HiddenSize() int64 { return s.Hidden.Dim(2) }

// Options bound one generation
type Options struct {
	StartToken int
	EOSToken   int
	// MaxLength is required and caps generated tokens
	MaxLength int
	// Timeout is checked between steps only
	Timeout  time.Duration
	Observer StepObserver
}

// Result of a generation. Tokens exclude the start token and any
// trailing EOS.
type Result struct {
	Tokens     []int
	StopReason StopReason
	Steps      int
	LogProbs   []float64
	// SelfLen is the final self-attention cache length
	SelfLen  int64
	Duration time.Duration
}

// StepEvent describes one completed decoder step
type StepEvent struct {
	Step     int
	Mode     StepMode
	InputLen int
	Token    int
	LogProb  float64
	SelfLen  int64
	CrossLen int64
	Duration time.Duration
}

type StepObserver interface {
	OnStep(StepEvent)
}

// StepObserverFunc adapts a function to StepObserver
type StepObserverFunc func(StepEvent)

func (f StepObserverFunc) OnStep(e StepEvent) { f(e) }

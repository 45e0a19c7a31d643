package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInputFraming: token count does not match the step mode
	ErrInputFraming = errors.New("input framing does not match step mode")
	// ErrCacheShape: a cache tensor has the wrong rank or dimensions
	ErrCacheShape = errors.New("decoder cache shape mismatch")
	// ErrCacheGrowth: the self-attention cache did not grow by the input length
	ErrCacheGrowth = errors.New("self-attention cache grew unexpectedly")
	// ErrOutputShape: logits or encoder output have the wrong shape
	ErrOutputShape = errors.New("graph output shape mismatch")
	// ErrNoFiniteLogits: every logit at the last position is NaN
	ErrNoFiniteLogits = errors.New("no finite logits")
	// ErrSessionClosed: the model session has no remaining references
	ErrSessionClosed = errors.New("model session closed")
	// ErrControllerFinished: Advance called after Done or Failed
	ErrControllerFinished = errors.New("decode controller already finished")
)

// ConfigurationError is a setup-time mismatch between the declared model
// interface and what the caller or graph provides. Never retried.
type ConfigurationError struct {
	Op     string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Op, e.Detail)
}

func configErr(op, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// GraphExecutionError aborts the request it occurred in. Step is -1 for the
// encoder.
type GraphExecutionError struct {
	Graph  string
	Step   int
	Mode   StepMode
	Shapes []string
	Err    error
}

func (e *GraphExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph %s failed", e.Graph)
	if e.Step >= 0 {
		fmt.Fprintf(&b, " at step %d (mode=%s)", e.Step, e.Mode)
	}
	if len(e.Shapes) > 0 {
		fmt.Fprintf(&b, " inputs=[%s]", strings.Join(e.Shapes, " "))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *GraphExecutionError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsGraphExecutionError reports whether err is or wraps a GraphExecutionError
func IsGraphExecutionError(err error) bool {
	var ge *GraphExecutionError
	return errors.As(err, &ge)
}

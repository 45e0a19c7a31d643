package engine

import (
	"fmt"
	"time"
)

// ControllerState is the decode step state machine position
type ControllerState int

const (
	StateStart ControllerState = iota
	StateStepping
	StateDone
	StateFailed
)

func (s ControllerState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateStepping:
		return "stepping"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Controller advances one request's decoder one token at a time.
//
//	Start    --Advance--> Stepping   first step from the start token
//	Stepping --Advance--> Stepping   continuation fed with the last token
//	Stepping --Finish-->  Done
//	any      --error-->   Failed     never retried
//
// The controller owns its DecoderCache; nothing else may mutate it.
type Controller struct {
	adapter *Adapter
	src     *SourceEncoding

	state ControllerState
	mode  StepMode
	cache *DecoderCache
	step  int
	last  int
	err   error
}

func NewController(a *Adapter, src *SourceEncoding, startToken int) *Controller {
	return &Controller{adapter: a, src: src, state: StateStart, mode: ModeFirst, last: startToken}
}

func (c *Controller) State() ControllerState { return c.state }
func (c *Controller) Mode() StepMode         { return c.mode }
func (c *Controller) Steps() int             { return c.step }
func (c *Controller) Err() error             { return c.err }

// Cache is the cache returned by the most recent step, nil before the first
func (c *Controller) Cache() *DecoderCache { return c.cache }

// Advance runs one decoder step and returns the greedy next token
func (c *Controller) Advance() (StepEvent, error) {
	switch c.state {
	case StateDone, StateFailed:
		return StepEvent{}, ErrControllerFinished
	case StateStart:
		c.cache = NewInitialCache(c.adapter.cfg, c.src.Len())
		c.mode = ModeFirst
	}

	start := time.Now()
	res, err := c.adapter.incremental(c.step, c.mode, []int{c.last}, c.src, c.cache)
	if err != nil {
		return StepEvent{}, c.fail(err)
	}
	token, logProb, err := c.adapter.greedy(c.step, c.mode, res)
	if err != nil {
		return StepEvent{}, c.fail(err)
	}
	updated := res.cache

	out := StepEvent{
		Step:     c.step,
		Mode:     c.mode,
		InputLen: 1,
		Token:    token,
		LogProb:  logProb,
		SelfLen:  updated.SelfLen(),
		CrossLen: updated.CrossLen(),
		Duration: time.Since(start),
	}

	c.cache = updated
	c.last = token
	c.step++
	c.mode = ModeContinuation
	c.state = StateStepping
	return out, nil
}

// Finish moves a stepping controller to Done and releases its cache
func (c *Controller) Finish() {
	if c.state == StateFailed {
		return
	}
	c.state = StateDone
	c.cache = nil
}

func (c *Controller) fail(err error) error {
	c.state = StateFailed
	c.err = err
	c.cache = nil
	return err
}

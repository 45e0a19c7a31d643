package engine

import (
	"errors"
	"sync"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/graph"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/metrics"
)

// Session owns one loaded model: its encoder and decoder graphs and the
// verified decoder binding. It is reference counted; the creator holds the
// first reference and graphs are closed when the last one is released.
// Requests never share generation state through a Session.
type Session struct {
	cfg     config.Config
	encoder *SourceEncoder
	adapter *Adapter
	graphs  []graph.Graph

	mu   sync.Mutex
	refs int
}

// NewSession verifies both graphs against cfg. On error the graphs are
// left open for the caller to close.
func NewSession(cfg config.Config, enc, dec graph.Graph) (*Session, error) {
	adapter, err := NewAdapter(dec, cfg)
	if err != nil {
		return nil, err
	}
	encoder, err := NewSourceEncoder(enc, cfg)
	if err != nil {
		return nil, err
	}
	metrics.SessionOpened()
	logger.Log.Info("Model session opened",
		"model_type", cfg.ModelType, "layers", cfg.Layers, "heads", cfg.Heads,
		"head_dim", cfg.HeadDim, "encoder", enc.Name(), "decoder", dec.Name(),
		"scheme", adapter.Layout().Scheme)
	return &Session{
		cfg:     cfg,
		encoder: encoder,
		adapter: adapter,
		graphs:  []graph.Graph{enc, dec},
		refs:    1,
	}, nil
}

func (s *Session) Config() config.Config   { return s.cfg }
func (s *Session) Adapter() *Adapter       { return s.adapter }
func (s *Session) Encoder() *SourceEncoder { return s.encoder }

// Acquire takes a reference. It fails once the session has closed.
func (s *Session) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return ErrSessionClosed
	}
	s.refs++
	return nil
}

// Release drops a reference and closes the graphs when none remain
func (s *Session) Release() error {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()
	if !last {
		return nil
	}

	var errs []error
	for _, g := range s.graphs {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.SessionClosed()
	logger.Log.Info("Model session closed", "model_type", s.cfg.ModelType)
	return errors.Join(errs...)
}

// Refs is the current reference count
func (s *Session) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// DefaultOptions fills the model's start and end tokens
func (s *Session) DefaultOptions(maxLength int) Options {
	return Options{
		StartToken: s.cfg.DecoderStartTokenID,
		EOSToken:   s.cfg.EOSTokenID,
		MaxLength:  maxLength,
	}
}

// Encode runs the Source Encoding Stage under a session reference
func (s *Session) Encode(ids []int, mask []int64) (*SourceEncoding, error) {
	if err := s.Acquire(); err != nil {
		return nil, err
	}
	defer s.Release()
	return s.encoder.Encode(ids, mask)
}

// NewController starts a step controller over an existing encoding. The
// caller must hold a session reference for the controller's lifetime.
func (s *Session) NewController(src *SourceEncoding, startToken int) *Controller {
	return NewController(s.adapter, src, startToken)
}

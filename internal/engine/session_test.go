package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-nmt/internal/graph/graphtest"
	"github.com/23skdu/longbow-nmt/internal/metrics"
)

func TestSessionRefCount(t *testing.T) {
	cfg := testConfig(1, 1, 4)
	dec := graphtest.NewDecoder(toyDecoderConfig(cfg))
	open := testutil.ToFloat64(metrics.SessionsOpen)

	s, err := NewSession(cfg, graphtest.NewEncoder(cfg.Hidden), dec)
	if err != nil {
		t.Fatal(err)
	}
	if s.Refs() != 1 {
		t.Fatalf("creator should hold one reference, got %d", s.Refs())
	}
	if testutil.ToFloat64(metrics.SessionsOpen)-open != 1 {
		t.Error("sessions_open gauge not incremented")
	}

	if err := s.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if dec.Closed() {
		t.Fatal("graphs closed while the creator still holds a reference")
	}
	if _, err := s.Generate(context.Background(), []int{3, 2}, opts(3)); err != nil {
		t.Fatal(err)
	}

	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if !dec.Closed() {
		t.Error("last release must close the graphs")
	}
	if testutil.ToFloat64(metrics.SessionsOpen) != open {
		t.Error("sessions_open gauge not decremented")
	}

	if err := s.Acquire(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Acquire after close: %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("extra Release: %v", err)
	}
	if _, err := s.Generate(context.Background(), []int{3, 2}, opts(3)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Generate after close: %v", err)
	}
}

func TestDefaultOptions(t *testing.T) {
	cfg := testConfig(1, 1, 4)
	s, _ := newToySession(t, cfg, toyDecoderConfig(cfg), nil)
	o := s.DefaultOptions(7)
	if o.StartToken != testStart || o.EOSToken != testEOS || o.MaxLength != 7 {
		t.Errorf("default options %+v", o)
	}
}

func TestNewSessionRejectsBadGraphs(t *testing.T) {
	cfg := testConfig(2, 1, 4)
	in, out := graphtest.DecoderNames(graphtest.SchemeCanonical, 1)
	dec := graphtest.NewSignature("one-layer", in, out)
	if _, err := NewSession(cfg, graphtest.NewEncoder(cfg.Hidden), dec); !IsConfigurationError(err) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

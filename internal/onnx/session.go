package onnx

import (
	"errors"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/engine"
)

// OpenSession loads the encoder and decoder graphs of an exported model
// and verifies them against cfg. The caller owns the returned reference.
func OpenSession(cfg config.Config, files config.ModelFiles, opts Options) (*engine.Session, error) {
	enc, err := Open(files.Encoder, opts)
	if err != nil {
		return nil, err
	}
	dec, err := Open(files.Decoder, opts)
	if err != nil {
		return nil, errors.Join(err, enc.Close())
	}
	s, err := engine.NewSession(cfg, enc, dec)
	if err != nil {
		return nil, errors.Join(err, enc.Close(), dec.Close())
	}
	return s, nil
}

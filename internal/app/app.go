// Package app assembles a ready Translator from service configuration.
package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/models"
	"github.com/23skdu/longbow-nmt/internal/monitoring"
	"github.com/23skdu/longbow-nmt/internal/onnx"
	"github.com/23skdu/longbow-nmt/internal/tokenizer"
	"github.com/23skdu/longbow-nmt/internal/translate"
)

// Tokenizer is a translate.Tokenizer that owns native resources
type Tokenizer interface {
	translate.Tokenizer
	io.Closer
}

// App owns the model session, tokenizer and translator of one process
type App struct {
	Service    config.Service
	Files      config.ModelFiles
	Session    *engine.Session
	Translator *translate.Translator

	tok Tokenizer
}

// Open loads the model svc.ModelDir refers to; see models.Resolve. On error
// nothing stays open.
func Open(svc config.Service) (*App, error) {
	dir, err := models.Resolve(svc.ModelDir)
	if err != nil {
		return nil, err
	}
	svc.ModelDir = dir
	cfg, files, err := config.LoadModelDir(dir)
	if err != nil {
		return nil, err
	}
	cfg.StrictCrossCache = svc.StrictCrossCache
	logger.Log.Info("Loading model", "dir", files.Dir, "type", cfg.ModelType,
		"layers", cfg.Layers, "heads", cfg.Heads, "head_dim", cfg.HeadDim, "vocab", cfg.VocabSize)

	if files.Tokenizer == "" {
		return nil, fmt.Errorf("no tokenizer.json in %s", files.Dir)
	}
	tok, err := tokenizer.Load(files.Tokenizer)
	if err != nil {
		return nil, err
	}
	if tok.VocabSize() > cfg.VocabSize {
		logger.Log.Warn("Tokenizer vocabulary exceeds model vocabulary",
			"tokenizer", tok.VocabSize(), "model", cfg.VocabSize)
	}

	session, err := onnx.OpenSession(cfg, files, onnx.Options{
		LibraryPath:    svc.ORTLibrary,
		IntraOpThreads: svc.IntraOpThreads,
	})
	if err != nil {
		return nil, errors.Join(err, tok.Close())
	}

	a, err := assemble(svc, files, session, tok)
	// assemble took its own reference on success; drop the one from OpenSession
	if rerr := session.Release(); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return nil, errors.Join(err, tok.Close())
	}
	return a, nil
}

func assemble(svc config.Service, files config.ModelFiles, session *engine.Session, tok Tokenizer) (*App, error) {
	pair, err := translate.NewPair(svc.SourceLang, svc.TargetLang)
	if err != nil {
		return nil, err
	}
	tr, err := translate.New(session, tok, translate.Options{
		Pair:         pair,
		MaxLength:    svc.MaxLength,
		Timeout:      svc.Timeout,
		QualityCheck: svc.QualityCheck,
	})
	if err != nil {
		return nil, err
	}
	return &App{
		Service:    svc,
		Files:      files,
		Session:    session,
		Translator: tr,
		tok:        tok,
	}, nil
}

// ModelInfo feeds monitoring.HealthMonitor
func (a *App) ModelInfo() monitoring.ModelInfo {
	cfg := a.Session.Config()
	refs := a.Session.Refs()
	return monitoring.ModelInfo{
		Loaded:      refs > 0,
		ModelDir:    a.Files.Dir,
		ModelType:   cfg.ModelType,
		Pair:        a.Translator.Pair().String(),
		Layers:      cfg.Layers,
		Heads:       cfg.Heads,
		HeadDim:     cfg.HeadDim,
		SessionRefs: refs,
	}
}

// Close releases the translator's session reference, which closes the
// graphs, then frees the tokenizer
func (a *App) Close() error {
	return errors.Join(a.Translator.Close(), a.tok.Close())
}

// Package models resolves model references to exported model directories.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-nmt/internal/translate"
)

const (
	// DefaultFamily is used when a pair reference has no family suffix
	DefaultFamily = "marian"

	// MarkerFile must exist in every exported model directory
	MarkerFile = "config.json"
)

// Families known to export under <family>-<src>-<tgt>
var Families = []string{"marian", "m2m100"}

// ErrNotFound is returned when no candidate directory exists
var ErrNotFound = errors.New("model directory not found")

// ModelsDir is $NMT_MODELS, or ~/.cache/longbow-nmt/models
func ModelsDir() (string, error) {
	if env := os.Getenv("NMT_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "longbow-nmt", "models"), nil
}

// Resolve turns ref into a model directory. ref may be a directory path,
// a directory name under ModelsDir ("marian-en-zh"), or a language pair
// with an optional family ("en-zh", "en-zh:m2m100").
func Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty model reference")
	}
	if isModelDir(ref) {
		return ref, nil
	}

	base, err := ModelsDir()
	if err != nil {
		return "", err
	}
	tried := []string{ref}

	named := filepath.Join(base, ref)
	if isModelDir(named) {
		return named, nil
	}
	tried = append(tried, named)

	pairRef, family, hasFamily := strings.Cut(ref, ":")
	pair, err := translate.ParsePair(pairRef)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a model directory, name, or language pair (tried %v)", ErrNotFound, ref, tried)
	}

	families := Families
	if hasFamily {
		families = []string{family}
	}
	for _, f := range families {
		dir := pair.FindModelDir(base, f)
		if isModelDir(dir) {
			return dir, nil
		}
		tried = append(tried, dir)
	}
	return "", fmt.Errorf("%w for %s (tried %v)", ErrNotFound, ref, tried)
}

func isModelDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MarkerFile))
	return err == nil && !info.IsDir()
}

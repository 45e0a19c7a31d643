package translate

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LanguageCode is a supported translation language
type LanguageCode string

const (
	English  LanguageCode = "en"
	Chinese  LanguageCode = "zh"
	Spanish  LanguageCode = "es"
	Japanese LanguageCode = "ja"
)

var languageAliases = map[string]LanguageCode{
	"en": English, "eng": English, "english": English, "en-us": English,
	"zh": Chinese, "zho": Chinese, "chinese": Chinese, "中文": Chinese, "zh-cn": Chinese,
	"es": Spanish, "spa": Spanish, "spanish": Spanish, "español": Spanish,
	"ja": Japanese, "jpn": Japanese, "japanese": Japanese, "日本語": Japanese,
}

// ParseLanguage accepts ISO 639-1/639-2 codes and common names
func ParseLanguage(s string) (LanguageCode, error) {
	if code, ok := languageAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return code, nil
	}
	return "", fmt.Errorf("unsupported language code: %q", s)
}

func (c LanguageCode) String() string { return string(c) }

// LanguagePair is a source to target direction
type LanguagePair struct {
	Source LanguageCode
	Target LanguageCode
}

// ParsePair parses "en-zh" style pairs
func ParsePair(s string) (LanguagePair, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return LanguagePair{}, fmt.Errorf("invalid language pair format: %q", s)
	}
	return pairFromParts(parts[0], parts[1])
}

// NewPair builds a pair from two language strings
func NewPair(source, target string) (LanguagePair, error) {
	return pairFromParts(source, target)
}

func pairFromParts(source, target string) (LanguagePair, error) {
	src, err := ParseLanguage(source)
	if err != nil {
		return LanguagePair{}, err
	}
	tgt, err := ParseLanguage(target)
	if err != nil {
		return LanguagePair{}, err
	}
	return LanguagePair{Source: src, Target: tgt}, nil
}

func (p LanguagePair) String() string { return fmt.Sprintf("%s-%s", p.Source, p.Target) }

// ModelDirName is the conventional model directory for a model family,
// e.g. marian-en-zh
func (p LanguagePair) ModelDirName(family string) string {
	return fmt.Sprintf("%s-%s-%s", family, p.Source, p.Target)
}

// FindModelDir joins base with the conventional directory name
func (p LanguagePair) FindModelDir(base, family string) string {
	return filepath.Join(base, p.ModelDirName(family))
}

// PairFromModelDir recovers the pair from a <family>-<src>-<tgt> directory
// path and returns the family alongside it
func PairFromModelDir(dir string) (LanguagePair, string, error) {
	name := filepath.Base(filepath.Clean(dir))
	parts := strings.Split(name, "-")
	if len(parts) != 3 || parts[0] == "" {
		return LanguagePair{}, "", fmt.Errorf("invalid model directory name: %q", name)
	}
	pair, err := pairFromParts(parts[1], parts[2])
	if err != nil {
		return LanguagePair{}, "", fmt.Errorf("model directory %q: %w", name, err)
	}
	return pair, parts[0], nil
}

package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/daulet/tokenizers"
	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-nmt/internal/logger"
)

// fallbackLanguages are the M2M100 418M language token ids, used when a
// tokenizer.json declares none
var fallbackLanguages = map[string]int{"en": 128022, "zh": 128102}

// Tokenizer wraps a Hugging Face tokenizer.json
type Tokenizer struct {
	hf    *tokenizers.Tokenizer
	langs map[string]int
	path  string
}

// Load reads tokenizer.json once, indexes its __xx__ language tokens and
// hands the same bytes to the native tokenizer
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	langs, err := ParseLanguageTokens(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	hf, err := tokenizers.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if len(langs) == 0 {
		langs = fallbackLanguages
	}
	logger.Log.Debug("Tokenizer loaded", "path", path, "vocab", hf.VocabSize(), "languages", len(langs))
	return &Tokenizer{hf: hf, langs: langs, path: path}, nil
}

// Encode returns ids with the tokenizer's special tokens (trailing </s>)
func (t *Tokenizer) Encode(text string) ([]int, error) {
	raw, _ := t.hf.Encode(text, true)
	if len(raw) == 0 {
		return nil, fmt.Errorf("tokenizer produced no ids for %q", text)
	}
	ids := make([]int, len(raw))
	for i, id := range raw {
		ids[i] = int(id)
	}
	return ids, nil
}

// Decode skips special tokens
func (t *Tokenizer) Decode(ids []int) (string, error) {
	raw := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
		raw = append(raw, uint32(id))
	}
	return strings.TrimSpace(t.hf.Decode(raw, true)), nil
}

func (t *Tokenizer) LanguageTokenID(code string) (int, bool) {
	id, ok := t.langs[code]
	return id, ok
}

func (t *Tokenizer) VocabSize() int { return int(t.hf.VocabSize()) }

func (t *Tokenizer) Close() error {
	return t.hf.Close()
}

type tokenizerFile struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
	Model struct {
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

// ParseLanguageTokens collects __xx__ and __xxx__ tokens from the added
// tokens and, for BPE/WordPiece models, the vocabulary map
func ParseLanguageTokens(data []byte) (map[string]int, error) {
	var f tokenizerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	langs := make(map[string]int)
	for _, tok := range f.AddedTokens {
		if code, ok := languageCode(tok.Content); ok {
			langs[code] = tok.ID
		}
	}
	// Unigram vocabularies are lists; only maps carry ids by name
	var vocab map[string]int
	if len(f.Model.Vocab) > 0 && f.Model.Vocab[0] == '{' {
		if err := json.Unmarshal(f.Model.Vocab, &vocab); err != nil {
			return nil, fmt.Errorf("model vocab: %w", err)
		}
	}
	for tok, id := range vocab {
		if code, ok := languageCode(tok); ok {
			if _, seen := langs[code]; !seen {
				langs[code] = id
			}
		}
	}
	return langs, nil
}

func languageCode(tok string) (string, bool) {
	if len(tok) < 6 || len(tok) > 8 || !strings.HasPrefix(tok, "__") || !strings.HasSuffix(tok, "__") {
		return "", false
	}
	code := tok[2 : len(tok)-2]
	if len(code) < 2 || len(code) > 3 || strings.Contains(code, "_") {
		return "", false
	}
	return code, true
}

package tokenizer

import "testing"

func TestParseLanguageTokens(t *testing.T) {
	data := []byte(`{
		"added_tokens": [
			{"id": 0, "content": "<s>", "special": true},
			{"id": 128022, "content": "__en__", "special": true},
			{"id": 128102, "content": "__zh__", "special": true}
		],
		"model": {
			"type": "BPE",
			"vocab": {"▁hello": 5, "__ja__": 128050, "__en__": 1, "__toolong__": 9, "__a__": 10}
		}
	}`)
	langs, err := ParseLanguageTokens(data)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"en": 128022, "zh": 128102, "ja": 128050}
	if len(langs) != len(want) {
		t.Fatalf("languages %v, want %v", langs, want)
	}
	for code, id := range want {
		if langs[code] != id {
			t.Errorf("%s = %d, want %d", code, langs[code], id)
		}
	}
}

func TestParseLanguageTokensUnigram(t *testing.T) {
	data := []byte(`{"added_tokens": [], "model": {"type": "Unigram", "vocab": [["▁", -1.5], ["__en__", -2.0]]}}`)
	langs, err := ParseLanguageTokens(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(langs) != 0 {
		t.Errorf("list vocabularies carry no ids by name, got %v", langs)
	}

	if _, err := ParseLanguageTokens([]byte(`{not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestLanguageCode(t *testing.T) {
	tests := []struct {
		tok  string
		code string
		ok   bool
	}{
		{"__en__", "en", true},
		{"__zho__", "zho", true},
		{"__e__", "", false},
		{"__abcd__", "", false},
		{"en", "", false},
		{"__a_b__", "", false},
		{"_en_", "", false},
	}
	for _, tt := range tests {
		code, ok := languageCode(tt.tok)
		if code != tt.code || ok != tt.ok {
			t.Errorf("languageCode(%q) = %q, %v", tt.tok, code, ok)
		}
	}
}

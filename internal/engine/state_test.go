package engine

import "testing"

func TestGenerationStateObserve(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		tokens []int
		want   StopReason
		kept   []int
	}{
		{"eos first", 5, []int{testEOS}, StopEOS, []int{}},
		{"eos not appended", 5, []int{10, 11, testEOS}, StopEOS, []int{10, 11}},
		{"max length", 3, []int{10, 11, 12}, StopMaxLength, []int{10, 11, 12}},
		{"abab", 10, []int{10, 11, 10, 11}, StopRepetition, []int{10, 11, 10, 11}},
		{"aaaa", 10, []int{10, 10, 10, 10}, StopRepetition, []int{10, 10, 10, 10}},
		{"abab after prefix", 10, []int{5, 6, 10, 11, 10, 11}, StopRepetition, []int{5, 6, 10, 11, 10, 11}},
		{"repetition wins at bound", 4, []int{10, 11, 10, 11}, StopRepetition, []int{10, 11, 10, 11}},
		{"eos wins over pattern", 10, []int{10, 11, 10, testEOS}, StopEOS, []int{10, 11, 10}},
		{"max length 1", 1, []int{10}, StopMaxLength, []int{10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newGenerationState(Options{StartToken: testStart, EOSToken: testEOS, MaxLength: tt.max})
			got := StopNone
			for i, tok := range tt.tokens {
				got = s.Observe(tok, -0.5)
				if got != StopNone && i != len(tt.tokens)-1 {
					t.Fatalf("stopped early at %d with %s", i, got)
				}
			}
			if got != tt.want {
				t.Errorf("stop %s, want %s", got, tt.want)
			}
			if !equalInts(s.Tokens(), tt.kept) {
				t.Errorf("tokens %v, want %v", s.Tokens(), tt.kept)
			}
		})
	}
}

func TestGenerationStateIgnoresStartToken(t *testing.T) {
	// [start, a, start, a] spans the start token and must not trip the guard
	s := newGenerationState(Options{StartToken: testStart, EOSToken: testEOS, MaxLength: 10})
	for _, tok := range []int{7, testStart, 7} {
		if r := s.Observe(tok, 0); r != StopNone {
			t.Fatalf("unexpected stop %s after %d", r, tok)
		}
	}
	if p := s.Prefix(); !equalInts(p, []int{testStart, 7, testStart, 7}) {
		t.Errorf("prefix %v", p)
	}
}

func TestRepeating(t *testing.T) {
	tests := []struct {
		tokens []int
		want   bool
	}{
		{nil, false},
		{[]int{1, 2, 1}, false},
		{[]int{1, 2, 1, 2}, true},
		{[]int{1, 2, 1, 3}, false},
		{[]int{1, 2, 3, 2}, false},
		{[]int{9, 9, 1, 2, 1, 2}, true},
	}
	for _, tt := range tests {
		if got := repeating(tt.tokens); got != tt.want {
			t.Errorf("repeating(%v) = %v, want %v", tt.tokens, got, tt.want)
		}
	}
}

package exitphrase

import (
	"slices"
	"testing"
)

func TestMatcher_Default(t *testing.T) {
	t.Parallel()

	m, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		transcript string
		want       string
		ok         bool
	}{
		{"さようなら", "さようなら", true},
		{"さようなら また明日", "さようなら", true},
		{"  ちちんぷいぷい", "ちちんぷいぷい", true},
		{"音声認識を終了します", "音声認識を終了します", true},
		{"では さようなら", "", false},
		{"こんにちは", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			got, score, ok := m.Match(tt.transcript)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Match(%q) = (%q, %v), want (%q, %v)", tt.transcript, got, ok, tt.want, tt.ok)
			}
			if ok && score != 1 {
				t.Errorf("exact match score = %v, want 1", score)
			}
		})
	}
}

func TestMatcher_Fuzzy(t *testing.T) {
	t.Parallel()

	exact, err := New([]string{"stop listening|goodbye"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, ok := exact.Match("stop listenin"); ok {
		t.Error("exact matcher accepted a near miss")
	}

	fuzzy, err := New([]string{"stop listening|goodbye"}, WithFuzzyThreshold(0.9))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	phrase, score, ok := fuzzy.Match("Stop, listenin")
	if !ok || phrase != "stop listening" {
		t.Fatalf("fuzzy Match = (%q, %v, %v), want stop listening", phrase, score, ok)
	}
	if score >= 1 || score < 0.9 {
		t.Errorf("fuzzy score = %v, want in [0.9, 1)", score)
	}
	if _, _, ok := fuzzy.Match("good morning everyone"); ok {
		t.Error("fuzzy matcher accepted an unrelated phrase")
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	t.Parallel()

	if _, err := New([]string{"(unclosed"}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestLiterals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		want    []string
	}{
		{DefaultPattern, []string{"音声認識を終了します", "ちちんぷいぷい", "さようなら"}},
		{"さよ(う)?なら", []string{"さよなら", "さようなら"}},
		{"bye|by", []string{"by", "bye"}},
		{"stop.*", nil},
	}
	for _, tt := range tests {
		got := Literals(tt.pattern)
		slices.Sort(got)
		want := slices.Clone(tt.want)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			t.Errorf("Literals(%q) = %q, want %q", tt.pattern, got, want)
		}
	}
}

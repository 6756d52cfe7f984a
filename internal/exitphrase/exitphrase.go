// Package exitphrase decides whether a final transcript asks the program to
// stop listening.
//
// Patterns are regular expressions matched at the start of the transcript.
// Optionally, transcripts that are close to one of the literal phrases a
// pattern spells out are accepted too, scored with Jaro-Winkler similarity.
// This tolerates small recognition slips in a phrase the user repeats often.
package exitphrase

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// DefaultPattern is used when no patterns are configured.
const DefaultPattern = `(音声認識を終了します|ちちんぷいぷい|さようなら)`

// maxExpansion bounds how many literal phrases one pattern may expand to.
const maxExpansion = 64

// Option configures a [Matcher].
type Option func(*Matcher)

// WithFuzzyThreshold enables fuzzy matching against the literal phrases of
// every pattern. A transcript prefix whose Jaro-Winkler score reaches
// threshold counts as a match. Zero disables fuzzy matching.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzy = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	patterns []*regexp.Regexp
	literals []string
	fuzzy    float64
}

// New compiles patterns. Each pattern is anchored at the start of the
// transcript. An empty list compiles [DefaultPattern].
func New(patterns []string, opts ...Option) (*Matcher, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}
	m := &Matcher{}
	for _, o := range opts {
		o(m)
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return nil, fmt.Errorf("exitphrase: compile %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
		if m.fuzzy > 0 {
			m.literals = append(m.literals, Literals(p)...)
		}
	}
	return m, nil
}

// Match reports whether transcript starts with an exit phrase and returns
// the phrase that matched. score is 1 for an exact pattern match and the
// Jaro-Winkler similarity for a fuzzy one.
func (m *Matcher) Match(transcript string) (phrase string, score float64, ok bool) {
	text := strings.TrimLeftFunc(transcript, unicode.IsSpace)
	if text == "" {
		return "", 0, false
	}
	for _, re := range m.patterns {
		if loc := re.FindStringIndex(text); loc != nil && loc[1] > 0 {
			return text[:loc[1]], 1, true
		}
	}
	if m.fuzzy <= 0 {
		return "", 0, false
	}

	runes := []rune(normalize(text))
	for _, lit := range m.literals {
		want := normalize(lit)
		n := len([]rune(want))
		if n == 0 {
			continue
		}
		prefix := runes
		if len(prefix) > n {
			prefix = prefix[:n]
		}
		s := matchr.JaroWinkler(string(prefix), want, false)
		if s >= m.fuzzy && s > score {
			phrase, score, ok = lit, s, true
		}
	}
	return phrase, score, ok
}

// Literals expands a pattern made of literals, groups, alternations and
// small character classes into the phrases it matches. Patterns using any
// other construct yield nil.
func Literals(pattern string) []string {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil
	}
	out, ok := expand(re.Simplify())
	if !ok {
		return nil
	}
	return out
}

func expand(re *syntax.Regexp) ([]string, bool) {
	switch re.Op {
	case syntax.OpEmptyMatch:
		return []string{""}, true
	case syntax.OpLiteral:
		return []string{string(re.Rune)}, true
	case syntax.OpCapture:
		return expand(re.Sub[0])
	case syntax.OpCharClass:
		var out []string
		for i := 0; i+1 < len(re.Rune); i += 2 {
			for r := re.Rune[i]; r <= re.Rune[i+1]; r++ {
				out = append(out, string(r))
				if len(out) > maxExpansion {
					return nil, false
				}
			}
		}
		return out, true
	case syntax.OpQuest:
		sub, ok := expand(re.Sub[0])
		if !ok {
			return nil, false
		}
		return append([]string{""}, sub...), true
	case syntax.OpAlternate:
		var out []string
		for _, s := range re.Sub {
			sub, ok := expand(s)
			if !ok {
				return nil, false
			}
			out = append(out, sub...)
		}
		return out, len(out) <= maxExpansion
	case syntax.OpConcat:
		out := []string{""}
		for _, s := range re.Sub {
			sub, ok := expand(s)
			if !ok {
				return nil, false
			}
			next := make([]string, 0, len(out)*len(sub))
			for _, a := range out {
				for _, b := range sub {
					next = append(next, a+b)
				}
			}
			if len(next) > maxExpansion {
				return nil, false
			}
			out = next
		}
		return out, true
	}
	return nil, false
}

// normalize drops whitespace and punctuation, which recognizers insert
// inconsistently, and folds case.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

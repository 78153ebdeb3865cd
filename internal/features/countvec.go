package features

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var lower = cases.Lower(language.Und)

// Tokenize normalizes text (NFKC, lower case) and returns its word tokens:
// maximal runs of letters, digits and underscores.
func Tokenize(text string) []string {
	text = lower.String(norm.NFKC.String(text))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
}

// CountVectorizer maps text to token counts over a fixed vocabulary.
type CountVectorizer struct {
	tokens []string
	index  map[string]int
}

// FitCountVectorizer builds the sorted vocabulary of all tokens in texts.
func FitCountVectorizer(texts []string) *CountVectorizer {
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, tok := range Tokenize(text) {
			seen[tok] = struct{}{}
		}
	}
	tokens := make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	return NewCountVectorizer(tokens)
}

// NewCountVectorizer uses the given vocabulary, sorted and de-duplicated.
func NewCountVectorizer(tokens []string) *CountVectorizer {
	tokens = append([]string(nil), tokens...)
	sort.Strings(tokens)
	v := &CountVectorizer{index: make(map[string]int, len(tokens))}
	for _, tok := range tokens {
		if _, dup := v.index[tok]; dup {
			continue
		}
		v.index[tok] = len(v.tokens)
		v.tokens = append(v.tokens, tok)
	}
	return v
}

// Dim returns the vocabulary size.
func (v *CountVectorizer) Dim() int { return len(v.tokens) }

// Vocabulary returns the tokens in column order.
func (v *CountVectorizer) Vocabulary() []string { return append([]string(nil), v.tokens...) }

// Transform featurizes text. Flat output is one row of counts; sequence output
// is one one-hot row per known token. Unknown tokens are dropped.
func (v *CountVectorizer) Transform(text string, sequence bool) Sparse {
	out := Sparse{Dim: v.Dim()}
	if !sequence {
		counts := make(map[int]float64)
		for _, tok := range Tokenize(text) {
			if col, ok := v.index[tok]; ok {
				counts[col]++
			}
		}
		row := make([]Entry, 0, len(counts))
		for col, n := range counts {
			row = append(row, Entry{Col: col, Val: n})
		}
		sort.Slice(row, func(i, j int) bool { return row[i].Col < row[j].Col })
		out.Rows = [][]Entry{row}
		return out
	}
	for _, tok := range Tokenize(text) {
		if col, ok := v.index[tok]; ok {
			out.Rows = append(out.Rows, []Entry{{Col: col, Val: 1}})
		}
	}
	return out
}

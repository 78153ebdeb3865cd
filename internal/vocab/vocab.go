// Package vocab maps intent labels to dense ids and builds the encoded
// intent matrix used as channel B input.
package vocab

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/features"
)

// Vocabulary is a sorted bijection between intent labels and ids.
type Vocabulary struct {
	labels []string
	ids    map[string]int
}

// New builds a vocabulary from (possibly repeated) labels.
func New(intents []string) *Vocabulary {
	seen := make(map[string]struct{}, len(intents))
	labels := make([]string, 0, len(intents))
	for _, label := range intents {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return fromSorted(labels)
}

// FromInverse rebuilds a vocabulary from its persisted id -> label table.
func FromInverse(inv map[int]string) (*Vocabulary, error) {
	labels := make([]string, len(inv))
	for id, label := range inv {
		if id < 0 || id >= len(inv) {
			return nil, fmt.Errorf("vocab: id %d outside [0, %d)", id, len(inv))
		}
		labels[id] = label
	}
	v := fromSorted(labels)
	if len(v.ids) != len(labels) {
		return nil, fmt.Errorf("vocab: duplicate labels in inverse table")
	}
	return v, nil
}

func fromSorted(labels []string) *Vocabulary {
	v := &Vocabulary{labels: labels, ids: make(map[string]int, len(labels))}
	for id, label := range labels {
		v.ids[label] = id
	}
	return v
}

// Len returns the number of intents.
func (v *Vocabulary) Len() int { return len(v.labels) }

// ID returns the id of label.
func (v *Vocabulary) ID(label string) (int, bool) {
	id, ok := v.ids[label]
	return id, ok
}

// Label returns the label for id.
func (v *Vocabulary) Label(id int) string { return v.labels[id] }

// Labels returns the labels in id order.
func (v *Vocabulary) Labels() []string { return append([]string(nil), v.labels...) }

// Inverse returns the id -> label table.
func (v *Vocabulary) Inverse() map[int]string {
	inv := make(map[int]string, len(v.labels))
	for id, label := range v.labels {
		inv[id] = label
	}
	return inv
}

// EncodeIdentity returns the [n, n] identity encoding.
func EncodeIdentity(v *Vocabulary) *mat.Dense {
	n := v.Len()
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// EncodeTokens splits each intent on split and counts its word tokens over
// the sorted token vocabulary of all intents.
func EncodeTokens(v *Vocabulary, split string) *mat.Dense {
	texts := make([]string, v.Len())
	for id, label := range v.labels {
		texts[id] = strings.ReplaceAll(label, split, " ")
	}
	cv := features.FitCountVectorizer(texts)
	dim := max(cv.Dim(), 1)
	m := mat.NewDense(v.Len(), dim, nil)
	for id, text := range texts {
		row := m.RawRowView(id)
		for _, step := range cv.Transform(text, false).Rows {
			for _, e := range step {
				row[e.Col] += e.Val
			}
		}
	}
	return m
}

// Encode picks the token encoding when tokenization is enabled with a
// non-empty split symbol, and the identity otherwise.
func Encode(v *Vocabulary, tokenize bool, split string) *mat.Dense {
	if tokenize && split != "" {
		return EncodeTokens(v, split)
	}
	return EncodeIdentity(v)
}

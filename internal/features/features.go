// Package features defines the per-example feature contract consumed by the
// model and turns lists of examples into dense batches.
package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Entry is one non-zero feature value.
type Entry struct {
	Col int
	Val float64
}

// Sparse is a [steps, dim] feature matrix stored row by row. A flat
// bag-of-words example has exactly one step.
type Sparse struct {
	Dim  int
	Rows [][]Entry
}

// FromDense builds a Sparse from dense rows, dropping zeros.
func FromDense(rows [][]float64) Sparse {
	s := Sparse{Rows: make([][]Entry, len(rows))}
	for r, row := range rows {
		if len(row) > s.Dim {
			s.Dim = len(row)
		}
		for c, v := range row {
			if v != 0 {
				s.Rows[r] = append(s.Rows[r], Entry{Col: c, Val: v})
			}
		}
	}
	return s
}

// FromVector builds a single-step Sparse.
func FromVector(vec []float64) Sparse {
	return FromDense([][]float64{vec})
}

// Steps returns the number of rows.
func (s Sparse) Steps() int { return len(s.Rows) }

// IsZero reports whether every value is zero.
func (s Sparse) IsZero() bool {
	for _, row := range s.Rows {
		for _, e := range row {
			if e.Val != 0 {
				return false
			}
		}
	}
	return true
}

// Sum collapses all steps into one dense vector.
func (s Sparse) Sum() []float64 {
	out := make([]float64, s.Dim)
	for _, row := range s.Rows {
		for _, e := range row {
			out[e.Col] += e.Val
		}
	}
	return out
}

// Validate checks that column indices fit the declared dimension.
func (s Sparse) Validate() error {
	for r, row := range s.Rows {
		for _, e := range row {
			if e.Col < 0 || e.Col >= s.Dim {
				return fmt.Errorf("features: step %d column %d outside dimension %d", r, e.Col, s.Dim)
			}
		}
	}
	return nil
}

// Example is one labelled training utterance.
type Example struct {
	Text     string
	Intent   string
	Features Sparse
}

// Batch is a dense, padded batch. Flat batches have exactly one step.
// Steps[t] is [batch, dim].
type Batch struct {
	Steps    []*mat.Dense
	Sequence bool
}

// Size returns the number of examples.
func (b Batch) Size() int {
	r, _ := b.Steps[0].Dims()
	return r
}

// Dim returns the feature dimension.
func (b Batch) Dim() int {
	_, c := b.Steps[0].Dims()
	return c
}

// Stack densifies examples. Sequences are zero padded to the longest example,
// or to maxLen when fixed is set; longer sequences are truncated to maxLen
// when maxLen > 0. Flat batches sum any extra steps into one.
func Stack(xs []Sparse, dim int, sequence bool, maxLen int, fixed bool) Batch {
	if !sequence {
		m := mat.NewDense(len(xs), dim, nil)
		for i, x := range xs {
			row := m.RawRowView(i)
			for _, steps := range x.Rows {
				for _, e := range steps {
					row[e.Col] += e.Val
				}
			}
		}
		return Batch{Steps: []*mat.Dense{m}}
	}

	steps := 1
	for _, x := range xs {
		steps = max(steps, x.Steps())
	}
	if fixed && maxLen > 0 {
		steps = maxLen
	}
	if maxLen > 0 {
		steps = min(steps, maxLen)
	}
	out := make([]*mat.Dense, steps)
	for t := range out {
		out[t] = mat.NewDense(len(xs), dim, nil)
	}
	for i, x := range xs {
		for t, row := range x.Rows {
			if t >= steps {
				break
			}
			for _, e := range row {
				out[t].Set(i, e.Col, e.Val)
			}
		}
	}
	return Batch{Steps: out, Sequence: true}
}

// Mask returns the [batch, steps] real/padding mask: a step is real when its
// maximum absolute feature value is positive.
func (b Batch) Mask() *mat.Dense {
	n := b.Size()
	m := mat.NewDense(n, len(b.Steps), nil)
	for t, step := range b.Steps {
		for i := 0; i < n; i++ {
			for _, v := range step.RawRowView(i) {
				if math.Abs(v) > 0 {
					m.Set(i, t, 1)
					break
				}
			}
		}
	}
	return m
}

// Select returns the sub-batch of the given example indices.
func Select(xs []Sparse, idx []int) []Sparse {
	out := make([]Sparse, len(idx))
	for i, k := range idx {
		out[i] = xs[k]
	}
	return out
}

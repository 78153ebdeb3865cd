package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackFlatSumsSteps(t *testing.T) {
	xs := []Sparse{
		FromDense([][]float64{{1, 0, 0}, {0, 2, 0}}),
		FromVector([]float64{0, 0, 3}),
	}
	b := Stack(xs, 3, false, 0, false)
	require.Len(t, b.Steps, 1)
	assert.False(t, b.Sequence)
	assert.Equal(t, []float64{1, 2, 0}, b.Steps[0].RawRowView(0))
	assert.Equal(t, []float64{0, 0, 3}, b.Steps[0].RawRowView(1))
}

func TestStackSequencePadsAndTruncates(t *testing.T) {
	xs := []Sparse{
		FromDense([][]float64{{1, 0}, {0, 1}, {1, 1}}),
		FromDense([][]float64{{0, 1}}),
	}

	b := Stack(xs, 2, true, 0, false)
	require.Len(t, b.Steps, 3)
	assert.Equal(t, []float64{0, 0}, b.Steps[2].RawRowView(1))

	truncated := Stack(xs, 2, true, 2, false)
	assert.Len(t, truncated.Steps, 2)

	fixed := Stack(xs[1:], 2, true, 4, true)
	assert.Len(t, fixed.Steps, 4)
}

func TestMaskMarksRealSteps(t *testing.T) {
	xs := []Sparse{
		FromDense([][]float64{{1, 0}, {0, -2}}),
		FromDense([][]float64{{0, 1}}),
		{Dim: 2},
	}
	mask := Stack(xs, 2, true, 0, false).Mask()
	assert.Equal(t, []float64{1, 1}, mask.RawRowView(0))
	assert.Equal(t, []float64{1, 0}, mask.RawRowView(1))
	assert.Equal(t, []float64{0, 0}, mask.RawRowView(2))
}

func TestSparseHelpers(t *testing.T) {
	s := FromDense([][]float64{{0, 0}, {0, 0}})
	assert.True(t, s.IsZero())
	assert.Equal(t, 2, s.Steps())
	assert.NoError(t, s.Validate())

	bad := Sparse{Dim: 1, Rows: [][]Entry{{{Col: 3, Val: 1}}}}
	assert.Error(t, bad.Validate())
}

func TestCountVectorizer(t *testing.T) {
	v := FitCountVectorizer([]string{"Hello there", "hello World!"})
	assert.Equal(t, []string{"hello", "there", "world"}, v.Vocabulary())

	flat := v.Transform("hello HELLO unknown world", false)
	assert.Equal(t, []float64{2, 0, 1}, flat.Sum())

	seq := v.Transform("world hello", true)
	require.Equal(t, 2, seq.Steps())
	assert.Equal(t, 2, seq.Rows[0][0].Col)

	assert.True(t, v.Transform("nothing known", false).IsZero())
	assert.Equal(t, 0, v.Transform("nothing known", true).Steps())
}

func TestTokenizeNormalizes(t *testing.T) {
	assert.Equal(t, []string{"book_flight", "now"}, Tokenize("Book_Flight, NOW"))
	assert.Equal(t, []string{"fi"}, Tokenize("ﬁ"))
}

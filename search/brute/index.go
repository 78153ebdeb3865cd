package brute

import (
	"fmt"
	"sort"

	"github.com/headlands-org/go-dualembed/search"
)

// Index is an exact brute-force index over float32 vectors.
type Index struct {
	dimension int
	metric    search.Metric

	ids     []int32
	idToIdx map[int32]int

	data []float32
	// unit holds L2-normalised copies for cosine scoring
	unit []float32
}

func (idx *Index) prepare() {
	if idx.metric != search.Cosine {
		idx.unit = idx.data
		return
	}
	idx.unit = append([]float32(nil), idx.data...)
	for i := range idx.ids {
		normalize(idx.unit[i*idx.dimension : (i+1)*idx.dimension])
	}
}

// SearchVector scores every stored vector and returns the topK best, highest
// first. Ties are broken by id.
func (idx *Index) SearchVector(vec []float32, topK int, opts ...search.SearchOption) ([]search.Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("brute: topK must be positive")
	}
	scores, err := idx.Scores(vec)
	if err != nil {
		return nil, err
	}
	cfg := search.ApplyOptions(opts...)

	results := make([]search.Result, 0, len(scores))
	for i, s := range scores {
		if cfg.HasMinScore && s < cfg.MinScore {
			continue
		}
		results = append(results, search.Result{ID: idx.ids[i], Score: s})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Scores returns the similarity of vec to every stored vector, in insertion
// order.
func (idx *Index) Scores(vec []float32) ([]float32, error) {
	if len(vec) != idx.dimension {
		return nil, fmt.Errorf("brute: query dimension mismatch: got %d want %d", len(vec), idx.dimension)
	}
	query := vec
	if idx.metric == search.Cosine {
		query = append([]float32(nil), vec...)
		normalize(query)
	}
	out := make([]float32, len(idx.ids))
	for i := range out {
		out[i] = dotFloat32(idx.unit[i*idx.dimension:(i+1)*idx.dimension], query)
	}
	return out, nil
}

// Dimension returns the vector dimensionality.
func (idx *Index) Dimension() int { return idx.dimension }

// Count reports the number of stored vectors.
func (idx *Index) Count() int { return len(idx.ids) }

// Metric reports the scoring function.
func (idx *Index) Metric() search.Metric { return idx.metric }

// Vector returns a copy of the stored vector for the given id.
func (idx *Index) Vector(id int32) ([]float32, bool) {
	pos, ok := idx.idToIdx[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), idx.data[pos*idx.dimension:(pos+1)*idx.dimension]...), true
}

// Rows returns the stored vectors as a row-major float64 matrix in insertion
// order.
func (idx *Index) Rows() []float64 {
	out := make([]float64, len(idx.data))
	for i, v := range idx.data {
		out[i] = float64(v)
	}
	return out
}

// ForEach iterates over all stored vectors.
func (idx *Index) ForEach(fn func(id int32, vec []float32)) {
	for i, id := range idx.ids {
		fn(id, idx.data[i*idx.dimension:(i+1)*idx.dimension])
	}
}

func dotFloat32(a, b []float32) float32 {
	sum0, sum1, sum2, sum3 := float32(0), float32(0), float32(0), float32(0)
	i := 0
	for ; i+4 <= len(a); i += 4 {
		sum0 += a[i] * b[i]
		sum1 += a[i+1] * b[i+1]
		sum2 += a[i+2] * b[i+2]
		sum3 += a[i+3] * b[i+3]
	}
	sum := sum0 + sum1 + sum2 + sum3
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

package brute

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/headlands-org/go-dualembed/search"
)

var errBuilderFinalised = errors.New("brute: builder already built")

// Builder constructs a brute-force index. Vectors are stored as given; the
// metric is applied at query time.
type Builder struct {
	dimension int
	metric    search.Metric

	ids     []int32
	vectors [][]float32
	idSet   map[int32]struct{}

	built bool
}

// BuilderOption configures the builder.
type BuilderOption func(*Builder)

// WithDimension sets the vector dimension up front.
func WithDimension(dim int) BuilderOption {
	return func(b *Builder) { b.dimension = dim }
}

// WithMetric selects the scoring function.
func WithMetric(m search.Metric) BuilderOption {
	return func(b *Builder) { b.metric = m }
}

// NewBuilder returns a cosine Builder unless configured otherwise.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		metric: search.Cosine,
		idSet:  make(map[int32]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddVector inserts a pre-computed vector.
func (b *Builder) AddVector(id int32, vec []float32) error {
	if b.built {
		return errBuilderFinalised
	}
	if _, exists := b.idSet[id]; exists {
		return fmt.Errorf("brute: duplicate id %d", id)
	}
	if b.dimension == 0 {
		b.dimension = len(vec)
	}
	if len(vec) != b.dimension {
		return fmt.Errorf("brute: vector dimension mismatch: got %d want %d", len(vec), b.dimension)
	}

	b.ids = append(b.ids, id)
	b.vectors = append(b.vectors, append([]float32(nil), vec...))
	b.idSet[id] = struct{}{}
	return nil
}

// AddRows inserts a row-major [rows, dimension] matrix, using row numbers as
// ids.
func (b *Builder) AddRows(data []float64, rows int) error {
	if rows == 0 {
		return nil
	}
	dim := len(data) / rows
	vec := make([]float32, dim)
	for r := 0; r < rows; r++ {
		for j := range vec {
			vec[j] = float32(data[r*dim+j])
		}
		if err := b.AddVector(int32(r), vec); err != nil {
			return err
		}
	}
	return nil
}

// Build materialises the read-only index.
func (b *Builder) Build(ctx context.Context) (search.Index, error) {
	if b.built {
		return nil, errBuilderFinalised
	}
	if len(b.vectors) == 0 {
		return nil, errors.New("brute: no vectors added")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	idx := &Index{
		dimension: b.dimension,
		metric:    b.metric,
		ids:       append([]int32(nil), b.ids...),
		idToIdx:   make(map[int32]int, len(b.ids)),
		data:      make([]float32, len(b.vectors)*b.dimension),
	}
	for i, id := range idx.ids {
		idx.idToIdx[id] = i
		copy(idx.data[i*b.dimension:(i+1)*b.dimension], b.vectors[i])
	}
	idx.prepare()

	b.built = true
	return idx, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
}

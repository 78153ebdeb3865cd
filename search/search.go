// Package search scores a query vector against a fixed set of labelled
// vectors, such as the embeddings of every known intent.
package search

import (
	"context"
	"fmt"
)

// Result captures a scored label.
type Result struct {
	ID    int32
	Score float32
}

// Metric selects how a query is compared to stored vectors.
type Metric uint8

const (
	// Cosine compares L2-normalised vectors.
	Cosine Metric = iota
	// Inner uses the raw dot product.
	Inner
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Inner:
		return "inner"
	}
	return fmt.Sprintf("Metric(%d)", uint8(m))
}

// ParseMetric maps a similarity type name onto a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine":
		return Cosine, nil
	case "inner":
		return Inner, nil
	}
	return 0, fmt.Errorf("search: unknown metric %q", s)
}

// Builder ingests vectors and produces an immutable index.
type Builder interface {
	// AddVector inserts a pre-computed vector. The vector is expected to match
	// the index dimensionality.
	AddVector(id int32, vec []float32) error

	// Build finalises the builder and returns an Index.
	Build(ctx context.Context) (Index, error)
}

// Index exposes query operations over an immutable vector collection.
type Index interface {
	// Dimension returns the vector dimensionality.
	Dimension() int

	// Count returns the number of stored vectors.
	Count() int

	// Metric reports how queries are scored.
	Metric() Metric

	// SearchVector returns up to topK results by descending score.
	SearchVector(vec []float32, topK int, opts ...SearchOption) ([]Result, error)

	// ForEach iterates over all stored vectors in insertion order. The
	// provided slice must not be mutated.
	ForEach(fn func(id int32, vec []float32))
}

// Serializer persists and loads indices.
type Serializer interface {
	Serialize(index Index) ([]byte, error)
	Deserialize(data []byte) (Index, error)
}

// SearchOption customises query execution.
type SearchOption interface {
	apply(*Config)
}

// Config describes query-time configuration derived from options.
type Config struct {
	// MinScore drops results scoring strictly below it when HasMinScore is set.
	MinScore    float32
	HasMinScore bool
}

// ApplyOptions builds a configuration by applying the provided options.
func ApplyOptions(opts ...SearchOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

type searchOptionFunc func(*Config)

func (fn searchOptionFunc) apply(cfg *Config) { fn(cfg) }

// WithMinScore filters out results scoring below min.
func WithMinScore(min float32) SearchOption {
	return searchOptionFunc(func(cfg *Config) {
		cfg.MinScore = min
		cfg.HasMinScore = true
	})
}

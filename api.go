// Package dualembed trains and serves a dual-encoder intent classifier.
//
// Inputs and intent labels are embedded into a shared space by two encoders;
// an input is classified by ranking every intent embedding by similarity to
// its own embedding.
package dualembed

import (
	"context"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/pkg/intentembed"
)

// Classifier is a trainable intent classifier.
type Classifier = intentembed.Classifier

// Result, Intent and RankedIntent describe a classification.
type (
	Result       = intentembed.Result
	Intent       = intentembed.Intent
	RankedIntent = intentembed.RankedIntent
)

// Config holds the model hyperparameters.
type Config = config.Config

// Example is a labelled, featurized utterance; Features is its feature
// matrix.
type (
	Example  = features.Example
	Features = features.Sparse
	Entry    = features.Entry
)

// Option configures a Classifier.
type Option = intentembed.Option

// Option helpers.
var (
	WithConfig   = intentembed.WithConfig
	WithLogger   = intentembed.WithLogger
	WithMetrics  = intentembed.WithMetrics
	WithSeed     = intentembed.WithSeed
	WithSequence = intentembed.WithSequence
)

// Configuration errors, testable with errors.Is.
var (
	ErrInvalidConfig  = config.ErrInvalidConfig
	ErrSharedDims     = config.ErrSharedDims
	ErrArchitecture   = config.ErrArchitecture
	ErrSimilarityType = config.ErrSimilarityType
	ErrLossType       = config.ErrLossType
)

// ErrNotTrained is returned when an operation needs a trained model.
var ErrNotTrained = model.ErrNotTrained

// DefaultConfig returns the stock hyperparameters.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML hyperparameter file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// FromDense builds features from dense rows, one row per token.
func FromDense(rows [][]float64) Features {
	return features.FromDense(rows)
}

// New returns an untrained classifier.
func New(opts ...Option) (Classifier, error) {
	return intentembed.New(opts...)
}

// Load restores a classifier persisted under dir with the given name.
func Load(ctx context.Context, dir, name string, opts ...Option) (Classifier, error) {
	return intentembed.Load(ctx, dir, name, opts...)
}

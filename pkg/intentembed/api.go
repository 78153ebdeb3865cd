// Package intentembed provides the public intent classifier: train a dual
// encoder on featurized examples, rank intents for new inputs, and persist or
// load the trained model.
package intentembed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/internal/quantize"
	"github.com/headlands-org/go-dualembed/internal/runtime"
	"github.com/headlands-org/go-dualembed/internal/train"
	"github.com/headlands-org/go-dualembed/internal/vocab"
)

// Classifier is the intent classification component.
type Classifier interface {
	// Train fits the model to the examples. It blocks until every epoch has
	// run. A corpus with fewer than two intents is logged and leaves the
	// classifier untrained without returning an error.
	Train(ctx context.Context, examples []features.Example) error

	// Process ranks the intents for one featurized input.
	Process(ctx context.Context, x features.Sparse) (Result, error)

	// ProcessBatch ranks the intents for several inputs.
	ProcessBatch(ctx context.Context, xs []features.Sparse) ([]Result, error)

	// Persist writes the model artifacts under dir, keyed by name. It is a
	// no-op for an untrained classifier.
	Persist(ctx context.Context, dir, name string) error

	// Trained reports whether intent embeddings are available.
	Trained() bool

	// Config returns the hyperparameters in use.
	Config() config.Config

	// Close releases the compact interpreter, if one is loaded.
	Close() error
}

// Options configures a Classifier.
type Options struct {
	// Config holds the hyperparameters. A loaded model uses the persisted
	// configuration instead.
	Config config.Config

	// Logger receives training progress and failure reports.
	// Default: slog.Default()
	Logger *slog.Logger

	// Registerer, when set, receives the training gauges.
	Registerer prometheus.Registerer

	// Seed overrides the configured random_seed.
	Seed *int64

	// Sequence forces token-sequence inputs even when every training
	// example has a single step.
	Sequence bool
}

// Option is a functional option for configuring the classifier.
type Option func(*Options)

// WithConfig sets the hyperparameters.
func WithConfig(cfg config.Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithMetrics registers the training metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithSeed fixes the random seed used for initialization and sampling.
func WithSeed(seed int64) Option {
	return func(o *Options) {
		o.Seed = &seed
	}
}

// WithSequence marks the inputs as token sequences.
func WithSequence(seq bool) Option {
	return func(o *Options) {
		o.Sequence = seq
	}
}

func buildOptions(opts []Option) Options {
	options := Options{
		Config: config.Default(),
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Seed != nil {
		options.Config = options.Config.WithSeed(*options.Seed)
	}
	return options
}

type classifier struct {
	options Options
	logger  *slog.Logger
	metrics *train.Metrics

	model   *model.Model
	compact *runtime.Model
}

// New returns an untrained classifier. The configuration is validated here so
// that incompatible settings fail before any training data is seen.
func New(opts ...Option) (Classifier, error) {
	options := buildOptions(opts)
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	metrics, err := train.NewMetrics(options.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &classifier{
		options: options,
		logger:  options.Logger,
		metrics: metrics,
	}, nil
}

func (c *classifier) Config() config.Config {
	if c.model != nil {
		return c.model.Config.Clone()
	}
	return c.options.Config.Clone()
}

func (c *classifier) Trained() bool {
	return c.model != nil && c.model.Trained()
}

func (c *classifier) rng(cfg config.Config) *rand.Rand {
	seed := time.Now().UnixNano()
	if cfg.RandomSeed != nil {
		seed = *cfg.RandomSeed
	}
	return rand.New(rand.NewSource(seed))
}

func (c *classifier) Train(ctx context.Context, examples []features.Example) error {
	cfg := c.options.Config.Clone()
	if cfg.IntentTokenization && cfg.IntentSplitSymbol == "" {
		c.logger.Warn("intent_split_symbol was not specified, so intent tokenization will be ignored")
		cfg.IntentTokenization = false
	}

	labels := make([]string, len(examples))
	for i, ex := range examples {
		labels[i] = ex.Intent
	}
	voc := vocab.New(labels)
	if voc.Len() < 2 {
		c.logger.Error("Can not train an intent classifier. Need at least 2 different classes. Skipping training of intent classifier.",
			"intents", voc.Len())
		return nil
	}

	data := train.Data{
		Inputs: make([]features.Sparse, len(examples)),
		Labels: make([]int, len(examples)),
	}
	dims := model.Dims{AIn: examples[0].Features.Dim, Seq: c.options.Sequence}
	for i, ex := range examples {
		if ex.Features.Dim != dims.AIn {
			return fmt.Errorf("example %d: feature dimension %d, want %d", i, ex.Features.Dim, dims.AIn)
		}
		if err := ex.Features.Validate(); err != nil {
			return fmt.Errorf("example %d: %w", i, err)
		}
		if ex.Features.Steps() > 1 {
			dims.Seq = true
		}
		data.Inputs[i] = ex.Features
		data.Labels[i], _ = voc.ID(ex.Intent)
	}
	encoded := vocab.Encode(voc, cfg.IntentTokenization, cfg.IntentSplitSymbol)
	_, dims.BIn = encoded.Dims()

	if err := train.Validate(cfg, dims); err != nil {
		return err
	}
	rng := c.rng(cfg)
	m, err := model.Build(cfg, voc, encoded, dims, train.MeanLength(data.Inputs), rng)
	if err != nil {
		return err
	}
	if m.NumNeg < cfg.NumNeg {
		c.logger.Info("num_neg is larger than the number of intents minus one, capping it",
			"configured", cfg.NumNeg, "used", m.NumNeg)
	}
	c.logger.Info("training intent classifier", "run", m.RunID, "examples", data.Len(), "intents", voc.Len(), "arch", cfg.String())

	res, err := train.Run(ctx, m, data, train.Options{Logger: c.logger, Metrics: c.metrics, Rng: rng})
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}
	if err := c.closeCompact(); err != nil {
		return err
	}
	c.model = m
	return nil
}

func (c *classifier) Process(ctx context.Context, x features.Sparse) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !c.Trained() {
		c.logger.Error("There is no trained intent classifier: it is probably not trained yet or loading failed")
		return Result{}, nil
	}
	if x.IsZero() {
		return Result{}, nil
	}

	var (
		best    *model.Label
		ranking []model.Label
		err     error
	)
	if c.compact != nil {
		var emb []float32
		if emb, err = c.compact.Embed(x); err != nil {
			return Result{}, fmt.Errorf("embed: %w", err)
		}
		best, ranking, err = c.model.Decide(emb)
	} else {
		if x.Dim != c.model.Dims.AIn {
			return Result{}, fmt.Errorf("input dimension %d, model expects %d", x.Dim, c.model.Dims.AIn)
		}
		if err = x.Validate(); err != nil {
			return Result{}, err
		}
		best, ranking, err = c.model.Predict(x)
	}
	if err != nil {
		return Result{}, err
	}
	return newResult(best, ranking), nil
}

func (c *classifier) ProcessBatch(ctx context.Context, xs []features.Sparse) ([]Result, error) {
	if len(xs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]Result, len(xs))
	if !c.Trained() {
		c.logger.Error("There is no trained intent classifier: it is probably not trained yet or loading failed")
		return results, nil
	}

	idx := make([]int, 0, len(xs))
	inputs := make([]features.Sparse, 0, len(xs))
	for i, x := range xs {
		if x.IsZero() {
			continue
		}
		if x.Dim != c.model.Dims.AIn {
			return nil, fmt.Errorf("input %d: dimension %d, model expects %d", i, x.Dim, c.model.Dims.AIn)
		}
		if err := x.Validate(); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		idx = append(idx, i)
		inputs = append(inputs, x)
	}
	if len(inputs) == 0 {
		return results, nil
	}

	var embeddings [][]float32
	if c.compact != nil {
		var err error
		if embeddings, err = c.compact.EmbedBatch(inputs); err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
	} else {
		emb := c.model.Embed(inputs)
		embeddings = make([][]float32, len(inputs))
		for r := range embeddings {
			row := emb.RawRowView(r)
			embeddings[r] = make([]float32, len(row))
			for j, v := range row {
				embeddings[r][j] = float32(v)
			}
		}
	}
	for k, emb := range embeddings {
		best, ranking, err := c.model.Decide(emb)
		if err != nil {
			return nil, err
		}
		results[idx[k]] = newResult(best, ranking)
	}
	return results, nil
}

func (c *classifier) Persist(ctx context.Context, dir, name string) error {
	if !c.Trained() {
		return nil
	}
	if err := c.model.Save(ctx, dir, name); err != nil {
		return fmt.Errorf("persist %s: %w", name, err)
	}
	if !c.model.Config.CompactQuantise {
		return nil
	}
	a, err := quantize.Compact(c.model)
	if err != nil {
		return err
	}
	return a.WriteFile(model.Paths(dir, name).Compact)
}

func (c *classifier) Close() error {
	return c.closeCompact()
}

func (c *classifier) closeCompact() error {
	if c.compact == nil {
		return nil
	}
	err := c.compact.Close()
	c.compact = nil
	return err
}

// Load restores a persisted classifier. A missing directory or checkpoint is
// logged as a warning and yields an untrained classifier. The persisted
// configuration decides whether weights are clustered and whether inference
// runs through the compact interpreter.
func Load(ctx context.Context, dir, name string, opts ...Option) (Classifier, error) {
	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	cl := c.(*classifier)
	if dir == "" || !model.Exists(dir, name) {
		cl.logger.Warn("Failed to load intent classifier model, maybe it was not trained or persisted",
			"dir", dir, "name", name)
		return cl, nil
	}

	m, err := model.Load(ctx, dir, name)
	if err != nil {
		if model.IsMissing(err) {
			cl.logger.Warn("intent classifier artifacts are incomplete, falling back to an untrained model",
				"dir", dir, "name", name, "error", err)
			return cl, nil
		}
		return nil, fmt.Errorf("load %s: %w", name, err)
	}

	if m.Config.FakeQuantise {
		if m, err = quantize.Cluster(ctx, m, m.Config.QuantisationRates); err != nil {
			return nil, fmt.Errorf("cluster weights: %w", err)
		}
		cl.logger.Info("clustered model weights", "scopes", m.Config.QuantisationScopes())
	}
	if m.Config.CompactQuantise {
		if cl.compact, err = openCompact(m, model.Paths(dir, name).Compact); err != nil {
			return nil, err
		}
	}
	cl.model = m
	return cl, nil
}

// openCompact reuses an existing compact artifact or compiles one.
func openCompact(m *model.Model, path string) (*runtime.Model, error) {
	if _, err := os.Stat(path); err == nil {
		rt, err := runtime.LoadModel(path)
		if err != nil {
			return nil, fmt.Errorf("load compact model: %w", err)
		}
		return rt, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return quantize.CompactFile(m, path)
}

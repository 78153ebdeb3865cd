// Package config holds the hyperparameters of the dual-encoder intent model.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Similarity and loss identifiers accepted by Config.
const (
	SimilarityCosine = "cosine"
	SimilarityInner  = "inner"

	LossMargin  = "margin"
	LossSoftmax = "softmax"
)

// Positional encodings for the attention encoder.
const (
	PosTiming       = "timing"
	PosEmbedding    = "emb"
	PosCustomTiming = "custom_timing"
)

// Configuration failure classes. All of them wrap ErrInvalidConfig.
var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrSharedDims     = fmt.Errorf("%w: shared embedding requires identical dimensions", ErrInvalidConfig)
	ErrArchitecture   = fmt.Errorf("%w: incompatible architecture", ErrInvalidConfig)
	ErrSimilarityType = fmt.Errorf("%w: unknown similarity type", ErrInvalidConfig)
	ErrLossType       = fmt.Errorf("%w: unknown loss type", ErrInvalidConfig)
)

// Config is an immutable set of architecture and training hyperparameters.
// Methods never mutate the receiver; With* helpers return modified copies.
type Config struct {
	// architecture
	HiddenLayersA  []int `yaml:"hidden_layers_sizes_a" json:"hidden_layers_sizes_a"`
	HiddenLayersB  []int `yaml:"hidden_layers_sizes_b" json:"hidden_layers_sizes_b"`
	ShareEmbedding bool  `yaml:"share_embedding" json:"share_embedding"`
	Bidirectional  bool  `yaml:"bidirectional" json:"bidirectional"`
	FusedLSTM      bool  `yaml:"fused_lstm" json:"fused_lstm"`
	GPULSTM        bool  `yaml:"gpu_lstm" json:"gpu_lstm"`
	Transformer    bool  `yaml:"transformer" json:"transformer"`

	// attention encoder
	PosEncoding     string  `yaml:"pos_encoding" json:"pos_encoding"`
	PosMaxTimescale float64 `yaml:"pos_max_timescale" json:"pos_max_timescale"`
	MaxSeqLength    int     `yaml:"max_seq_length" json:"max_seq_length"`
	NumHeads        int     `yaml:"num_heads" json:"num_heads"`
	UseLast         bool    `yaml:"use_last" json:"use_last"`

	// training
	LayerNorm    bool    `yaml:"layer_norm" json:"layer_norm"`
	BatchSize    []int   `yaml:"batch_size" json:"batch_size"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	RandomSeed   *int64  `yaml:"random_seed" json:"random_seed"`

	// embedding
	EmbedDim       int     `yaml:"embed_dim" json:"embed_dim"`
	MuPos          float64 `yaml:"mu_pos" json:"mu_pos"`
	MuNeg          float64 `yaml:"mu_neg" json:"mu_neg"`
	SimilarityType string  `yaml:"similarity_type" json:"similarity_type"`
	LossType       string  `yaml:"loss_type" json:"loss_type"`
	NumNeg         int     `yaml:"num_neg" json:"num_neg"`
	IOUThreshold   float64 `yaml:"iou_threshold" json:"iou_threshold"`
	UseMaxSimNeg   bool    `yaml:"use_max_sim_neg" json:"use_max_sim_neg"`

	// regularization
	C2       float64 `yaml:"C2" json:"C2"`
	CEmb     float64 `yaml:"C_emb" json:"C_emb"`
	Droprate float64 `yaml:"droprate" json:"droprate"`

	// intent features
	IntentTokenization bool   `yaml:"intent_tokenization_flag" json:"intent_tokenization_flag"`
	IntentSplitSymbol  string `yaml:"intent_split_symbol" json:"intent_split_symbol"`

	// evaluation
	EvaluateEveryNumEpochs int `yaml:"evaluate_every_num_epochs" json:"evaluate_every_num_epochs"`
	EvaluateOnNumExamples  int `yaml:"evaluate_on_num_examples" json:"evaluate_on_num_examples"`

	// compression
	FakeQuantise      bool           `yaml:"fake_quantise" json:"fake_quantise"`
	QuantisationRates map[string]int `yaml:"quantisation_rates" json:"quantisation_rates"`
	CompactQuantise   bool           `yaml:"compact_quantise" json:"compact_quantise"`
}

// Default returns the stock hyperparameters.
func Default() Config {
	return Config{
		HiddenLayersA: []int{256, 128},
		HiddenLayersB: []int{},

		PosEncoding:     PosTiming,
		PosMaxTimescale: 1.0e2,
		MaxSeqLength:    256,
		NumHeads:        4,

		LayerNorm:    true,
		BatchSize:    []int{64, 256},
		Epochs:       300,
		LearningRate: 0.001,

		EmbedDim:       20,
		MuPos:          0.8,
		MuNeg:          -0.4,
		SimilarityType: SimilarityCosine,
		LossType:       LossMargin,
		NumNeg:         20,
		IOUThreshold:   1.0,
		UseMaxSimNeg:   true,

		C2:       0.002,
		CEmb:     0.8,
		Droprate: 0.2,

		IntentSplitSymbol: "_",

		EvaluateEveryNumEpochs: 10,
		EvaluateOnNumExamples:  1000,

		QuantisationRates: map[string]int{
			"transformer_embed_layer_a": 256,
			"embed_layer_a":             256,
			"transformer_a":             2,
		},
	}
}

// Load reads a YAML file and overlays it onto Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML bytes onto Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg.Clone(), nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.HiddenLayersA = append([]int{}, c.HiddenLayersA...)
	out.HiddenLayersB = append([]int{}, c.HiddenLayersB...)
	out.BatchSize = append([]int{}, c.BatchSize...)
	if c.RandomSeed != nil {
		seed := *c.RandomSeed
		out.RandomSeed = &seed
	}
	if c.QuantisationRates != nil {
		out.QuantisationRates = make(map[string]int, len(c.QuantisationRates))
		for k, v := range c.QuantisationRates {
			out.QuantisationRates[k] = v
		}
	}
	return out
}

// WithSeed returns a copy with a fixed random seed.
func (c Config) WithSeed(seed int64) Config {
	out := c.Clone()
	out.RandomSeed = &seed
	return out
}

// Sequential reports whether any recurrent or attention variant is selected.
func (c Config) Sequential() bool {
	return c.FusedLSTM || c.GPULSTM || c.Transformer
}

// Validate checks the invariants that do not depend on the training data.
func (c Config) Validate() error {
	switch c.SimilarityType {
	case SimilarityCosine, SimilarityInner:
	default:
		return fmt.Errorf("%w: %q", ErrSimilarityType, c.SimilarityType)
	}
	switch c.LossType {
	case LossMargin, LossSoftmax:
	default:
		return fmt.Errorf("%w: %q", ErrLossType, c.LossType)
	}

	active := 0
	for _, on := range []bool{c.FusedLSTM, c.GPULSTM, c.Transformer} {
		if on {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("%w: only one of fused_lstm, gpu_lstm and transformer may be set", ErrArchitecture)
	}
	if c.GPULSTM || c.Transformer {
		if !uniform(c.HiddenLayersA) || !uniform(c.HiddenLayersB) {
			return fmt.Errorf("%w: gpu_lstm and transformer require uniform layer sizes", ErrArchitecture)
		}
	}
	if c.Transformer {
		for _, size := range append(append([]int{}, c.HiddenLayersA...), c.HiddenLayersB...) {
			if c.NumHeads <= 0 || size%c.NumHeads != 0 {
				return fmt.Errorf("%w: layer size %d is not divisible by num_heads %d", ErrArchitecture, size, c.NumHeads)
			}
		}
		switch c.PosEncoding {
		case PosTiming, PosEmbedding, PosCustomTiming:
		default:
			return fmt.Errorf("%w: unknown pos_encoding %q", ErrArchitecture, c.PosEncoding)
		}
		if c.MaxSeqLength <= 0 {
			return fmt.Errorf("%w: max_seq_length must be positive", ErrInvalidConfig)
		}
	}
	if c.ShareEmbedding && !equalInts(c.HiddenLayersA, c.HiddenLayersB) {
		return fmt.Errorf("%w: hidden_layers_sizes_a %v != hidden_layers_sizes_b %v", ErrSharedDims, c.HiddenLayersA, c.HiddenLayersB)
	}
	for _, size := range append(append([]int{}, c.HiddenLayersA...), c.HiddenLayersB...) {
		if size <= 0 {
			return fmt.Errorf("%w: layer sizes must be positive", ErrInvalidConfig)
		}
	}

	if c.EmbedDim <= 0 {
		return fmt.Errorf("%w: embed_dim must be positive", ErrInvalidConfig)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive", ErrInvalidConfig)
	}
	if len(c.BatchSize) == 0 || len(c.BatchSize) > 2 {
		return fmt.Errorf("%w: batch_size needs one or two values", ErrInvalidConfig)
	}
	for _, bs := range c.BatchSize {
		if bs <= 0 {
			return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidConfig)
		}
	}
	if c.NumNeg < 0 {
		return fmt.Errorf("%w: num_neg must not be negative", ErrInvalidConfig)
	}
	if c.Droprate < 0 || c.Droprate >= 1 {
		return fmt.Errorf("%w: droprate must be in [0, 1)", ErrInvalidConfig)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive", ErrInvalidConfig)
	}
	for scope, clusters := range c.QuantisationRates {
		if clusters < 1 {
			return fmt.Errorf("%w: quantisation rate for %q must be positive", ErrInvalidConfig, scope)
		}
	}
	return nil
}

// QuantisationScopes returns the configured scopes in a stable order.
func (c Config) QuantisationScopes() []string {
	scopes := make([]string, 0, len(c.QuantisationRates))
	for scope := range c.QuantisationRates {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// String renders the architecture in one line for logs.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "a=%v b=%v embed_dim=%d", c.HiddenLayersA, c.HiddenLayersB, c.EmbedDim)
	switch {
	case c.Transformer:
		fmt.Fprintf(&b, " transformer heads=%d pos=%s", c.NumHeads, c.PosEncoding)
	case c.GPULSTM:
		b.WriteString(" gpu_lstm")
	case c.FusedLSTM:
		b.WriteString(" fused_lstm")
	}
	if c.Bidirectional {
		b.WriteString(" bidirectional")
	}
	if c.ShareEmbedding {
		b.WriteString(" shared")
	}
	fmt.Fprintf(&b, " sim=%s loss=%s", c.SimilarityType, c.LossType)
	return b.String()
}

func uniform(sizes []int) bool {
	for _, s := range sizes {
		if s != sizes[0] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

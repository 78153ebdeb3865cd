package runtime

import (
	"fmt"

	"github.com/headlands-org/go-dualembed/internal/gguf"
)

// Metadata keys of a compact artifact.
const (
	Architecture = "dualembed_compact"

	KeyArchitecture    = "general.architecture"
	KeyVariant         = "dualembed_compact.variant"
	KeyChannel         = "dualembed_compact.channel"
	KeyInputDim        = "dualembed_compact.input_dim"
	KeySizes           = "dualembed_compact.sizes"
	KeyEmbedDim        = "dualembed_compact.embed_dim"
	KeySequence        = "dualembed_compact.sequence"
	KeyBidirectional   = "dualembed_compact.bidirectional"
	KeyLayerNorm       = "dualembed_compact.layer_norm"
	KeyForgetBias      = "dualembed_compact.forget_bias"
	KeyMaxSeqLen       = "dualembed_compact.max_seq_length"
	KeyNumHeads        = "dualembed_compact.num_heads"
	KeyPosEncoding     = "dualembed_compact.pos_encoding"
	KeyPosMaxTimescale = "dualembed_compact.pos_max_timescale"
	KeyUseLast         = "dualembed_compact.use_last"
	KeySimilarity      = "dualembed_compact.similarity"
	KeyNumNeg          = "dualembed_compact.num_neg"
	KeyLabels          = "dualembed_compact.labels"

	// IntentTensor holds the precomputed [intents, embed_dim] label embeddings.
	IntentTensor = "intent_embeddings"
)

// Encoder variants understood by the interpreter.
const (
	VariantFeedForward = "feed_forward"
	VariantRecurrent   = "recurrent"
	VariantFused       = "fused_lstm"
	VariantGPU         = "gpu_lstm"
	VariantTransformer = "transformer"
)

// Positional encodings of the transformer variant.
const (
	PosTiming       = "timing"
	PosEmbedding    = "emb"
	PosCustomTiming = "custom_timing"
)

// Similarity identifiers stored under KeySimilarity.
const (
	SimilarityCosine = "cosine"
	SimilarityInner  = "inner"
)

// ModelConfig holds the compacted encoder's hyperparameters
type ModelConfig struct {
	Variant  string
	Channel  string // parameter name suffix, "a" or "a_and_b"
	InputDim int
	Sizes    []int
	EmbedDim int
	Sequence bool

	Bidirectional bool
	LayerNorm     bool
	ForgetBias    float32 // added to the forget gate of fused cells

	MaxSeqLen       int
	NumHeads        int
	PosEncoding     string
	PosMaxTimescale float64
	UseLast         bool

	Similarity string
	NumNeg     int
	Labels     []string
}

// parseConfig extracts model configuration from GGUF metadata
func parseConfig(r *gguf.Reader) (ModelConfig, error) {
	var cfg ModelConfig

	if arch, _ := r.String(KeyArchitecture); arch != Architecture {
		return cfg, fmt.Errorf("architecture %q is not %s", arch, Architecture)
	}

	var ok bool
	if cfg.Variant, ok = r.String(KeyVariant); !ok {
		return cfg, fmt.Errorf("%s not found", KeyVariant)
	}
	if cfg.Channel, ok = r.String(KeyChannel); !ok {
		return cfg, fmt.Errorf("%s not found", KeyChannel)
	}
	n, ok := r.Int(KeyInputDim)
	if !ok || n <= 0 {
		return cfg, fmt.Errorf("%s not found", KeyInputDim)
	}
	cfg.InputDim = int(n)
	if n, ok = r.Int(KeyEmbedDim); !ok || n <= 0 {
		return cfg, fmt.Errorf("%s not found", KeyEmbedDim)
	}
	cfg.EmbedDim = int(n)

	sizes, err := r.Ints(KeySizes)
	if err != nil {
		return cfg, err
	}
	cfg.Sizes = sizes
	cfg.Labels, err = r.Strings(KeyLabels)
	if err != nil {
		return cfg, err
	}

	cfg.Sequence, _ = r.Bool(KeySequence)
	cfg.Bidirectional, _ = r.Bool(KeyBidirectional)
	cfg.LayerNorm, _ = r.Bool(KeyLayerNorm)
	cfg.UseLast, _ = r.Bool(KeyUseLast)
	cfg.Similarity, _ = r.String(KeySimilarity)
	cfg.PosEncoding, _ = r.String(KeyPosEncoding)

	if f, ok := r.Float(KeyForgetBias); ok {
		cfg.ForgetBias = float32(f)
	}
	cfg.PosMaxTimescale, _ = r.Float(KeyPosMaxTimescale)
	if n, ok := r.Int(KeyMaxSeqLen); ok {
		cfg.MaxSeqLen = int(n)
	}
	if n, ok := r.Int(KeyNumHeads); ok {
		cfg.NumHeads = int(n)
	}
	if n, ok := r.Int(KeyNumNeg); ok {
		cfg.NumNeg = int(n)
	}

	if cfg.Sequence && cfg.MaxSeqLen <= 0 {
		return cfg, fmt.Errorf("%s must be positive for sequence input", KeyMaxSeqLen)
	}
	if cfg.Variant == VariantTransformer {
		if len(cfg.Sizes) == 0 || cfg.NumHeads <= 0 || cfg.Sizes[0]%cfg.NumHeads != 0 {
			return cfg, fmt.Errorf("transformer with sizes %v cannot use %d heads", cfg.Sizes, cfg.NumHeads)
		}
	}
	return cfg, nil
}

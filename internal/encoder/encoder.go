// Package encoder implements the sequence encoders and the embedding
// projector that map a feature batch to one vector per example.
package encoder

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/graph"
)

// Variant names, recorded in checkpoints.
const (
	VariantFeedForward = "feed_forward"
	VariantRecurrent   = "recurrent"
	VariantFused       = "fused_lstm"
	VariantGPU         = "gpu_lstm"
	VariantTransformer = "transformer"
)

// Encoder maps a batch of per-step inputs to a [batch, OutDim] node.
type Encoder interface {
	Encode(t *graph.Tape, steps []*graph.Node, mask *mat.Dense, training bool) *graph.Node
	OutDim() int
	Params() []*graph.Param
	Variant() string
}

// Servable is implemented by encoders that serve through a different code
// path than the one they train with.
type Servable interface {
	Serving() Encoder
}

// Spec describes one channel.
type Spec struct {
	// Name is the channel suffix used in parameter names: "a", "b" or "a_and_b".
	Name     string
	InputDim int
	Sizes    []int
	Sequence bool
	// MeanLength is the mean real sequence length of the training data.
	MeanLength float64
}

// New selects and builds the encoder variant for a channel. Flat input
// always gets the feed-forward encoder; sequences are routed by the
// architecture flags.
func New(cfg config.Config, spec Spec, rng *rand.Rand) (Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if spec.InputDim <= 0 {
		return nil, fmt.Errorf("encoder %s: input dimension must be positive", spec.Name)
	}
	if !spec.Sequence {
		return newFeedForward(spec, cfg.Droprate, rng), nil
	}
	switch {
	case cfg.Transformer:
		return newTransformer(cfg, spec, rng)
	case cfg.GPULSTM:
		return newFused(spec, cfg.Bidirectional, true, rng), nil
	case cfg.FusedLSTM:
		return newFused(spec, cfg.Bidirectional, false, rng), nil
	default:
		return newRecurrent(spec, cfg, rng), nil
	}
}

// ForServing returns the encoder used at inference time.
func ForServing(e Encoder) Encoder {
	if s, ok := e.(Servable); ok {
		return s.Serving()
	}
	return e
}

// Inputs wraps a batch as constant tape nodes.
func Inputs(t *graph.Tape, b features.Batch) []*graph.Node {
	out := make([]*graph.Node, len(b.Steps))
	for i, s := range b.Steps {
		out[i] = t.Const(s)
	}
	return out
}

// ParamMap indexes parameters by name.
func ParamMap(params []*graph.Param) map[string]*graph.Param {
	m := make(map[string]*graph.Param, len(params))
	for _, p := range params {
		m[p.Name] = p
	}
	return m
}

// sumSteps returns Σ_t relu(x_t), the bag-of-words fallback for sequence
// encoders without layers.
func sumSteps(t *graph.Tape, steps []*graph.Node) *graph.Node {
	out := t.ReLU(steps[0])
	for _, s := range steps[1:] {
		out = t.Add(out, t.ReLU(s))
	}
	return out
}

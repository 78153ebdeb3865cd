// Package model holds a trained dual encoder: both channel encoders, their
// projectors, the intent vocabulary and the cached intent embeddings.
package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/encoder"
	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/graph"
	"github.com/headlands-org/go-dualembed/internal/similarity"
	"github.com/headlands-org/go-dualembed/internal/vocab"
	"github.com/headlands-org/go-dualembed/search"
	"github.com/headlands-org/go-dualembed/search/brute"
)

// ErrNotTrained is returned when a model without intent embeddings is asked
// to rank.
var ErrNotTrained = errors.New("model is not trained")

// Dims records the feature shapes a model was built for.
type Dims struct {
	AIn int  `json:"a_in"`
	BIn int  `json:"b_in"`
	Seq bool `json:"seq"`
}

// Model is a dual encoder. When the configuration shares embeddings,
// EncoderB and ProjectorB are the same instances as their A counterparts.
type Model struct {
	Config  config.Config
	Vocab   *vocab.Vocabulary
	Encoded *mat.Dense
	Dims    Dims
	// NumNeg is the number of negatives actually sampled in training.
	NumNeg int
	RunID  string

	EncoderA, EncoderB     encoder.Encoder
	ProjectorA, ProjectorB *encoder.Projector
	Scorer                 similarity.Scorer

	// IntentEmbed is [intents, embed_dim], nil until computed.
	IntentEmbed *mat.Dense
	index       *brute.Index
}

// Build creates an untrained model. meanLength is the mean real sequence
// length of the training inputs.
func Build(cfg config.Config, voc *vocab.Vocabulary, encoded *mat.Dense, dims Dims, meanLength float64, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShareEmbedding && dims.AIn != dims.BIn {
		return nil, fmt.Errorf("%w: input dimension %d, intent dimension %d", config.ErrSharedDims, dims.AIn, dims.BIn)
	}
	if r, c := encoded.Dims(); r != voc.Len() || c != dims.BIn {
		return nil, fmt.Errorf("model: encoded intents are %dx%d, want %dx%d", r, c, voc.Len(), dims.BIn)
	}
	scorer, err := similarity.NewScorer(cfg.SimilarityType)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Config:  cfg.Clone(),
		Vocab:   voc,
		Encoded: encoded,
		Dims:    dims,
		NumNeg:  min(cfg.NumNeg, max(voc.Len()-1, 0)),
		RunID:   uuid.NewString(),
		Scorer:  scorer,
	}

	if cfg.ShareEmbedding {
		spec := encoder.Spec{Name: "a_and_b", InputDim: dims.AIn, Sizes: cfg.HiddenLayersA, Sequence: dims.Seq, MeanLength: meanLength}
		enc, err := encoder.New(cfg, spec, rng)
		if err != nil {
			return nil, err
		}
		m.EncoderA, m.EncoderB = enc, enc
		m.ProjectorA = encoder.NewProjector(spec.Name, enc.OutDim(), cfg.EmbedDim, rng)
		m.ProjectorB = m.ProjectorA
		return m, nil
	}

	a := encoder.Spec{Name: "a", InputDim: dims.AIn, Sizes: cfg.HiddenLayersA, Sequence: dims.Seq, MeanLength: meanLength}
	if m.EncoderA, err = encoder.New(cfg, a, rng); err != nil {
		return nil, err
	}
	b := encoder.Spec{Name: "b", InputDim: dims.BIn, Sizes: cfg.HiddenLayersB}
	if m.EncoderB, err = encoder.New(cfg, b, rng); err != nil {
		return nil, err
	}
	m.ProjectorA = encoder.NewProjector("a", m.EncoderA.OutDim(), cfg.EmbedDim, rng)
	m.ProjectorB = encoder.NewProjector("b", m.EncoderB.OutDim(), cfg.EmbedDim, rng)
	return m, nil
}

// Shared reports whether both channels use one encoder and projector.
func (m *Model) Shared() bool { return m.EncoderA == m.EncoderB }

// Params returns every trainable parameter once.
func (m *Model) Params() []*graph.Param {
	out := append([]*graph.Param{}, m.EncoderA.Params()...)
	out = append(out, m.ProjectorA.Params()...)
	if !m.Shared() {
		out = append(out, m.EncoderB.Params()...)
		out = append(out, m.ProjectorB.Params()...)
	}
	return out
}

// maxLen is the truncation length applied to input sequences.
func (m *Model) maxLen() int {
	if m.Config.Transformer {
		return m.Config.MaxSeqLength
	}
	return 0
}

// InputBatch densifies channel A inputs. fixed pads every sequence to
// max_seq_length.
func (m *Model) InputBatch(xs []features.Sparse, fixed bool) features.Batch {
	maxLen := m.maxLen()
	if fixed {
		maxLen = m.Config.MaxSeqLength
	}
	return features.Stack(xs, m.Dims.AIn, m.Dims.Seq, maxLen, fixed)
}

// LabelBatch returns the encoded intents of ids. A shared sequence encoder
// sees each label as a one-step sequence.
func (m *Model) LabelBatch(ids []int) features.Batch {
	b := mat.NewDense(len(ids), m.Dims.BIn, nil)
	for i, id := range ids {
		b.SetRow(i, m.Encoded.RawRowView(id))
	}
	return features.Batch{Steps: []*mat.Dense{b}, Sequence: m.Shared() && m.Dims.Seq}
}

// EmbedInputs maps a channel A batch to [batch, embed_dim].
func (m *Model) EmbedInputs(t *graph.Tape, b features.Batch, training bool) *graph.Node {
	return embed(t, m.EncoderA, m.ProjectorA, b, training)
}

// EmbedLabels maps a channel B batch to [batch, embed_dim].
func (m *Model) EmbedLabels(t *graph.Tape, b features.Batch, training bool) *graph.Node {
	return embed(t, m.EncoderB, m.ProjectorB, b, training)
}

func embed(t *graph.Tape, enc encoder.Encoder, proj *encoder.Projector, b features.Batch, training bool) *graph.Node {
	return proj.Project(t, enc.Encode(t, encoder.Inputs(t, b), b.Mask(), training))
}

// Embed returns the serving-path embeddings of xs.
func (m *Model) Embed(xs []features.Sparse) *mat.Dense {
	t := graph.NewInference()
	b := m.InputBatch(xs, false)
	out := embed(t, encoder.ForServing(m.EncoderA), m.ProjectorA, b, false)
	return out.Value
}

// ComputeIntentEmbeddings embeds every known intent in batches of the first
// scheduled batch size and rebuilds the label index.
func (m *Model) ComputeIntentEmbeddings(ctx context.Context) error {
	n := m.Vocab.Len()
	step := max(m.Config.BatchSize[0], 1)
	out := mat.NewDense(n, m.Config.EmbedDim, nil)
	for lo := 0; lo < n; lo += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := min(lo+step, n)
		ids := make([]int, hi-lo)
		for i := range ids {
			ids[i] = lo + i
		}
		t := graph.NewInference()
		emb := embed(t, encoder.ForServing(m.EncoderB), m.ProjectorB, m.LabelBatch(ids), false)
		out.Slice(lo, hi, 0, m.Config.EmbedDim).(*mat.Dense).Copy(emb.Value)
	}
	return m.SetIntentEmbeddings(ctx, out)
}

// SetIntentEmbeddings installs precomputed intent embeddings.
func (m *Model) SetIntentEmbeddings(ctx context.Context, emb *mat.Dense) error {
	r, c := emb.Dims()
	if r != m.Vocab.Len() || c != m.Config.EmbedDim {
		return fmt.Errorf("model: intent embeddings are %dx%d, want %dx%d", r, c, m.Vocab.Len(), m.Config.EmbedDim)
	}
	metric, err := search.ParseMetric(m.Scorer.Kind())
	if err != nil {
		return err
	}
	b := brute.NewBuilder(brute.WithDimension(c), brute.WithMetric(metric))
	if err := b.AddRows(mat.DenseCopyOf(emb).RawMatrix().Data, r); err != nil {
		return err
	}
	idx, err := b.Build(ctx)
	if err != nil {
		return err
	}
	m.index = idx.(*brute.Index)
	m.IntentEmbed = mat.NewDense(r, c, m.index.Rows())
	return nil
}

// Trained reports whether intent embeddings are available.
func (m *Model) Trained() bool { return m.index != nil }

// Index returns the intent embedding index, nil before training.
func (m *Model) Index() *brute.Index { return m.index }

// Clone returns an independent copy with the same architecture, weights and
// intent embeddings.
func (m *Model) Clone(ctx context.Context) (*Model, error) {
	out, err := Build(m.Config, m.Vocab, mat.DenseCopyOf(m.Encoded), m.Dims, 0, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	out.NumNeg = m.NumNeg
	out.RunID = m.RunID
	values := make(map[string]*mat.Dense)
	for _, p := range m.Params() {
		values[p.Name] = p.Value
	}
	if err := out.SetParams(values); err != nil {
		return nil, err
	}
	if m.IntentEmbed != nil {
		if err := out.SetIntentEmbeddings(ctx, m.IntentEmbed); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetParams copies values into the parameters of the same name. Every
// parameter must be present with a matching shape.
func (m *Model) SetParams(values map[string]*mat.Dense) error {
	for _, p := range m.Params() {
		v, ok := values[p.Name]
		if !ok {
			return fmt.Errorf("model: missing parameter %s", p.Name)
		}
		pr, pc := p.Value.Dims()
		if vr, vc := v.Dims(); vr != pr || vc != pc {
			return fmt.Errorf("model: parameter %s is %dx%d, want %dx%d", p.Name, vr, vc, pr, pc)
		}
		p.Value.Copy(v)
	}
	return nil
}

package quantize

import (
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/encoder"
	"github.com/headlands-org/go-dualembed/internal/gguf"
	"github.com/headlands-org/go-dualembed/internal/graph"
	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/internal/runtime"
)

// Artifact is a compacted serving model: the input channel's encoder and
// projector with Q8_0 matrices, plus the intent embeddings and labels.
type Artifact struct {
	Metadata map[string]any
	Tensors  []*gguf.Tensor
}

// Compact builds the serving artifact of a trained model. Only what the
// inference path reads is kept; dropout and the label channel disappear.
func Compact(m *model.Model) (*Artifact, error) {
	if !m.Trained() {
		return nil, model.ErrNotTrained
	}
	cfg := m.Config
	enc := encoder.ForServing(m.EncoderA)
	channel := "a"
	if m.Shared() {
		channel = "a_and_b"
	}

	sizes := make([]int32, len(cfg.HiddenLayersA))
	for i, s := range cfg.HiddenLayersA {
		sizes[i] = int32(s)
	}
	forgetBias := float32(0)
	if enc.Variant() == encoder.VariantFused {
		forgetBias = 1
	}
	kv := map[string]any{
		runtime.KeyArchitecture:    runtime.Architecture,
		runtime.KeyVariant:         enc.Variant(),
		runtime.KeyChannel:         channel,
		runtime.KeyInputDim:        uint32(m.Dims.AIn),
		runtime.KeySizes:           sizes,
		runtime.KeyEmbedDim:        uint32(cfg.EmbedDim),
		runtime.KeySequence:        m.Dims.Seq,
		runtime.KeyBidirectional:   cfg.Bidirectional,
		runtime.KeyLayerNorm:       cfg.LayerNorm,
		runtime.KeyForgetBias:      forgetBias,
		runtime.KeyMaxSeqLen:       uint32(cfg.MaxSeqLength),
		runtime.KeyNumHeads:        uint32(cfg.NumHeads),
		runtime.KeyPosEncoding:     cfg.PosEncoding,
		runtime.KeyPosMaxTimescale: cfg.PosMaxTimescale,
		runtime.KeyUseLast:         cfg.UseLast,
		runtime.KeySimilarity:      cfg.SimilarityType,
		runtime.KeyNumNeg:          uint32(m.NumNeg),
		runtime.KeyLabels:          m.Vocab.Labels(),
	}

	params := append(slices.Clone(enc.Params()), m.ProjectorA.Params()...)
	tensors := make([]*gguf.Tensor, 0, len(params)+1)
	for _, p := range params {
		tensors = append(tensors, compactTensor(p))
	}
	n, d := m.IntentEmbed.Dims()
	tensors = append(tensors, gguf.NewF32(runtime.IntentTensor, n, d, float32s(m.IntentEmbed)))
	return &Artifact{Metadata: kv, Tensors: tensors}, nil
}

// compactTensor stores matmul kernels transposed to [out, in] as Q8_0 and
// everything else as F32.
func compactTensor(p *graph.Param) *gguf.Tensor {
	rows, cols := p.Value.Dims()
	if strings.HasSuffix(p.Name, "/kernel") {
		return gguf.NewQ8_0(p.Name, cols, rows, float32s(p.Value.T()))
	}
	return gguf.NewF32(p.Name, rows, cols, float32s(p.Value))
}

func float32s(m mat.Matrix) []float32 {
	rows, cols := m.Dims()
	out := make([]float32, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, float32(m.At(i, j)))
		}
	}
	return out
}

// WriteFile writes the artifact as GGUF.
func (a *Artifact) WriteFile(path string) error {
	if err := gguf.WriteFile(path, a.Metadata, a.Tensors); err != nil {
		return fmt.Errorf("write compact model: %w", err)
	}
	return nil
}

// CompactFile compacts m into path and returns the loaded interpreter.
func CompactFile(m *model.Model, path string) (*runtime.Model, error) {
	a, err := Compact(m)
	if err != nil {
		return nil, err
	}
	if err := a.WriteFile(path); err != nil {
		return nil, err
	}
	return runtime.LoadModel(path)
}

package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/gguf"
	"github.com/headlands-org/go-dualembed/internal/vocab"
	"github.com/headlands-org/go-dualembed/search"
	"github.com/headlands-org/go-dualembed/search/brute"
)

// Checkpoint metadata keys.
const (
	Architecture = "dualembed"

	KeyArchitecture = "general.architecture"
	KeyConfig       = "dualembed.config"
	KeyVariantA     = "dualembed.variant_a"
	KeyVariantB     = "dualembed.variant_b"
	KeyRunID        = "dualembed.run_id"
	KeyNumNeg       = "dualembed.num_neg"
	KeyEmbedDim     = "dualembed.embed_dim"
)

// Artifacts are the files written for one model, keyed by a base name.
type Artifacts struct {
	Checkpoint  string
	Dims        string
	InvIntents  string
	Encoded     string
	IntentEmbed string
	Compact     string
}

// Paths returns the artifact paths of name inside dir.
func Paths(dir, name string) Artifacts {
	base := filepath.Join(dir, name)
	return Artifacts{
		Checkpoint:  base + ".ckpt",
		Dims:        base + "_placeholder_dims.json",
		InvIntents:  base + "_inv_intent_dict.json",
		Encoded:     base + "_encoded_all_intents.bin",
		IntentEmbed: base + "_all_intents_embed_values.bin",
		Compact:     base + "_compact.gguf",
	}
}

// Save writes every artifact of a trained model.
func (m *Model) Save(ctx context.Context, dir, name string) error {
	if !m.Trained() {
		return ErrNotTrained
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	paths := Paths(dir, name)

	if err := m.writeCheckpoint(paths.Checkpoint); err != nil {
		return err
	}
	if err := writeJSON(paths.Dims, m.Dims); err != nil {
		return err
	}
	if err := writeJSON(paths.InvIntents, m.Vocab.Inverse()); err != nil {
		return err
	}

	r, c := m.Encoded.Dims()
	b := brute.NewBuilder(brute.WithDimension(c), brute.WithMetric(search.Inner))
	if err := b.AddRows(mat.DenseCopyOf(m.Encoded).RawMatrix().Data, r); err != nil {
		return err
	}
	encoded, err := b.Build(ctx)
	if err != nil {
		return err
	}
	if err := brute.WriteFile(paths.Encoded, encoded); err != nil {
		return fmt.Errorf("write encoded intents: %w", err)
	}
	if err := brute.WriteFile(paths.IntentEmbed, m.index); err != nil {
		return fmt.Errorf("write intent embeddings: %w", err)
	}
	return nil
}

func (m *Model) writeCheckpoint(path string) error {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return err
	}
	kv := map[string]any{
		KeyArchitecture: Architecture,
		KeyConfig:       string(cfg),
		KeyVariantA:     m.EncoderA.Variant(),
		KeyVariantB:     m.EncoderB.Variant(),
		KeyRunID:        m.RunID,
		KeyNumNeg:       int64(m.NumNeg),
		KeyEmbedDim:     int64(m.Config.EmbedDim),
	}
	params := m.Params()
	ts := make([]*gguf.Tensor, len(params))
	for i, p := range params {
		r, c := p.Value.Dims()
		ts[i] = gguf.NewF64(p.Name, r, c, mat.DenseCopyOf(p.Value).RawMatrix().Data)
	}
	return gguf.WriteFile(path, kv, ts)
}

// Load rebuilds a model from the artifacts written by Save.
func Load(ctx context.Context, dir, name string) (*Model, error) {
	paths := Paths(dir, name)

	r, err := gguf.Open(paths.Checkpoint)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if arch, _ := r.String(KeyArchitecture); arch != Architecture {
		return nil, fmt.Errorf("%s: architecture %q, want %q", paths.Checkpoint, arch, Architecture)
	}
	raw, ok := r.String(KeyConfig)
	if !ok {
		return nil, fmt.Errorf("%s: missing %s", paths.Checkpoint, KeyConfig)
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%s: decode config: %w", paths.Checkpoint, err)
	}

	dims, err := ReadDims(dir, name)
	if err != nil {
		return nil, err
	}
	voc, err := ReadVocab(dir, name)
	if err != nil {
		return nil, err
	}
	encodedIdx, err := brute.ReadFile(paths.Encoded)
	if err != nil {
		return nil, err
	}
	encoded := mat.NewDense(encodedIdx.Count(), encodedIdx.Dimension(), encodedIdx.Rows())

	m, err := Build(cfg, voc, encoded, dims, 0, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if id, ok := r.String(KeyRunID); ok {
		m.RunID = id
	}
	if n, ok := r.Int(KeyNumNeg); ok {
		m.NumNeg = int(n)
	}

	values := make(map[string]*mat.Dense)
	for _, name := range r.ListTensors() {
		view, err := r.View(name)
		if err != nil {
			return nil, err
		}
		data, err := view.Float64s()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		rows, cols := view.Matrix()
		values[name] = mat.NewDense(rows, cols, data)
	}
	if err := m.SetParams(values); err != nil {
		return nil, fmt.Errorf("%s: %w", paths.Checkpoint, err)
	}

	embIdx, err := brute.ReadFile(paths.IntentEmbed)
	if err != nil {
		return nil, err
	}
	emb := mat.NewDense(embIdx.Count(), embIdx.Dimension(), embIdx.Rows())
	if err := m.SetIntentEmbeddings(ctx, emb); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadDims loads only the placeholder dims artifact.
func ReadDims(dir, name string) (Dims, error) {
	var d Dims
	err := readJSON(Paths(dir, name).Dims, &d)
	return d, err
}

// ReadVocab loads only the inverse intent table.
func ReadVocab(dir, name string) (*vocab.Vocabulary, error) {
	var inv map[string]string
	path := Paths(dir, name).InvIntents
	if err := readJSON(path, &inv); err != nil {
		return nil, err
	}
	byID := make(map[int]string, len(inv))
	for k, label := range inv {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("%s: bad intent id %q", path, k)
		}
		byID[id] = label
	}
	return vocab.FromInverse(byID)
}

// Exists reports whether the checkpoint of name is present in dir.
func Exists(dir, name string) bool {
	_, err := os.Stat(Paths(dir, name).Checkpoint)
	return err == nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// IsMissing reports whether err means an artifact was not found.
func IsMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

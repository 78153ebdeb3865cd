package quantize

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/gguf"
	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/internal/runtime"
	"github.com/headlands-org/go-dualembed/internal/vocab"
)

func trainedModel(t *testing.T, cfg config.Config, seq bool) *model.Model {
	t.Helper()
	voc := vocab.New([]string{"affirm", "goodbye", "greet"})
	m, err := model.Build(cfg, voc, vocab.EncodeIdentity(voc), model.Dims{AIn: 40, BIn: 3, Seq: seq}, 2, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	require.NoError(t, m.ComputeIntentEmbeddings(context.Background()))
	return m
}

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.HiddenLayersA = []int{16}
	cfg.HiddenLayersB = []int{8}
	cfg.EmbedDim = 6
	return cfg
}

func TestKMeansSeparatesGroups(t *testing.T) {
	centers := KMeans([]float64{10.2, 0, 0.1, 10, 0.2, 10.1}, 2)
	require.Len(t, centers, 2)
	assert.InDelta(t, 0.1, centers[0], 1e-12)
	assert.InDelta(t, 10.1, centers[1], 1e-12)
}

func TestKMeansKeepsFewDistinctValues(t *testing.T) {
	assert.Equal(t, []float64{-1, 0, 3}, KMeans([]float64{3, 0, -1, 0, 3}, 8))
	assert.Nil(t, KMeans(nil, 4))
	assert.Equal(t, []float64{2}, KMeans([]float64{1, 2, 3}, 1))
}

func TestScopePrefersLongestPrefix(t *testing.T) {
	rates := map[string]int{"transformer_a": 2, "transformer_a/layer_0": 4, "embed_layer_a": 256}

	cases := []struct {
		name  string
		scope string
		ok    bool
	}{
		{"transformer_a/layer_0/attention/q/kernel", "transformer_a/layer_0", true},
		{"transformer_a/layer_1/ffn/conv1/kernel", "transformer_a", true},
		{"embed_layer_a/bias", "embed_layer_a", true},
		{"transformer_embed_layer_a/kernel", "", false},
		{"hidden_layer_b_0/kernel", "", false},
	}
	for _, tc := range cases {
		scope, ok := Scope(tc.name, rates)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.scope, scope, tc.name)
	}
}

func TestClusterLimitsLevelsPerScope(t *testing.T) {
	m := trainedModel(t, smallConfig(), false)
	before := Levels(m)

	out, err := Cluster(context.Background(), m, map[string]int{"embed_layer_a": 2, "hidden_layer_a": 3})
	require.NoError(t, err)
	after := Levels(out)

	assert.LessOrEqual(t, after["embed_layer_a/kernel"], 2)
	assert.LessOrEqual(t, after["hidden_layer_a_0/kernel"], 3)
	assert.Equal(t, before["hidden_layer_b_0/kernel"], after["hidden_layer_b_0/kernel"])
	assert.Equal(t, before["embed_layer_a/kernel"], Levels(m)["embed_layer_a/kernel"], "source model must not change")
	assert.Greater(t, before["embed_layer_a/kernel"], 2)

	assert.Equal(t, m.IntentEmbed.RawMatrix().Data, out.IntentEmbed.RawMatrix().Data)
	assert.True(t, out.Trained())
}

func TestClusterSharesLevelsAcrossScope(t *testing.T) {
	m := trainedModel(t, smallConfig(), false)
	out, err := Cluster(context.Background(), m, map[string]int{"embed_layer_a": 2})
	require.NoError(t, err)

	levels := map[float64]bool{}
	params := 0
	for _, p := range out.Params() {
		if !strings.HasPrefix(p.Name, "embed_layer_a/") {
			continue
		}
		params++
		for _, v := range p.Value.RawMatrix().Data {
			levels[v] = true
		}
	}
	assert.Equal(t, 2, params, "kernel and bias")
	assert.LessOrEqual(t, len(levels), 2)
}

func TestClusterHonoursCancellation(t *testing.T) {
	m := trainedModel(t, smallConfig(), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Cluster(ctx, m, map[string]int{"embed_layer_a": 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompactLayout(t *testing.T) {
	cfg := smallConfig()
	cfg.HiddenLayersA = []int{8, 8}
	cfg.Transformer = true
	cfg.NumHeads = 2
	cfg.MaxSeqLength = 5
	cfg.PosEncoding = config.PosEmbedding
	m := trainedModel(t, cfg, true)

	a, err := Compact(m)
	require.NoError(t, err)
	assert.Equal(t, runtime.VariantTransformer, a.Metadata[runtime.KeyVariant])
	assert.Equal(t, "a", a.Metadata[runtime.KeyChannel])
	assert.Equal(t, []string{"affirm", "goodbye", "greet"}, a.Metadata[runtime.KeyLabels])

	types := map[string]gguf.DType{}
	for _, ts := range a.Tensors {
		types[ts.Name] = ts.DType
	}
	assert.Equal(t, gguf.DTypeQ8_0, types["transformer_embed_layer_a/kernel"])
	assert.Equal(t, gguf.DTypeQ8_0, types["transformer_a/layer_1/ffn/conv2/kernel"])
	assert.Equal(t, gguf.DTypeF32, types["transformer_a/layer_1/ffn/conv2/bias"])
	assert.Equal(t, gguf.DTypeF32, types["transformer_a/pos_emb"])
	assert.Equal(t, gguf.DTypeF32, types[runtime.IntentTensor])
	assert.Equal(t, gguf.DTypeQ8_0, types["embed_layer_a/kernel"])
	assert.NotContains(t, types, "embed_layer_b/kernel")
	assert.NotContains(t, types, "hidden_layer_b_0/kernel")

	path := filepath.Join(t.TempDir(), "m_compact.gguf")
	require.NoError(t, a.WriteFile(path))
	r, err := gguf.Open(path)
	require.NoError(t, err)
	defer r.Close()
	desc, ok := r.GetTensor("embed_layer_a/kernel")
	require.True(t, ok)
	rows, cols := desc.Matrix()
	assert.Equal(t, 6, rows)
	assert.Equal(t, 8, cols)
}

func TestCompactRequiresTrainedModel(t *testing.T) {
	voc := vocab.New([]string{"a", "b"})
	m, err := model.Build(smallConfig(), voc, vocab.EncodeIdentity(voc), model.Dims{AIn: 4, BIn: 2}, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, err = Compact(m)
	assert.ErrorIs(t, err, model.ErrNotTrained)
}

func TestCompactFileServesLabels(t *testing.T) {
	m := trainedModel(t, smallConfig(), false)
	rt, err := CompactFile(m, filepath.Join(t.TempDir(), "m_compact.gguf"))
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, m.Vocab.Labels(), rt.Labels())
	want := make([]float32, 0, len(rt.IntentEmbeddings()))
	for _, v := range m.IntentEmbed.RawMatrix().Data {
		want = append(want, float32(v))
	}
	assert.Equal(t, want, rt.IntentEmbeddings())
	assert.Equal(t, m.NumNeg, rt.Config().NumNeg)
}

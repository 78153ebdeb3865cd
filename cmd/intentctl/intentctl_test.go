package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-dualembed/internal/gguf"
	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/pkg/intentembed"
)

const corpusYAML = `
greet:
  - hello there
  - hi friend
  - good morning
goodbye:
  - bye
  - see you later
  - goodbye friend
`

const hyperparams = `
hidden_layers_sizes_a: [8]
embed_dim: 4
epochs: 3
batch_size: [4]
random_seed: 5
quantisation_rates:
  embed_layer_a: 4
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFeaturizerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	corpus, err := readCorpus(writeFile(t, dir, "corpus.yaml", corpusYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"goodbye", "greet"}, corpus.Intents())

	f := fitFeaturizer(corpus, true)
	require.NoError(t, f.save(dir, "m"))
	loaded, err := loadFeaturizer(dir, "m")
	require.NoError(t, err)

	if diff := cmp.Diff(f.Vocabulary, loaded.Vocabulary); diff != "" {
		t.Errorf("vocabulary (-want +got):\n%s", diff)
	}
	assert.True(t, loaded.Sequence)
	if diff := cmp.Diff(f.transform("hello friend"), loaded.transform("hello friend")); diff != "" {
		t.Errorf("features (-want +got):\n%s", diff)
	}
	assert.Len(t, f.examples(corpus), 6)
}

func TestTrainPredictCompressInspect(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	out := filepath.Join(dir, "models")
	err := runTrain(ctx, trainFlags{
		data:   writeFile(t, dir, "corpus.yaml", corpusYAML),
		config: writeFile(t, dir, "hp.yaml", hyperparams),
		out:    out,
		name:   "nlu",
	}, false)
	require.NoError(t, err)
	assert.FileExists(t, model.Paths(out, "nlu").Checkpoint)
	assert.FileExists(t, featurizerPath(out, "nlu"))

	feat, err := loadFeaturizer(out, "nlu")
	require.NoError(t, err)
	c, err := intentembed.Load(ctx, out, "nlu")
	require.NoError(t, err)
	defer c.Close()
	res, err := c.Process(ctx, feat.transform("hello friend"))
	require.NoError(t, err)
	require.NotNil(t, res.Intent.Name)

	var buf bytes.Buffer
	printResult(&buf, res)
	assert.Contains(t, buf.String(), "CONFIDENCE")

	buf.Reset()
	require.NoError(t, runCompress(ctx, &buf, compressFlags{dir: out, name: "nlu", fake: true, compact: true, suffix: "_clustered"}))
	assert.Contains(t, buf.String(), "embed_layer_a/kernel")
	assert.FileExists(t, model.Paths(out, "nlu_clustered").Checkpoint)
	assert.FileExists(t, featurizerPath(out, "nlu_clustered"))
	compact := model.Paths(out, "nlu_clustered").Compact
	assert.FileExists(t, compact)

	buf.Reset()
	require.NoError(t, predictRaw(&buf, compact, feat.transform("hello friend")))
	assert.Contains(t, buf.String(), "greet")
	assert.Contains(t, buf.String(), "goodbye")

	r, err := gguf.Open(compact)
	require.NoError(t, err)
	defer r.Close()
	buf.Reset()
	inspect(&buf, r)
	assert.Contains(t, buf.String(), "dualembed_compact")
	assert.Contains(t, buf.String(), "intent_embeddings")
	assert.Contains(t, buf.String(), "Q8_0")
}

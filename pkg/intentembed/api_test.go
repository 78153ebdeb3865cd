package intentembed

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/model"
)

var utterances = map[string][]string{
	"greet":   {"hello there", "hi", "hey friend", "good morning", "hello friend"},
	"goodbye": {"bye", "see you later", "goodbye now", "bye bye", "see you soon"},
	"affirm":  {"yes", "sure thing", "absolutely", "yes please", "of course"},
}

var probes = map[string]string{
	"greet":   "hello",
	"goodbye": "bye now",
	"affirm":  "yes sure",
}

func corpus(sequence bool) ([]features.Example, *features.CountVectorizer) {
	var texts []string
	for _, intent := range []string{"affirm", "goodbye", "greet"} {
		texts = append(texts, utterances[intent]...)
	}
	cv := features.FitCountVectorizer(texts)
	var examples []features.Example
	for _, intent := range []string{"affirm", "goodbye", "greet"} {
		for _, text := range utterances[intent] {
			examples = append(examples, features.Example{Text: text, Intent: intent, Features: cv.Transform(text, sequence)})
		}
	}
	return examples, cv
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HiddenLayersA = []int{16}
	cfg.HiddenLayersB = []int{}
	cfg.EmbedDim = 8
	cfg.Epochs = 50
	cfg.BatchSize = []int{4, 6}
	cfg.LearningRate = 0.02
	cfg.Droprate = 0
	cfg.EvaluateEveryNumEpochs = 10
	cfg.EvaluateOnNumExamples = 15
	return cfg
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func trained(t *testing.T, cfg config.Config, opts ...Option) (Classifier, *features.CountVectorizer) {
	t.Helper()
	examples, cv := corpus(false)
	opts = append([]Option{WithConfig(cfg), WithSeed(11), WithLogger(quiet())}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, c.Train(context.Background(), examples))
	require.True(t, c.Trained())
	t.Cleanup(func() { c.Close() })
	return c, cv
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SimilarityType = "euclidean"
	_, err := New(WithConfig(cfg))
	assert.ErrorIs(t, err, config.ErrSimilarityType)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTrainAndProcess(t *testing.T) {
	c, cv := trained(t, testConfig())
	ctx := context.Background()

	for intent, text := range probes {
		res, err := c.Process(ctx, cv.Transform(text, false))
		require.NoError(t, err)
		assert.Equal(t, intent, res.IntentName(), text)
		require.Len(t, res.Ranking, 3)
		assert.Equal(t, res.Intent.Confidence, res.Ranking[0].Confidence)
		for i, r := range res.Ranking {
			assert.GreaterOrEqual(t, r.Confidence, 0.0)
			if i > 0 {
				assert.LessOrEqual(t, r.Confidence, res.Ranking[i-1].Confidence)
			}
		}
	}
}

func TestZeroInputEmitsNoIntent(t *testing.T) {
	for _, sequence := range []bool{false, true} {
		cfg := testConfig()
		cfg.Epochs = 2
		cfg.MaxSeqLength = 8
		examples, cv := corpus(sequence)
		c, err := New(WithConfig(cfg), WithSeed(3), WithLogger(quiet()), WithSequence(sequence))
		require.NoError(t, err)
		require.NoError(t, c.Train(context.Background(), examples))

		res, err := c.Process(context.Background(), cv.Transform("unknown words only", sequence))
		require.NoError(t, err)
		assert.Nil(t, res.Intent.Name)
		assert.Zero(t, res.Intent.Confidence)
		assert.Empty(t, res.Ranking)
	}
}

func TestInnerProductConfidencesAreBounded(t *testing.T) {
	cfg := testConfig()
	cfg.SimilarityType = config.SimilarityInner
	cfg.LossType = config.LossSoftmax
	c, cv := trained(t, cfg)

	res, err := c.Process(context.Background(), cv.Transform("hello friend", false))
	require.NoError(t, err)
	sum := 0.0
	for _, r := range res.Ranking {
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		sum += r.Confidence
	}
	assert.LessOrEqual(t, sum, 1+1e-9)
}

func TestTrainSkipsSingleIntent(t *testing.T) {
	var logs bytes.Buffer
	c, err := New(WithConfig(testConfig()), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	examples := []features.Example{
		{Intent: "greet", Features: features.FromVector([]float64{1, 0})},
		{Intent: "greet", Features: features.FromVector([]float64{0, 1})},
	}
	require.NoError(t, c.Train(context.Background(), examples))
	assert.False(t, c.Trained())
	assert.Contains(t, logs.String(), "Need at least 2 different classes")

	res, err := c.Process(context.Background(), features.FromVector([]float64{1, 0}))
	require.NoError(t, err)
	assert.Nil(t, res.Intent.Name)

	dir := t.TempDir()
	require.NoError(t, c.Persist(context.Background(), dir, "model"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTrainRejectsSharedDimensionMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.ShareEmbedding = true
	cfg.HiddenLayersB = cfg.HiddenLayersA
	examples, _ := corpus(false)
	c, err := New(WithConfig(cfg), WithLogger(quiet()))
	require.NoError(t, err)
	err = c.Train(context.Background(), examples)
	assert.ErrorIs(t, err, config.ErrSharedDims)
	assert.False(t, c.Trained())
}

func TestTrainLogsCappedNumNeg(t *testing.T) {
	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.Epochs = 1
	examples, _ := corpus(false)
	c, err := New(WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))), WithMetrics(reg))
	require.NoError(t, err)
	require.NoError(t, c.Train(context.Background(), examples))

	assert.Contains(t, logs.String(), "capping")
	assert.Contains(t, logs.String(), "used=2")
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "dualembed_train_epochs_total"))
}

func TestIntentTokenizationNeedsSplitSymbol(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig()
	cfg.Epochs = 1
	cfg.IntentTokenization = true
	cfg.IntentSplitSymbol = ""
	examples, _ := corpus(false)
	c, err := New(WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	require.NoError(t, c.Train(context.Background(), examples))
	assert.Contains(t, logs.String(), "intent tokenization will be ignored")
	assert.True(t, c.Trained())
}

func TestProcessBatchMatchesProcess(t *testing.T) {
	c, cv := trained(t, testConfig())
	ctx := context.Background()
	inputs := []features.Sparse{
		cv.Transform("hello", false),
		cv.Transform("nothing known", false),
		cv.Transform("see you", false),
	}
	batch, err := c.ProcessBatch(ctx, inputs)
	require.NoError(t, err)
	require.Len(t, batch, len(inputs))
	for i, x := range inputs {
		single, err := c.Process(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, single.IntentName(), batch[i].IntentName())
		require.Len(t, batch[i].Ranking, len(single.Ranking))
		for j := range single.Ranking {
			assert.Equal(t, single.Ranking[j].Name, batch[i].Ranking[j].Name)
			assert.InDelta(t, single.Ranking[j].Confidence, batch[i].Ranking[j].Confidence, 1e-6)
		}
	}
	assert.Nil(t, batch[1].Intent.Name)
}

func rankings(t *testing.T, c Classifier, cv *features.CountVectorizer) []Result {
	t.Helper()
	var out []Result
	for _, intent := range []string{"affirm", "goodbye", "greet"} {
		res, err := c.Process(context.Background(), cv.Transform(probes[intent], false))
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func names(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.IntentName()
	}
	return out
}

func TestPersistLoadRoundTrip(t *testing.T) {
	c, cv := trained(t, testConfig())
	dir := t.TempDir()
	require.NoError(t, c.Persist(context.Background(), dir, "nlu"))
	for _, p := range []string{
		model.Paths(dir, "nlu").Checkpoint,
		model.Paths(dir, "nlu").Dims,
		model.Paths(dir, "nlu").InvIntents,
		model.Paths(dir, "nlu").Encoded,
		model.Paths(dir, "nlu").IntentEmbed,
	} {
		assert.FileExists(t, p)
	}
	assert.NoFileExists(t, model.Paths(dir, "nlu").Compact)

	loaded, err := Load(context.Background(), dir, "nlu", WithLogger(quiet()))
	require.NoError(t, err)
	defer loaded.Close()
	require.True(t, loaded.Trained())

	want, got := rankings(t, c, cv), rankings(t, loaded, cv)
	if diff := cmp.Diff(names(want), names(got)); diff != "" {
		t.Errorf("top intents differ after reload (-want +got):\n%s", diff)
	}
	for i := range want {
		for j := range want[i].Ranking {
			assert.Equal(t, want[i].Ranking[j].Name, got[i].Ranking[j].Name)
			assert.InDelta(t, want[i].Ranking[j].Confidence, got[i].Ranking[j].Confidence, 1e-6)
		}
	}
	assert.Empty(t, cmp.Diff(c.Config(), loaded.Config()))
}

func TestLoadMissingModelFallsBack(t *testing.T) {
	var logs bytes.Buffer
	c, err := Load(context.Background(), t.TempDir(), "absent", WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	assert.False(t, c.Trained())
	assert.Contains(t, logs.String(), "level=WARN")

	res, err := c.Process(context.Background(), features.FromVector([]float64{1}))
	require.NoError(t, err)
	assert.Nil(t, res.Intent.Name)
	assert.Contains(t, logs.String(), "level=ERROR")
}

func TestLoadCompactModel(t *testing.T) {
	cfg := testConfig()
	cfg.CompactQuantise = true
	c, cv := trained(t, cfg)
	dir := t.TempDir()
	require.NoError(t, c.Persist(context.Background(), dir, "nlu"))
	assert.FileExists(t, model.Paths(dir, "nlu").Compact)

	loaded, err := Load(context.Background(), dir, "nlu", WithLogger(quiet()))
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, names(rankings(t, c, cv)), names(rankings(t, loaded, cv)))

	res, err := loaded.Process(context.Background(), cv.Transform("unseen tokens", false))
	require.NoError(t, err)
	assert.Nil(t, res.Intent.Name)
}

func TestLoadCompilesMissingCompactArtifact(t *testing.T) {
	cfg := testConfig()
	cfg.CompactQuantise = true
	c, cv := trained(t, cfg)
	dir := t.TempDir()
	require.NoError(t, c.Persist(context.Background(), dir, "nlu"))
	require.NoError(t, os.Remove(model.Paths(dir, "nlu").Compact))

	loaded, err := Load(context.Background(), dir, "nlu", WithLogger(quiet()))
	require.NoError(t, err)
	defer loaded.Close()
	assert.FileExists(t, model.Paths(dir, "nlu").Compact)
	assert.Equal(t, names(rankings(t, c, cv)), names(rankings(t, loaded, cv)))
}

func TestLoadFakeQuantisedModel(t *testing.T) {
	cfg := testConfig()
	cfg.FakeQuantise = true
	cfg.QuantisationRates = map[string]int{"embed_layer_a": 256, "hidden_layer_a": 256}
	c, cv := trained(t, cfg)
	dir := t.TempDir()
	require.NoError(t, c.Persist(context.Background(), dir, "nlu"))

	loaded, err := Load(context.Background(), dir, "nlu", WithLogger(quiet()))
	require.NoError(t, err)
	defer loaded.Close()
	assert.True(t, loaded.Trained())
	assert.Equal(t, names(rankings(t, c, cv)), names(rankings(t, loaded, cv)))
}

// Package train runs the epoch loop of the dual encoder: batch-size
// schedule, negative sampling, loss, optimizer steps and periodic
// evaluation.
package train

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/graph"
	"github.com/headlands-org/go-dualembed/internal/loss"
	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/internal/similarity"
)

// Data is the training corpus: one intent id per input.
type Data struct {
	Inputs []features.Sparse
	Labels []int
}

// Len returns the number of examples.
func (d Data) Len() int { return len(d.Inputs) }

// Result summarises a run.
type Result struct {
	Epochs   int
	Steps    int
	Loss     float64
	Accuracy float64
	// Skipped is set when there were fewer than two intents.
	Skipped bool
}

// Options configure Run.
type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Rng     *rand.Rand
}

// BatchSize linearly interpolates the schedule over the epochs and rounds
// the result up to an even number. A single value, or a single epoch, uses
// the first value as is.
func BatchSize(schedule []int, ep, epochs int) int {
	if len(schedule) < 2 || epochs <= 1 {
		return schedule[0]
	}
	bs := int(float64(schedule[0]) + float64(ep)*float64(schedule[1]-schedule[0])/float64(epochs-1))
	return bs + bs%2
}

// Run trains m on data and computes the intent embeddings afterwards. It
// checks ctx before every batch.
func Run(ctx context.Context, m *model.Model, data Data, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := opts.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	cfg := m.Config

	if m.Vocab.Len() < 2 {
		logger.Error("Can not train an intent classifier. Need at least 2 different classes. Skipping training of intent classifier.",
			"intents", m.Vocab.Len())
		return Result{Skipped: true}, nil
	}
	if data.Len() == 0 || len(data.Labels) != data.Len() {
		return Result{}, fmt.Errorf("train: %d inputs, %d labels", data.Len(), len(data.Labels))
	}

	lossFn, err := loss.New(cfg)
	if err != nil {
		return Result{}, err
	}

	evalEvery := cfg.EvaluateEveryNumEpochs
	if evalEvery < 1 {
		evalEvery = cfg.Epochs
	}
	var evalIdx []int
	if cfg.EvaluateOnNumExamples > 0 {
		logger.Info(fmt.Sprintf("Accuracy is updated every %d epochs", evalEvery))
		evalIdx = rng.Perm(data.Len())[:min(cfg.EvaluateOnNumExamples, data.Len())]
	}

	run := m.RunID
	adam := graph.NewAdam(cfg.LearningRate)
	res := Result{}
	for ep := 0; ep < cfg.Epochs; ep++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		bs := BatchSize(cfg.BatchSize, ep, cfg.Epochs)
		if opts.Metrics != nil {
			opts.Metrics.BatchSize.WithLabelValues(run).Set(float64(bs))
		}

		epLoss, batches := 0.0, 0
		for _, ids := range splitBatches(rng.Perm(data.Len()), bs, cfg.FusedLSTM) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			epLoss += step(m, data, ids, lossFn, adam, rng)
			batches++
		}
		res.Epochs = ep + 1
		res.Steps = adam.Steps()
		if batches > 0 {
			res.Loss = epLoss / float64(batches)
		}
		if opts.Metrics != nil {
			opts.Metrics.Loss.WithLabelValues(run).Set(res.Loss)
			opts.Metrics.Epochs.WithLabelValues(run).Inc()
		}

		if evalIdx != nil && (ep == 0 || (ep+1)%evalEvery == 0 || ep+1 == cfg.Epochs) {
			res.Accuracy = Accuracy(m, data, evalIdx)
			if opts.Metrics != nil {
				opts.Metrics.Accuracy.WithLabelValues(run).Set(res.Accuracy)
			}
			logger.Info("evaluated", "epoch", ep+1, "loss", res.Loss, "accuracy", res.Accuracy)
		} else {
			logger.Debug("epoch done", "epoch", ep+1, "loss", res.Loss, "batch_size", bs)
		}
	}

	if evalIdx != nil {
		logger.Info("Finished training embedding classifier", "loss", res.Loss, "train_accuracy", res.Accuracy)
	}
	if err := m.ComputeIntentEmbeddings(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// splitBatches splits perm into consecutive batches of size bs. dropRemainder
// drops a trailing partial batch unless it is the only one.
func splitBatches(perm []int, bs int, dropRemainder bool) [][]int {
	var out [][]int
	for lo := 0; lo < len(perm); lo += bs {
		hi := min(lo+bs, len(perm))
		if dropRemainder && hi-lo < bs && len(out) > 0 {
			break
		}
		out = append(out, perm[lo:hi])
	}
	return out
}

func step(m *model.Model, data Data, ids []int, lossFn loss.Func, adam *graph.Adam, rng *rand.Rand) float64 {
	labels := make([]int, len(ids))
	for i, id := range ids {
		labels[i] = data.Labels[id]
	}
	t := graph.New(rng)
	a := m.EmbedInputs(t, m.InputBatch(features.Select(data.Inputs, ids), false), true)
	lb := m.LabelBatch(labels)
	b := m.EmbedLabels(t, lb, true)

	negs := similarity.SampleNegatives(rng, len(ids), m.NumNeg)
	triples := m.Scorer.Triples(t, a, b, lb.Steps[0], negs, m.Config.IOUThreshold, m.Dims.Seq)
	l := lossFn(t, triples)
	t.Backward(l)
	adam.Step(t.Params())
	return l.Value.At(0, 0)
}

// Accuracy embeds the examples idx and their labels in inference mode and
// returns the fraction whose own label scores highest.
func Accuracy(m *model.Model, data Data, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	labels := make([]int, len(idx))
	for i, id := range idx {
		labels[i] = data.Labels[id]
	}
	t := graph.NewInference()
	a := m.EmbedInputs(t, m.InputBatch(features.Select(data.Inputs, idx), false), false)
	b := m.EmbedLabels(t, m.LabelBatch(labels), false)
	return diagonalAccuracy(m.Scorer.Pairwise(a.Value, b.Value))
}

func diagonalAccuracy(sim *mat.Dense) float64 {
	n, _ := sim.Dims()
	hits := 0
	for i := 0; i < n; i++ {
		row := sim.RawRowView(i)
		best := row[0]
		for _, v := range row[1:] {
			best = max(best, v)
		}
		if row[i] == best {
			hits++
		}
	}
	return float64(hits) / float64(n)
}

// MeanLength returns the mean number of real steps per input; it seeds the
// chrono forget bias.
func MeanLength(xs []features.Sparse) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0
	for _, x := range xs {
		for _, row := range x.Rows {
			if len(row) > 0 {
				total++
			}
		}
	}
	return float64(total) / float64(len(xs))
}

// Validate rejects a corpus the configuration can not train on.
func Validate(cfg config.Config, dims model.Dims) error {
	if cfg.ShareEmbedding && dims.AIn != dims.BIn {
		return fmt.Errorf("%w: input dimension %d, intent dimension %d", config.ErrSharedDims, dims.AIn, dims.BIn)
	}
	return cfg.Validate()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/pkg/intentembed"
)

type trainFlags struct {
	data        string
	config      string
	out         string
	name        string
	sequence    bool
	seed        int64
	metricsAddr string
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier on a YAML corpus and persist it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), f, cmd.Flags().Changed("seed"))
		},
	}
	cmd.Flags().StringVar(&f.data, "data", "", "corpus file mapping intents to utterances")
	cmd.Flags().StringVar(&f.config, "config", "", "hyperparameter YAML file")
	cmd.Flags().StringVar(&f.out, "out", "models", "model directory")
	cmd.Flags().StringVar(&f.name, "name", "intent_classifier", "model base name")
	cmd.Flags().BoolVar(&f.sequence, "sequence", false, "featurize utterances as token sequences")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "random seed")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve training metrics on this address while training")
	cmd.MarkFlagRequired("data")
	return cmd
}

func runTrain(ctx context.Context, f trainFlags, seeded bool) error {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return err
		}
	}
	corpus, err := readCorpus(f.data)
	if err != nil {
		return err
	}
	feat := fitFeaturizer(corpus, f.sequence || cfg.Sequential())

	opts := []intentembed.Option{
		intentembed.WithConfig(cfg),
		intentembed.WithLogger(slog.Default()),
		intentembed.WithSequence(feat.Sequence),
	}
	if seeded {
		opts = append(opts, intentembed.WithSeed(f.seed))
	}
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, intentembed.WithMetrics(reg))
		srv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	c, err := intentembed.New(opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	if err := c.Train(ctx, feat.examples(corpus)); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if !c.Trained() {
		return errors.New("training was skipped, see the log")
	}
	slog.Info("trained", "elapsed", time.Since(start).Round(time.Millisecond), "vocabulary", len(feat.Vocabulary))

	if err := os.MkdirAll(f.out, 0o755); err != nil {
		return err
	}
	if err := c.Persist(ctx, f.out, f.name); err != nil {
		return err
	}
	if err := feat.save(f.out, f.name); err != nil {
		return err
	}
	slog.Info("persisted", "dir", f.out, "name", f.name)
	return nil
}

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/internal/runtime"
	"github.com/headlands-org/go-dualembed/pkg/intentembed"
)

func newPredictCmd() *cobra.Command {
	var (
		dir, name string
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "predict TEXT...",
		Short: "Rank the intents of an utterance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feat, err := loadFeaturizer(dir, name)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if raw {
				return predictRaw(os.Stdout, model.Paths(dir, name).Compact, feat.transform(text))
			}
			c, err := intentembed.Load(cmd.Context(), dir, name, intentembed.WithLogger(slog.Default()))
			if err != nil {
				return err
			}
			defer c.Close()
			if !c.Trained() {
				return errors.New("no trained model found")
			}

			res, err := c.Process(cmd.Context(), feat.transform(text))
			if err != nil {
				return err
			}
			printResult(os.Stdout, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "model", "models", "model directory")
	cmd.Flags().StringVar(&name, "name", "intent_classifier", "model base name")
	cmd.Flags().BoolVar(&raw, "raw", false, "score with the compact artifact alone and print raw similarities")
	return cmd
}

func printResult(w io.Writer, res intentembed.Result) {
	if res.Intent.Name == nil {
		fmt.Fprintln(w, "no intent")
		return
	}
	fmt.Fprintf(w, "intent: %s (%.4f)\n\n", *res.Intent.Name, res.Intent.Confidence)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"RANK", "INTENT", "CONFIDENCE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, r := range res.Ranking {
		table.Append([]string{fmt.Sprint(i + 1), r.Name, fmt.Sprintf("%.4f", r.Confidence)})
	}
	table.Render()
}

// predictRaw ranks intents with the compact interpreter only.
func predictRaw(w io.Writer, path string, x features.Sparse) error {
	rt, err := runtime.LoadModel(path)
	if err != nil {
		return err
	}
	defer rt.Close()
	if x.IsZero() {
		fmt.Fprintln(w, "no intent")
		return nil
	}
	emb, err := rt.Embed(x)
	if err != nil {
		return err
	}
	scores, err := rt.Similarities(emb)
	if err != nil {
		return err
	}
	labels := rt.Labels()
	order := make([]int, len(labels))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"RANK", "INTENT", rt.Config().Similarity})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for rank, i := range order[:min(len(order), model.RankingLength)] {
		table.Append([]string{fmt.Sprint(rank + 1), labels[i], fmt.Sprintf("%.4f", scores[i])})
	}
	table.Render()
	return nil
}

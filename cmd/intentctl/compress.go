package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/headlands-org/go-dualembed/internal/model"
	"github.com/headlands-org/go-dualembed/internal/quantize"
)

type compressFlags struct {
	dir     string
	name    string
	fake    bool
	compact bool
	rates   map[string]int
	suffix  string
}

func newCompressCmd() *cobra.Command {
	var f compressFlags
	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Write clustered or compacted versions of a trained model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !f.fake && !f.compact {
				return errors.New("nothing to do: pass --fake and/or --compact")
			}
			return runCompress(cmd.Context(), os.Stdout, f)
		},
	}
	cmd.Flags().StringVar(&f.dir, "model", "models", "model directory")
	cmd.Flags().StringVar(&f.name, "name", "intent_classifier", "model base name")
	cmd.Flags().BoolVar(&f.fake, "fake", false, "cluster weights per scope and save a copy of the model")
	cmd.Flags().BoolVar(&f.compact, "compact", false, "write the Q8_0 serving artifact")
	cmd.Flags().StringToIntVar(&f.rates, "rates", nil, "cluster counts per weight scope, overriding the model config")
	cmd.Flags().StringVar(&f.suffix, "suffix", "_clustered", "name suffix of the clustered copy")
	return cmd
}

func runCompress(ctx context.Context, w io.Writer, f compressFlags) error {
	m, err := model.Load(ctx, f.dir, f.name)
	if err != nil {
		return err
	}

	name := f.name
	if f.fake {
		rates := f.rates
		if len(rates) == 0 {
			rates = m.Config.QuantisationRates
		}
		clustered, err := quantize.Cluster(ctx, m, rates)
		if err != nil {
			return err
		}
		out := f.name + f.suffix
		if err := clustered.Save(ctx, f.dir, out); err != nil {
			return err
		}
		if feat, err := loadFeaturizer(f.dir, f.name); err == nil {
			if err := feat.save(f.dir, out); err != nil {
				return err
			}
		}
		slog.Info("clustered model saved", "name", out)
		printLevels(w, quantize.Levels(m), quantize.Levels(clustered), rates)
		// --compact then serves the clustered weights.
		m, name = clustered, out
	}

	if f.compact {
		path := model.Paths(f.dir, name).Compact
		a, err := quantize.Compact(m)
		if err != nil {
			return err
		}
		if err := a.WriteFile(path); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "compact model: %s (%d tensors, %d bytes)\n", path, len(a.Tensors), info.Size())
	}
	return nil
}

func printLevels(w io.Writer, before, after map[string]int, rates map[string]int) {
	names := make([]string, 0, len(after))
	for name := range after {
		if _, ok := quantize.Scope(name, rates); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TENSOR", "SCOPE", "LEVELS BEFORE", "LEVELS AFTER"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, name := range names {
		scope, _ := quantize.Scope(name, rates)
		table.Append([]string{name, scope, fmt.Sprint(before[name]), fmt.Sprint(after[name])})
	}
	table.Render()
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/headlands-org/go-dualembed/internal/gguf"
)

const maxListed = 8

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "List the metadata and tensors of a checkpoint or compact model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := gguf.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			inspect(os.Stdout, r)
			return nil
		},
	}
}

func inspect(w io.Writer, r *gguf.Reader) {
	h := r.Header()
	fmt.Fprintf(w, "%s: GGUF v%d, %d tensors, %d metadata keys\n\n", r.Path(), h.Version, h.TensorCount, h.MetadataKVSize)

	meta := tablewriter.NewWriter(w)
	meta.SetHeader([]string{"KEY", "VALUE"})
	meta.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	meta.SetAlignment(tablewriter.ALIGN_LEFT)
	meta.SetAutoWrapText(false)
	meta.SetBorder(false)
	for _, key := range r.Keys() {
		v, _ := r.GetMetadata(key)
		meta.Append([]string{key, formatValue(v)})
	}
	meta.Render()
	fmt.Fprintln(w)

	tensors := tablewriter.NewWriter(w)
	tensors.SetHeader([]string{"TENSOR", "TYPE", "SHAPE", "BYTES"})
	tensors.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tensors.SetAlignment(tablewriter.ALIGN_LEFT)
	tensors.SetBorder(false)
	for _, name := range r.ListTensors() {
		desc, _ := r.GetTensor(name)
		tensors.Append([]string{name, desc.DType.String(), fmt.Sprint(desc.Shape), fmt.Sprint(desc.Size)})
	}
	tensors.Render()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case []interface{}:
		if len(v) > maxListed {
			return fmt.Sprintf("%v ... [%d items]", v[:maxListed], len(v))
		}
		return fmt.Sprint(v)
	case string:
		if len(v) > 120 {
			return v[:117] + "..."
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}

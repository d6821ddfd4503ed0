package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vit/internal/registry"
)

func humanCount(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	}
	return strconv.FormatInt(n, 10)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func newListCmd(a *app) *cobra.Command {
	var pretrainedOnly bool
	cmd := &cobra.Command{
		Use:   "list [PATTERN]",
		Short: "List models, optionally filtered by a glob pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			list := a.reg.List
			if pretrainedOnly {
				list = a.reg.ListPretrained
			}
			names, err := list(pattern)
			if err != nil {
				return err
			}
			var data [][]string
			for _, n := range names {
				e, _ := a.reg.Get(n)
				c := e.Config
				weights := "-"
				if e.HasWeights() {
					weights = "yes"
				}
				data = append(data, []string{
					n,
					fmt.Sprintf("%d/%d", c.ImgSize, c.PatchSize),
					strconv.Itoa(c.NumClasses),
					humanCount(c.NumParams()),
					weights,
				})
			}
			table := newTable(cmd.OutOrStdout(), []string{"NAME", "SIZE/PATCH", "CLASSES", "PARAMS", "WEIGHTS"})
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&pretrainedOnly, "pretrained", false, "Only list models with published weights")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show a model's hyperparameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, ok := a.reg.Get(args[0])
			if !ok {
				return &registry.Error{Op: "show", Name: args[0], Err: registry.ErrNotRegistered}
			}
			c := e.Config
			url := e.URL
			if url == "" {
				url = "(none)"
			}
			rows := [][]string{
				{"name", e.Name},
				{"description", e.Description},
				{"img_size", strconv.Itoa(c.ImgSize)},
				{"patch_size", strconv.Itoa(c.PatchSize)},
				{"num_patches", strconv.Itoa(c.NumPatches())},
				{"num_classes", strconv.Itoa(c.NumClasses)},
				{"embed_dim", strconv.Itoa(c.EmbedDim)},
				{"depth", strconv.Itoa(c.Depth)},
				{"num_heads", strconv.Itoa(c.NumHeads)},
				{"mlp_hidden", strconv.Itoa(c.MLPHiddenDim())},
				{"qkv_bias", strconv.FormatBool(c.QKVBias)},
				{"representation_size", strconv.Itoa(c.RepresentationSize)},
				{"distilled", strconv.FormatBool(c.Distilled)},
				{"params", fmt.Sprintf("%d (%s)", c.NumParams(), humanCount(c.NumParams()))},
				{"crop_pct", strconv.FormatFloat(e.Preprocess.CropPct, 'g', -1, 64)},
				{"mean", strings.Trim(fmt.Sprint(e.Preprocess.Mean), "[]")},
				{"std", strings.Trim(fmt.Sprint(e.Preprocess.Std), "[]")},
				{"weights", url},
			}
			table := newTable(cmd.OutOrStdout(), nil)
			table.AppendBulk(rows)
			table.Render()
			return nil
		},
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download NAME...",
		Short: "Download pretrained weights into the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.hub.Progress = hubProgress(cmd)
			for _, name := range args {
				e, ok := a.reg.Get(name)
				if !ok {
					return &registry.Error{Op: "download", Name: name, Err: registry.ErrNotRegistered}
				}
				if !e.HasWeights() {
					return &registry.Error{Op: "download", Name: name, Err: registry.ErrNoPretrainedWeights}
				}
				path, err := a.hub.Fetch(cmd.Context(), e.URL)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, path)
			}
			return nil
		},
	}
}

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vit/internal/checkpoint"
	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/registry"
	"github.com/23skdu/longbow-vit/internal/vit"
)

func parseGrid(s string) ([2]int, error) {
	var g [2]int
	if s == "" {
		return g, nil
	}
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &g[0], &g[1]); err != nil {
		return g, fmt.Errorf("invalid grid %q (want HxW): %w", s, err)
	}
	if g[0] <= 0 || g[1] <= 0 {
		return g, fmt.Errorf("invalid grid %q (must be positive)", s)
	}
	return g, nil
}

func newResizePosEmbedCmd(a *app) *cobra.Command {
	var (
		key       string
		grid      string
		numTokens int
		tokens    int
	)
	cmd := &cobra.Command{
		Use:   "resize-posembed IN OUT",
		Short: "Resample a checkpoint's position embedding to a new patch grid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := parseGrid(grid)
			if err != nil {
				return err
			}
			if g == [2]int{} && tokens <= numTokens {
				return fmt.Errorf("one of --grid or --tokens is required")
			}
			sd, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			pe, ok := sd.Get(key)
			if !ok {
				return fmt.Errorf("checkpoint %s has no %q tensor", args[0], key)
			}
			resized, err := vit.ResizePosEmbed(pe, tokens, numTokens, g)
			if err != nil {
				return err
			}
			sd.Set(key, resized)
			if err := checkpoint.Save(args[1], sd); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v -> %v\n", key, pe.Shape(), resized.Shape())
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "pos_embed", "Name of the position embedding tensor")
	cmd.Flags().StringVar(&grid, "grid", "", "Target patch grid as HxW")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "Target token count including prefix tokens (square grid)")
	cmd.Flags().IntVar(&numTokens, "num-tokens", 1, "Prefix tokens carried over unchanged (2 for distilled models)")
	return cmd
}

func newConvertCmd(a *app) *cobra.Command {
	var half bool
	cmd := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert a checkpoint to safetensors or GGUF",
		Long: "Read any supported checkpoint (safetensors, GGUF, PyTorch pickle or zip,\n" +
			"OneFlow directory) and write it in the format named by OUT's extension.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			ext := strings.ToLower(filepath.Ext(args[1]))
			switch {
			case half && ext == ".gguf":
				err = checkpoint.SaveGGUF(args[1], sd, map[string]interface{}{"general.architecture": "vit"}, true)
			case half:
				return fmt.Errorf("--half is only supported for .gguf output")
			default:
				err = checkpoint.Save(args[1], sd)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors (%s parameters) to %s\n",
				sd.Len(), humanCount(sd.NumElements()), args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&half, "half", false, "Store GGUF tensors as float16")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		mf         modelFlags
		weightInit string
		seed       uint64
	)
	cmd := &cobra.Command{
		Use:   "export NAME OUT",
		Short: "Write a model's state dict to a checkpoint file",
		Long: "Build NAME (freshly initialized, or with --pretrained/--weights) and save its\n" +
			"state dict as .safetensors or .gguf. Useful for fixtures and for converting\n" +
			"published archives in one step.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []registry.Option{
				registry.WithOverrides(func(c *config.Model) {
					if weightInit != "" {
						c.WeightInit = weightInit
					}
					if cmd.Flags().Changed("seed") {
						c.Seed = seed
					}
				}),
			}
			m, _, err := a.createModel(cmd, args[0], &mf, opts...)
			if err != nil {
				return err
			}
			sd := m.StateDict()
			if err := checkpoint.Save(args[1], sd); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors (%s parameters) to %s\n",
				sd.Len(), humanCount(sd.NumElements()), args[1])
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&weightInit, "weight-init", "", "Initialization scheme (\"\", nlhb, jax, jax_nlhb)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Initialization seed")
	return cmd
}

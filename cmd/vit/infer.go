package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/flight"
	"github.com/23skdu/longbow-vit/internal/hub"
	"github.com/23skdu/longbow-vit/internal/imageproc"
	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/registry"
	"github.com/23skdu/longbow-vit/internal/server"
	"github.com/23skdu/longbow-vit/internal/vit"
)

// modelFlags are shared by the commands that build a model.
type modelFlags struct {
	pretrained bool
	weights    string
	numClasses int
}

func (f *modelFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.pretrained, "pretrained", false, "Load the published weights")
	cmd.Flags().StringVar(&f.weights, "weights", "", "Load weights from a local checkpoint instead")
	cmd.Flags().IntVar(&f.numClasses, "num-classes", -1, "Override the classifier size (0 removes the head)")
}

func hubProgress(cmd *cobra.Command) func(hub.Progress) {
	return hub.WriteProgress(cmd.ErrOrStderr())
}

func (a *app) createModel(cmd *cobra.Command, name string, f *modelFlags, extra ...registry.Option) (*vit.VisionTransformer, registry.Entry, error) {
	e, ok := a.reg.Get(name)
	if !ok {
		return nil, e, &registry.Error{Op: "create", Name: name, Err: registry.ErrNotRegistered}
	}
	a.hub.Progress = hubProgress(cmd)
	opts := []registry.Option{
		registry.WithPretrained(f.pretrained),
		registry.WithHub(a.hub),
	}
	if f.weights != "" {
		opts = append(opts, registry.WithWeightsFile(f.weights))
	}
	if f.numClasses >= 0 {
		n := f.numClasses
		opts = append(opts,
			registry.WithOverrides(func(c *config.Model) { c.NumClasses = n }),
			registry.WithLoadOptions(vit.LoadOptions{SkipMismatchedHead: true}),
		)
	}
	m, err := a.reg.Create(cmd.Context(), name, append(opts, extra...)...)
	if err != nil {
		return nil, e, err
	}
	return m, e, nil
}

func loadImages(paths []string) ([]image.Image, error) {
	imgs := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		img, _, err := imageproc.Decode(f)
		f.Close()
		if err != nil {
			metrics.RecordValidationError("cli", "decode")
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

// readLabels reads one class name per line.
func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		labels = append(labels, strings.TrimSpace(s.Text()))
	}
	return labels, s.Err()
}

func newClassifyCmd(a *app) *cobra.Command {
	var (
		mf         modelFlags
		topK       int
		labelsFile string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "classify NAME IMAGE...",
		Short: "Classify images with a model",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if topK <= 0 {
				return fmt.Errorf("invalid top-k: %d (must be positive)", topK)
			}
			var labels []string
			if labelsFile != "" {
				var err error
				if labels, err = readLabels(labelsFile); err != nil {
					return err
				}
			}
			m, e, err := a.createModel(cmd, args[0], &mf)
			if err != nil {
				return err
			}
			if m.Config().NumClasses == 0 {
				return fmt.Errorf("model %s has no classifier head", args[0])
			}
			imgs, err := loadImages(args[1:])
			if err != nil {
				return err
			}
			x, err := imageproc.Batch(imgs, e.Preprocess)
			if err != nil {
				return err
			}
			out, err := m.Forward(cmd.Context(), x)
			if err != nil {
				return err
			}

			results := make(map[string][]server.Prediction, len(imgs))
			for i, p := range args[1:] {
				preds := server.TopK(out.Logits.Row(i), topK)
				for j := range preds {
					if preds[j].Index < len(labels) {
						preds[j].Label = labels[preds[j].Index]
					}
				}
				results[p] = preds
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			for _, p := range args[1:] {
				fmt.Fprintln(cmd.OutOrStdout(), filepath.Base(p))
				var data [][]string
				for _, pred := range results[p] {
					data = append(data, []string{
						strconv.Itoa(pred.Index),
						pred.Label,
						strconv.FormatFloat(float64(pred.Probability), 'f', 4, 32),
					})
				}
				table := newTable(cmd.OutOrStdout(), []string{"CLASS", "LABEL", "PROB"})
				table.AppendBulk(data)
				table.Render()
			}
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().IntVar(&topK, "top-k", 5, "Number of predictions per image")
	cmd.Flags().StringVar(&labelsFile, "labels", "", "File with one class name per line")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print predictions as JSON")
	return cmd
}

func newEmbedCmd(a *app) *cobra.Command {
	var (
		mf         modelFlags
		flightAddr string
		flightPath string
	)
	cmd := &cobra.Command{
		Use:   "embed NAME IMAGE...",
		Short: "Export pooled image features",
		Long: "Export the pooled features (after pre-logits) of each image. With --flight\n" +
			"the vectors are sent to an Arrow Flight endpoint, otherwise printed as JSON.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, e, err := a.createModel(cmd, args[0], &mf)
			if err != nil {
				return err
			}
			imgs, err := loadImages(args[1:])
			if err != nil {
				return err
			}
			x, err := imageproc.Batch(imgs, e.Preprocess)
			if err != nil {
				return err
			}
			feats, err := m.ForwardFeatures(cmd.Context(), x)
			if err != nil {
				return err
			}
			batch, err := flight.NewBatch(args[0], args[1:], feats.Cls)
			if err != nil {
				return err
			}

			if flightAddr == "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for i, id := range batch.IDs {
					if err := enc.Encode(struct {
						ID        string    `json:"id"`
						Model     string    `json:"model"`
						Embedding []float32 `json:"embedding"`
					}{id, batch.Model, batch.Vectors[i]}); err != nil {
						return err
					}
				}
				return nil
			}

			c := flight.NewClient(flightAddr, flightPath)
			if err := c.Connect(cmd.Context()); err != nil {
				return err
			}
			return sendBatch(cmd, c, batch)
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&flightAddr, "flight", "", "Arrow Flight address to DoPut the vectors to")
	cmd.Flags().StringVar(&flightPath, "flight-path", flight.DefaultPath[0], "Flight descriptor path")
	return cmd
}

func sendBatch(cmd *cobra.Command, sink flight.Sink, b *flight.Batch) error {
	defer sink.Close()
	if err := sink.Put(cmd.Context(), b); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d vectors of dim %d\n", b.Len(), b.Dim())
	return nil
}

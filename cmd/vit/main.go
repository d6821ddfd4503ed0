package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/hub"
	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/registry"
	"github.com/23skdu/longbow-vit/internal/server"
)

// app is the state shared by every subcommand, filled in before they run.
type app struct {
	rt  config.Runtime
	reg *registry.Registry
	hub *hub.Client

	logLevel  string
	logFormat string
	cacheDir  string
	baseURL   string
}

func (a *app) setup(cmd *cobra.Command) error {
	rt, err := config.LoadRuntime()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		rt.LogLevel = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		rt.LogFormat = a.logFormat
	}
	if a.cacheDir != "" {
		rt.Home = a.cacheDir
	}
	if a.baseURL != "" {
		rt.WeightsBaseURL = a.baseURL
	}
	if err := rt.Validate(); err != nil {
		return err
	}
	logger.SetupWriter(cmd.ErrOrStderr(), rt.LogLevel, rt.LogFormat)

	a.rt = rt
	if a.reg == nil {
		a.reg = registry.Default
	}
	a.reg.SetBaseURL(rt.WeightsBaseURL)
	a.hub = hub.NewClient(rt.CheckpointDir())
	return nil
}

func newCLI(a *app) *cobra.Command {
	cobra.EnableCommandSorting = false

	root := &cobra.Command{
		Use:           "vit",
		Short:         "Vision Transformer model zoo",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       server.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "console", "Log format (console, json)")
	pf.StringVar(&a.cacheDir, "cache-dir", "", "Cache directory (default $VIT_HOME)")
	pf.StringVar(&a.baseURL, "weights-url", "", "Mirror serving the checkpoint archives (default $VIT_WEIGHTS_BASE_URL)")

	root.AddCommand(
		newListCmd(a),
		newShowCmd(a),
		newDownloadCmd(a),
		newClassifyCmd(a),
		newEmbedCmd(a),
		newResizePosEmbedCmd(a),
		newConvertCmd(a),
		newExportCmd(a),
		newServeCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLI(&app{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

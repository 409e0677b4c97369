// Package cli wires the replay engine into the replayd command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"replaycore/internal/blob"
	"replaycore/internal/config"
)

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the replayd command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "replayd",
		Short: "Experience replay capture and playback engine",
		Long: `replayd records agent experience into episodes, stores them as replay
documents and serves them back for inspection, playback and training.

Configuration comes from an optional YAML file (--config) followed by
REPLAYCORE_* environment overrides.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCommand(opts),
		newListCommand(opts),
		newInspectCommand(opts),
		newImportCommand(opts),
		newRunsCommand(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openBlob(ctx context.Context, cfg config.Config, logger *slog.Logger) (blob.Store, error) {
	store, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Blob.Driver),
		FSRoot: cfg.Blob.FSRoot,
		S3:     cfg.Blob.S3,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return store, nil
}

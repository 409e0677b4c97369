package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"replaycore/internal/core"
	"replaycore/internal/infra/persistence"
	"replaycore/pkg/domain"
)

const defaultRunsLimit = 20

func newListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored replays, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := warnLogger(cmd.ErrOrStderr())
			store, err := openBlob(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			archive := core.NewArchive(store, core.NewCodec(time.Now), time.Now, logger)
			entries, err := archive.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return writeCatalog(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func writeCatalog(w io.Writer, entries []domain.CatalogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILENAME\tEPISODES\tSTEPS\tSIZE\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", e.Filename, e.Episodes, e.Steps, e.Size, e.Created.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

// replaySummary is what inspect reports for one replay.
type replaySummary struct {
	Filename string                `json:"filename"`
	Metadata domain.ReplayMetadata `json:"metadata"`
	Episodes []episodeSummary      `json:"episodes"`
}

type episodeSummary struct {
	Index       int     `json:"index"`
	Steps       int     `json:"steps"`
	TotalReward float64 `json:"totalReward"`
	Terminated  bool    `json:"terminated"`
}

func summarize(filename string, file domain.ReplayFile) replaySummary {
	out := replaySummary{Filename: filename, Metadata: file.Metadata, Episodes: make([]episodeSummary, 0, len(file.Episodes))}
	for i, ep := range file.Episodes {
		s := episodeSummary{Index: i, Steps: len(ep)}
		for _, exp := range ep {
			s.TotalReward += exp.Reward
		}
		if len(ep) > 0 {
			s.Terminated = ep[len(ep)-1].Done
		}
		out.Episodes = append(out.Episodes, s)
	}
	return out
}

func newInspectCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Summarize the episodes of a stored replay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := warnLogger(cmd.ErrOrStderr())
			store, err := openBlob(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			archive := core.NewArchive(store, core.NewCodec(time.Now), time.Now, logger)
			file, err := archive.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			summary := summarize(args[0], file)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %d episodes, %d steps\n", summary.Filename, summary.Metadata.EpisodeCount, summary.Metadata.TotalSteps)
			for _, ep := range summary.Episodes {
				fmt.Fprintf(w, "  episode %d: %d steps, reward %.3f, terminated=%t\n", ep.Index, ep.Steps, ep.TotalReward, ep.Terminated)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var (
		name  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Store a replay document from a local file",
		Long: `import validates a replay document and stores it in canonical form. The
replay is named after the file unless --name is given; an existing replay of
that name is only replaced with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied path
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := warnLogger(cmd.ErrOrStderr())
			store, err := openBlob(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			archive := core.NewArchive(store, core.NewCodec(time.Now), time.Now, logger)
			res, err := archive.Import(cmd.Context(), name, raw, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d episodes, %d steps\n", res.Filename, res.Episodes, res.Steps)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "replay name (defaults to the file name)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing replay of the same name")
	return cmd
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			stats, err := persistence.Open(cmd.Context(), persistence.Config{
				Driver:      persistence.Driver(cfg.Stats.Driver),
				SQLitePath:  cfg.Stats.SQLitePath,
				PostgresDSN: cfg.Stats.PostgresDSN,
			})
			if err != nil {
				return fmt.Errorf("open stats store: %w", err)
			}
			defer func() { _ = stats.Close() }()
			runs, err := stats.ListTrainingRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOUTCOME\tCOMPLETED\tFINAL_LOSS\tFINISHED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%.4f\t%s\n", r.ID, r.Outcome, r.Completed, r.Requested, r.FinalLoss, r.FinishedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultRunsLimit, "maximum runs to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// warnLogger reports degraded catalog entries on w without the serve log setup.
func warnLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

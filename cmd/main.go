package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudfs/internal/app"
	"cloudfs/internal/config"
	"cloudfs/internal/logger"
	"cloudfs/internal/mirror"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cloudfs",
	Short: "Two-way sync between a local file store and a cloud drive",
	Long: `cloudfs keeps a SQLite-backed file store in sync with Google Drive or an S3 bucket.
Transfers go through durable task queues, so an interrupted run resumes where it stopped.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		runCommand(app.ModeSync, "Reconcile both sides, newest change wins"),
		runCommand(app.ModePull, "Download every remote file, overriding local copies"),
		runCommand(app.ModePush, "Upload every local file, overriding remote copies"),
		runCommand(app.ModeRetry, "Re-run failed tasks that still have retries left"),
		runCommand(app.ModeDrain, "Run the tasks left by an interrupted run"),
		tasksCommand(),
		importCommand(),
		exportCommand(),
	)
}

// withApp loads the configuration, builds the app and runs fn with a
// context cancelled on SIGINT/SIGTERM
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, log *zap.Logger) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	err = fn(ctx, a, log)

	if closeErr := a.Close(); closeErr != nil {
		log.Error("Error closing app", zap.Error(closeErr))
	}
	return err
}

func runCommand(mode app.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				return a.Run(ctx, mode)
			})
		},
	}
}

func tasksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks held by the queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App, _ *zap.Logger) error {
				list := a.Tasks()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tID\tSTATUS\tRETRIES\tTARGET\tUPDATED\tLAST ERROR")
				for _, t := range list.Sync {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s %s\t%s\t%s\n",
						t.Queue, t.ID, t.Status, t.RetryCount, t.Payload.Type, t.Payload.Name,
						t.UpdatedAt.Format(time.RFC3339), t.LastError)
				}
				for _, t := range list.Upload {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s %s\t%s\t%s\n",
						t.Queue, t.ID, t.Status, t.RetryCount, t.Payload.Name, t.Payload.ContentRange(),
						t.UpdatedAt.Format(time.RFC3339), t.LastError)
				}
				return w.Flush()
			})
		},
	}
}

func mirrorOptions(cmd *cobra.Command, log *zap.Logger) mirror.Options {
	root, _ := cmd.Flags().GetString("at")
	patterns, _ := cmd.Flags().GetStringSlice("pattern")
	return mirror.Options{Root: root, Patterns: patterns, Logger: log}
}

func importCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Copy a directory tree into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				_, err := mirror.Import(ctx, osfs.New(args[0]), a.Local(), mirrorOptions(cmd, log))
				return err
			})
		},
	}
	cmd.Flags().String("at", "/", "Store folder receiving the tree")
	cmd.Flags().StringSlice("pattern", nil, "Glob patterns selecting files (default every file)")
	return cmd
}

func exportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Write the local store into a directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				if err := os.MkdirAll(args[0], 0o755); err != nil {
					return err
				}
				_, err := mirror.Export(ctx, a.Local(), osfs.New(args[0]), mirrorOptions(cmd, log))
				return err
			})
		},
	}
	cmd.Flags().String("at", "/", "Store folder to export")
	cmd.Flags().StringSlice("pattern", nil, "Glob patterns selecting files (default every file)")
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

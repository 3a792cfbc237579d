package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"agentboard/pkg/archive"
	"agentboard/pkg/bus"
	"agentboard/pkg/config"
	"agentboard/pkg/db"
	"agentboard/pkg/s3"
	"agentboard/pkg/secretbox"
	"agentboard/services/bootstrap"
	"agentboard/services/bootstrapctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bootstrapctl",
		Short:         "Operator utility for the bootstrap orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newSecretsCommand())
	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newTranscriptsCommand())
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			version, err := db.MigrationVersion(cmd.Context(), pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	})
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a value for SECRETS_ENCRYPTION_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Stored credential maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var (
		previousKey string
		dryRun      bool
	)
	reencrypt := &cobra.Command{
		Use:   "reencrypt",
		Short: "Seal plaintext keys and rotate keys sealed with a previous secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			to, err := secretbox.New(cfg.SecretsEncryptionKey)
			if err != nil {
				return err
			}
			from, err := secretbox.New(previousKey)
			if err != nil {
				return err
			}

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			creds, err := bootstrap.NewPgCredentialStore(pool)
			if err != nil {
				return err
			}

			res, err := bootstrapctl.Reencrypt(ctx, bootstrapctl.ReencryptConfig{
				Credentials: creds,
				To:          to,
				From:        from,
				DryRun:      dryRun,
				Stdout:      cmd.OutOrStdout(),
			})
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, rewritten %d\n", res.Scanned, res.Rewritten)
			}
			return err
		},
	}
	reencrypt.Flags().StringVar(&previousKey, "previous-key", os.Getenv("PREVIOUS_SECRETS_ENCRYPTION_KEY"), "Key that sealed existing values, when rotating")
	reencrypt.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")

	cmd.AddCommand(reencrypt)
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect bootstrap runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunsStatusCommand())
	cmd.AddCommand(newRunsWatchCommand())
	return cmd
}

func newRunsStatusCommand() *cobra.Command {
	var (
		projectID string
		runID     string
		all       bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run of a project, a single run, or a project's history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (projectID == "") == (runID == "") {
				return errors.New("exactly one of --project or --run is required")
			}
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			if cfg.DBDSN == "" {
				return errors.New("DB_DSN is required")
			}
			orm, err := db.OpenORM(ctx, cfg.DBDSN)
			if err != nil {
				return err
			}
			defer db.CloseORM(orm)
			store, err := bootstrap.NewGormStore(orm)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case runID != "":
				run, err := store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				return bootstrapctl.Write(out, output, run)
			case all:
				runs, err := store.ListRuns(ctx, projectID)
				if err != nil {
					return err
				}
				return bootstrapctl.Write(out, output, runs)
			default:
				run, err := store.LatestRun(ctx, projectID)
				if err != nil {
					return err
				}
				return bootstrapctl.Write(out, output, run)
			}
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	cmd.Flags().BoolVar(&all, "all", false, "List every run of the project")
	cmd.Flags().StringVarP(&output, "output", "o", bootstrapctl.FormatText, "Output format: text, json or yaml")
	return cmd
}

func newRunsWatchCommand() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lifecycle events from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}
			b, err := bus.New(cfg.NATSURL, nats.Name("bootstrapctl"))
			if err != nil {
				return err
			}
			defer b.Close()
			return bootstrapctl.Watch(ctx, b, projectID, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Only show events for this project")
	return cmd
}

func newTranscriptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "Read archived run transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTranscriptsGetCommand())
	cmd.AddCommand(newTranscriptsURLCommand())
	return cmd
}

func newTranscriptsGetCommand() *cobra.Command {
	var (
		projectID    string
		runID        string
		identityFile string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Download and decode a run transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			identities, err := bootstrapctl.LoadIdentities(identityFile)
			if err != nil {
				return fmt.Errorf("read identities: %w", err)
			}
			cfg, client, err := openS3(ctx)
			if err != nil {
				return err
			}
			arc, err := archive.New(client, cfg.TranscriptBucket, "")
			if err != nil {
				return err
			}
			run, err := bootstrapctl.FetchTranscript(ctx, arc, projectID, runID, identities...)
			if err != nil {
				return err
			}
			return bootstrapctl.Write(cmd.OutOrStdout(), output, run)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	cmd.Flags().StringVar(&identityFile, "identity", "", "age identity file for sealed transcripts")
	cmd.Flags().StringVarP(&output, "output", "o", bootstrapctl.FormatText, "Output format: text, json or yaml")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newTranscriptsURLCommand() *cobra.Command {
	var (
		projectID string
		runID     string
		sealed    bool
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print a presigned download URL for a run transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, client, err := openS3(ctx)
			if err != nil {
				return err
			}
			url, err := client.PresignGet(ctx, cfg.TranscriptBucket, bootstrapctl.TranscriptKey(projectID, runID, sealed), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	cmd.Flags().BoolVar(&sealed, "sealed", false, "Transcript was written with TRANSCRIPT_AGE_RECIPIENT set")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "URL lifetime")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN is required")
	}
	return db.Open(ctx, cfg.DBDSN)
}

func openS3(ctx context.Context) (config.Config, *s3.Client, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, nil, err
	}
	if !cfg.TranscriptsEnabled() {
		return config.Config{}, nil, errors.New("TRANSCRIPT_BUCKET and S3_ENDPOINT are required")
	}
	client, err := s3.New(ctx, cfg.S3)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, client, nil
}

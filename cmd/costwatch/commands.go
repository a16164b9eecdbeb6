package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/costwatch/internal/anomaly"
	"github.com/qualys/costwatch/internal/app"
	"github.com/qualys/costwatch/internal/auth"
	"github.com/qualys/costwatch/internal/config"
	"github.com/qualys/costwatch/internal/ingestion"
	"github.com/qualys/costwatch/internal/recommendation"
	"github.com/qualys/costwatch/internal/reports"
	"github.com/qualys/costwatch/internal/scheduler"
)

type cli struct {
	configPath string
	userID     string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "costwatch",
		Short:         "AWS billing ingestion, anomaly detection and cost recommendations",
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.Path(), "Path to configuration file")
	root.PersistentFlags().StringVarP(&c.userID, "user", "u", "", "Owning user id")

	root.AddCommand(
		c.ingestCmd(),
		c.rebuildCmd(),
		c.detectCmd(),
		c.recommendCmd(),
		c.reportCmd(),
		c.runCmd(),
		c.tokenCmd(),
		c.queueCmd(),
		c.workerCmd(),
		c.purgeCmd(),
		c.serveCmd(),
	)
	return root
}

// withApp loads configuration, wires the services and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func (c *cli) withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := cfg.Logging.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func (c *cli) requireUser() error {
	if c.userID == "" {
		return errors.New("--user is required")
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) ingestCmd() *cobra.Command {
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Ingest an AWS billing CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireUser(); err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				job, err := a.Pipeline.CreateJob(ctx, ingestion.JobRequest{
					FilePath:  path,
					UserID:    c.userID,
					CreatedBy: "cli",
				})
				if err != nil {
					return err
				}
				res, err := a.Pipeline.ProcessFile(ctx, path, job.ID, ingestion.Options{ChunkSize: chunkSize})
				if res != nil {
					fmt.Printf("job %s: processed=%d skipped=%d total=%d\n", job.ID, res.Processed, res.Skipped, res.Total)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Rows per insert batch (default from config)")
	return cmd
}

func (c *cli) rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute daily and monthly aggregates",
		Long:  "Recompute aggregates for --user, or for every user with line items when --user is omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				if c.userID == "" {
					return runJob(ctx, a, scheduler.JobTypeRebuildAggregates)
				}
				if err := a.Aggregation.RebuildAggregates(ctx, c.userID); err != nil {
					return err
				}
				fmt.Printf("aggregates rebuilt for %s\n", c.userID)
				return nil
			})
		},
	}
}

func (c *cli) detectCmd() *cobra.Command {
	var opts anomaly.DetectOptions
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run z-score anomaly detection over recent daily costs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireUser(); err != nil {
				return err
			}
			opts.UserID = c.userID
			return c.withApp(func(ctx context.Context, a *app.App) error {
				anomalies, err := a.Anomalies.Detect(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(anomalies)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "Restrict to one account")
	cmd.Flags().StringVar(&opts.Service, "service", "", "Restrict to one service")
	cmd.Flags().IntVar(&opts.LookbackDays, "lookback", 0, "Days of history (default from config)")
	cmd.Flags().Float64Var(&opts.Threshold, "threshold", 0, "Z-score threshold (default from config)")
	return cmd
}

func (c *cli) recommendCmd() *cobra.Command {
	var opts recommendation.GenerateOptions
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Generate cost optimization recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireUser(); err != nil {
				return err
			}
			opts.UserID = c.userID
			return c.withApp(func(ctx context.Context, a *app.App) error {
				recs, err := a.Recommendations.Generate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(recs)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AccountID, "account", "", "Restrict to one account")
	cmd.Flags().IntVar(&opts.LookbackDays, "lookback", 0, "Days of history (default from config)")
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the cost report as PDF or the service breakdown as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireUser(); err != nil {
				return err
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				var report *reports.Report
				var err error
				switch format {
				case "pdf":
					report, err = a.Reports.CostReport(ctx, c.userID)
				case "csv":
					report, err = a.Reports.CostSummaryCSV(ctx, c.userID)
				default:
					return fmt.Errorf("unknown format %q", format)
				}
				if err != nil {
					return err
				}
				if out == "" {
					out = report.Filename
				}
				if err := os.WriteFile(out, report.Data, 0o644); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
				fmt.Printf("wrote %s (%d bytes)\n", out, len(report.Data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "pdf", "pdf or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default derived from the report date)")
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <job-type>",
		Short:     "Run one scheduled job type immediately across all users",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"process_pending", "rebuild_aggregates", "detect_anomalies", "generate_recommendations", "nightly"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return runJob(ctx, a, scheduler.JobType(args[0]))
			})
		},
	}
}

func runJob(ctx context.Context, a *app.App, jobType scheduler.JobType) error {
	exec, err := a.Scheduler.Run(ctx, jobType)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %s\n", exec.JobType, exec.Status, exec.Output)
	if exec.Status == scheduler.StatusFailed {
		return errors.New(exec.Error)
	}
	return nil
}

func (c *cli) tokenCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireUser(); err != nil {
				return err
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			svc := auth.NewService(auth.Config{JWTSecret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer})
			token, err := svc.IssueToken(c.userID, email)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim recorded on acknowledgements")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the scheduler and queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func (c *cli) queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show ingestion queue depth and live workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				if a.Queue == nil {
					return errors.New("redis queue is not enabled")
				}
				stats, err := a.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				workers, err := a.Queue.ActiveWorkers(ctx, time.Minute)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"queue":   stats,
					"workers": workers,
				})
			})
		},
	}
}

func (c *cli) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued ingestion jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				w, err := a.NewWorker()
				if err != nil {
					return err
				}
				if err := w.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				w.Stop()
				return nil
			})
		},
	}
}

func (c *cli) purgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every line item, aggregate, anomaly and recommendation owned by --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireUser(); err != nil {
				return err
			}
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				if err := a.Store.DeleteUserData(ctx, c.userID); err != nil {
					return err
				}
				fmt.Printf("purged data for %s\n", c.userID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

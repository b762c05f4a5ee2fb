package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whatworked/distengine/internal/logging"
	"github.com/whatworked/distengine/internal/metrics"
	"github.com/whatworked/distengine/internal/pipeline"
	"github.com/whatworked/distengine/internal/types"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute distributions from raw reports",
	Long: `Recompute every selected pair's field distributions from its raw reports.

Fields with report data are replaced; every other stored field is kept.
Progress is checkpointed after each pair, so an interrupted run resumes
where it stopped.

Examples:
  # Aggregate everything
  distengine aggregate

  # One category, 8 workers, starting over
  distengine aggregate --category medications --workers 8 --resume=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, pipeline.JobAggregate, nil)
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill missing fields from evidence or the fallback provider",
	Long: `Audit every selected pair and fill missing fields with substitute
distributions: curated evidence first, then the generative provider.

Provider calls are rate limited; pairs that hit the limit are deferred and
picked up by the next run. Values from fallback never count as reports.

Examples:
  # Fill gaps using evidence only
  distengine seed --provider none

  # Also re-estimate filler and single-value fields that hold no user data
  distengine seed --replace-defective`,
	RunE: func(cmd *cobra.Command, args []string) error {
		estimator, cleanup, err := buildEstimator(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		return runBatch(cmd, pipeline.JobSeed, estimator)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{aggregateCmd, seedCmd} {
		addBatchFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
	seedCmd.Flags().String("provider", "", "Fallback provider: anthropic, openai, gemini or none")
	seedCmd.Flags().Bool("replace-defective", false, "Re-estimate defective fields that hold no user data")
}

func addBatchFlags(cmd *cobra.Command) {
	cmd.Flags().Int("workers", 4, "Pairs processed concurrently")
	cmd.Flags().String("checkpoint-dir", ".distengine", "Directory for checkpoint and lock files")
	cmd.Flags().Bool("resume", true, "Skip pairs a previous run completed")
	addFilterFlags(cmd)
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("category", "", "Only pairs in this category")
	cmd.Flags().String("goal", "", "Only pairs of this goal")
	cmd.Flags().Int("limit", 0, "Visit at most this many pairs (0 = all)")
}

func filterFromFlags(cmd *cobra.Command) types.PairFilter {
	category, _ := cmd.Flags().GetString("category")
	goal, _ := cmd.Flags().GetString("goal")
	limit, _ := cmd.Flags().GetInt("limit")
	return types.PairFilter{Category: category, GoalID: goal, Limit: limit}
}

func runBatch(cmd *cobra.Command, job pipeline.Job, estimator pipeline.Estimator) error {
	resume, _ := cmd.Flags().GetBool("resume")
	replace, _ := cmd.Flags().GetBool("replace-defective")

	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(s, registry, estimator, pipeline.Options{
		Workers:          cfg.Batch.Workers,
		CheckpointDir:    cfg.Batch.CheckpointDir,
		Resume:           resume,
		Filter:           filterFromFlags(cmd),
		ReplaceDefective: replace,
		Audit:            cfg.AuditOptions(),
		Logger:           logging.New(string(job)),
	})

	var summary *pipeline.Summary
	err = withMetrics(cmd.Context(), func(ctx context.Context) error {
		var err error
		if job == pipeline.JobSeed {
			summary, err = runner.Seed(ctx)
		} else {
			summary, err = runner.Aggregate(ctx)
		}
		return err
	})
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary)
	}
	return err
}

// withMetrics runs fn while the metrics endpoint is served, if configured
func withMetrics(ctx context.Context, fn func(ctx context.Context) error) error {
	if cfg.Metrics.Addr == "" {
		return fn(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	g.Go(func() error {
		return metrics.Serve(serveCtx, cfg.Metrics.Addr, logging.New("metrics"))
	})
	g.Go(func() error {
		defer stopServing()
		return fn(gctx)
	})
	if err := g.Wait(); err != nil {
		zap.L().Debug("batch ended with error", zap.Error(err))
		return err
	}
	return nil
}

func printSummary(w io.Writer, s *pipeline.Summary) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintf(w, "\n%s %s run %s\n", cyan("▶"), s.Job, s.RunID)
	fmt.Fprintf(w, "  Pairs:        %d\n", s.Total)
	if s.AlreadyDone > 0 {
		fmt.Fprintf(w, "  Already done: %d\n", s.AlreadyDone)
	}
	fmt.Fprintf(w, "  Processed:    %s\n", green(s.Processed))
	fmt.Fprintf(w, "  Skipped:      %d\n", s.Skipped)
	fmt.Fprintf(w, "  Deferred:     %s\n", yellow(s.Deferred))
	fmt.Fprintf(w, "  Failed:       %s\n", red(s.Failed))
	fmt.Fprintf(w, "  Audit issues: %d\n", s.Issues)
	fmt.Fprintf(w, "  Duration:     %s\n", s.Duration.Round(time.Millisecond))
	if s.Checkpoint != "" {
		fmt.Fprintf(w, "  Checkpoint:   %s\n", s.Checkpoint)
	}
	if s.Deferred > 0 {
		fmt.Fprintf(w, "\n%s %d pair(s) deferred by the rate limit; run again to continue\n", yellow("⚠"), s.Deferred)
	}
}

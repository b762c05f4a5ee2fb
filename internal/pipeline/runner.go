// Package pipeline runs the batch jobs: aggregate recomputes distributions
// from raw reports, seed fills audit gaps from the fallback adapter, and
// audit produces the quality report. Pairs are independent and run on a
// bounded worker pool; progress is checkpointed after every pair.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whatworked/distengine/internal/audit"
	"github.com/whatworked/distengine/internal/checkpoint"
	"github.com/whatworked/distengine/internal/fallback"
	"github.com/whatworked/distengine/internal/metrics"
	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/storage"
	"github.com/whatworked/distengine/internal/types"
)

// Job names a batch job
type Job string

const (
	JobAggregate Job = "aggregate"
	JobSeed      Job = "seed"
)

// errNoData marks a pair with nothing to do; it is counted as skipped
var errNoData = errors.New("no data")

// Estimator supplies substitute distributions. *fallback.Adapter satisfies it.
type Estimator interface {
	Estimate(ctx context.Context, req fallback.Request) (*types.Distribution, error)
}

var _ Estimator = (*fallback.Adapter)(nil)

// Options configure a Runner
type Options struct {
	// Workers bounds concurrent pairs (default 1)
	Workers int
	// CheckpointDir holds checkpoint and lock files. Empty disables checkpointing.
	CheckpointDir string
	// Resume skips pairs a previous run completed
	Resume bool
	// Filter selects pairs; Filter.Limit caps how many are visited
	Filter types.PairFilter
	// ReplaceDefective lets seed re-estimate defective fields that hold no user data
	ReplaceDefective bool
	Audit            audit.Options
	Logger           *zap.Logger
}

// Summary is the end-of-run count every batch prints
type Summary struct {
	RunID       string        `json:"run_id"`
	Job         Job           `json:"job"`
	Total       int           `json:"total"`
	AlreadyDone int           `json:"already_done"`
	Processed   int           `json:"processed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Deferred    int           `json:"deferred"`
	Issues      int           `json:"issues"`
	Duration    time.Duration `json:"duration"`
	Checkpoint  string        `json:"checkpoint,omitempty"`
}

func (s *Summary) add(outcome checkpoint.Outcome) {
	switch outcome {
	case checkpoint.OutcomeProcessed:
		s.Processed++
	case checkpoint.OutcomeSkipped:
		s.Skipped++
	case checkpoint.OutcomeFailed:
		s.Failed++
	case checkpoint.OutcomeDeferred:
		s.Deferred++
	}
}

// Runner executes batch jobs against a store
type Runner struct {
	store     storage.Storage
	registry  *schema.Registry
	estimator Estimator
	opts      Options
	log       *zap.Logger
}

// NewRunner creates a runner. estimator may be nil, in which case seed
// leaves every gap unresolved.
func NewRunner(store storage.Storage, registry *schema.Registry, estimator Estimator, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		store:     store,
		registry:  registry,
		estimator: estimator,
		opts:      opts,
		log:       log,
	}
}

// pairFunc processes one pair. Returned errors are classified into outcomes.
type pairFunc func(ctx context.Context, log *zap.Logger, pair *types.Pair) (issues int, err error)

// run visits every selected pair with fn on the worker pool
func (r *Runner) run(ctx context.Context, job Job, fn pairFunc) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := r.log.With(zap.String("job", string(job)), zap.String("run_id", runID))
	summary := &Summary{RunID: runID, Job: job}

	var cp *checkpoint.Checkpoint
	if r.opts.CheckpointDir != "" {
		lock, err := checkpoint.AcquireLock(r.opts.CheckpointDir, string(job), runID)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn("releasing lock", zap.Error(err))
			}
		}()

		if r.opts.Resume {
			cp, err = checkpoint.Open(r.opts.CheckpointDir, string(job), runID)
		} else {
			cp, err = checkpoint.Fresh(r.opts.CheckpointDir, string(job), runID)
		}
		if err != nil {
			return nil, err
		}
		if cp.RecoveredFromBackup {
			log.Warn("checkpoint was corrupt, resumed from backup", zap.String("path", cp.File()))
		}
		summary.Checkpoint = cp.File()
	}

	pairs, err := r.store.ListPairs(ctx, r.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("listing pairs: %w", err)
	}
	summary.Total = len(pairs)
	if cp != nil {
		if err := cp.SetTotal(len(pairs)); err != nil {
			return nil, err
		}
	}
	log.Info("batch started", zap.Int("pairs", len(pairs)), zap.Int("workers", r.opts.Workers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, pair := range pairs {
		id := pair.Key.String()
		if cp != nil && cp.Done(id) {
			summary.AlreadyDone++
			continue
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			pairStart := time.Now()
			plog := log.With(zap.String("goal_id", pair.Key.GoalID), zap.String("variant_id", pair.Key.VariantID))

			issues, err := fn(gctx, plog, pair)
			outcome := r.classify(plog, err)
			metrics.RecordPair(string(job), string(outcome), time.Since(pairStart))

			mu.Lock()
			summary.add(outcome)
			summary.Issues += issues
			mu.Unlock()

			if cp != nil {
				if err := cp.Record(id, outcome); err != nil {
					return fmt.Errorf("recording checkpoint for %s: %w", id, err)
				}
			}
			return nil
		})
	}

	werr := g.Wait()
	summary.Duration = time.Since(start)
	log.Info("batch finished",
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
		zap.Int("already_done", summary.AlreadyDone),
		zap.Duration("duration", summary.Duration))

	if werr != nil {
		return summary, werr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// classify maps a per-pair error to its batch outcome and logs it
func (r *Runner) classify(log *zap.Logger, err error) checkpoint.Outcome {
	switch {
	case err == nil:
		return checkpoint.OutcomeProcessed
	case errors.Is(err, errNoData):
		log.Debug("skipped", zap.Error(err))
		return checkpoint.OutcomeSkipped
	case errors.Is(err, schema.ErrUnknownCategory), errors.Is(err, schema.ErrUnknownField):
		log.Warn("skipped: schema error", zap.Error(err))
		return checkpoint.OutcomeSkipped
	case errors.Is(err, fallback.ErrDeferred):
		log.Warn("deferred", zap.Error(err))
		return checkpoint.OutcomeDeferred
	default:
		log.Error("failed", zap.Error(err))
		return checkpoint.OutcomeFailed
	}
}

// recordIssues publishes audit issues as metrics and returns their count
func recordIssues(log *zap.Logger, issues []types.AuditIssue) int {
	for _, issue := range issues {
		metrics.RecordAuditIssue(string(issue.Type), string(issue.Severity))
	}
	if len(issues) > 0 {
		log.Debug("audit issues", zap.Int("count", len(issues)))
	}
	return len(issues)
}

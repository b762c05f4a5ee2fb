package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/whatworked/distengine/internal/aggregate"
	"github.com/whatworked/distengine/internal/audit"
	"github.com/whatworked/distengine/internal/merge"
	"github.com/whatworked/distengine/internal/types"
)

// Aggregate recomputes every selected pair's distributions from its raw
// reports. Fields with report data are replaced; every other stored field
// is kept.
func (r *Runner) Aggregate(ctx context.Context) (*Summary, error) {
	return r.run(ctx, JobAggregate, r.aggregatePair)
}

func (r *Runner) aggregatePair(ctx context.Context, log *zap.Logger, pair *types.Pair) (int, error) {
	cs, err := r.registry.SchemaFor(pair.Category)
	if err != nil {
		return 0, err
	}

	reports, err := r.store.GetReports(ctx, pair.Key)
	if err != nil {
		return 0, fmt.Errorf("loading reports: %w", err)
	}
	if len(reports) == 0 {
		return 0, fmt.Errorf("%w: no reports for %s", errNoData, pair.Key)
	}

	updates := aggregate.BuildUpdates(cs, r.registry, reports)
	if len(updates.Fields) == 0 {
		return 0, fmt.Errorf("%w: %d reports carry none of the expected fields", errNoData, len(reports))
	}
	if len(updates.Insufficient) > 0 {
		log.Debug("fields without report data", zap.Strings("fields", updates.Insufficient))
	}

	total := updates.TotalReports
	result, err := r.store.ApplyUpdates(ctx, pair.Key, updates.Fields, merge.Options{
		Mode:         merge.ModeReplaceField,
		Fields:       updates.FieldNames(),
		TotalReports: &total,
		Registry:     r.registry,
	})
	if err != nil {
		return 0, fmt.Errorf("writing aggregate: %w", err)
	}
	log.Info("aggregated",
		zap.Int("reports", total),
		zap.Strings("written", result.Written),
		zap.String("confidence", string(result.Record.Metadata.Confidence)))

	issues := audit.Audit(result.Record, cs, r.registry, r.opts.Audit)
	return recordIssues(log, issues), nil
}

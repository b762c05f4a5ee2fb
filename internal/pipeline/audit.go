package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whatworked/distengine/internal/audit"
	"github.com/whatworked/distengine/internal/types"
)

// Audit checks every selected pair and collects the findings. Pairs with
// no stored aggregate are audited as empty records. Audit never writes.
func (r *Runner) Audit(ctx context.Context) (*audit.Report, error) {
	pairs, err := r.store.ListPairs(ctx, r.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("listing pairs: %w", err)
	}

	report := audit.NewReport(time.Now())
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log := r.log.With(zap.String("goal_id", pair.Key.GoalID), zap.String("variant_id", pair.Key.VariantID))
		record, err := r.store.GetRecord(ctx, pair.Key)
		if errors.Is(err, types.ErrMalformedRecord) {
			log.Warn("stored aggregate does not decode", zap.Error(err))
			issues := []types.AuditIssue{{
				Type:     types.IssueWrongFormat,
				Severity: types.SeverityCritical,
				Message:  err.Error(),
			}}
			recordIssues(log, issues)
			report.Add(pair.Key, pair.Category, issues)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading aggregate for %s: %w", pair.Key, err)
		}
		if record == nil {
			record = types.NewRecord(pair.Key)
		}

		issues := audit.AuditPair(record, pair.Category, r.registry, r.opts.Audit)
		recordIssues(log, issues)
		report.Add(pair.Key, pair.Category, issues)
	}

	r.log.Info("audit finished",
		zap.Int("records", report.Summary.Records),
		zap.Int("with_issues", report.Summary.RecordsWithIssues),
		zap.Int("issues", report.Summary.TotalIssues))
	return report, nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/whatworked/distengine/internal/audit"
	"github.com/whatworked/distengine/internal/fallback"
	"github.com/whatworked/distengine/internal/merge"
	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/types"
)

// replaceable lists the issue types seed may re-estimate when
// ReplaceDefective is set
var replaceable = map[types.IssueType]bool{
	types.IssueWrongFormat:     true,
	types.IssueSingleValue100:  true,
	types.IssueFallbackSources: true,
}

// Seed fills audit gaps from the fallback adapter. Missing fields are
// always filled; defective fields are re-estimated only with
// ReplaceDefective, and never when they hold real report data. All
// estimates for a pair are written in one merge.
func (r *Runner) Seed(ctx context.Context) (*Summary, error) {
	return r.run(ctx, JobSeed, r.seedPair)
}

// seedTargets splits the audit findings into fields to add and fields to replace
func (r *Runner) seedTargets(record *types.AggregateRecord, issues []types.AuditIssue) (missing, defective []string) {
	seen := make(map[string]bool)
	for _, issue := range issues {
		if issue.Field == "" || issue.Field == types.MetadataKey || seen[issue.Field] {
			continue
		}
		switch {
		case issue.Type == types.IssueMissingField:
			seen[issue.Field] = true
			missing = append(missing, issue.Field)
		case r.opts.ReplaceDefective && replaceable[issue.Type]:
			if hasUserData(record, r.registry.ReadNames(issue.Field)) {
				continue
			}
			seen[issue.Field] = true
			defective = append(defective, issue.Field)
		}
	}
	return missing, defective
}

// hasUserData reports whether any stored name of a field carries real report values
func hasUserData(record *types.AggregateRecord, names []string) bool {
	for _, name := range names {
		d := record.Distribution(name)
		if d == nil {
			continue
		}
		if d.DataSource.IsReal() {
			return true
		}
		for _, v := range d.Values {
			if v.Source.IsReal() {
				return true
			}
		}
	}
	return false
}

func (r *Runner) seedPair(ctx context.Context, log *zap.Logger, pair *types.Pair) (int, error) {
	cs, err := r.registry.SchemaFor(pair.Category)
	if err != nil {
		return 0, err
	}

	record, err := r.store.GetRecord(ctx, pair.Key)
	if err != nil {
		return 0, fmt.Errorf("loading aggregate: %w", err)
	}
	if record == nil {
		record = types.NewRecord(pair.Key)
	}

	issues := audit.Audit(record, cs, r.registry, r.opts.Audit)
	missing, defective := r.seedTargets(record, issues)
	if len(missing)+len(defective) == 0 {
		return recordIssues(log, issues), fmt.Errorf("%w: nothing to seed", errNoData)
	}
	if r.estimator == nil {
		return recordIssues(log, issues), fmt.Errorf("%w: %d fields need data but no fallback is configured",
			errNoData, len(missing)+len(defective))
	}

	updates := make(map[string]*types.Distribution)
	var replace []string
	var stopErr error

	estimate := func(field string) error {
		req, err := r.seedRequest(cs, pair, field)
		if err != nil {
			return err
		}
		d, err := r.estimator.Estimate(ctx, req)
		if err == nil {
			updates[field] = d
			return nil
		}

		var verr *fallback.ValidationError
		switch {
		case errors.Is(err, fallback.ErrDeferred), ctx.Err() != nil:
			return err
		case errors.As(err, &verr), errors.Is(err, fallback.ErrNoEstimate), errors.Is(err, fallback.ErrNoCandidates):
			log.Warn("no estimate for field", zap.String("field", field), zap.Error(err))
			return nil
		default:
			return err
		}
	}

	for _, field := range missing {
		if err := estimate(field); err != nil {
			stopErr = err
			break
		}
	}
	if stopErr == nil {
		for _, field := range defective {
			if err := estimate(field); err != nil {
				stopErr = err
				break
			}
			if _, ok := updates[field]; ok {
				replace = append(replace, field)
			}
		}
	}

	// a pair stopped by the rate limit keeps what it already gathered
	if len(updates) > 0 {
		opts := merge.Options{Mode: merge.ModeAddMissing, Registry: r.registry}
		if len(replace) > 0 {
			opts.Mode = merge.ModeReplaceField
			opts.Fields = replace
		}
		result, err := r.store.ApplyUpdates(ctx, pair.Key, updates, opts)
		if err != nil {
			return 0, fmt.Errorf("writing estimates: %w", err)
		}
		log.Info("seeded",
			zap.Strings("written", result.Written),
			zap.Strings("kept", result.Kept),
			zap.Strings("replaced", replace))
		record = result.Record
	}

	if stopErr != nil {
		return 0, stopErr
	}
	if len(updates) == 0 {
		return recordIssues(log, issues), fmt.Errorf("%w: no estimates available", errNoData)
	}
	return recordIssues(log, audit.Audit(record, cs, r.registry, r.opts.Audit)), nil
}

func (r *Runner) seedRequest(cs *schema.CategorySchema, pair *types.Pair, field string) (fallback.Request, error) {
	def, err := r.registry.Field(field)
	if err != nil {
		return fallback.Request{}, err
	}
	shape := def.Shape
	if field == cs.ArrayField {
		shape = types.ShapeArray
	}
	return fallback.Request{
		Category:      pair.Category,
		Field:         field,
		Shape:         shape,
		Candidates:    append([]string(nil), def.Options...),
		SolutionTitle: pair.SolutionTitle,
	}, nil
}

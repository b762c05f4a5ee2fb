// Package fallback supplies substitute distributions for fields that have
// no real reports. Curated evidence is tried first, then a generative
// provider whose every answer is validated before it is accepted. Values
// produced here never carry the real-report provenance.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/whatworked/distengine/internal/aggregate"
	"github.com/whatworked/distengine/internal/ai"
	"github.com/whatworked/distengine/internal/metrics"
	"github.com/whatworked/distengine/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrDeferred marks a request that could not reach the provider; the
	// pair should be retried in a later run.
	ErrDeferred = errors.New("fallback estimate deferred")

	// ErrNoCandidates is returned when a request has no candidate values
	ErrNoCandidates = errors.New("no candidate values")

	// ErrNoEstimate is returned when no evidence exists and no provider is
	// configured
	ErrNoEstimate = errors.New("no fallback source available")
)

// DefaultMaxAttempts is the number of provider answers tried per request:
// the first call plus one retry.
const DefaultMaxAttempts = 2

// ValidationError reports a provider that kept answering with unusable data
type ValidationError struct {
	Category string
	Field    string
	Attempts int
	Reasons  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fallback validation failed for %s/%s after %d attempts: %s",
		e.Category, e.Field, e.Attempts, strings.Join(e.Reasons, "; "))
}

// DeferredError wraps the transport failure behind a deferred request
type DeferredError struct {
	Category string
	Field    string
	Cause    error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("%s for %s/%s: %v", ErrDeferred, e.Category, e.Field, e.Cause)
}

func (e *DeferredError) Unwrap() []error {
	return []error{ErrDeferred, e.Cause}
}

// Provider generates text from a prompt. *ai.Client implements it.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

var _ Provider = (*ai.Client)(nil)

// Request asks for a substitute distribution of one field
type Request struct {
	Category      string
	Field         string
	Shape         types.FieldShape
	Candidates    []string
	SolutionTitle string
}

// Options configure an Adapter. Every member is optional.
type Options struct {
	Evidence    *EvidenceTable
	Provider    Provider
	Bucket      *TokenBucket
	Cache       *ResponseCache
	MaxAttempts int
	Logger      *zap.Logger
}

// Adapter resolves fallback requests. It is safe for concurrent use; the
// cache and token bucket are shared by all callers.
type Adapter struct {
	evidence    *EvidenceTable
	provider    Provider
	bucket      *TokenBucket
	cache       *ResponseCache
	maxAttempts int
	inflight    singleflight.Group
	log         *zap.Logger
}

// NewAdapter creates an adapter
func NewAdapter(opts Options) *Adapter {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		evidence:    opts.Evidence,
		provider:    opts.Provider,
		bucket:      opts.Bucket,
		cache:       opts.Cache,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// HasProvider reports whether a generative provider is configured
func (a *Adapter) HasProvider() bool {
	return a.provider != nil
}

// Estimate returns a substitute distribution for req. Errors are
// ErrNoCandidates, ErrNoEstimate, *ValidationError, or *DeferredError.
func (a *Adapter) Estimate(ctx context.Context, req Request) (*types.Distribution, error) {
	if len(req.Candidates) == 0 {
		return nil, fmt.Errorf("%w for %s/%s", ErrNoCandidates, req.Category, req.Field)
	}
	log := a.log.With(zap.String("category", req.Category), zap.String("field", req.Field))

	if entry, ok := a.evidence.Lookup(req.Category, req.Field); ok {
		d, reasons := fromEvidence(entry, req)
		if len(reasons) == 0 {
			metrics.RecordFallback("evidence", "ok")
			log.Debug("using curated evidence", zap.String("source", entry.Source))
			return d, nil
		}
		metrics.RecordFallback("evidence", "invalid")
		log.Warn("curated evidence does not fit the field, ignoring it", zap.Strings("reasons", reasons))
	}

	if a.provider == nil {
		metrics.RecordFallback("provider", "miss")
		return nil, fmt.Errorf("%w for %s/%s", ErrNoEstimate, req.Category, req.Field)
	}

	key := cacheKey(req.Category, req.Field, req.Candidates)
	if d, ok := a.cache.Get(key); ok {
		metrics.RecordFallback("cache", "ok")
		return d, nil
	}

	v, err, _ := a.inflight.Do(key, func() (any, error) {
		if d, ok := a.cache.Get(key); ok {
			return d, nil
		}
		d, err := a.fromProvider(ctx, req, log)
		if err != nil {
			return nil, err
		}
		a.cache.Set(key, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Distribution).Clone(), nil
}

func (a *Adapter) fromProvider(ctx context.Context, req Request, log *zap.Logger) (*types.Distribution, error) {
	var reasons []string
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := a.bucket.Wait(ctx); err != nil {
			metrics.RecordFallback("provider", "deferred")
			return nil, &DeferredError{Category: req.Category, Field: req.Field, Cause: err}
		}

		text, err := a.provider.Generate(ctx, buildPrompt(req, reasons))
		if err != nil {
			metrics.RecordFallback("provider", "deferred")
			log.Warn("provider call failed, deferring", zap.Error(err))
			return nil, &DeferredError{Category: req.Category, Field: req.Field, Cause: err}
		}

		var d *types.Distribution
		d, reasons = parseEstimate(text, req)
		if len(reasons) == 0 {
			metrics.RecordFallback("provider", "ok")
			return d, nil
		}
		metrics.RecordFallback("provider", "invalid")
		log.Warn("provider response failed validation",
			zap.Int("attempt", attempt),
			zap.Strings("reasons", reasons))
	}
	return nil, &ValidationError{
		Category: req.Category,
		Field:    req.Field,
		Attempts: a.maxAttempts,
		Reasons:  reasons,
	}
}

type estimateResponse struct {
	Values []struct {
		Value      string `json:"value"`
		Percentage int    `json:"percentage"`
	} `json:"values"`
}

// parseEstimate decodes and validates a provider answer. The provider is
// asked for a split of respondents, so the sum must reconcile to 100 for
// every field shape.
func parseEstimate(text string, req Request) (*types.Distribution, []string) {
	parsed := ai.Parse[estimateResponse](text, "fallback estimate")
	if !parsed.Success {
		return nil, []string{parsed.Error}
	}

	shares := make([]aggregate.Share, 0, len(parsed.Data.Values))
	for _, v := range parsed.Data.Values {
		shares = append(shares, aggregate.Share{Value: v.Value, Percentage: v.Percentage})
	}
	shares, reasons := checkShares(shares, req.Candidates, true)
	if len(reasons) > 0 {
		return nil, reasons
	}

	d, ok := aggregate.FromShares(dropZero(shares), types.SourceAIEstimate, true)
	if !ok {
		return nil, []string{"no value has a positive percentage"}
	}
	return d, nil
}

// fromEvidence converts a curated entry, checking it against the request
func fromEvidence(e *EvidenceEntry, req Request) (*types.Distribution, []string) {
	shares := make([]aggregate.Share, 0, len(e.Values))
	for _, v := range e.Values {
		shares = append(shares, aggregate.Share{Value: v.Value, Percentage: v.Percentage})
	}
	exclusive := req.Shape != types.ShapeArray
	shares, reasons := checkShares(shares, req.Candidates, exclusive)
	if len(reasons) > 0 {
		return nil, reasons
	}
	d, ok := aggregate.FromShares(dropZero(shares), types.SourceResearch, exclusive)
	if !ok {
		return nil, []string{"no value has a positive percentage"}
	}
	return d, nil
}

// checkShares validates shares against the candidate set. Values are
// matched ignoring case and surrounding space and rewritten to the
// candidate's spelling.
func checkShares(shares []aggregate.Share, candidates []string, requireSum bool) ([]aggregate.Share, []string) {
	if len(shares) == 0 {
		return nil, []string{"response has no values"}
	}

	canonical := make(map[string]string, len(candidates))
	for _, c := range candidates {
		canonical[normalize(c)] = c
	}

	var reasons []string
	out := make([]aggregate.Share, 0, len(shares))
	seen := make(map[string]bool, len(shares))
	sum := 0
	for _, s := range shares {
		name, ok := canonical[normalize(s.Value)]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("value %q is not one of the candidates", s.Value))
			continue
		}
		if seen[name] {
			reasons = append(reasons, fmt.Sprintf("value %q appears more than once", name))
			continue
		}
		seen[name] = true
		if s.Percentage < 0 || s.Percentage > 100 {
			reasons = append(reasons, fmt.Sprintf("percentage %d for %q is outside 0-100", s.Percentage, name))
			continue
		}
		sum += s.Percentage
		out = append(out, aggregate.Share{Value: name, Percentage: s.Percentage})
	}

	if requireSum && len(reasons) == 0 {
		if sum < 100-types.PercentTolerance || sum > 100+types.PercentTolerance {
			reasons = append(reasons, fmt.Sprintf("percentages sum to %d, expected 100±%d", sum, types.PercentTolerance))
		}
	}
	if len(reasons) > 0 {
		return nil, reasons
	}
	return out, nil
}

func dropZero(shares []aggregate.Share) []aggregate.Share {
	out := shares[:0:0]
	for _, s := range shares {
		if s.Percentage > 0 {
			out = append(out, s)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

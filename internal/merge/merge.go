// Package merge is the only write path for aggregate records.
//
// Every write combines new distributions with the stored record through a
// union: a field present before a merge is present after it. The single
// exception is RenameField, an explicit copy-then-delete migration.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/whatworked/distengine/internal/aggregate"
	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/types"
)

var (
	// ErrFieldsDropped marks a merge whose output lost a stored field
	ErrFieldsDropped = errors.New("merge dropped stored fields")

	// ErrFieldExists is returned when a rename target already holds data
	ErrFieldExists = errors.New("target field already holds data")

	// ErrNothingToReplace is returned when replace-field names a field the
	// updates do not carry
	ErrNothingToReplace = errors.New("no update for field named in replace")

	// ErrNonCanonicalField is returned when an update is keyed by a legacy alias
	ErrNonCanonicalField = errors.New("update keyed by non-canonical field name")

	// ErrInvalidDistribution is returned when an update fails validation
	ErrInvalidDistribution = errors.New("invalid distribution")
)

// Mode selects how updates combine with stored fields
type Mode string

const (
	// ModeAddMissing writes only fields that are absent or empty
	ModeAddMissing Mode = "add-missing"
	// ModeReplaceField fully replaces the fields named in Options.Fields
	ModeReplaceField Mode = "replace-field"
)

// IsValid checks if the mode is known
func (m Mode) IsValid() bool {
	return m == ModeAddMissing || m == ModeReplaceField
}

// Options control a single merge
type Options struct {
	Mode Mode

	// Fields names the fields replaced in ModeReplaceField. Empty means
	// every field in the updates. Updates for fields not named here are
	// written only if the stored field is absent or empty.
	Fields []string

	// TotalReports overrides the record's real-report count. Nil keeps the
	// stored count, which is what fallback seeding wants.
	TotalReports *int

	// Registry, when set, rejects updates keyed by aliases and validates
	// each distribution against its field shape.
	Registry *schema.Registry

	// Now stamps computed_at. Defaults to time.Now.
	Now func() time.Time
}

// Result is a merged record plus what the merge did
type Result struct {
	Record *types.AggregateRecord
	// Written lists fields whose value changed, sorted
	Written []string
	// Kept lists update fields left alone because the stored field had data
	Kept []string
}

// InvariantError reports a merge that would have removed stored fields.
// It always indicates a programming defect; the record must not be written.
type InvariantError struct {
	Key     types.PairKey
	Missing []string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: merge for %s would drop %s", ErrFieldsDropped, e.Key, strings.Join(e.Missing, ", "))
}

func (e *InvariantError) Unwrap() error {
	return ErrFieldsDropped
}

// Merge combines updates with the stored record for key. existing may be
// nil for a pair with no record yet. existing is never modified.
func Merge(key types.PairKey, existing *types.AggregateRecord, updates map[string]*types.Distribution, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAddMissing
	}
	if !opts.Mode.IsValid() {
		return nil, fmt.Errorf("invalid merge mode %q", opts.Mode)
	}
	if err := checkUpdates(updates, opts.Registry); err != nil {
		return nil, err
	}

	replace, err := replaceSet(updates, opts)
	if err != nil {
		return nil, err
	}

	var out *types.AggregateRecord
	if existing != nil {
		out = existing.Clone()
		out.Key = key
	} else {
		out = types.NewRecord(key)
	}

	res := &Result{Record: out}
	for _, name := range sortedKeys(updates) {
		d := updates[name]
		if d.IsEmpty() {
			continue
		}
		if !replace[name] && out.HasData(name) {
			res.Kept = append(res.Kept, name)
			continue
		}
		out.Fields[name] = types.FieldFromDistribution(d.Clone())
		res.Written = append(res.Written, name)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	total := out.Metadata.TotalReports
	if opts.TotalReports != nil {
		total = *opts.TotalReports
	}
	out.Metadata = recompute(out, total, now())
	out.BadMetadata = nil

	if missing := dropped(existing, out, ""); len(missing) > 0 {
		return nil, &InvariantError{Key: key, Missing: missing}
	}
	return res, nil
}

// RenameField moves a stored field to a new key: the value is copied to
// `to`, then `from` is removed. It reports renamed=false when `from` is not
// stored. A `to` field that already holds data is never overwritten.
func RenameField(existing *types.AggregateRecord, from, to string, now time.Time) (out *types.AggregateRecord, renamed bool, err error) {
	if existing == nil {
		return nil, false, nil
	}
	if from == "" || to == "" || from == to || from == types.MetadataKey || to == types.MetadataKey {
		return nil, false, fmt.Errorf("invalid rename %q -> %q", from, to)
	}

	value, ok := existing.Field(from)
	if !ok {
		return existing.Clone(), false, nil
	}
	if existing.HasData(to) {
		return nil, false, fmt.Errorf("%w: %s on %s", ErrFieldExists, to, existing.Key)
	}

	out = existing.Clone()
	out.Fields[to] = value.Clone()
	delete(out.Fields, from)
	out.Metadata = recompute(out, out.Metadata.TotalReports, now)
	out.BadMetadata = nil

	if missing := dropped(existing, out, from); len(missing) > 0 {
		return nil, false, &InvariantError{Key: existing.Key, Missing: missing}
	}
	if _, ok := out.Field(to); !ok {
		return nil, false, &InvariantError{Key: existing.Key, Missing: []string{to}}
	}
	return out, true, nil
}

func checkUpdates(updates map[string]*types.Distribution, registry *schema.Registry) error {
	for name, d := range updates {
		if name == "" || name == types.MetadataKey {
			return fmt.Errorf("invalid update field name %q", name)
		}
		if registry == nil || d.IsEmpty() {
			continue
		}
		canonical, err := registry.Canonical(name)
		if err != nil {
			return fmt.Errorf("update %s: %w", name, err)
		}
		if canonical != name {
			return fmt.Errorf("%w: %s (canonical %s)", ErrNonCanonicalField, name, canonical)
		}
		if err := d.Validate(registry.Shape(name)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDistribution, name, err)
		}
	}
	return nil
}

func replaceSet(updates map[string]*types.Distribution, opts Options) (map[string]bool, error) {
	set := make(map[string]bool)
	if opts.Mode != ModeReplaceField {
		return set, nil
	}
	if len(opts.Fields) == 0 {
		for name := range updates {
			set[name] = true
		}
		return set, nil
	}
	for _, name := range opts.Fields {
		if updates[name].IsEmpty() {
			return nil, fmt.Errorf("%w: %s", ErrNothingToReplace, name)
		}
		set[name] = true
	}
	return set, nil
}

// recompute derives record metadata from the stored fields
func recompute(r *types.AggregateRecord, totalReports int, now time.Time) types.Metadata {
	var sources []types.Provenance
	for _, name := range r.FieldNames() {
		if d := r.Distribution(name); d != nil && !d.IsEmpty() {
			sources = append(sources, d.DataSource)
		}
	}
	return types.Metadata{
		ComputedAt:   now.UTC(),
		TotalReports: totalReports,
		Confidence:   aggregate.Confidence(totalReports),
		DataSource:   types.RollupSource(sources),
	}
}

// dropped lists fields of before missing from after, ignoring allowed
func dropped(before, after *types.AggregateRecord, allowed string) []string {
	if before == nil {
		return nil
	}
	var missing []string
	for _, name := range before.FieldNames() {
		if name == allowed {
			continue
		}
		if _, ok := after.Field(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func sortedKeys(m map[string]*types.Distribution) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

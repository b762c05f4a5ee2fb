package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// MetadataKey is the reserved document key holding record metadata
const MetadataKey = "_metadata"

// ErrMalformedRecord marks a stored aggregate document that cannot be read
var ErrMalformedRecord = errors.New("malformed aggregate document")

// FieldValue is one stored field of an aggregate record. Well-formed fields
// decode into Dist; anything else (bare scalars, arrays, objects missing a
// values list) is kept verbatim in Raw so it survives a round trip and the
// auditor can report it.
type FieldValue struct {
	Dist *Distribution
	Raw  json.RawMessage
}

// RawKind classifies a malformed stored value
type RawKind string

const (
	RawNone   RawKind = ""
	RawNull   RawKind = "null"
	RawScalar RawKind = "scalar"
	RawArray  RawKind = "array"
	RawObject RawKind = "object"
)

// FieldFromDistribution wraps a distribution as a stored field
func FieldFromDistribution(d *Distribution) *FieldValue {
	return &FieldValue{Dist: d}
}

// IsEmpty reports whether the field holds nothing worth displaying
func (f *FieldValue) IsEmpty() bool {
	if f == nil {
		return true
	}
	if f.Dist != nil {
		return f.Dist.IsEmpty()
	}
	switch f.RawKind() {
	case RawNone, RawNull:
		return true
	case RawArray:
		return bytes.Equal(compact(f.Raw), []byte("[]"))
	case RawObject:
		return bytes.Equal(compact(f.Raw), []byte("{}"))
	case RawScalar:
		return bytes.Equal(compact(f.Raw), []byte(`""`))
	}
	return false
}

// RawKind returns the JSON kind of a field that did not decode as a distribution
func (f *FieldValue) RawKind() RawKind {
	if f == nil || f.Dist != nil {
		return RawNone
	}
	trimmed := bytes.TrimSpace(f.Raw)
	if len(trimmed) == 0 {
		return RawNone
	}
	switch trimmed[0] {
	case '{':
		return RawObject
	case '[':
		return RawArray
	case 'n':
		return RawNull
	default:
		return RawScalar
	}
}

// Clone returns a deep copy
func (f *FieldValue) Clone() *FieldValue {
	if f == nil {
		return nil
	}
	return &FieldValue{
		Dist: f.Dist.Clone(),
		Raw:  append(json.RawMessage(nil), f.Raw...),
	}
}

// MarshalJSON writes the distribution, or the preserved raw bytes
func (f *FieldValue) MarshalJSON() ([]byte, error) {
	if f.Dist != nil {
		return json.Marshal(f.Dist)
	}
	if len(bytes.TrimSpace(f.Raw)) == 0 {
		return []byte("null"), nil
	}
	return f.Raw, nil
}

// UnmarshalJSON decodes a distribution when the value has one, and keeps
// the raw bytes otherwise.
func (f *FieldValue) UnmarshalJSON(data []byte) error {
	f.Dist = nil
	f.Raw = nil

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if values, ok := probe["values"]; ok && bytes.HasPrefix(bytes.TrimSpace(values), []byte("[")) {
				var d Distribution
				if err := json.Unmarshal(trimmed, &d); err == nil {
					f.Dist = &d
					return nil
				}
			}
		}
	}

	f.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// AggregateRecord is the persisted per-(goal, solution-variant) summary.
// It serializes as a flat document: `_metadata` plus one key per field.
//
// Records are only ever written through the merge engine; code that builds
// one by hand must not persist it.
type AggregateRecord struct {
	Key      PairKey
	Metadata Metadata
	Fields   map[string]*FieldValue

	// BadMetadata holds a stored _metadata that did not decode. Metadata
	// then carries only what could be salvaged; the next merge rewrites it.
	BadMetadata json.RawMessage
}

// NewRecord creates an empty record for a pair
func NewRecord(key PairKey) *AggregateRecord {
	return &AggregateRecord{
		Key:    key,
		Fields: make(map[string]*FieldValue),
	}
}

// Field returns the stored field by exact key
func (r *AggregateRecord) Field(name string) (*FieldValue, bool) {
	if r == nil {
		return nil, false
	}
	f, ok := r.Fields[name]
	return f, ok
}

// Distribution returns the decoded distribution for a field, or nil
func (r *AggregateRecord) Distribution(name string) *Distribution {
	f, ok := r.Field(name)
	if !ok || f == nil {
		return nil
	}
	return f.Dist
}

// HasData reports whether the field exists and is non-empty
func (r *AggregateRecord) HasData(name string) bool {
	f, ok := r.Field(name)
	return ok && !f.IsEmpty()
}

// FieldNames returns all field keys in sorted order
func (r *AggregateRecord) FieldNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy
func (r *AggregateRecord) Clone() *AggregateRecord {
	if r == nil {
		return nil
	}
	c := &AggregateRecord{
		Key:         r.Key,
		Metadata:    r.Metadata,
		Fields:      make(map[string]*FieldValue, len(r.Fields)),
		BadMetadata: append(json.RawMessage(nil), r.BadMetadata...),
	}
	for name, f := range r.Fields {
		c.Fields[name] = f.Clone()
	}
	return c
}

// MarshalJSON writes the persisted document shape
func (r *AggregateRecord) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Fields)+1)
	doc[MetadataKey] = r.Metadata
	for name, f := range r.Fields {
		if f == nil {
			doc[name] = nil
			continue
		}
		doc[name] = f
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads the persisted document shape. Key is not part of the
// document and is left untouched.
func (r *AggregateRecord) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	r.Fields = make(map[string]*FieldValue, len(doc))
	r.Metadata = Metadata{}
	r.BadMetadata = nil
	for name, raw := range doc {
		if name == MetadataKey {
			if err := json.Unmarshal(raw, &r.Metadata); err != nil {
				r.Metadata = salvageMetadata(raw)
				r.BadMetadata = append(json.RawMessage(nil), raw...)
			}
			continue
		}
		var f FieldValue
		if err := f.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("decoding field %s: %w", name, err)
		}
		r.Fields[name] = &f
	}
	return nil
}

// salvageMetadata recovers the report count from metadata that failed to
// decode as a whole
func salvageMetadata(raw json.RawMessage) Metadata {
	var partial map[string]json.RawMessage
	if err := json.Unmarshal(raw, &partial); err != nil {
		return Metadata{}
	}
	var m Metadata
	if v, ok := partial["total_reports"]; ok {
		_ = json.Unmarshal(v, &m.TotalReports)
	}
	return m
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return bytes.TrimSpace(raw)
	}
	return buf.Bytes()
}

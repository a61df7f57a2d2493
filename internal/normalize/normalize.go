// Package normalize turns raw Manifold documents into typed, validated records.
//
// Everything here is pure: the same raw record and as-of time always produce the same result.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"manifold-etl/internal/fetcher"
)

// ValidationError explains why a single field of a record was refused.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// Reject is a raw record excluded from loading.
type Reject struct {
	ID  string
	Err *ValidationError
}

// Result is the per-record outcome: exactly one of Record or Reject is meaningful.
type Result[T any] struct {
	Record T
	Reject *Reject
}

// Accepted reports whether the record passed validation.
func (r Result[T]) Accepted() bool { return r.Reject == nil }

// Batch is a normalized page. len(Accepted)+len(Rejected) equals the input size.
type Batch[T any] struct {
	Accepted []T
	Rejected []Reject
}

func collect[T any](page []fetcher.RawRecord, asOf time.Time, fn func(fetcher.RawRecord, time.Time) Result[T]) Batch[T] {
	batch := Batch[T]{Accepted: make([]T, 0, len(page))}
	for _, raw := range page {
		res := fn(raw, asOf)
		if res.Accepted() {
			batch.Accepted = append(batch.Accepted, res.Record)
			continue
		}
		batch.Rejected = append(batch.Rejected, *res.Reject)
	}
	return batch
}

func reject[T any](id string, err *ValidationError) Result[T] {
	return Result[T]{Reject: &Reject{ID: id, Err: err}}
}

// column binds a clean column name to the accessor producing its database value.
type column[T any] struct {
	name  string
	value func(T) any
}

func columnNames[T any](cols []column[T]) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

func columnValues[T any](cols []column[T], rec T) []any {
	values := make([]any, len(cols))
	for i, c := range cols {
		values[i] = c.value(rec)
	}
	return values
}

// fields reads typed values out of a decoded document, keeping the first failure.
type fields struct {
	doc map[string]any
	err *ValidationError
}

func parseDocument(raw json.RawMessage) (*fields, *ValidationError) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Field: "$", Reason: "invalid JSON object: " + err.Error()}
	}
	if doc == nil {
		return nil, &ValidationError{Field: "$", Reason: "document is not an object"}
	}
	return &fields{doc: doc}, nil
}

func (f *fields) fail(field, reason string) {
	if f.err == nil {
		f.err = &ValidationError{Field: field, Reason: reason}
	}
}

func (f *fields) lookup(path string) (any, bool) {
	var cur any = f.doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func (f *fields) optString(path string) *string {
	v, ok := f.lookup(path)
	if !ok {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		f.fail(path, "expected string")
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (f *fields) reqString(paths ...string) string {
	for _, path := range paths {
		if s := f.optString(path); s != nil {
			return *s
		}
	}
	f.fail(paths[0], "missing required field")
	return ""
}

func (f *fields) optDecimal(path string) decimal.NullDecimal {
	v, ok := f.lookup(path)
	if !ok {
		return decimal.NullDecimal{}
	}
	var raw string
	switch t := v.(type) {
	case json.Number:
		raw = t.String()
	case string:
		raw = strings.TrimSpace(t)
	default:
		f.fail(path, "expected number")
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		f.fail(path, "invalid number "+raw)
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (f *fields) reqDecimal(path string) decimal.Decimal {
	d := f.optDecimal(path)
	if !d.Valid {
		f.fail(path, "missing required field")
		return decimal.Zero
	}
	return d.Decimal
}

func (f *fields) optInt(path string) *int64 {
	d := f.optDecimal(path)
	if !d.Valid {
		return nil
	}
	if !d.Decimal.Equal(d.Decimal.Truncate(0)) {
		f.fail(path, "expected integer")
		return nil
	}
	n := d.Decimal.IntPart()
	return &n
}

func (f *fields) optBool(path string) *bool {
	v, ok := f.lookup(path)
	if !ok {
		return nil
	}
	b, isBool := v.(bool)
	if !isBool {
		f.fail(path, "expected boolean")
		return nil
	}
	return &b
}

func (f *fields) reqBool(path string) bool {
	b := f.optBool(path)
	if b == nil {
		f.fail(path, "missing required field")
		return false
	}
	return *b
}

func (f *fields) boolOr(path string, def bool) bool {
	if b := f.optBool(path); b != nil {
		return *b
	}
	return def
}

// optTime accepts epoch milliseconds (Manifold's wire format) or RFC 3339 strings.
func (f *fields) optTime(path string) *time.Time {
	v, ok := f.lookup(path)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case json.Number:
		ms, err := decimal.NewFromString(t.String())
		if err != nil {
			f.fail(path, "invalid timestamp")
			return nil
		}
		ts := time.UnixMicro(ms.Mul(decimal.NewFromInt(1000)).IntPart()).UTC()
		return &ts
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			f.fail(path, "invalid timestamp")
			return nil
		}
		ts = ts.UTC()
		return &ts
	default:
		f.fail(path, "expected timestamp")
		return nil
	}
}

func (f *fields) reqTime(path string) time.Time {
	ts := f.optTime(path)
	if ts == nil {
		f.fail(path, "missing required timestamp")
		return time.Time{}
	}
	return *ts
}

func (f *fields) reqObject(path string) json.RawMessage {
	v, ok := f.lookup(path)
	if !ok {
		f.fail(path, "missing required object")
		return nil
	}
	obj, isObj := v.(map[string]any)
	if !isObj {
		f.fail(path, "expected object")
		return nil
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		f.fail(path, err.Error())
		return nil
	}
	return encoded
}

func (f *fields) probability(path string) decimal.Decimal {
	p := f.reqDecimal(path)
	if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(1)) {
		f.fail(path, "probability outside [0, 1]")
	}
	return p
}

func (f *fields) optProbability(path string) decimal.NullDecimal {
	p := f.optDecimal(path)
	if p.Valid && (p.Decimal.IsNegative() || p.Decimal.GreaterThan(decimal.NewFromInt(1))) {
		f.fail(path, "probability outside [0, 1]")
	}
	return p
}

// checkID makes sure the clean key is exactly the raw record's key.
func (f *fields) checkID(raw fetcher.RawRecord) string {
	id := f.reqString("id")
	if f.err == nil && id != raw.ID {
		f.fail("id", "does not match raw record key")
	}
	return id
}

func nullDecimalValue(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

package meter

import (
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Instrument identifies a counter time series family. Two instruments
// are the same only if name, unit, and description all match.
type Instrument struct {
	Name        string
	Unit        string
	Description string
}

// Point is a point-in-time view of one series: the accumulated value
// of an instrument under a specific label set.
type Point struct {
	Instrument

	// Labels is the canonical (sorted, deduplicated) label set.
	Labels attribute.Set

	// Value is the accumulated monotonic total.
	Value int64

	// StartTime is when the series was first observed.
	StartTime time.Time

	// Time is when the snapshot was taken.
	Time time.Time
}

// labelEncoder renders label sets in their canonical text form.
var labelEncoder = attribute.DefaultEncoder()

// sortPoints orders points by instrument identity, then label set, so
// snapshots are deterministic.
func sortPoints(points []Point) {
	sort.Slice(points, func(i, j int) bool {
		a, b := &points[i], &points[j]

		if a.Instrument.Name != b.Instrument.Name {
			return a.Instrument.Name < b.Instrument.Name
		}

		if a.Instrument.Unit != b.Instrument.Unit {
			return a.Instrument.Unit < b.Instrument.Unit
		}

		if a.Instrument.Description != b.Instrument.Description {
			return a.Instrument.Description < b.Instrument.Description
		}

		return a.Labels.Encoded(labelEncoder) < b.Labels.Encoded(labelEncoder)
	})
}

// Labels builds a canonical label set from key/value pairs.
func Labels(kvs ...attribute.KeyValue) attribute.Set {
	return attribute.NewSet(kvs...)
}

// LabelsFromMap builds a canonical label set from a string map.
func LabelsFromMap(m map[string]string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		kvs = append(kvs, attribute.String(k, v))
	}

	return attribute.NewSet(kvs...)
}

// LabelMap converts a label set back to a string map.
func LabelMap(set attribute.Set) map[string]string {
	m := make(map[string]string, set.Len())

	for _, kv := range set.ToSlice() {
		m[string(kv.Key)] = kv.Value.Emit()
	}

	return m
}

package meter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	acc := New(testLog())
	inst := Instrument{Name: "work_done", Unit: "1", Description: "Counts the amount of work done"}

	require.NoError(t, acc.Record(inst, 5, attribute.String("work.type", "manual")))
	require.NoError(t, acc.Record(inst, 2, attribute.String("work.type", "auto")))

	require.NoError(t, acc.SaveCheckpoint(path))

	restored := New(testLog())
	require.NoError(t, restored.LoadCheckpoint(path))

	points := restored.Snapshot()
	require.Len(t, points, 2)

	manual := findPoint(t, points, "work_done", Labels(attribute.String("work.type", "manual")))
	assert.Equal(t, int64(5), manual.Value)
	assert.Equal(t, inst, manual.Instrument)

	auto := findPoint(t, points, "work_done", Labels(attribute.String("work.type", "auto")))
	assert.Equal(t, int64(2), auto.Value)

	// Restored series keep accumulating on top of their saved totals.
	require.NoError(t, restored.Record(inst, 1, attribute.String("work.type", "manual")))
	manual = findPoint(t, restored.Snapshot(), "work_done", Labels(attribute.String("work.type", "manual")))
	assert.Equal(t, int64(6), manual.Value)
}

func TestCheckpoint_MissingFile(t *testing.T) {
	acc := New(testLog())

	err := acc.LoadCheckpoint(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, acc.SeriesCount())
}

func TestCheckpoint_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	acc := New(testLog())

	err := acc.LoadCheckpoint(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing checkpoint file")
}

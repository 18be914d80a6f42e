package meter

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// checkpointEntry is the JSON schema for one persisted series.
type checkpointEntry struct {
	Name        string            `json:"name"`
	Unit        string            `json:"unit,omitempty"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Value       int64             `json:"value"`
	StartTime   time.Time         `json:"start_time"`
}

// SaveCheckpoint persists all series totals to path as JSON.
func (a *Accumulator) SaveCheckpoint(path string) error {
	points := a.Snapshot()

	entries := make([]checkpointEntry, 0, len(points))
	for _, p := range points {
		entries = append(entries, checkpointEntry{
			Name:        p.Instrument.Name,
			Unit:        p.Instrument.Unit,
			Description: p.Instrument.Description,
			Labels:      LabelMap(p.Labels),
			Value:       p.Value,
			StartTime:   p.StartTime,
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint file %s: %w", path, err)
	}

	return nil
}

// LoadCheckpoint restores series totals from path. A missing file is
// not an error; the accumulator starts fresh. Call before recording
// starts.
func (a *Accumulator) LoadCheckpoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading checkpoint file %s: %w", path, err)
	}

	var entries []checkpointEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing checkpoint file %s: %w", path, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range entries {
		inst := Instrument{Name: e.Name, Unit: e.Unit, Description: e.Description}
		set := LabelsFromMap(e.Labels)

		s := &series{
			inst:   inst,
			labels: set,
			start:  e.StartTime,
		}
		s.value.Store(e.Value)

		a.series[seriesKey{inst: inst, labels: set.Equivalent()}] = s
	}

	a.log.WithField("series", len(entries)).Info("Restored checkpoint")

	return nil
}

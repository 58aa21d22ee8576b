package models

import "fmt"

// Signal is one sensor's value sequence within a discharge.
type Signal struct {
	FileName string    `json:"fileName"`
	Values   []float64 `json:"values"`
}

// Discharge bundles the time-aligned sensor signals of one experiment.
// All signals share the Times axis; Length == len(Times).
type Discharge struct {
	ID          string    `json:"id"`
	Times       []float64 `json:"times"`
	Length      int       `json:"length"`
	Signals     []Signal  `json:"signals"`
	AnomalyTime *float64  `json:"anomalyTime,omitempty"`
}

// AutoID returns the generated identifier for the idx-th discharge of a
// session when the client did not supply one.
func AutoID(idx int) string {
	return fmt.Sprintf("discharge_%d", idx)
}

// Release drops the value buffers and the time axis so that large training
// sets do not accumulate while queued. Must only be called after the last
// consumer of the discharge has finished.
func (d *Discharge) Release() {
	d.Times = nil
	for i := range d.Signals {
		d.Signals[i].Values = nil
	}
}

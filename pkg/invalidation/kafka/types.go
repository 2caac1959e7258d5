package kafka

import "time"

// WireEvent is the pre-mapped invalidation form: either one report key or a
// set of H3 cells at the runner's resolution. Version orders repeated events
// for the same target.
type WireEvent struct {
	Key     string    `json:"key,omitempty"`
	Layer   string    `json:"layer,omitempty"`
	H3Cells []string  `json:"h3_cells,omitempty"`
	Version uint64    `json:"version"`
	TS      time.Time `json:"ts"`
	Op      string    `json:"op,omitempty"`
}

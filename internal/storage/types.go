package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is the persisted summary of one verification run.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	At        time.Time `json:"at"`
	Driver    string    `json:"driver"`
	Endpoints int       `json:"endpoints"`
	Sent      int       `json:"sent"`
	Received  int       `json:"received"`
	Rounds    int       `json:"rounds"`
	Counts    []int     `json:"counts,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

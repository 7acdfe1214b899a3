package client

import "time"

// Status mirrors GET {base}/status of a running scheduler.
type Status struct {
	Command    string    `json:"command"`
	Args       []string  `json:"args,omitempty"`
	Interval   string    `json:"interval"`
	IntervalMS int64     `json:"interval_ms"`
	StartedAt  time.Time `json:"started_at"`
	Uptime     string    `json:"uptime"`

	Ticks           uint64 `json:"ticks"`
	SlotsFull       uint64 `json:"slots_full"`
	Launched        uint64 `json:"launched"`
	Started         uint64 `json:"started"`
	StartFailures   uint64 `json:"start_failures"`
	ExitsSuccess    uint64 `json:"exits_success"`
	ExitsFailure    uint64 `json:"exits_failure"`
	ExitCheckErrors uint64 `json:"exit_check_errors"`
	InFlight        int64  `json:"in_flight"`
	Concurrency     int    `json:"concurrency"`

	Processes []Process `json:"processes,omitempty"`
}

// Process is the latest resource sample of one running invocation.
type Process struct {
	PID          int       `json:"pid"`
	CPUSeconds   float64   `json:"cpu_seconds"`
	RSSBytes     uint64    `json:"rss_bytes"`
	PeakRSSBytes uint64    `json:"peak_rss_bytes"`
	NumThreads   int32     `json:"num_threads"`
	NumFDs       int32     `json:"num_fds,omitempty"`
	SampledAt    time.Time `json:"sampled_at"`
}

// Busy reports whether every slot is taken.
func (s Status) Busy() bool { return s.InFlight >= int64(s.Concurrency) }

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

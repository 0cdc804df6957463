package model

// RunReport is the aggregate document of a single profiling run.
// It is created once at the end of a run and never mutated after it has been
// persisted.
type RunReport struct {
	// Unique ID for this run
	RunID string `json:"run_id,omitempty"`
	// Application (kernel) that was profiled
	Application string `json:"application"`
	// Measurements keyed by optimization level and test
	Results *ResultTree `json:"profiling_results"`
	// Wall-clock duration of the whole run in seconds
	TotalTime float64 `json:"total_time"`
}

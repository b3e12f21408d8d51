package models

// MetricsSnapshot is a consistent view of the process-wide execution counters.
type MetricsSnapshot struct {
	TotalExecutions      int64 `json:"totalExecutions"`
	SuccessfulExecutions int64 `json:"successfulExecutions"`
	FailedExecutions     int64 `json:"failedExecutions"`
}

package models

// CrawlState is the lifecycle state of a single crawl
type CrawlState string

const (
	CrawlStateIdle      CrawlState = "idle"      // Created, not started
	CrawlStateRunning   CrawlState = "running"   // Dispatching batches
	CrawlStateCompleted CrawlState = "completed" // All candidates processed or batch cap reached
	CrawlStateTimedOut  CrawlState = "timed_out" // Budget left could not cover another batch
	CrawlStateCancelled CrawlState = "cancelled" // Caller cancelled the context
)

// String implements fmt.Stringer for logging
func (s CrawlState) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsTerminal returns true once the crawl can no longer change
func (s CrawlState) IsTerminal() bool {
	switch s {
	case CrawlStateCompleted, CrawlStateTimedOut, CrawlStateCancelled:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of an asynchronous search job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// String implements fmt.Stringer for logging
func (s JobStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsTerminal returns true if the job will not change status again
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

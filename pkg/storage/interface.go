package storage

import (
	"context"
	"time"

	"github.com/crawlmapper/crawlmapper/pkg/models"
)

// ReportStore keeps finished crawl reports for background jobs
type ReportStore interface {
	// SaveReport stores report under jobID, replacing any previous value.
	// The entry expires after the store's TTL.
	SaveReport(jobID string, report *models.CrawlReport) error

	// GetReport returns the report for jobID.
	// found is false when the job has no report or it has expired.
	GetReport(jobID string) (report *models.CrawlReport, found bool, err error)

	// DeleteReport removes the report for jobID; deleting a missing key is not an error
	DeleteReport(jobID string) error

	// Count returns the number of live reports
	Count() (int, error)

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database
	Close() error
}

// Package jobs runs searches in the background and keeps their reports for later retrieval.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/parse"
	"github.com/crawlmapper/crawlmapper/pkg/storage"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// Searcher runs one search to completion
type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest, progress models.ProgressFunc) (*models.CrawlReport, error)
}

// Progress is the latest scheduler progress of a running job
type Progress struct {
	Batch         int `json:"batch"`
	URLsProcessed int `json:"urlsProcessed"`
	Candidates    int `json:"candidates"`
	Matches       int `json:"matches"`
}

// Job represents a background search.
// Values returned by the Manager are snapshots and safe to read without locking.
type Job struct {
	ID           string               `json:"id"`
	Request      models.SearchRequest `json:"request"`
	Status       models.JobStatus     `json:"status"`
	CreatedAt    time.Time            `json:"createdAt"`
	StartedAt    time.Time            `json:"startedAt,omitzero"`
	CompletedAt  time.Time            `json:"completedAt,omitzero"`
	Progress     Progress             `json:"progress"`
	ErrorMessage string               `json:"error,omitempty"`
	ErrorType    string               `json:"errorType,omitempty"`

	// Internal fields
	key    string
	cancel context.CancelFunc
}

// Options tunes a Manager
type Options struct {
	MaxConcurrent int           // Searches running at once; further jobs wait as pending
	TTL           time.Duration // Finished jobs are forgotten after this long
}

// Manager manages background search jobs
type Manager struct {
	searcher Searcher
	store    storage.ReportStore
	sem      *semaphore.Weighted
	ttl      time.Duration
	log      *logrus.Entry

	mu     sync.RWMutex
	jobs   map[string]*Job
	active map[string]string // search key -> jobID for unfinished jobs

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a job manager that stores finished reports in store
func NewManager(searcher Searcher, store storage.ReportStore, opts Options, log *logrus.Entry) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		searcher: searcher,
		store:    store,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ttl:      opts.TTL,
		log:      log.WithField("component", "jobs"),
		jobs:     make(map[string]*Job),
		active:   make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// searchKey identifies identical searches so a repeat request joins the running job
func searchKey(req models.SearchRequest) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%d\x00%d",
		parse.ResolveSitemapURL(strings.TrimSpace(req.URL)), strings.ToLower(req.Query),
		strings.ToLower(req.SearchScope), req.BatchSize, req.MaxURLs, req.MaxBatches)
}

// Start queues a search and returns immediately.
// If an identical search is still pending or running, that job is returned instead.
func (m *Manager) Start(req models.SearchRequest) (Job, error) {
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Query) == "" {
		return Job{}, fmt.Errorf("%w: url and query are required", utils.ErrInvalidRequest)
	}
	if m.ctx.Err() != nil {
		return Job{}, errors.New("job manager is shut down")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())

	key := searchKey(req)
	if existingID, exists := m.active[key]; exists {
		if existing := m.jobs[existingID]; existing != nil && !existing.Status.IsTerminal() {
			return *existing, nil
		}
	}

	ctx, cancel := context.WithCancel(m.ctx)
	job := &Job{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now(),
		key:       key,
		cancel:    cancel,
	}
	m.jobs[job.ID] = job
	m.active[key] = job.ID

	m.wg.Add(1)
	go m.run(ctx, job.ID, req)

	m.log.WithFields(logrus.Fields{"job_id": job.ID, "url": req.URL}).Info("Search job queued")
	return *job, nil
}

// run executes one job; it owns the job until a terminal status is set
func (m *Manager) run(ctx context.Context, jobID string, req models.SearchRequest) {
	defer m.wg.Done()
	jobLog := m.log.WithField("job_id", jobID)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(jobID, models.JobStatusCancelled, nil)
		return
	}
	defer m.sem.Release(1)

	if !m.transition(jobID, models.JobStatusRunning) {
		return // Cancelled while pending
	}

	report, err := m.searcher.Search(ctx, req, func(ev models.ProgressEvent) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if job := m.jobs[jobID]; job != nil {
			job.Progress = Progress{
				Batch:         ev.Batch,
				URLsProcessed: ev.URLsProcessed,
				Candidates:    ev.Candidates,
				Matches:       ev.Matches,
			}
		}
	})

	switch {
	case err != nil && ctx.Err() != nil:
		jobLog.Infof("Search job cancelled: %v", err)
		m.finish(jobID, models.JobStatusCancelled, nil)
	case err != nil:
		jobLog.WithField("category", utils.CategorizeError(err)).Warnf("Search job failed: %v", err)
		m.finish(jobID, models.JobStatusFailed, err)
	default:
		if errSave := m.store.SaveReport(jobID, report); errSave != nil {
			jobLog.Errorf("Failed to store report: %v", errSave)
			m.finish(jobID, models.JobStatusFailed, errSave)
			return
		}
		status := models.JobStatusCompleted
		if report.State == models.CrawlStateCancelled {
			status = models.JobStatusCancelled
		}
		jobLog.WithFields(logrus.Fields{
			"state":       report.State,
			"found_pages": report.FoundPages,
		}).Info("Search job finished")
		m.finish(jobID, status, nil)
	}
}

// transition moves a pending job to status; false if the job is gone or already terminal
func (m *Manager) transition(jobID string, status models.JobStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, exists := m.jobs[jobID]
	if !exists || job.Status.IsTerminal() {
		return false
	}
	job.Status = status
	job.StartedAt = time.Now()
	return true
}

// finish sets a terminal status unless one was already set
func (m *Manager) finish(jobID string, status models.JobStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, exists := m.jobs[jobID]
	if !exists {
		return
	}
	if !job.Status.IsTerminal() {
		job.Status = status
		job.CompletedAt = time.Now()
	}
	if err != nil {
		job.ErrorMessage = err.Error()
		job.ErrorType = utils.CategorizeError(err)
	}
	if m.active[job.key] == jobID {
		delete(m.active, job.key)
	}
	job.cancel()
}

// Get returns a snapshot of a job
func (m *Manager) Get(jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, exists := m.jobs[jobID]
	if !exists {
		return Job{}, fmt.Errorf("%w: %s", utils.ErrJobNotFound, jobID)
	}
	return *job, nil
}

// Report returns the stored report of a finished job; found is false while it is still running
func (m *Manager) Report(jobID string) (report *models.CrawlReport, found bool, err error) {
	if _, err := m.Get(jobID); err != nil {
		return nil, false, err
	}
	return m.store.GetReport(jobID)
}

// Cancel stops a pending or running job. Cancelling a finished job is a no-op.
// A running search keeps its partial report.
func (m *Manager) Cancel(jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return Job{}, fmt.Errorf("%w: %s", utils.ErrJobNotFound, jobID)
	}
	switch job.Status {
	case models.JobStatusPending:
		// Never started, so nothing will report back
		job.Status = models.JobStatusCancelled
		job.CompletedAt = time.Now()
		delete(m.active, job.key)
		job.cancel()
	case models.JobStatusRunning:
		// The run goroutine records the final status once the scheduler stops
		job.cancel()
	}
	m.log.WithField("job_id", jobID).Info("Search job cancellation requested")
	return *job, nil
}

// List returns all known jobs, oldest first
func (m *Manager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	slices.SortFunc(jobs, func(a, b Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return jobs
}

// pruneLocked forgets finished jobs older than the TTL. Their reports expire in the store on their own.
func (m *Manager) pruneLocked(now time.Time) {
	if m.ttl <= 0 {
		return
	}
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && now.Sub(job.CompletedAt) > m.ttl {
			delete(m.jobs, id)
		}
	}
}

// Shutdown cancels every unfinished job and waits for the workers to exit or ctx to expire
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

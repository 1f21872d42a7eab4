package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/crawlmapper/crawlmapper/pkg/log"
	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

const reportKeyPrefix = "report:" // Prefix for job report keys in DB

// BadgerStore implements ReportStore using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ttl      time.Duration
	inMemory bool
}

// NewBadgerStore opens a report store. An empty dir keeps everything in memory;
// reports then vanish with the process, which is what a job cache wants.
// ttl <= 0 means reports never expire.
func NewBadgerStore(dir string, ttl time.Duration, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log:      logger,
		ttl:      ttl,
		inMemory: dir == "",
	}

	opts := badger.DefaultOptions(dir)
	if store.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		logger.Info("Initializing in-memory report store")
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create report store directory %s: %w", dir, err)
		}
		logger.Infof("Initializing report store at: %s", dir)
	}
	opts = opts.
		WithLogger(log.NewStoreLogAdapter(logger)).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open report store: %w", utils.ErrDatabase, err)
	}
	return store, nil
}

func reportKey(jobID string) []byte {
	return []byte(reportKeyPrefix + jobID)
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// SaveReport implements ReportStore
func (s *BadgerStore) SaveReport(jobID string, report *models.CrawlReport) error {
	if report == nil {
		return fmt.Errorf("%w: nil report for job '%s'", utils.ErrDatabase, jobID)
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("%w: marshal report for job '%s': %w", utils.ErrDatabase, jobID, err)
	}
	key := reportKey(jobID)

	err = s.dbUpdate(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, data)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in SaveReport: %v", err)
		return fmt.Errorf("%w: saving report key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	s.log.WithField("job_id", jobID).Debug("Report saved")
	return nil
}

// GetReport implements ReportStore
func (s *BadgerStore) GetReport(jobID string) (*models.CrawlReport, bool, error) {
	var report *models.CrawlReport
	key := reportKey(jobID)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil // Missing or expired
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting report key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.CrawlReport
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("%w: corrupt report for key '%s': %w", utils.ErrDatabase, string(key), err)
			}
			report = &decoded
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in GetReport for key '%s': %v", string(key), errView)
		return nil, false, errView
	}
	return report, report != nil, nil
}

// DeleteReport implements ReportStore
func (s *BadgerStore) DeleteReport(jobID string) error {
	key := reportKey(jobID)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: deleting report key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return nil
}

// Count implements ReportStore. Expired entries are not counted.
func (s *BadgerStore) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(reportKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting reports: %w", utils.ErrDatabase, err)
	}
	return count, nil
}

// RunGC runs BadgerDB's value log garbage collection periodically.
// In-memory stores have no value log; expired entries there are dropped on read.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if s.inMemory {
		s.log.Debug("In-memory report store, value log GC not needed")
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping report store GC: %v", ctx.Err())
			return
		}
	}
}

// Close implements ReportStore
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing report store: %v", err)
			return err
		}
		s.log.Debug("Report store closed")
	}
	return nil
}

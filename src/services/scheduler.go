package services

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/model"
	"github.com/username/kontoflow/backend/src/models"
)

// Scheduler periodically walks the auto sync candidates and runs the ones
// that are due through a small worker pool. Sync's connection-level lock
// makes a scheduled run and a manual trigger mutually exclusive, so overlap
// resolves by skipping, never by double syncing.
type Scheduler struct {
	db          *sql.DB
	syncService SyncService
	interval    time.Duration
	workers     int

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewScheduler(db *sql.DB, syncService SyncService, interval time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		db:          db,
		syncService: syncService,
		interval:    interval,
		workers:     workers,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	logger.L.Info("Auto sync scheduler started", "interval", s.interval.String(), "workers", s.workers)
}

// Stop halts the ticker and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	logger.L.Info("Auto sync scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	candidates, err := model.ListAutoSyncCandidates(s.db)
	if err != nil {
		logger.L.Error("Could not list auto sync candidates", "error", err)
		return
	}

	now := s.now().UTC()
	var due []models.BankConnection
	for _, conn := range candidates {
		if s.isDue(&conn, now) {
			due = append(due, conn)
		}
	}
	if len(due) == 0 {
		return
	}
	logger.L.Info("Auto sync pass", "candidates", len(candidates), "due", len(due))

	jobs := make(chan models.BankConnection, len(due))
	var workers sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for conn := range jobs {
				s.syncOne(conn)
			}
		}()
	}
	for _, conn := range due {
		jobs <- conn
	}
	close(jobs)
	workers.Wait()
}

func (s *Scheduler) isDue(conn *models.BankConnection, now time.Time) bool {
	if conn.LastSyncAt == nil {
		return true
	}
	hours := conn.SyncFrequencyHours
	if hours <= 0 {
		hours = 24
	}
	return now.Sub(*conn.LastSyncAt) >= time.Duration(hours)*time.Hour
}

func (s *Scheduler) syncOne(conn models.BankConnection) {
	_, err := s.syncService.Sync(context.Background(), conn.UserID, conn.ID, SyncOptions{Type: models.SyncTypeAuto})
	if err == nil {
		return
	}
	if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrConnectionDisconnected) {
		logger.L.Debug("Auto sync skipped", "connectionID", conn.ID, "reason", err)
		return
	}
	logger.L.Error("Auto sync failed", "connectionID", conn.ID, "error", err)
}

package sync

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// Scheduler periodically kicks replay and reconciliation while the
// process is up, so a missed connectivity signal does not strand the
// queue forever.
type Scheduler struct {
	cfg       config.SchedulerConfig
	processor *Processor
	cron      *cron.Cron
	entryID   cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, processor *Processor) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		processor: processor,
		cron:      cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSync()
	})
	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	logger.Log.Info("Triggering scheduled sync")

	if s.processor.Status() == "running" {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.processor.ReplayPending(ctx); err != nil {
		logger.Log.Error("Scheduled replay failed", zap.Error(err))
	}
	if _, err := s.processor.ReconcileChanges(ctx); err != nil {
		logger.Log.Error("Scheduled reconciliation failed", zap.Error(err))
	}
}

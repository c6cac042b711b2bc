package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/wattbar/wattbar/internal/auth"
	"github.com/wattbar/wattbar/internal/history"
)

// Scheduler runs the slow background maintenance jobs: site rediscovery
// and sample pruning. The fast poll loop lives in the auth manager.
type Scheduler struct {
	ctx       context.Context
	manager   *auth.Manager
	store     history.Store
	retention time.Duration
	logger    *logrus.Logger
	cron      *cron.Cron
}

func NewScheduler(ctx context.Context, manager *auth.Manager, store history.Store, retention time.Duration, logger *logrus.Logger) *Scheduler {
	if retention <= 0 {
		retention = history.DefaultRetention
	}
	return &Scheduler{
		ctx:       ctx,
		manager:   manager,
		store:     store,
		retention: retention,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Start registers the maintenance jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	// Site topology changes rarely; refresh the directory hourly.
	if _, err := s.cron.AddFunc("@every 1h", s.rediscoverSites); err != nil {
		return err
	}
	// Pruning also happens on every append; this pass covers idle periods.
	if _, err := s.cron.AddFunc("@every 5m", s.pruneSamples); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// rediscoverSites refreshes the site directory for live sessions.
func (s *Scheduler) rediscoverSites() {
	if s.manager.Snapshot().State != auth.StateAuthenticated {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	if err := s.manager.RediscoverSites(ctx); err != nil {
		s.logger.WithError(err).Warn("Scheduled site rediscovery failed")
	}
}

// pruneSamples drops expired points so the sample file stays bounded even
// while nothing is polling.
func (s *Scheduler) pruneSamples() {
	if err := s.store.Prune(s.retention); err != nil {
		s.logger.WithError(err).Warn("Scheduled sample prune failed")
	}
}

// Stop halts the cron runner. Running jobs finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

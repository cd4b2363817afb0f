// Package cron runs the reconciliation loop: independent periodic jobs, one
// per state transition, each tick a pure function of store state and gateway
// reads. Jobs coordinate across instances through row locks only; a gateway
// error leaves entities untouched for the next tick.
package cron

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"

	"github.com/exchange-oracle/internal/logging"
)

// Job is one reconciliation transition detector.
type Job interface {
	Name() string
	Schedule() gocron.JobDefinition
	Run(ctx context.Context)
}

// Manager owns the scheduler and the lifecycle of all registered jobs. Every
// job runs in singleton mode so a slow tick reschedules instead of stacking.
type Manager struct {
	scheduler gocron.Scheduler
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a stopped manager
func NewManager(logger *logging.Logger) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		scheduler: s,
		logger:    logger.WithField("component", "cron"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Register adds a job to the scheduler
func (m *Manager) Register(job Job) error {
	_, err := m.scheduler.NewJob(
		job.Schedule(),
		gocron.NewTask(func() {
			job.Run(m.ctx)
		}),
		gocron.WithName(job.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.Name(), err)
	}
	m.logger.WithField("job", job.Name()).Info("registered reconciliation job")
	return nil
}

// Start begins running all registered jobs
func (m *Manager) Start() {
	m.scheduler.Start()
	m.logger.Info("reconciliation scheduler started")
}

// Stop cancels running ticks and shuts the scheduler down
func (m *Manager) Stop() {
	m.cancel()
	if err := m.scheduler.Shutdown(); err != nil {
		m.logger.WithError(err).Error("failed to shut down scheduler")
		return
	}
	m.logger.Info("reconciliation scheduler stopped")
}

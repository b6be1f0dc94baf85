// Package scheduler runs the periodic maintenance jobs: re-queueing memory
// generation for ended sessions that were never processed, and purging
// expired memories.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/agentmem/internal/types"
)

// Store is the part of the state store the maintenance jobs use.
type Store interface {
	PendingSessions(ctx context.Context, limit int) ([]*types.Session, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// EnqueueFunc schedules memory generation for a session.
type EnqueueFunc func(id types.SessionID, namespace string) error

// Config holds the cron schedules. An empty schedule disables the job.
type Config struct {
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule" toml:"sweep_schedule"`
	PurgeSchedule string `json:"purge_schedule" yaml:"purge_schedule" toml:"purge_schedule"`
	SweepBatch    int    `json:"sweep_batch" yaml:"sweep_batch" toml:"sweep_batch"`
}

// DefaultConfig sweeps every five minutes and purges hourly.
func DefaultConfig() Config {
	return Config{
		SweepSchedule: "*/5 * * * *",
		PurgeSchedule: "@hourly",
		SweepBatch:    100,
	}
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks that configured schedules parse.
func (c Config) Validate() error {
	for name, spec := range map[string]string{"sweep": c.SweepSchedule, "purge": c.PurgeSchedule} {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("scheduler: invalid %s schedule %q: %w", name, spec, err)
		}
	}
	return nil
}

// Scheduler fires the maintenance jobs on their cron schedules.
type Scheduler struct {
	store   Store
	enqueue EnqueueFunc
	cfg     Config
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
}

// New creates a Scheduler. enqueue may be nil, which disables the sweep.
func New(store Store, enqueue EnqueueFunc, cfg Config) *Scheduler {
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Scheduler{
		store:   store,
		enqueue: enqueue,
		cfg:     cfg,
		logger:  slog.Default().With("component", "scheduler"),
	}
}

// Start registers the configured jobs and starts the cron ticker. Jobs use
// ctx for their store calls.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	s.cron = cron.New(cron.WithParser(cronParser))

	if s.cfg.SweepSchedule != "" && s.enqueue != nil {
		if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() { s.runSweep() }); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
		s.logger.Info("scheduled job", "name", "sweep", "schedule", s.cfg.SweepSchedule)
	}
	if s.cfg.PurgeSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.PurgeSchedule, func() { s.runPurge() }); err != nil {
			return fmt.Errorf("schedule purge: %w", err)
		}
		s.logger.Info("scheduled job", "name", "purge", "schedule", s.cfg.PurgeSchedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Scheduler) runSweep() {
	n, err := s.Sweep(s.ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep queued sessions", "count", n)
	}
}

func (s *Scheduler) runPurge() {
	n, err := s.Purge(s.ctx)
	if err != nil {
		s.logger.Error("purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged expired memories", "count", n)
	}
}

// Sweep queues memory generation for ended sessions that still have
// unprocessed events and returns how many were queued. A failed enqueue is
// logged and the sweep continues.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if s.enqueue == nil {
		return 0, nil
	}
	sessions, err := s.store.PendingSessions(ctx, s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	queued := 0
	for _, sess := range sessions {
		if err := s.enqueue(sess.ID, sess.Namespace); err != nil {
			s.logger.Warn("sweep enqueue failed", "session_id", string(sess.ID), "error", err)
			continue
		}
		queued++
	}
	return queued, nil
}

// Purge deletes memories whose expiry has passed.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return n, nil
}

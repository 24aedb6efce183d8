// Package jobs runs the periodic housekeeping sweeps: audit log pruning
// and, for the in-memory store, snapshotting to disk. Neither touches
// balances or intent state.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// EventPruner is the slice of store.Store the prune job needs.
type EventPruner interface {
	PruneEvents(ctx context.Context, keep int) (int, error)
}

// Snapshotter persists a store image to path.
type Snapshotter interface {
	SaveSnapshot(path string) error
}

type Config struct {
	PruneSchedule    string
	AuditRetention   int
	SnapshotSchedule string
	SnapshotPath     string
}

type Jobs struct {
	pruner      EventPruner
	snapshotter Snapshotter
	cfg         Config
	logger      *slog.Logger
}

// New builds the job set. snapshotter may be nil when the store is durable.
func New(pruner EventPruner, snapshotter Snapshotter, cfg Config, logger *slog.Logger) *Jobs {
	return &Jobs{pruner: pruner, snapshotter: snapshotter, cfg: cfg, logger: logger}
}

// PruneAuditLog keeps only the newest AuditRetention events.
func (j *Jobs) PruneAuditLog() {
	if j.cfg.AuditRetention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := j.pruner.PruneEvents(ctx, j.cfg.AuditRetention)
	if err != nil {
		j.logger.Error("audit log prune failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("pruned audit log", "removed", removed, "kept", j.cfg.AuditRetention)
	}
}

// SnapshotStore writes the in-memory store to SnapshotPath.
func (j *Jobs) SnapshotStore() {
	if j.snapshotter == nil || j.cfg.SnapshotPath == "" {
		return
	}
	start := time.Now()
	if err := j.snapshotter.SaveSnapshot(j.cfg.SnapshotPath); err != nil {
		j.logger.Error("snapshot failed", "path", j.cfg.SnapshotPath, "error", err)
		return
	}
	j.logger.Debug("snapshot written", "path", j.cfg.SnapshotPath, "took", time.Since(start))
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
}

func NewScheduler(jobs *Jobs, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{cron: c, jobs: jobs, logger: logger}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.jobs.cfg.PruneSchedule, s.jobs.PruneAuditLog); err != nil {
		return err
	}
	s.logger.Info("scheduled audit prune job", "schedule", s.jobs.cfg.PruneSchedule)

	if s.jobs.snapshotter != nil && s.jobs.cfg.SnapshotPath != "" {
		if _, err := s.cron.AddFunc(s.jobs.cfg.SnapshotSchedule, s.jobs.SnapshotStore); err != nil {
			return err
		}
		s.logger.Info("scheduled snapshot job", "schedule", s.jobs.cfg.SnapshotSchedule, "path", s.jobs.cfg.SnapshotPath)
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and runs a final snapshot once running jobs finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.jobs.SnapshotStore()
}

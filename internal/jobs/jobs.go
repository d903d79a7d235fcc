// Package jobs runs the periodic maintenance tasks: ledger reconciliation,
// housekeeping of delivered outbox messages and rate-limit windows, and
// database snapshots.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/nightwatch/internal/gamification"
	"github.com/dukerupert/nightwatch/internal/logging"
	"github.com/dukerupert/nightwatch/internal/store"
)

type Config struct {
	ReconcileSpec string        // cron spec, e.g. "@every 1h"
	CleanupSpec   string        // cron spec, e.g. "@daily"
	Retention     time.Duration // sent outbox messages older than this are deleted
}

// Cleaner drops expired in-memory state and reports how much it removed.
type Cleaner interface {
	Cleanup() int
}

// Snapshotter stores a database snapshot and prunes expired ones.
type Snapshotter interface {
	Run(ctx context.Context) (string, error)
	Prune(ctx context.Context) (int, error)
}

type Runner struct {
	cron     *cron.Cron
	db       *sql.DB
	cfg      Config
	cleaners []Cleaner
	snapshot Snapshotter
	logger   *slog.Logger
	now      func() time.Time
}

// New registers the jobs on a cron scheduler. A job whose previous run is
// still going is skipped, and a panicking job is logged, not fatal.
func New(db *sql.DB, cfg Config, logger *slog.Logger, cleaners ...Cleaner) (*Runner, error) {
	cl := logging.CronLogger(logger)
	r := &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		db:       db,
		cfg:      cfg,
		cleaners: cleaners,
		logger:   logger,
		now:      time.Now,
	}

	if _, err := r.cron.AddFunc(cfg.ReconcileSpec, r.run("reconcile", r.Reconcile)); err != nil {
		return nil, fmt.Errorf("schedule reconcile job %q: %w", cfg.ReconcileSpec, err)
	}
	if _, err := r.cron.AddFunc(cfg.CleanupSpec, r.run("cleanup", r.Cleanup)); err != nil {
		return nil, fmt.Errorf("schedule cleanup job %q: %w", cfg.CleanupSpec, err)
	}
	return r, nil
}

// AddBackup schedules database snapshots.
func (r *Runner) AddBackup(spec string, s Snapshotter) error {
	if _, err := r.cron.AddFunc(spec, r.run("backup", r.Backup)); err != nil {
		return fmt.Errorf("schedule backup job %q: %w", spec, err)
	}
	r.snapshot = s
	r.logger.Info("backup scheduled", "spec", spec)
	return nil
}

// SetClock overrides the time source.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("jobs started", "reconcile", r.cfg.ReconcileSpec, "cleanup", r.cfg.CleanupSpec)
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		r.logger.Warn("jobs still running at shutdown")
	}
}

func (r *Runner) run(name string, job func(context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := job(context.Background()); err != nil {
			r.logger.Error("job failed", "job", name, "error", err)
			return
		}
		r.logger.Debug("job finished", "job", name, "duration", time.Since(start))
	}
}

// Reconcile checks every projection against the ledger. Divergences are
// logged by the check itself and left as they are.
func (r *Runner) Reconcile(ctx context.Context) error {
	divergences, err := gamification.Reconcile(r.db, r.logger)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if len(divergences) == 0 {
		r.logger.Debug("game state consistent with ledger")
	}
	return nil
}

// Cleanup deletes sent outbox messages past retention and sweeps expired
// in-memory state. Pending and failed messages are kept.
func (r *Runner) Cleanup(ctx context.Context) error {
	n, err := store.NewOutboxStore(r.db).DeleteSentBefore(r.now().Add(-r.cfg.Retention))
	if err != nil {
		return err
	}
	swept := 0
	for _, c := range r.cleaners {
		swept += c.Cleanup()
	}
	if n > 0 || swept > 0 {
		r.logger.Info("cleanup", "outbox_deleted", n, "windows_swept", swept)
	}
	return nil
}

// Backup stores a snapshot and prunes expired ones. A failed prune does not
// fail the job once the snapshot is stored.
func (r *Runner) Backup(ctx context.Context) error {
	if r.snapshot == nil {
		return nil
	}
	key, err := r.snapshot.Run(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	n, err := r.snapshot.Prune(ctx)
	if err != nil {
		r.logger.Warn("prune snapshots", "error", err)
	}
	r.logger.Info("backup", "key", key, "pruned", n)
	return nil
}

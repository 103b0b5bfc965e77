package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes runs older than the retention on a cron schedule.
type Pruner struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner validates the schedule and registers the prune job. The job
// does not run until Start.
func NewPruner(store *Store, cfg Config, logger *slog.Logger) (*Pruner, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	schedule := cfg.PruneSchedule
	if schedule == "" {
		schedule = DefaultConfig().PruneSchedule
	}

	p := &Pruner{
		store:     store,
		retention: cfg.Retention,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		logger: logger.With("component", "history.pruner"),
		now:    time.Now,
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the schedule.
func (p *Pruner) Start() {
	p.cron.Start()
	p.logger.Info("history pruner started", "retention", p.retention)
}

// Stop halts the schedule and waits for a running prune, up to ctx.
func (p *Pruner) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		p.logger.Warn("pruner stop timed out")
	}
}

// PruneNow deletes expired runs immediately.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	return p.store.Prune(ctx, p.now().Add(-p.retention))
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := p.PruneNow(ctx); err != nil {
		p.logger.Error("scheduled prune failed", "error", err)
	}
}

package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ReaperConfig controls the background reservation reaper.
type ReaperConfig struct {
	// Schedule is a standard 5-field cron expression, e.g. "*/5 * * * *"
	// for every five minutes. Grounded on mercator-hq-jupiter's use of
	// robfig/cron for scheduled background jobs — the spec only requires
	// "a separate periodic task" (§5), cron gives operators a readable
	// cadence instead of a bare ticker interval.
	Schedule string
	MaxAge   time.Duration
	ScanLimit int
	DryRun    bool
}

// Reaper periodically reclaims reservations abandoned by crashed clients.
// It never settles a live request: the dispatcher always commits or rolls
// back in its own cleanup path (spec §4.C5 "the reaper exists purely for
// crashed clients").
type Reaper struct {
	ledger Ledger
	cfg    ReaperConfig
	log    *slog.Logger
	cron   *cron.Cron
}

// NewReaper builds and starts a Reaper on cfg.Schedule.
func NewReaper(l Ledger, cfg ReaperConfig, log *slog.Logger) (*Reaper, error) {
	r := &Reaper{ledger: l, cfg: cfg, log: log, cron: cron.New()}
	_, err := r.cron.AddFunc(cfg.Schedule, r.tick)
	if err != nil {
		return nil, err
	}
	r.cron.Start()
	return r, nil
}

func (r *Reaper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.MaxAge).UnixMilli()
	scanned, reaped, released, err := r.ledger.Reap(ctx, cutoff, r.cfg.ScanLimit, r.cfg.DryRun)
	if err != nil {
		r.log.Warn("ledger reap failed", slog.String("error", err.Error()))
		return
	}
	if reaped > 0 {
		r.log.Info("ledger reap",
			slog.Int("scanned", scanned),
			slog.Int("reaped", reaped),
			slog.Uint64("released_total", released),
			slog.Bool("dry_run", r.cfg.DryRun))
	}
}

// Close stops the scheduler.
func (r *Reaper) Close() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

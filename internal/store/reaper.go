package store

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Purger is implemented by SQL-backed stores that need periodic hard-deletes
// of expired session rows. The in-memory store expires lazily and does not
// implement it.
type Purger interface {
	PurgeExpired() (int64, error)
}

// Reaper sweeps expired sessions out of a SQL-backed store on a schedule.
type Reaper struct {
	cron *cron.Cron
}

// StartReaper starts a minutely expiry sweep for st when it supports purging,
// and returns nil otherwise. Stop the returned reaper on shutdown.
func StartReaper(st Store) *Reaper {
	purger, ok := st.(Purger)
	if !ok {
		slog.Debug("Store does not require an expiry reaper")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc("* * * * *", func() {
		if _, err := purger.PurgeExpired(); err != nil {
			slog.Error("Session expiry sweep failed", "error", err)
		}
	}); err != nil {
		// The expression is a constant; this only fires if the parser config changes.
		slog.Error("Failed to schedule session expiry sweep", "error", err)
		return nil
	}
	c.Start()
	slog.Info("Session expiry reaper started", "schedule", "every minute")
	return &Reaper{cron: c}
}

// Stop stops the sweep and waits for a running job to finish.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}
	r.cron.Stop()
	slog.Debug("Session expiry reaper stopped")
}

package collab

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

const DefaultSweepCron = "* * * * *"

// RoomLister reports the rooms this process has live connections in.
type RoomLister interface {
	Rooms() []string
}

type SweeperOptions struct {
	Cron      string
	IdleAfter time.Duration
	AwayAfter time.Duration
	// Purge, when set, drops expired rooms of an in-process store on each tick.
	Purge func() int
}

// Sweeper demotes members whose heartbeats stopped. Each process only
// sweeps rooms it has connections in.
type Sweeper struct {
	svc    *Service
	rooms  RoomLister
	opts   SweeperOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(svc *Service, rooms RoomLister, opts SweeperOptions, logger *slog.Logger) (*Sweeper, error) {
	if opts.Cron == "" {
		opts.Cron = DefaultSweepCron
	}
	if !gronx.IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid sweep cron expression: %q", opts.Cron)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{svc: svc, rooms: rooms, opts: opts, logger: logger, now: time.Now}, nil
}

// Run sweeps on every cron tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	w.logger.Info("presence_sweeper_started", "cron", w.opts.Cron, "idle_after", w.opts.IdleAfter, "away_after", w.opts.AwayAfter)
	for {
		next, err := gronx.NextTickAfter(w.opts.Cron, w.now().UTC(), false)
		if err != nil {
			w.logger.Error("presence_sweeper_nexttick_failed", "cron", w.opts.Cron, "err", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("presence_sweeper_stopping")
			return
		case <-timer.C:
		}
		w.SweepOnce(ctx)
	}
}

// SweepOnce runs one demotion pass and returns the number of members changed.
func (w *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for _, roomID := range w.rooms.Rooms() {
		n, err := w.svc.DemoteIdle(ctx, roomID, w.opts.IdleAfter, w.opts.AwayAfter)
		if err != nil {
			w.logger.Warn("presence_sweep_failed", "room", roomID, "err", err)
			continue
		}
		total += n
	}
	if total > 0 {
		w.logger.Debug("presence_sweep_done", "demoted", total)
	}
	if w.opts.Purge != nil {
		if n := w.opts.Purge(); n > 0 {
			w.logger.Debug("expired_rooms_purged", "rooms", n)
		}
	}
	return total
}

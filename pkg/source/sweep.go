package source

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by presence sources whose entries expire. Sweep
// removes expired entries, announces a leave for each and returns their ids.
type Sweeper interface {
	Sweep(ctx context.Context) ([]string, error)
}

// SweepOnce runs one sweep and logs the outcome. Errors after ctx ends are
// not logged.
func SweepOnce(ctx context.Context, sweeper Sweeper, log *slog.Logger) ([]string, error) {
	expired, err := sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Presence sweep failed", "error", err)
		}
		return nil, err
	}
	if len(expired) > 0 {
		log.Info("Expired stale presence", "ids", expired)
	}
	return expired, nil
}

// RunSweeper sweeps every interval until ctx ends. A non-positive interval
// returns immediately.
func RunSweeper(ctx context.Context, sweeper Sweeper, interval time.Duration, log *slog.Logger) {
	if sweeper == nil || interval <= 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = SweepOnce(ctx, sweeper, log)
		}
	}
}

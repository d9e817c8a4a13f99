package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionMaintainer is the slice of the session service the maintenance
// worker needs: periodic durability checkpoints and stale-session closing.
type sessionMaintainer interface {
	Checkpoint(ctx context.Context) error
	SweepStale(ctx context.Context, idleFor time.Duration) (int, error)
}

type maintenanceConfig struct {
	CheckpointInterval time.Duration
	SweepInterval      time.Duration
	StaleAfter         time.Duration
}

type maintenanceTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) maintenanceTicker

func startSessionMaintenance(ctx context.Context, logger *slog.Logger, sessions sessionMaintainer, cfg maintenanceConfig) func() {
	return startSessionMaintenanceWithTicker(ctx, logger, sessions, cfg, func(d time.Duration) maintenanceTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSessionMaintenanceWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionMaintainer,
	cfg maintenanceConfig,
	newTicker tickerFactory,
) func() {
	if sessions == nil || (cfg.CheckpointInterval <= 0 && cfg.SweepInterval <= 0) {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	var checkpointC, sweepC <-chan time.Time
	var tickers []maintenanceTicker
	if cfg.CheckpointInterval > 0 {
		ticker := newTicker(cfg.CheckpointInterval)
		tickers = append(tickers, ticker)
		checkpointC = ticker.C()
	}
	if cfg.SweepInterval > 0 && cfg.StaleAfter > 0 {
		ticker := newTicker(cfg.SweepInterval)
		tickers = append(tickers, ticker)
		sweepC = ticker.C()
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			for _, ticker := range tickers {
				ticker.Stop()
			}
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-checkpointC:
				if err := sessions.Checkpoint(workerCtx); err != nil && logger != nil {
					logger.Error("session checkpoint failed", "error", err)
				}
			case <-sweepC:
				closed, err := sessions.SweepStale(workerCtx, cfg.StaleAfter)
				if err != nil && logger != nil {
					logger.Error("stale session sweep failed", "error", err)
				}
				if closed > 0 && logger != nil {
					logger.Info("stale sessions closed", "count", closed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
